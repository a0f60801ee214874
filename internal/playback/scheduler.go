package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/observability"
)

// ErrClosed is returned once the scheduler has been torn down
var ErrClosed = errors.New("playback: scheduler closed")

// Voice is one scheduled buffer on the output
type Voice interface {
	// Stop silences the voice immediately. Its end callback does not fire.
	Stop()
}

// Output is a clocked audio sink
type Output interface {
	// CurrentTime is the playback clock in seconds
	CurrentTime() float64
	// Start schedules buf at the given clock time; onEnded fires after its last sample plays
	Start(buf audio.Buffer, at float64, onEnded func()) (Voice, error)
	Close() error
}

// Config holds scheduler configuration
type Config struct {
	QueueSize int           // Queued-mode capacity; the oldest chunk is superseded when full
	Lead      time.Duration // Delay before the first streamed chunk
	Epsilon   time.Duration // Offset applied when the timeline has fallen behind the clock
}

// DefaultConfig returns a default scheduler configuration
func DefaultConfig() *Config {
	return &Config{
		QueueSize: 8,
		Lead:      50 * time.Millisecond,
		Epsilon:   5 * time.Millisecond,
	}
}

// Timeline tracks where the next streamed chunk will start, in output clock seconds
type Timeline struct {
	NextScheduledTime float64
	LastChunkEndTime  float64
}

// Scheduler buffers, decodes and schedules remote audio. Queued mode plays
// whole chunks one after another; streamed mode lays chunks back to back on
// the output clock. Interrupt silences everything at once.
type Scheduler struct {
	out    Output
	dec    audio.Decoder
	config *Config
	logger zerolog.Logger

	mu              sync.Mutex
	queue           []audio.Chunk
	driving         bool
	voices          map[uint64]Voice
	nextVoice       uint64
	timeline        Timeline
	timelineStarted bool
	generation      uint64
	interrupted     bool
	closed          bool
	closeOnce       sync.Once
}

// NewScheduler creates a scheduler over the given output
func NewScheduler(out Output, dec audio.Decoder, config *Config, logger zerolog.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 8
	}
	if dec == nil {
		dec = audio.NewDecoder()
	}
	return &Scheduler{
		out:    out,
		dec:    dec,
		config: config,
		logger: logger,
		voices: make(map[uint64]Voice),
	}
}

// Enqueue adds a chunk to the playback queue and starts the driver if idle
func (s *Scheduler) Enqueue(chunk audio.Chunk) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		observability.RecordPlaybackChunk("discarded")
		return
	}

	s.interrupted = false
	if len(s.queue) >= s.config.QueueSize {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		observability.RecordPlaybackChunk("superseded")
		s.logger.Debug().Uint64("seq", dropped.Seq).Msg("Playback queue full, superseded oldest chunk")
	}
	s.queue = append(s.queue, chunk)

	start := !s.driving
	s.driving = true
	gen := s.generation
	s.mu.Unlock()

	if start {
		go s.drive(gen)
	}
}

// drive pulls, decodes and schedules one chunk. The next pull happens when
// that chunk ends naturally.
func (s *Scheduler) drive(gen uint64) {
	for {
		s.mu.Lock()
		if gen != s.generation || s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.driving = false
			s.mu.Unlock()
			return
		}
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		buf, err := s.dec.Decode(chunk)
		if err != nil {
			observability.RecordPlaybackChunk("decode_error")
			s.logger.Warn().Err(err).Uint64("seq", chunk.Seq).Str("format", chunk.Format).Msg("Dropping undecodable chunk")
			continue
		}

		s.mu.Lock()
		if gen != s.generation || s.closed {
			s.mu.Unlock()
			observability.RecordPlaybackChunk("discarded")
			return
		}
		id := s.nextVoice
		s.nextVoice++
		voice, err := s.out.Start(buf, s.out.CurrentTime(), func() {
			go s.queuedEnded(gen, id)
		})
		if err != nil {
			s.mu.Unlock()
			observability.RecordPlaybackChunk("decode_error")
			s.logger.Warn().Err(err).Uint64("seq", chunk.Seq).Msg("Dropping chunk the output rejected")
			continue
		}
		s.voices[id] = voice
		s.mu.Unlock()

		observability.RecordPlaybackChunk("played")
		return
	}
}

func (s *Scheduler) queuedEnded(gen, id uint64) {
	s.mu.Lock()
	delete(s.voices, id)
	current := gen == s.generation
	s.mu.Unlock()

	if current {
		s.drive(gen)
	}
}

// Stream decodes a chunk and schedules it to start exactly where the
// previous streamed chunk ends. Returns the scheduled start time.
func (s *Scheduler) Stream(chunk audio.Chunk) (float64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	gen := s.generation
	s.mu.Unlock()

	buf, err := s.dec.Decode(chunk)
	if err != nil {
		observability.RecordPlaybackChunk("decode_error")
		s.logger.Warn().Err(err).Uint64("seq", chunk.Seq).Msg("Dropping undecodable streamed chunk")
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An interrupt landed while this chunk was decoding
	if gen != s.generation || s.closed {
		observability.RecordPlaybackChunk("discarded")
		return 0, nil
	}

	now := s.out.CurrentTime()
	var at float64
	if !s.timelineStarted {
		at = now + s.config.Lead.Seconds()
	} else {
		at = s.timeline.NextScheduledTime
		if at < now {
			at = now + s.config.Epsilon.Seconds()
		}
	}

	id := s.nextVoice
	s.nextVoice++
	voice, err := s.out.Start(buf, at, func() {
		s.mu.Lock()
		delete(s.voices, id)
		s.mu.Unlock()
	})
	if err != nil {
		observability.RecordPlaybackChunk("decode_error")
		return 0, err
	}
	s.voices[id] = voice

	end := at + buf.Duration()
	s.timeline.NextScheduledTime = end
	s.timeline.LastChunkEndTime = end
	s.timelineStarted = true
	s.interrupted = false

	observability.RecordPlaybackChunk("played")
	return at, nil
}

// Interrupt stops every playing voice, discards every pending chunk and
// resets the streaming timeline. Work already in flight becomes inert.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.generation++
	s.interrupted = true
	dropped := len(s.queue)
	s.queue = nil
	s.driving = false
	voices := s.voices
	s.voices = make(map[uint64]Voice)
	s.timeline = Timeline{}
	s.timelineStarted = false
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	for i := 0; i < dropped; i++ {
		observability.RecordPlaybackChunk("discarded")
	}
	observability.RecordInterruption()

	if dropped > 0 || len(voices) > 0 {
		s.logger.Debug().Int("dropped", dropped).Int("stopped", len(voices)).Msg("Playback interrupted")
	}
}

// Teardown interrupts playback and releases the output. Safe to call more than once.
func (s *Scheduler) Teardown() {
	s.Interrupt()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		if err := s.out.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close audio output")
		}
	})
}

// Timeline returns a snapshot of the streaming timeline
func (s *Scheduler) Timeline() Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

// QueueLen returns the number of chunks waiting in queued mode
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ActiveVoices returns the number of scheduled voices that have not ended
func (s *Scheduler) ActiveVoices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.voices)
}

// Interrupted reports whether an interrupt has happened since the last chunk arrived
func (s *Scheduler) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}
