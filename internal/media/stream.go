package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Constraints describe the requested capture format and processing
type Constraints struct {
	SampleRate       int
	Channels         int
	BitDepth         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	FrameDuration    time.Duration
}

// DefaultConstraints returns the capture profile voice sessions use:
// mono 48 kHz 16-bit, echo cancellation and noise suppression on, AGC off.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       48000,
		Channels:         1,
		BitDepth:         16,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  false,
		FrameDuration:    20 * time.Millisecond,
	}
}

// FrameBytes returns the size of one PCM frame
func (c Constraints) FrameBytes() int {
	frame := c.FrameDuration
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	samples := c.SampleRate * int(frame/time.Millisecond) / 1000
	return samples * c.Channels * (c.BitDepth / 8)
}

// Source produces raw little-endian PCM frames until closed
type Source interface {
	Frames() <-chan []byte
	Close() error
}

// Track is one captured audio track. A disabled track keeps running but
// delivers silence; a stopped track releases the device.
type Track struct {
	id       string
	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	onStop   func()
}

// ID returns the track id
func (t *Track) ID() string {
	return t.id
}

// Enabled reports whether the track delivers captured audio
func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled mutes or unmutes the track without releasing the device
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Stop releases the track. Only the first call has any effect.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// Stopped reports whether Stop has been called
func (t *Track) Stopped() bool {
	return t.stopped.Load()
}

// Stream is a live microphone stream shared by several read-only consumers.
// Only the owner stops it.
type Stream struct {
	id          string
	constraints Constraints
	track       *Track
	source      Source

	mu      sync.Mutex
	subs    map[int]chan []byte
	nextSub int
	closed  bool

	done chan struct{}
}

// NewStream wraps a source in a stream with a single enabled audio track and
// starts fanning its frames out to subscribers
func NewStream(source Source, c Constraints) *Stream {
	s := &Stream{
		id:          uuid.New().String(),
		constraints: c,
		source:      source,
		subs:        make(map[int]chan []byte),
		done:        make(chan struct{}),
	}
	s.track = &Track{
		id:     uuid.New().String(),
		onStop: func() { _ = s.source.Close() },
	}
	s.track.SetEnabled(true)

	go s.pump()
	return s
}

// ID returns the stream id
func (s *Stream) ID() string {
	return s.id
}

// Constraints returns the format frames are delivered in
func (s *Stream) Constraints() Constraints {
	return s.constraints
}

// Tracks returns the stream's tracks
func (s *Stream) Tracks() []*Track {
	return []*Track{s.track}
}

// Subscribe registers a consumer. Frames are dropped for a subscriber whose
// buffer is full. The channel is closed when the stream ends or the returned
// cancel func is called.
func (s *Stream) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan []byte, buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Stop stops every track of the stream
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Done is closed once the source has ended and all subscribers are released
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) pump() {
	defer s.finish()

	var silence []byte
	for frame := range s.source.Frames() {
		if !s.track.Enabled() {
			if len(silence) != len(frame) {
				silence = make([]byte, len(frame))
			}
			frame = silence
		}

		s.mu.Lock()
		for _, sub := range s.subs {
			// Non-blocking: a slow consumer loses frames instead of stalling capture
			select {
			case sub <- frame:
			default:
			}
		}
		s.mu.Unlock()
	}
}

func (s *Stream) finish() {
	s.mu.Lock()
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub)
	}
	s.mu.Unlock()
	close(s.done)
}
