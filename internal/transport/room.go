package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/catalog"
	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/transcript"
)

// RoomPCMFormat is the format of decoded remote track audio
const RoomPCMFormat = "audio/pcm;rate=48000"

const (
	trackReadTimeout  = 500 * time.Millisecond
	endSessionTimeout = 5 * time.Second
)

// SessionBroker issues and ends media-room sessions
type SessionBroker interface {
	CreateSession(ctx context.Context, agentID, participantName string) (*catalog.SessionDescriptor, error)
	EndSession(ctx context.Context, sessionID string) error
}

// RoomSession is a joined room
type RoomSession interface {
	LocalIdentity() string
	PublishMicrophone(name string, sampleRate, channels int) (MicrophoneTrack, error)
	Disconnect()
}

// MicrophoneTrack is a published local audio track
type MicrophoneTrack interface {
	WriteSample(pcm []int16) error
	Close()
}

// RemoteAudio is a subscribed remote audio track carrying Opus
type RemoteAudio interface {
	ID() string
	Channels() int
	// ReadPacket returns the next Opus payload or a timeout error after the given wait
	ReadPacket(timeout time.Duration) ([]byte, error)
}

// Segment is one native transcription segment. Start and end are milliseconds.
type Segment struct {
	ID        string
	Text      string
	Final     bool
	StartTime uint64
	EndTime   uint64
}

// RoomEvents are the room callbacks the adapter consumes
type RoomEvents struct {
	OnAudioTrack      func(track RemoteAudio, participantID string)
	OnAudioTrackEnded func(trackID, participantID string)
	OnTranscription   func(segments []Segment, participantID string)
	OnDisconnected    func(reason string)
}

// JoinFunc joins a room with a broker-issued token
type JoinFunc func(ctx context.Context, url, token string, events RoomEvents) (RoomSession, error)

// RoomConfig holds media-room adapter configuration
type RoomConfig struct {
	ParticipantName string
	Join            JoinFunc // Defaults to JoinLiveKit
	Metrics         *observability.Metrics
}

// Room is the media-room adapter
type Room struct {
	config  RoomConfig
	broker  SessionBroker
	handler Handler
	logger  zerolog.Logger

	mu        sync.Mutex
	session   RoomSession
	desc      *catalog.SessionDescriptor
	mic       MicrophoneTrack
	unsub     func()
	outDone   chan struct{}
	sinks     map[string]*trackSink
	seq       uint64
	closing   bool
	sinkWG    sync.WaitGroup
	closeOnce sync.Once
}

// NewRoom creates an unjoined media-room adapter
func NewRoom(config RoomConfig, broker SessionBroker, handler Handler, logger zerolog.Logger) *Room {
	if config.Join == nil {
		config.Join = JoinLiveKit
	}
	if config.ParticipantName == "" {
		config.ParticipantName = "guest"
	}
	return &Room{
		config:  config,
		broker:  broker,
		handler: handler,
		logger:  observability.WithComponent(logger, "media-room"),
		sinks:   make(map[string]*trackSink),
	}
}

// Name implements Transport
func (r *Room) Name() string {
	return "media-room"
}

// IsAgentIdentity reports whether a participant identity belongs to the agent
func IsAgentIdentity(identity string) bool {
	return strings.Contains(strings.ToLower(identity), "agent")
}

func speakerFor(identity string) transcript.Speaker {
	if IsAgentIdentity(identity) {
		return transcript.SpeakerAI
	}
	return transcript.SpeakerUser
}

// Connect requests a session descriptor and joins the room
func (r *Room) Connect(ctx context.Context, agentID string) error {
	desc, err := r.broker.CreateSession(ctx, agentID, r.config.ParticipantName)
	if err != nil {
		return err
	}

	session, err := r.config.Join(ctx, desc.URL, desc.Token, r.events())
	if err != nil {
		r.endSession(desc.SessionID)
		return fmt.Errorf("failed to join room: %w", err)
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		session.Disconnect()
		r.endSession(desc.SessionID)
		return ErrNotConnected
	}
	r.session = session
	r.desc = desc
	r.mu.Unlock()

	r.logger.Info().
		Str("session_id", desc.SessionID).
		Str("identity", session.LocalIdentity()).
		Msg("Joined media room")
	return nil
}

// SessionID returns the broker session id once joined
func (r *Room) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.desc == nil {
		return ""
	}
	return r.desc.SessionID
}

// StartOutbound publishes the microphone. Only valid after a successful join.
func (r *Room) StartOutbound(stream *media.Stream) error {
	r.mu.Lock()
	session := r.session
	if session == nil || r.closing {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if r.mic != nil {
		r.mu.Unlock()
		return errors.New("transport: microphone already published")
	}
	r.mu.Unlock()

	c := stream.Constraints()
	mic, err := session.PublishMicrophone("microphone", c.SampleRate, c.Channels)
	if err != nil {
		return fmt.Errorf("failed to publish microphone: %w", err)
	}

	frames, unsub := stream.Subscribe(32)
	done := make(chan struct{})

	r.mu.Lock()
	r.mic = mic
	r.unsub = unsub
	r.outDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for frame := range frames {
			if err := mic.WriteSample(audio.BytesToSamples(frame)); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to write microphone sample")
				continue
			}
			if r.config.Metrics != nil {
				r.config.Metrics.RecordAudioBytes("out", int64(len(frame)))
			}
		}
	}()

	r.logger.Debug().Int("sample_rate", c.SampleRate).Msg("Microphone published")
	return nil
}

func (r *Room) events() RoomEvents {
	return RoomEvents{
		OnAudioTrack:      r.onAudioTrack,
		OnAudioTrackEnded: r.onAudioTrackEnded,
		OnTranscription:   r.onTranscription,
		OnDisconnected:    r.onDisconnected,
	}
}

func (r *Room) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Room) onTranscription(segments []Segment, participantID string) {
	if r.isClosing() {
		return
	}
	speaker := speakerFor(participantID)
	for _, seg := range segments {
		f := transcript.Fragment{
			Speaker:       speaker,
			Text:          seg.Text,
			IsFinal:       seg.Final,
			Source:        transcript.SourceMediaRoom,
			ParticipantID: participantID,
			Timestamp:     time.Now(),
		}
		if seg.EndTime > seg.StartTime {
			d := float64(seg.EndTime-seg.StartTime) / 1000
			f.Duration = &d
		}
		r.handler(TranscriptEvent{Fragment: f})
	}
}

func (r *Room) onDisconnected(reason string) {
	if r.isClosing() {
		return
	}
	r.logger.Warn().Str("reason", reason).Msg("Media room disconnected")
	if r.config.Metrics != nil {
		r.config.Metrics.RecordError("connection_lost", "media-room")
	}
	r.handler(ClosedEvent{Clean: false, Reason: reason})
}

// trackSink decodes one remote track into streamed PCM chunks
type trackSink struct {
	track       RemoteAudio
	participant string
	stop        chan struct{}
	stopOnce    sync.Once
}

func (s *trackSink) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (r *Room) onAudioTrack(track RemoteAudio, participantID string) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	if r.session != nil && participantID == r.session.LocalIdentity() {
		r.mu.Unlock()
		return
	}
	if _, exists := r.sinks[track.ID()]; exists {
		r.mu.Unlock()
		return
	}

	decoder, err := audio.NewOpusDecoder(track.Channels())
	if err != nil {
		r.mu.Unlock()
		r.logger.Error().Err(err).Str("track_id", track.ID()).Msg("Failed to create track decoder")
		return
	}

	sink := &trackSink{track: track, participant: participantID, stop: make(chan struct{})}
	r.sinks[track.ID()] = sink
	r.sinkWG.Add(1)
	r.mu.Unlock()

	r.logger.Info().Str("track_id", track.ID()).Str("participant", participantID).Msg("Remote audio track subscribed")
	r.handler(SpeakingEvent{Speaker: speakerFor(participantID), Speaking: true, ParticipantID: participantID})

	go r.readSink(sink, decoder)
}

func (r *Room) onAudioTrackEnded(trackID, participantID string) {
	r.mu.Lock()
	sink, ok := r.sinks[trackID]
	r.mu.Unlock()
	if ok {
		sink.close()
	}
}

func (r *Room) readSink(sink *trackSink, decoder *audio.OpusDecoder) {
	defer r.sinkWG.Done()
	defer func() {
		r.mu.Lock()
		delete(r.sinks, sink.track.ID())
		closing := r.closing
		r.mu.Unlock()

		r.logger.Info().Str("track_id", sink.track.ID()).Msg("Remote audio track ended")
		if !closing {
			r.handler(SpeakingEvent{Speaker: speakerFor(sink.participant), Speaking: false, ParticipantID: sink.participant})
		}
	}()

	for {
		select {
		case <-sink.stop:
			return
		default:
		}

		payload, err := sink.track.ReadPacket(trackReadTimeout)
		if err != nil {
			if isReadTimeout(err) {
				continue
			}
			r.logger.Debug().Err(err).Str("track_id", sink.track.ID()).Msg("Remote track read stopped")
			return
		}
		if len(payload) == 0 {
			continue
		}

		pcm, err := decoder.Decode(payload)
		if err != nil {
			r.logger.Debug().Err(err).Msg("Dropping undecodable Opus packet")
			continue
		}

		r.mu.Lock()
		seq := r.seq
		r.seq++
		closing := r.closing
		r.mu.Unlock()
		if closing {
			return
		}

		data := audio.SamplesToBytes(pcm)
		if r.config.Metrics != nil {
			r.config.Metrics.RecordAudioBytes("in", int64(len(data)))
		}
		r.handler(AudioEvent{
			Chunk:    audio.Chunk{Data: data, Format: RoomPCMFormat, Seq: seq},
			Streamed: true,
		})
	}
}

func isReadTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err)
}

// endSession tells the broker the session is over without waiting
func (r *Room) endSession(sessionID string) {
	if sessionID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
		defer cancel()
		if err := r.broker.EndSession(ctx, sessionID); err != nil {
			r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to end voice session")
		}
	}()
}

// Teardown stops publishing, stops every track sink, leaves the room and
// ends the broker session
func (r *Room) Teardown() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		unsub := r.unsub
		outDone := r.outDone
		mic := r.mic
		session := r.session
		desc := r.desc
		sinks := make([]*trackSink, 0, len(r.sinks))
		for _, s := range r.sinks {
			sinks = append(sinks, s)
		}
		r.mu.Unlock()

		if unsub != nil {
			unsub()
			<-outDone
		}
		if mic != nil {
			mic.Close()
		}

		for _, s := range sinks {
			s.close()
		}
		r.sinkWG.Wait()

		if session != nil {
			session.Disconnect()
		}
		if desc != nil {
			r.endSession(desc.SessionID)
		}
		r.logger.Info().Msg("Left media room")
	})
}
