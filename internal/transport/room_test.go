package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/catalog"
	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/media/mock"
	"github.com/lexiqai/voice-client/internal/transcript"
)

type fakeBroker struct {
	err error

	mu    sync.Mutex
	ended []string
}

func (b *fakeBroker) CreateSession(ctx context.Context, agentID, participantName string) (*catalog.SessionDescriptor, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &catalog.SessionDescriptor{URL: "wss://room.example", Token: "tok", SessionID: "s-" + agentID}, nil
}

func (b *fakeBroker) EndSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	b.ended = append(b.ended, sessionID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) endedSessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ended...)
}

type fakeMic struct {
	mu      sync.Mutex
	samples int
	closed  bool
}

func (m *fakeMic) WriteSample(pcm []int16) error {
	m.mu.Lock()
	m.samples += len(pcm)
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

type fakeSession struct {
	identity string

	mu           sync.Mutex
	mic          *fakeMic
	rate         int
	disconnected bool
}

func (s *fakeSession) LocalIdentity() string { return s.identity }

func (s *fakeSession) PublishMicrophone(name string, sampleRate, channels int) (MicrophoneTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mic = &fakeMic{}
	s.rate = sampleRate
	return s.mic, nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

type fakeTrack struct {
	id      string
	packets chan []byte
}

func (f *fakeTrack) ID() string    { return f.id }
func (f *fakeTrack) Channels() int { return 1 }

func (f *fakeTrack) ReadPacket(timeout time.Duration) ([]byte, error) {
	select {
	case p, ok := <-f.packets:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-time.After(10 * time.Millisecond):
		return nil, os.ErrDeadlineExceeded
	}
}

// fakeJoiner records joins and exposes the callbacks the adapter registered
type fakeJoiner struct {
	err     error
	session *fakeSession

	mu     sync.Mutex
	joins  int
	events RoomEvents
}

func (j *fakeJoiner) join(ctx context.Context, url, token string, events RoomEvents) (RoomSession, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.joins++
	j.events = events
	if j.err != nil {
		return nil, j.err
	}
	return j.session, nil
}

func (j *fakeJoiner) joined() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.joins
}

func newTestRoom(broker *fakeBroker, joiner *fakeJoiner, rec *recorder) *Room {
	return NewRoom(RoomConfig{ParticipantName: "guest", Join: joiner.join}, broker, rec.handle, zerolog.Nop())
}

func TestIsAgentIdentity(t *testing.T) {
	tests := map[string]bool{
		"agent-123":      true,
		"voice-Agent":    true,
		"user-42":        false,
		"":               false,
		"guest_identity": false,
	}
	for identity, want := range tests {
		if got := IsAgentIdentity(identity); got != want {
			t.Errorf("IsAgentIdentity(%q): expected %v, got %v", identity, want, got)
		}
	}
}

func TestRoom_ConcurrentLimitSkipsJoin(t *testing.T) {
	broker := &fakeBroker{err: fmt.Errorf("failed to create voice session: %w", catalog.ErrConcurrentLimit)}
	joiner := &fakeJoiner{session: &fakeSession{}}
	r := newTestRoom(broker, joiner, newRecorder())

	err := r.Connect(context.Background(), "a1")
	if !errors.Is(err, catalog.ErrConcurrentLimit) {
		t.Fatalf("Expected ErrConcurrentLimit, got %v", err)
	}
	if joiner.joined() != 0 {
		t.Error("Expected no room join")
	}
}

func TestRoom_JoinFailureEndsSession(t *testing.T) {
	broker := &fakeBroker{}
	joiner := &fakeJoiner{err: errors.New("signal refused")}
	r := newTestRoom(broker, joiner, newRecorder())

	if err := r.Connect(context.Background(), "a1"); err == nil {
		t.Fatal("Expected join error")
	}
	waitFor(t, "broker session end", func() bool { return len(broker.endedSessions()) == 1 })
	if broker.endedSessions()[0] != "s-a1" {
		t.Errorf("Expected session s-a1 ended, got %v", broker.endedSessions())
	}
}

func TestRoom_PublishesOnlyAfterJoin(t *testing.T) {
	session := &fakeSession{identity: "guest-1"}
	joiner := &fakeJoiner{session: session}
	r := newTestRoom(&fakeBroker{}, joiner, newRecorder())

	src := mock.NewSource(8)
	stream := media.NewStream(src, media.DefaultConstraints())
	defer stream.Stop()

	if err := r.StartOutbound(stream); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected before join, got %v", err)
	}
	if session.mic != nil {
		t.Fatal("Expected no publish before join")
	}

	if err := r.Connect(context.Background(), "a1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := r.StartOutbound(stream); err != nil {
		t.Fatalf("StartOutbound failed: %v", err)
	}
	if session.rate != 48000 {
		t.Errorf("Expected 48 kHz publish track, got %d", session.rate)
	}

	src.Send(make([]byte, media.DefaultConstraints().FrameBytes()))
	waitFor(t, "published samples", func() bool {
		session.mic.mu.Lock()
		defer session.mic.mu.Unlock()
		return session.mic.samples == 960
	})

	r.Teardown()
}

func TestRoom_Transcription(t *testing.T) {
	joiner := &fakeJoiner{session: &fakeSession{identity: "guest-1"}}
	rec := newRecorder()
	r := newTestRoom(&fakeBroker{}, joiner, rec)
	if err := r.Connect(context.Background(), "a1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer r.Teardown()

	joiner.events.OnTranscription([]Segment{{Text: "hi there", Final: true, StartTime: 1000, EndTime: 2500}}, "agent-7")
	joiner.events.OnTranscription([]Segment{{Text: "hel", Final: false}}, "guest-1")

	ai := rec.next(t).(TranscriptEvent).Fragment
	if ai.Speaker != transcript.SpeakerAI || !ai.IsFinal || ai.ParticipantID != "agent-7" {
		t.Errorf("Unexpected AI fragment %+v", ai)
	}
	if ai.Duration == nil || *ai.Duration != 1.5 {
		t.Errorf("Expected duration 1.5, got %v", ai.Duration)
	}
	if ai.Source != transcript.SourceMediaRoom {
		t.Errorf("Expected source media-room, got %s", ai.Source)
	}

	user := rec.next(t).(TranscriptEvent).Fragment
	if user.Speaker != transcript.SpeakerUser || user.IsFinal {
		t.Errorf("Unexpected user fragment %+v", user)
	}
}

func opusPacket(t *testing.T) []byte {
	t.Helper()
	enc, err := audio.NewOpusEncoder()
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}
	packet, err := enc.Encode(make([]int16, audio.OpusFrameSize))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	return packet
}

func TestRoom_RemoteTrackSink(t *testing.T) {
	joiner := &fakeJoiner{session: &fakeSession{identity: "guest-1"}}
	rec := newRecorder()
	r := newTestRoom(&fakeBroker{}, joiner, rec)
	if err := r.Connect(context.Background(), "a1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer r.Teardown()

	track := &fakeTrack{id: "TR_1", packets: make(chan []byte, 4)}
	joiner.events.OnAudioTrack(track, "agent-7")

	start, ok := rec.next(t).(SpeakingEvent)
	if !ok || !start.Speaking || start.Speaker != transcript.SpeakerAI {
		t.Fatalf("Expected AI speaking start, got %#v", start)
	}

	track.packets <- opusPacket(t)
	ev, ok := rec.next(t).(AudioEvent)
	if !ok {
		t.Fatal("Expected AudioEvent")
	}
	if !ev.Streamed || ev.Chunk.Format != RoomPCMFormat {
		t.Errorf("Expected streamed %s chunk, got %+v", RoomPCMFormat, ev)
	}
	if len(ev.Chunk.Data) != audio.OpusFrameSize*2 {
		t.Errorf("Expected %d bytes, got %d", audio.OpusFrameSize*2, len(ev.Chunk.Data))
	}

	joiner.events.OnAudioTrackEnded("TR_1", "agent-7")
	stop, ok := rec.next(t).(SpeakingEvent)
	if !ok || stop.Speaking {
		t.Fatalf("Expected speaking stop, got %#v", stop)
	}
}

func TestRoom_IgnoresLocalTracks(t *testing.T) {
	joiner := &fakeJoiner{session: &fakeSession{identity: "guest-1"}}
	rec := newRecorder()
	r := newTestRoom(&fakeBroker{}, joiner, rec)
	if err := r.Connect(context.Background(), "a1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer r.Teardown()

	joiner.events.OnAudioTrack(&fakeTrack{id: "TR_local", packets: make(chan []byte)}, "guest-1")
	rec.none(t, 30*time.Millisecond)
}

func TestRoom_RemoteDisconnect(t *testing.T) {
	joiner := &fakeJoiner{session: &fakeSession{identity: "guest-1"}}
	rec := newRecorder()
	r := newTestRoom(&fakeBroker{}, joiner, rec)
	if err := r.Connect(context.Background(), "a1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer r.Teardown()

	joiner.events.OnDisconnected("server shutdown")
	ev, ok := rec.next(t).(ClosedEvent)
	if !ok || ev.Clean {
		t.Errorf("Expected unclean ClosedEvent, got %#v", ev)
	}
}

func TestRoom_Teardown(t *testing.T) {
	session := &fakeSession{identity: "guest-1"}
	joiner := &fakeJoiner{session: session}
	broker := &fakeBroker{}
	rec := newRecorder()
	r := newTestRoom(broker, joiner, rec)
	if err := r.Connect(context.Background(), "a1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	src := mock.NewSource(8)
	stream := media.NewStream(src, media.DefaultConstraints())
	defer stream.Stop()
	if err := r.StartOutbound(stream); err != nil {
		t.Fatalf("StartOutbound failed: %v", err)
	}

	track := &fakeTrack{id: "TR_1", packets: make(chan []byte)}
	joiner.events.OnAudioTrack(track, "agent-7")
	rec.next(t) // speaking start

	r.Teardown()
	r.Teardown()

	if !session.disconnected {
		t.Error("Expected room disconnected")
	}
	if !session.mic.closed {
		t.Error("Expected microphone track closed")
	}
	waitFor(t, "broker session end", func() bool { return len(broker.endedSessions()) == 1 })

	// Callbacks after teardown are inert
	joiner.events.OnDisconnected("room disconnected")
	joiner.events.OnTranscription([]Segment{{Text: "late", Final: true}}, "agent-7")
	rec.none(t, 30*time.Millisecond)

	if src.Closes() != 0 {
		t.Error("Expected transport teardown to leave the microphone running")
	}
}
