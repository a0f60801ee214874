package transport

import (
	"context"
	"errors"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/transcript"
)

var (
	ErrConnectTimeout = errors.New("transport: connect timed out")
	ErrNotConnected   = errors.New("transport: not connected")
)

// Event is anything an adapter reports to the session
type Event interface {
	isEvent()
}

// AudioEvent carries one inbound chunk. Streamed chunks are laid back to back
// on the playback timeline; the rest are queued whole.
type AudioEvent struct {
	Chunk    audio.Chunk
	Streamed bool
}

// TranscriptEvent carries one text fragment
type TranscriptEvent struct {
	Fragment transcript.Fragment
}

// InterruptEvent asks for all agent playback to stop at once
type InterruptEvent struct{}

// SpeakingEvent brackets a speaker's activity when the protocol signals it
type SpeakingEvent struct {
	Speaker       transcript.Speaker
	Speaking      bool
	ParticipantID string
}

// ClosedEvent reports that the remote side went away. It is never emitted
// for a teardown the session asked for.
type ClosedEvent struct {
	Clean  bool
	Reason string
	Err    error
}

func (AudioEvent) isEvent()      {}
func (TranscriptEvent) isEvent() {}
func (InterruptEvent) isEvent()  {}
func (SpeakingEvent) isEvent()   {}
func (ClosedEvent) isEvent()     {}

// Handler receives events in arrival order from the adapter's read goroutine
type Handler func(Event)

// Transport is the contract both adapters implement
type Transport interface {
	// Name identifies the adapter in logs and metrics
	Name() string
	// Connect establishes the session with the agent
	Connect(ctx context.Context, agentID string) error
	// StartOutbound begins sending microphone audio. Call after Connect.
	StartOutbound(stream *media.Stream) error
	// Teardown stops outbound production, then closes the connection. Safe to call more than once.
	Teardown()
}
