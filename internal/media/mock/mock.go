package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lexiqai/voice-client/internal/media"
)

// Source is an in-memory frame source. Push frames with Send; Close ends the
// stream and is counted.
type Source struct {
	frames chan []byte
	closes atomic.Int32

	mu     sync.Mutex
	closed bool
}

// NewSource creates a source with room for buffer pending frames
func NewSource(buffer int) *Source {
	return &Source{frames: make(chan []byte, buffer)}
}

// Frames implements media.Source
func (s *Source) Frames() <-chan []byte {
	return s.frames
}

// Send queues a frame, blocking while the buffer is full. It returns false
// once the source is closed.
func (s *Source) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- frame
	return true
}

// Close implements media.Source
func (s *Source) Close() error {
	s.closes.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closes returns how many times Close was called
func (s *Source) Closes() int {
	return int(s.closes.Load())
}

// Microphone hands out streams backed by mock sources, or fails with Err.
type Microphone struct {
	// Err is returned by Acquire when non-nil.
	Err error

	mu       sync.Mutex
	acquires int
	streams  []*media.Stream
	sources  []*Source
}

// Acquire implements media.Microphone
func (m *Microphone) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.acquires++
	if m.Err != nil {
		return nil, m.Err
	}
	src := NewSource(64)
	stream := media.NewStream(src, c)
	m.sources = append(m.sources, src)
	m.streams = append(m.streams, stream)
	return stream, nil
}

// Acquires returns the number of Acquire calls
func (m *Microphone) Acquires() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires
}

// Streams returns every stream handed out so far
func (m *Microphone) Streams() []*media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*media.Stream(nil), m.streams...)
}

// Sources returns the sources behind Streams, in the same order
func (m *Microphone) Sources() []*Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Source(nil), m.sources...)
}
