package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/transcript"
)

const (
	socketWriteTimeout = 5 * time.Second
	socketCloseGrace   = time.Second
)

// SocketConfig holds socket adapter configuration
type SocketConfig struct {
	BaseURL         string        // The agent id is appended as the last path segment
	ConnectTimeout  time.Duration // Bound on the whole handshake
	SegmentDuration time.Duration // Length of each outbound Ogg/Opus segment
	Header          http.Header
	Metrics         *observability.Metrics
}

// controlMessage covers every JSON frame the agent socket sends
type controlMessage struct {
	Type        string   `json:"type"`
	Interrupt   bool     `json:"interrupt"`
	Audio       string   `json:"audio"`
	AudioFormat string   `json:"audio_format"`
	Format      string   `json:"format"`
	Speaker     string   `json:"speaker"`
	Role        string   `json:"role"`
	Text        string   `json:"text"`
	IsFinal     *bool    `json:"is_final"`
	Confidence  *float64 `json:"confidence"`
	Duration    *float64 `json:"duration"`
}

// Socket is the raw duplex audio adapter. Binary frames are audio; text
// frames are JSON control messages.
type Socket struct {
	config  SocketConfig
	handler Handler
	logger  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	format    string
	seq       uint64
	closing   bool
	readDone  chan struct{}
	unsub     func()
	outDone   chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
}

// NewSocket creates an unconnected socket adapter
func NewSocket(config SocketConfig, handler Handler, logger zerolog.Logger) *Socket {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = audio.DefaultSegmentDuration
	}
	return &Socket{
		config:  config,
		handler: handler,
		logger:  observability.WithComponent(logger, "socket"),
		format:  audio.FormatWebMOpus,
	}
}

// Name implements Transport
func (s *Socket) Name() string {
	return "socket"
}

// Endpoint returns the socket URL for an agent
func (s *Socket) Endpoint(agentID string) string {
	return strings.TrimRight(s.config.BaseURL, "/") + "/" + url.PathEscape(agentID)
}

// Connect dials the agent socket. A handshake that does not finish within
// the connect timeout is abandoned and reported as ErrConnectTimeout.
func (s *Socket) Connect(ctx context.Context, agentID string) error {
	endpoint := s.Endpoint(agentID)

	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.ConnectTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	start := time.Now()
	conn, resp, err := dialer.DialContext(dialCtx, endpoint, s.config.Header)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w after %s: %s", ErrConnectTimeout, s.config.ConnectTimeout, endpoint)
		}
		if resp != nil {
			return fmt.Errorf("failed to connect to %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	s.conn = conn
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().
		Str("endpoint", endpoint).
		Dur("handshake", time.Since(start)).
		Msg("Socket connected")

	go s.readLoop(conn)
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	defer close(s.readDone)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.deliverAudio(data, s.currentFormat())
		case websocket.TextMessage:
			s.handleControl(data)
		}
	}
}

func (s *Socket) handleReadError(err error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info().Err(err).Msg("Socket closed by agent")
		s.handler(ClosedEvent{Clean: true, Reason: "closed by agent"})
		return
	}

	s.logger.Warn().Err(err).Msg("Socket closed unexpectedly")
	if s.config.Metrics != nil {
		s.config.Metrics.RecordError("connection_lost", "socket")
	}
	s.handler(ClosedEvent{Clean: false, Reason: "connection lost", Err: err})
}

func (s *Socket) currentFormat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *Socket) deliverAudio(data []byte, format string) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	if s.config.Metrics != nil {
		s.config.Metrics.RecordAudioBytes("in", int64(len(data)))
	}
	s.handler(AudioEvent{
		Chunk:    audio.Chunk{Data: data, Format: format, Seq: seq},
		Streamed: audio.IsRawFormat(format),
	})
}

func (s *Socket) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse control message")
		return
	}

	if msg.Interrupt || msg.Type == "interruption" || msg.Type == "interrupt" {
		s.handler(InterruptEvent{})
		return
	}

	declared := msg.AudioFormat
	if declared == "" {
		declared = msg.Format
	}

	switch {
	case msg.Type == "audio_format":
		if declared != "" {
			s.mu.Lock()
			s.format = declared
			s.mu.Unlock()
			s.logger.Debug().Str("format", declared).Msg("Agent declared audio format")
		}

	case msg.Audio != "":
		payload, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to decode base64 audio")
			return
		}
		format := declared
		if format == "" {
			format = s.currentFormat()
		}
		s.deliverAudio(payload, format)

	case msg.Type == "transcript" || msg.Type == "transcription":
		s.handler(TranscriptEvent{Fragment: msg.fragment()})

	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Ignoring control message")
	}
}

func (m controlMessage) fragment() transcript.Fragment {
	who := m.Speaker
	if who == "" {
		who = m.Role
	}
	speaker := transcript.SpeakerUser
	switch strings.ToLower(who) {
	case "ai", "assistant", "agent", "bot":
		speaker = transcript.SpeakerAI
	}

	// Agents that only send finished utterances omit the flag
	final := m.IsFinal == nil || *m.IsFinal

	return transcript.Fragment{
		Speaker:    speaker,
		Text:       m.Text,
		IsFinal:    final,
		Duration:   m.Duration,
		Confidence: m.Confidence,
		Source:     transcript.SourceSocket,
		Timestamp:  time.Now(),
	}
}

// SendAudio writes one binary frame
func (s *Socket) SendAudio(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	closing := s.closing
	s.mu.Unlock()
	if conn == nil || closing {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	if s.config.Metrics != nil {
		s.config.Metrics.RecordAudioBytes("out", int64(len(data)))
	}
	return nil
}

// StartOutbound slices microphone frames into Ogg/Opus segments and sends
// each one as soon as it is complete
func (s *Socket) StartOutbound(stream *media.Stream) error {
	s.mu.Lock()
	if s.conn == nil || s.closing {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.unsub != nil {
		s.mu.Unlock()
		return errors.New("transport: outbound audio already started")
	}
	s.mu.Unlock()

	encoder, err := audio.NewSegmentEncoder(s.config.SegmentDuration)
	if err != nil {
		return fmt.Errorf("failed to create segment encoder: %w", err)
	}

	frames, unsub := stream.Subscribe(32)
	done := make(chan struct{})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		unsub()
		return ErrNotConnected
	}
	s.unsub = unsub
	s.outDone = done
	s.mu.Unlock()

	go s.pumpOutbound(frames, encoder, done)
	return nil
}

func (s *Socket) pumpOutbound(frames <-chan []byte, encoder *audio.SegmentEncoder, done chan struct{}) {
	defer close(done)
	defer encoder.Close()

	for frame := range frames {
		segments, err := encoder.Write(frame)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to encode microphone audio")
			continue
		}
		for _, segment := range segments {
			if err := s.SendAudio(segment); err != nil {
				if !errors.Is(err, ErrNotConnected) {
					s.logger.Warn().Err(err).Msg("Failed to send audio segment")
				}
			}
		}
	}
}

// Teardown stops outbound audio, then closes the socket
func (s *Socket) Teardown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		unsub := s.unsub
		outDone := s.outDone
		s.mu.Unlock()

		if unsub != nil {
			unsub()
			<-outDone
		}

		s.mu.Lock()
		s.closing = true
		conn := s.conn
		readDone := s.readDone
		s.mu.Unlock()

		if conn == nil {
			return
		}

		s.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(socketCloseGrace),
		)
		s.writeMu.Unlock()
		conn.Close()

		select {
		case <-readDone:
		case <-time.After(socketCloseGrace):
			s.logger.Warn().Msg("Socket read loop did not exit in time")
		}
		s.logger.Info().Msg("Socket closed")
	})
}
