package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/media/mock"
	"github.com/lexiqai/voice-client/internal/transcript"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// agentServer runs fn for each upgraded connection and records request paths
func agentServer(t *testing.T, fn func(conn *websocket.Conn)) (*httptest.Server, chan string) {
	t.Helper()
	paths := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	return server, paths
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/voice"
}

func newTestSocket(server *httptest.Server, rec *recorder) *Socket {
	return NewSocket(SocketConfig{
		BaseURL:        wsURL(server),
		ConnectTimeout: 2 * time.Second,
	}, rec.handle, zerolog.Nop())
}

// readUntilClosed keeps the server side open until the client goes away
func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSocket_BinaryFramesAreQueuedWebM(t *testing.T) {
	server, paths := agentServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		readUntilClosed(conn)
	})
	defer server.Close()

	rec := newRecorder()
	s := newTestSocket(server, rec)
	if err := s.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Teardown()

	if path := <-paths; path != "/ws/voice/agent-1" {
		t.Errorf("Expected path /ws/voice/agent-1, got %s", path)
	}

	ev, ok := rec.next(t).(AudioEvent)
	if !ok {
		t.Fatal("Expected AudioEvent")
	}
	if ev.Chunk.Format != audio.FormatWebMOpus {
		t.Errorf("Expected format %s, got %s", audio.FormatWebMOpus, ev.Chunk.Format)
	}
	if ev.Streamed {
		t.Error("Expected queued chunk")
	}
	if !bytes.Equal(ev.Chunk.Data, []byte{1, 2, 3}) {
		t.Errorf("Unexpected chunk data %v", ev.Chunk.Data)
	}
}

func TestSocket_DeclaredFormats(t *testing.T) {
	pcm := base64.StdEncoding.EncodeToString([]byte{0, 0, 1, 0})
	server, _ := agentServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_format","audio_format":"audio/ogg;codecs=opus"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte("OggS"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"audio":"`+pcm+`","audio_format":"pcm_24000"}`))
		readUntilClosed(conn)
	})
	defer server.Close()

	rec := newRecorder()
	s := newTestSocket(server, rec)
	if err := s.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Teardown()

	first := rec.next(t).(AudioEvent)
	if first.Chunk.Format != "audio/ogg;codecs=opus" {
		t.Errorf("Expected declared ogg format, got %s", first.Chunk.Format)
	}

	second := rec.next(t).(AudioEvent)
	if second.Chunk.Format != "pcm_24000" {
		t.Errorf("Expected pcm_24000, got %s", second.Chunk.Format)
	}
	if !second.Streamed {
		t.Error("Expected raw PCM to be streamed")
	}
	if len(second.Chunk.Data) != 4 {
		t.Errorf("Expected 4 decoded bytes, got %d", len(second.Chunk.Data))
	}
	if second.Chunk.Seq != first.Chunk.Seq+1 {
		t.Errorf("Expected consecutive sequence numbers, got %d then %d", first.Chunk.Seq, second.Chunk.Seq)
	}
}

func TestSocket_InterruptMessages(t *testing.T) {
	server, _ := agentServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"interrupt":true}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interruption"}`))
		readUntilClosed(conn)
	})
	defer server.Close()

	rec := newRecorder()
	s := newTestSocket(server, rec)
	if err := s.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Teardown()

	for i := 0; i < 2; i++ {
		if _, ok := rec.next(t).(InterruptEvent); !ok {
			t.Errorf("Message %d: expected InterruptEvent", i)
		}
	}
}

func TestSocket_TranscriptMessages(t *testing.T) {
	server, _ := agentServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","role":"assistant","text":"hello","is_final":true,"confidence":0.9}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","speaker":"user","text":"hel","is_final":false}`))
		readUntilClosed(conn)
	})
	defer server.Close()

	rec := newRecorder()
	s := newTestSocket(server, rec)
	if err := s.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Teardown()

	ai := rec.next(t).(TranscriptEvent).Fragment
	if ai.Speaker != transcript.SpeakerAI || ai.Text != "hello" || !ai.IsFinal {
		t.Errorf("Unexpected AI fragment %+v", ai)
	}
	if ai.Confidence == nil || *ai.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %v", ai.Confidence)
	}
	if ai.Source != transcript.SourceSocket {
		t.Errorf("Expected source socket, got %s", ai.Source)
	}

	user := rec.next(t).(TranscriptEvent).Fragment
	if user.Speaker != transcript.SpeakerUser || user.IsFinal {
		t.Errorf("Unexpected user fragment %+v", user)
	}
}

func TestSocket_ConnectTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	s := NewSocket(SocketConfig{
		BaseURL:        wsURL(server),
		ConnectTimeout: 100 * time.Millisecond,
	}, newRecorder().handle, zerolog.Nop())

	start := time.Now()
	err := s.Connect(context.Background(), "agent-1")
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Expected ErrConnectTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Expected timeout to be bounded, took %s", time.Since(start))
	}
}

func TestSocket_ConnectRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	err := newTestSocket(server, newRecorder()).Connect(context.Background(), "agent-1")
	if err == nil {
		t.Fatal("Expected connect error")
	}
	if errors.Is(err, ErrConnectTimeout) {
		t.Error("Expected a non-timeout error for a rejected handshake")
	}
}

func TestSocket_UncleanClose(t *testing.T) {
	server, _ := agentServer(t, func(conn *websocket.Conn) {
		conn.UnderlyingConn().Close()
	})
	defer server.Close()

	rec := newRecorder()
	s := newTestSocket(server, rec)
	if err := s.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Teardown()

	ev, ok := rec.next(t).(ClosedEvent)
	if !ok {
		t.Fatal("Expected ClosedEvent")
	}
	if ev.Clean {
		t.Error("Expected unclean close")
	}
	if ev.Err == nil {
		t.Error("Expected close error")
	}
}

func TestSocket_CleanClose(t *testing.T) {
	server, _ := agentServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		readUntilClosed(conn)
	})
	defer server.Close()

	rec := newRecorder()
	s := newTestSocket(server, rec)
	if err := s.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Teardown()

	ev := rec.next(t).(ClosedEvent)
	if !ev.Clean {
		t.Errorf("Expected clean close, got %+v", ev)
	}
}

func TestSocket_TeardownIsSilent(t *testing.T) {
	closed := make(chan struct{})
	server, _ := agentServer(t, func(conn *websocket.Conn) {
		readUntilClosed(conn)
		close(closed)
	})
	defer server.Close()

	rec := newRecorder()
	s := newTestSocket(server, rec)
	if err := s.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	s.Teardown()
	s.Teardown()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected server to observe the close")
	}
	rec.none(t, 50*time.Millisecond)

	if err := s.SendAudio([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after teardown, got %v", err)
	}
}

func TestSocket_SendAudioBeforeConnect(t *testing.T) {
	s := NewSocket(SocketConfig{BaseURL: "ws://127.0.0.1:1"}, newRecorder().handle, zerolog.Nop())
	if err := s.SendAudio([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if err := s.StartOutbound(nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSocket_OutboundSegments(t *testing.T) {
	received := make(chan []byte, 16)
	server, _ := agentServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				received <- data
			}
		}
	})
	defer server.Close()

	rec := newRecorder()
	s := newTestSocket(server, rec)
	if err := s.Connect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	src := mock.NewSource(16)
	stream := media.NewStream(src, media.DefaultConstraints())
	defer stream.Stop()

	if err := s.StartOutbound(stream); err != nil {
		t.Fatalf("StartOutbound failed: %v", err)
	}

	frame := make([]byte, media.DefaultConstraints().FrameBytes())
	for i := 0; i < 5; i++ {
		src.Send(frame)
	}

	select {
	case segment := <-received:
		if !bytes.HasPrefix(segment, []byte("OggS")) {
			t.Errorf("Expected Ogg segment, got prefix %v", segment[:min(4, len(segment))])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for outbound segment")
	}

	s.Teardown()
}
