package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestCreateSession_Public(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/public/voice/sessions" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		if body.AgentID != "a1" || body.ParticipantName != "guest" {
			t.Errorf("Unexpected body %+v", body)
		}
		w.Write([]byte(`{"success":true,"data":{"url":"wss://room.example","token":"tok","session_id":"s1"}}`))
	}))
	defer server.Close()

	desc, err := NewClient(testConfig(server.URL, ""), zerolog.Nop()).CreateSession(context.Background(), "a1", "guest")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if desc.URL != "wss://room.example" || desc.Token != "tok" || desc.SessionID != "s1" {
		t.Errorf("Unexpected descriptor %+v", desc)
	}
}

func TestCreateSession_Authenticated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice/sessions" {
			t.Errorf("Expected authenticated path, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"url":"wss://room.example","token":"tok","session_id":"s2"}`))
	}))
	defer server.Close()

	if _, err := NewClient(testConfig(server.URL, "secret"), zerolog.Nop()).CreateSession(context.Background(), "a1", "guest"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func TestCreateSession_ConcurrentLimit(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"too many requests", http.StatusTooManyRequests, `{"detail":"slow down"}`},
		{"message match", http.StatusBadRequest, `{"detail":"Concurrent session limit exceeded"}`},
		{"unsuccessful envelope", http.StatusOK, `{"success":false,"error":"concurrent session limit exceeded"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(testConfig(server.URL, ""), zerolog.Nop()).CreateSession(context.Background(), "a1", "guest")
			if !errors.Is(err, ErrConcurrentLimit) {
				t.Errorf("Expected ErrConcurrentLimit, got %v", err)
			}
		})
	}
}

func TestCreateSession_NotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := NewClient(testConfig(server.URL, ""), zerolog.Nop()).CreateSession(context.Background(), "a1", "guest"); err == nil {
		t.Fatal("Expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestCreateSession_MissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"wss://room.example"}`))
	}))
	defer server.Close()

	if _, err := NewClient(testConfig(server.URL, ""), zerolog.Nop()).CreateSession(context.Background(), "a1", "guest"); err == nil {
		t.Error("Expected error for descriptor without token")
	}
}

func TestEndSession(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL, ""), zerolog.Nop())
	if err := c.EndSession(context.Background(), "s1"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if got != "DELETE /public/voice/sessions/s1" {
		t.Errorf("Expected DELETE /public/voice/sessions/s1, got %s", got)
	}
	if err := c.EndSession(context.Background(), ""); err != nil {
		t.Errorf("Expected empty session id to be a no-op, got %v", err)
	}
}
