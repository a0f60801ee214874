package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	handler := HealthCheckHandler(func() string { return "active" })

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Session != "active" {
		t.Errorf("Expected session 'active', got '%s'", status.Session)
	}
	if status.Service != "voice-client" {
		t.Errorf("Expected service 'voice-client', got '%s'", status.Service)
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	handler := ReadinessHandler(map[string]HealthCheckFunc{
		"catalog": func(ctx context.Context) (bool, error) { return true, nil },
		"kafka":   func(ctx context.Context) (bool, error) { return false, errors.New("no brokers") },
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Dependencies["kafka"].Message != "no brokers" {
		t.Errorf("Expected kafka failure message, got %+v", status.Dependencies["kafka"])
	}
	if status.Dependencies["catalog"].Status != "healthy" {
		t.Errorf("Expected catalog healthy, got %s", status.Dependencies["catalog"].Status)
	}
}

func TestRunChecks_SkipsNil(t *testing.T) {
	deps, ok := RunChecks(context.Background(), map[string]HealthCheckFunc{"deepgram": nil})
	if !ok {
		t.Error("Expected healthy when no checks run")
	}
	if len(deps) != 0 {
		t.Errorf("Expected no dependencies, got %d", len(deps))
	}
}
