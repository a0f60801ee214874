package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/resilience"
)

var (
	ErrNotFound        = errors.New("catalog: agent not found")
	ErrForbidden       = errors.New("catalog: access to agent denied")
	ErrAuthRequired    = errors.New("catalog: authentication required")
	ErrConcurrentLimit = errors.New("catalog: concurrent session limit exceeded")
)

// AgentKind selects the transport used to talk to an agent
type AgentKind string

const (
	KindSpeech AgentKind = "SPEECH"
	KindText   AgentKind = "TEXT"
)

// ParseKind maps a backend agent type to a kind. Unknown values are speech agents.
func ParseKind(s string) AgentKind {
	if strings.EqualFold(strings.TrimSpace(s), string(KindText)) {
		return KindText
	}
	return KindSpeech
}

// Agent is the metadata needed to start a session
type Agent struct {
	ID       string
	Name     string
	Kind     AgentKind
	IsActive bool
}

type agentPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AgentType string `json:"agent_type"`
	Type      string `json:"type"`
	IsActive  *bool  `json:"is_active"`
}

// envelope is the optional {success, data} wrapper around response bodies
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
}

// StatusError is a non-2xx response
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("catalog API returned status %d", e.Code)
	}
	return fmt.Sprintf("catalog API returned status %d: %s", e.Code, e.Message)
}

// Client talks to the agent catalog and the session broker
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Agent
}

// NewClient creates a catalog client from configuration
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	attempts := cfg.RetryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.CatalogBaseURL, "/"),
		token:      cfg.CatalogAuthToken,
		httpClient: &http.Client{Timeout: cfg.CatalogRequestTimeout()},
		retry: &resilience.RetryConfig{
			MaxAttempts:       attempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		breaker: resilience.NewCircuitBreaker(
			"catalog",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: logger,
		cache:  make(map[string]*Agent),
	}
}

// HealthCheck reports whether the catalog circuit is accepting requests
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	state, requests, failures, rate := c.breaker.GetStats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d requests failed (%.0f%%)", resilience.ErrCircuitOpen, failures, requests, rate)
	}
	return true, nil
}

// Authenticated reports whether requests carry a bearer token
func (c *Client) Authenticated() bool {
	return c.token != ""
}

// GetAgent returns agent metadata, from cache when available. The public
// endpoint is tried first; the authenticated endpoint is used on failures
// other than not-found and forbidden.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrNotFound)
	}

	c.mu.RLock()
	cached, ok := c.cache[agentID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	escaped := url.PathEscape(agentID)
	agent, err := c.fetchAgent(ctx, "/public/agents/"+escaped, false)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
			return nil, err
		}
		if !c.Authenticated() {
			return nil, err
		}
		c.logger.Debug().Err(err).Str("agent_id", agentID).Msg("Public agent lookup failed, trying authenticated endpoint")
		agent, err = c.fetchAgent(ctx, "/agents/"+escaped, true)
		if err != nil {
			return nil, err
		}
	}
	if agent.ID == "" {
		agent.ID = agentID
	}

	c.mu.Lock()
	c.cache[agentID] = agent
	c.mu.Unlock()
	return agent, nil
}

// Invalidate drops a cached agent
func (c *Client) Invalidate(agentID string) {
	c.mu.Lock()
	delete(c.cache, agentID)
	c.mu.Unlock()
}

func (c *Client) fetchAgent(ctx context.Context, path string, auth bool) (*Agent, error) {
	var payload agentPayload
	if err := c.do(ctx, http.MethodGet, path, nil, auth, true, &payload); err != nil {
		return nil, err
	}

	kind := payload.AgentType
	if kind == "" {
		kind = payload.Type
	}
	agent := &Agent{
		ID:       payload.ID,
		Name:     payload.Name,
		Kind:     ParseKind(kind),
		IsActive: payload.IsActive == nil || *payload.IsActive,
	}
	return agent, nil
}

// do performs one JSON request. Idempotent requests are retried on network
// and 5xx failures; every request passes through the circuit breaker.
func (c *Client) do(ctx context.Context, method, path string, body any, auth, idempotent bool, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempt := func(ctx context.Context) error {
		return c.breaker.Call(func() error {
			return c.roundTrip(ctx, method, path, encoded, auth, out)
		}, isTransient)
	}

	if !idempotent {
		return attempt(ctx)
	}
	return resilience.Retry(ctx, attempt, c.retry, isTransient)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, auth bool, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewRetryableError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return unwrap(data, out)
}

// statusError maps a failed response onto the package sentinels
func statusError(code int, body []byte) error {
	se := &StatusError{Code: code, Message: errorMessage(body)}

	if code == http.StatusTooManyRequests || strings.Contains(strings.ToLower(se.Message), "concurrent") {
		return fmt.Errorf("%w: %w", ErrConcurrentLimit, se)
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, se)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrForbidden, se)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrAuthRequired, se)
	}
	if code >= 500 {
		return resilience.NewRetryableError(se)
	}
	return se
}

func errorMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		for _, m := range []string{env.Detail, env.Error, env.Message} {
			if m != "" {
				return m
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// unwrap decodes a body that may be wrapped in {success, data}
func unwrap(data []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Success != nil {
		if !*env.Success {
			msg := env.Error
			if msg == "" {
				msg = env.Message
			}
			if strings.Contains(strings.ToLower(msg), "concurrent") {
				return fmt.Errorf("%w: %s", ErrConcurrentLimit, msg)
			}
			return fmt.Errorf("catalog request unsuccessful: %s", msg)
		}
		if len(env.Data) > 0 {
			data = env.Data
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// isTransient reports whether a failure is worth retrying and counting
// against the circuit breaker
func isTransient(err error) bool {
	for _, sentinel := range []error{ErrNotFound, ErrForbidden, ErrAuthRequired, ErrConcurrentLimit, resilience.ErrCircuitOpen} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code < 500 {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}
