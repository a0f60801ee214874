package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// SessionDescriptor is what a media-room join needs
type SessionDescriptor struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

type createSessionRequest struct {
	AgentID         string `json:"agent_id"`
	ParticipantName string `json:"participant_name"`
}

func (c *Client) sessionsPath() string {
	if c.Authenticated() {
		return "/voice/sessions"
	}
	return "/public/voice/sessions"
}

// CreateSession asks the broker for a media-room descriptor. Anonymous
// clients use the public endpoint.
func (c *Client) CreateSession(ctx context.Context, agentID, participantName string) (*SessionDescriptor, error) {
	var desc SessionDescriptor
	req := createSessionRequest{AgentID: agentID, ParticipantName: participantName}
	if err := c.do(ctx, http.MethodPost, c.sessionsPath(), req, c.Authenticated(), false, &desc); err != nil {
		return nil, fmt.Errorf("failed to create voice session: %w", err)
	}
	if desc.URL == "" || desc.Token == "" {
		return nil, fmt.Errorf("voice session response missing url or token")
	}

	c.logger.Debug().Str("agent_id", agentID).Str("session_id", desc.SessionID).Msg("Voice session created")
	return &desc, nil
}

// EndSession tells the broker a session is over
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	path := c.sessionsPath() + "/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, c.Authenticated(), true, nil); err != nil {
		return fmt.Errorf("failed to end voice session: %w", err)
	}
	return nil
}
