package session

import (
	"time"

	"github.com/lexiqai/voice-client/internal/catalog"
)

// State is the lifecycle state of the controller
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a point-in-time view of the session
type Snapshot struct {
	State            State             `json:"state"`
	AgentID          string            `json:"agent_id,omitempty"`
	AgentType        catalog.AgentKind `json:"agent_type,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	HasMicPermission bool              `json:"has_mic_permission"`
	IsMicMuted       bool              `json:"is_mic_muted"`
}
