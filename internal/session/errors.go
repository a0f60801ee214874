package session

import (
	"context"
	"errors"

	"github.com/lexiqai/voice-client/internal/catalog"
	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/transport"
)

// ErrorKind is the user-facing failure class of a session
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindPermission
	KindConnectionTimeout
	KindNotFound
	KindAuthRequired
	KindConcurrentLimit
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindConnectionTimeout:
		return "connection_timeout"
	case KindNotFound:
		return "not_found"
	case KindAuthRequired:
		return "auth_required"
	case KindConcurrentLimit:
		return "concurrent_limit"
	default:
		return "network"
	}
}

// Error is a classified session failure. Message is safe to show to the user.
type Error struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an error from any lower layer to a session Error
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return &Error{
			Kind:      KindPermission,
			Retryable: true,
			Message:   "Microphone access was denied. Allow microphone access and try again.",
			Err:       err,
		}
	case errors.Is(err, media.ErrDeviceUnavailable):
		return &Error{
			Kind:      KindPermission,
			Retryable: true,
			Message:   "No usable microphone was found. Check your input device and try again.",
			Err:       err,
		}
	case errors.Is(err, transport.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{
			Kind:      KindConnectionTimeout,
			Retryable: true,
			Message:   "Connecting to the agent timed out. Please try again.",
			Err:       err,
		}
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, catalog.ErrForbidden):
		return &Error{
			Kind:    KindNotFound,
			Message: "This agent does not exist or is not publicly accessible.",
			Err:     err,
		}
	case errors.Is(err, catalog.ErrAuthRequired):
		return &Error{
			Kind:    KindAuthRequired,
			Message: "This agent requires you to sign in.",
			Err:     err,
		}
	case errors.Is(err, catalog.ErrConcurrentLimit):
		return &Error{
			Kind:      KindConcurrentLimit,
			Retryable: true,
			Message:   "The concurrent session limit has been reached. Please retry later.",
			Err:       err,
		}
	default:
		return &Error{
			Kind:      KindNetwork,
			Retryable: true,
			Message:   "Could not reach the agent. Check your connection and try again.",
			Err:       err,
		}
	}
}
