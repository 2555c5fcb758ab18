package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when a room event arrives on a connection
	// that has not completed authentication. The transport must close the
	// connection; this is a protocol violation, not a recoverable event error.
	ErrNotAuthenticated = errors.New("gateway: connection not authenticated")

	errMissingVerifier = errors.New("gateway: token verifier dependency required")
	errMissingStore    = errors.New("gateway: store dependency required")
)

// AuthenticationError refuses a connection attempt. The gateway never retries.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// RateLimitError marks an event rejected by the admission window. Whether it
// becomes a visible error event or a silent drop depends on the event type.
type RateLimitError struct {
	EventType string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.EventType)
}

// ValidationError refuses a single malformed event without closing the connection.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s", e.Reason)
}

// PersistenceError wraps a failed store call. It is always logged and only
// surfaced to the client for comment creation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
