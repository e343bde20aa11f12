package providers

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks a provider that exhausted its reconnect attempts.
// It stays unavailable for the remainder of the process run; a restart
// re-attempts from disconnected.
var ErrUnavailable = errors.New("provider unavailable")

// ConnectionError is a transport-level failure talking to a provider.
// Retryable, bounded by the reconnect backoff schedule.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("provider %s: connection error: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is a call deadline expiry. Counts as connection-level for
// backoff purposes but stays distinguishable so phase handlers can choose
// recoverable vs fatal.
type TimeoutError struct {
	Provider string
	Tool     string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s: tool %s timed out: %v", e.Provider, e.Tool, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ToolError is an application-level rejection from a provider. Never
// retried by the connection manager; the calling phase handler decides
// recoverable vs fatal.
type ToolError struct {
	Provider string
	Tool     string
	Message  string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("provider %s: tool %s rejected call: %s", e.Provider, e.Tool, e.Message)
}

// ValidationError is a caller mistake (unknown tool, unregistered provider,
// tool routed to a different provider). Immediately fatal, never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// IsTimeout reports whether err is a call deadline expiry
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsToolError reports whether err is a provider-level rejection
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a caller mistake
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUnavailable reports whether err means the provider is out for the rest
// of the run
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
