package utils

import (
	"errors"
	"fmt"
	"net"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrAlreadyProcessed is not a failure: at-least-once delivery means duplicates
// are expected, and callers short-circuit to a no-op success.
var ErrAlreadyProcessed = errors.New("event already processed")

// ErrThreadConflict is raised when a platform already holds a different thread
// ref for an order. The existing ref is left untouched and the conflict is
// surfaced to the operator channel.
var ErrThreadConflict = errors.New("conflicting thread ref for platform")

// ErrStaleState is raised by conditional state updates whose precondition no
// longer holds (out-of-order event application).
var ErrStaleState = errors.New("stale processing state")

var ErrValidation = errors.New("validation failed")

// ExternalError wraps a non-2xx response from one of the external systems
// (design API, chat platforms, storefront). Transient errors are retried with
// bounded backoff; permanent ones go terminal.
type ExternalError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

func (e *ExternalError) Transient() bool {
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == 429
}

// IsTransient reports whether err should be retried. Network-level failures
// (no HTTP status at all) count as transient.
func IsTransient(err error) bool {
	var extErr *ExternalError
	if errors.As(err, &extErr) {
		return extErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
