package pacer

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrBatchTimeout is returned when a caller's wait for its batch exceeds MaxWait.
	ErrBatchTimeout = errors.New("pacer: batch wait timeout")

	// ErrCircuitOpen is returned when the circuit breaker is in open state.
	ErrCircuitOpen = errors.New("pacer: circuit open")

	// ErrClosed is returned when the optimizer has been closed.
	ErrClosed = errors.New("pacer: optimizer closed")
)

// Error type constants used in OptimizerError.Type.
const (
	ErrorTypeTransport    = "Transport"
	ErrorTypeHTTP         = "HTTP"
	ErrorTypeBatchTimeout = "BatchTimeout"
	ErrorTypeCircuitOpen  = "CircuitOpen"
	ErrorTypeValidation   = "Validation"
)

// OptimizerError carries the context of a failed request through the optimizer.
type OptimizerError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	StatusCode int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *OptimizerError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *OptimizerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *OptimizerError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*OptimizerError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsTransient reports whether an error represents a failure that might succeed
// on a later attempt: network errors, 5xx responses, 429, batch timeouts and an
// open circuit. 4xx client errors (except 429) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrBatchTimeout) || errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var optErr *OptimizerError
	if errors.As(err, &optErr) {
		switch optErr.Type {
		case ErrorTypeTransport, ErrorTypeBatchTimeout, ErrorTypeCircuitOpen:
			return true
		case ErrorTypeHTTP:
			return optErr.StatusCode == 429 || optErr.StatusCode >= 500
		default:
			return false
		}
	}

	return false
}
