package completion

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed completion call.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindUnavailable
	KindUnauthorized
	KindInvalidRequest
	KindContentRejected
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidRequest:
		return "invalid_request"
	case KindContentRejected:
		return "content_rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by Complete for every failure.
type Error struct {
	Kind     Kind
	Status   int // last HTTP status, 0 when no response was received
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := "completion " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, if err wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// attemptError describes the outcome of a single HTTP exchange.
type attemptError struct {
	kind      Kind
	status    int
	retryable bool
	err       error
	// server-requested delay from Retry-After, 0 if absent
	retryAfter time.Duration
}

func (e *attemptError) Error() string {
	return e.err.Error()
}

func (e *attemptError) Unwrap() error {
	return e.err
}
