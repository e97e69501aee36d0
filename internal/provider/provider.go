// Package provider is the only point of contact with the external email
// vendor API.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// SendResult is a 2xx vendor acknowledgement.
type SendResult struct {
	StatusCode int
	Body       string
}

type Sender interface {
	Send(ctx context.Context, email, message string) (*SendResult, error)
	// State exposes the circuit breaker state for observability.
	State() string
}

// Error classifies a failed send. Retryable covers timeouts, network errors,
// HTTP 408/429/5xx and an open circuit; everything else is a permanent
// vendor rejection.
type Error struct {
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vendor send: %v", e.Err)
	}
	return fmt.Sprintf("vendor send: HTTP %d", e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the error warrants another delivery attempt.
// Unclassified errors are treated as retryable (transient until proven
// otherwise).
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// Details extracts the vendor response, if any, for the message log.
func Details(err error) (code *int, body *string) {
	var se *Error
	if errors.As(err, &se) && se.StatusCode != 0 {
		c, b := se.StatusCode, se.Body
		return &c, &b
	}
	return nil, nil
}
