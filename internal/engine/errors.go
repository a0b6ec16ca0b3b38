package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is at the HTTP boundary.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrQueueFull    = errors.New("queue is full")
	ErrNotFound     = errors.New("execution not found")
)

// InvalidRequestError rejects a submission with the specific reason.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

func invalidRequest(reason string) error {
	return &InvalidRequestError{Reason: reason}
}

// errorMessage renders the wire error string. Unclassified errors are
// reported as internal without leaking more than their message.
func errorMessage(err error) string {
	var ire *InvalidRequestError
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrNotFound):
		return err.Error()
	case errors.As(err, &ire):
		return ire.Error()
	default:
		return fmt.Sprintf("internal error: %v", err)
	}
}
