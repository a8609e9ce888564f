package proxy

import (
	"context"
	"fmt"
)

// TransportError is a retryable failure of one attempt: a connection error,
// a timeout or a 5xx response.
type TransportError struct {
	Target     string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s returned %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("request to %s failed: %v", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type deadlineError struct{}

func (deadlineError) Error() string { return "request deadline exceeded" }

func (deadlineError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// ErrDeadlineExceeded is returned when the caller's deadline expired during
// the retry loop. It also matches context.DeadlineExceeded.
var ErrDeadlineExceeded error = deadlineError{}
