package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for transaction operations.
var (
	// ErrAttemptAbandoned is returned by the handle given to a callback once
	// its attempt has ended (timed out, rolled back or committed). Work that
	// outlives its attempt can never reach a later transaction.
	ErrAttemptAbandoned = errors.New("transaction: attempt abandoned")

	// ErrCallbackPanic indicates the callback panicked. The attempt is
	// rolled back and counts as a failure.
	ErrCallbackPanic = errors.New("transaction: callback panicked")
)

// TimeoutError reports that an attempt's deadline passed before the
// callback returned.
type TimeoutError struct {
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction: attempt %d timed out after %s", e.Attempt, e.Timeout)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// RetryExhaustedError wraps the last failure once every attempt has been used.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("transaction: failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}
