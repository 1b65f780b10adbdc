package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped = errors.New("task queue stopped")

	// ErrTaskTimeout settles a task whose deadline elapsed. The work context
	// is canceled at the same time so the in-flight remote call can abort;
	// the concurrency slot stays held until the work returns (or the lease
	// expires). The queue does not retry — callers re-enqueue explicitly if
	// they want another attempt.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrLeaseExpired marks a task reaped by the lease sweep: its work
	// goroutine never returned within timeout + grace, so its concurrency
	// slot was forcibly reclaimed. The handle normally settled with
	// ErrTaskTimeout at the deadline already; the reap only frees the slot.
	ErrLeaseExpired = errors.New("task lease expired")
)

// NoRetry marks an error as non-retryable.
//
// Tasks wrap validation errors or other permanent failures with NoRetry so
// the queue won't waste attempts on them.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt, e.g. when
// the platform returns a rate-limit reset hint. The queue respects the hint
// (bounded by RetryMaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
