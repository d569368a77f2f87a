package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("job pool stopped")
	ErrUnknownKind = errors.New("unknown job kind")
	ErrInvalidJob  = errors.New("invalid job")
	// ErrLeaseLost means the janitor requeued a job while its handler ran.
	ErrLeaseLost = errors.New("job lease lost")
)

// NoRetry marks an error as permanent: the job goes straight to FAILED.
//
// Handlers wrap bad payloads or other permanent failures with NoRetry so the
// pool won't waste attempts on them.
//
//	return jobs.NoRetry(fmt.Errorf("bad rule: %w", err))
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

// RetryAfter provides a suggested delay before retrying.
//
// Senders use it when the downstream returns a Retry-After value (HTTP 429).
// The pool respects the hint, bounded by RetryMaxDelay, and still applies jitter.
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
