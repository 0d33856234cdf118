package retry

import (
	"errors"
	"fmt"
	"time"
)

// NoRetry marks an error as permanent so Do returns it without another attempt.
//
// Example:
//
//	return retry.NoRetry(fmt.Errorf("bad input: %w", err))
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

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// After attaches an explicit wait hint (for example a provider flood wait).
// Do sleeps exactly the hint instead of the computed backoff, provided it does
// not exceed Policy.MaxHint.
func After(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	if wait < 0 {
		wait = 0
	}
	return afterError{err: err, wait: wait}
}

// AfterError is implemented by errors that carry an explicit retry delay.
type AfterError interface {
	error
	RetryAfter() time.Duration
}

type afterError struct {
	err  error
	wait time.Duration
}

func (e afterError) Error() string             { return fmt.Sprintf("retry after %s: %v", e.wait, e.err) }
func (e afterError) Unwrap() error             { return e.err }
func (e afterError) RetryAfter() time.Duration { return e.wait }

// HintOf returns the wait hint carried by err, if any.
func HintOf(err error) (time.Duration, bool) {
	var ae AfterError
	if errors.As(err, &ae) {
		return ae.RetryAfter(), true
	}
	return 0, false
}

// ErrHintTooLong is joined onto the last error when a wait hint exceeds MaxHint.
var ErrHintTooLong = errors.New("retry: wait hint exceeds cap")
