package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCode      = errors.New("protocol: code invalid")
	ErrCodeExpired      = errors.New("protocol: code expired")
	ErrPasswordRequired = errors.New("protocol: second factor required")
	ErrInvalidPassword  = errors.New("protocol: password invalid")
	// ErrUnauthorized means the credential was revoked or never authorized.
	ErrUnauthorized = errors.New("protocol: not authorized")
	// ErrPermanent covers sends that will never succeed (write forbidden, peer gone).
	ErrPermanent = errors.New("protocol: permanent failure")
	ErrTransient = errors.New("protocol: transient failure")
)

// RateLimitError is the provider asking the client to pause.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("protocol: rate limited for %s", e.Wait) }

func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }

// ProviderError carries the network's own rejection text (for example a
// banned or malformed phone number) so it can be shown verbatim.
type ProviderError struct {
	Code   string
	Reason string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return "protocol: rejected: " + e.Reason
	}
	return "protocol: rejected (" + e.Code + "): " + e.Reason
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient marks err as a momentary failure worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

type Class int

const (
	ClassOK Class = iota
	ClassTransient
	ClassRateLimited
	ClassPermanent
	ClassUnauthorized
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	case ClassUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Classify maps an error from a Session call onto the error taxonomy.
// Unrecognised errors are treated as transient.
func Classify(err error) Class {
	var rl *RateLimitError
	switch {
	case err == nil:
		return ClassOK
	case errors.As(err, &rl):
		return ClassRateLimited
	case errors.Is(err, ErrUnauthorized):
		return ClassUnauthorized
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrCodeExpired),
		errors.Is(err, ErrPasswordRequired),
		errors.Is(err, ErrInvalidPassword),
		errors.Is(err, context.Canceled):
		return ClassPermanent
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return ClassPermanent
	}
	return ClassTransient
}

// RateLimitWait extracts the provider wait from err.
func RateLimitWait(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}
