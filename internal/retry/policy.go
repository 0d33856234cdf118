// Package retry holds the bounded retry policy shared by account linking and
// the broadcast loop.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"adcaster/internal/clock"
)

// Policy is an explicit bounded-retry policy.
//
// Attempt n (1-based) that fails is followed by a sleep of
// BaseDelay * Multiplier^(n-1), capped at MaxDelay, scaled by a random factor
// in [1-Jitter, 1+Jitter]. Errors carrying a wait hint (see After) sleep the hint
// instead, unless it exceeds MaxHint.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
	// MaxHint bounds provider supplied waits. Zero means MaxDelay.
	MaxHint time.Duration

	Clock clock.Clock
}

// Default mirrors the linking defaults: 3 attempts, 2s doubling, 30s cap.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= 1 {
		p.Jitter = 0.99
	}
	if p.MaxHint <= 0 {
		p.MaxHint = p.MaxDelay
	}
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	return p
}

// Backoff returns the computed delay after a failed attempt (1-based), ignoring hints.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 && d > 0 {
		d *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a NoRetry error, exhausts MaxAttempts,
// or ctx ends. The returned error is the last one fn produced, with any NoRetry
// wrapper removed.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	p = p.normalized()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsNoRetry(err) {
			var nr noRetryError
			errors.As(err, &nr)
			return nr.err
		}
		if attempt >= p.MaxAttempts || ctx.Err() != nil {
			return err
		}

		wait := p.Backoff(attempt)
		if hint, ok := HintOf(err); ok {
			if hint > p.MaxHint {
				return errors.Join(err, ErrHintTooLong)
			}
			wait = hint
		}
		if serr := clock.Sleep(ctx, p.Clock, wait); serr != nil {
			return serr
		}
	}
}
