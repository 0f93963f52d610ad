// Package backoff provides pluggable delay strategies for scheduling
// retries of the generation action. All strategies are safe for concurrent
// use (they are stateless).
//
// A retry is never invoked before the site's moderation cooldown has
// passed, so the engine combines a strategy with the cooldown floor: the
// wake deadline is now plus the larger of the strategy delay and the
// remaining cooldown.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial blocked attempt.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Initial * attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// Spreads re-invocations out when several tabs retry the same site.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Floor
// ──────────────────────────────────────────────────

// Floor wraps another strategy with a minimum delay. Retries scheduled
// faster than the floor would fire into the site's moderation cooldown
// and be rejected again for free.
type Floor struct {
	Inner   Strategy
	Minimum time.Duration
}

// NewFloor wraps inner so no delay falls below minimum.
func NewFloor(inner Strategy, minimum time.Duration) *Floor {
	return &Floor{Inner: inner, Minimum: minimum}
}

// Delay returns the inner delay, raised to the floor.
func (f *Floor) Delay(attempt int) time.Duration {
	d := f.Inner.Delay(attempt)
	if d < f.Minimum {
		return f.Minimum
	}
	return d
}

// CooldownRemaining returns how much of the moderation cooldown is still
// open at now, given the last blocked attempt. Zero when the cooldown has
// passed or no failure has been seen.
func CooldownRemaining(lastFailureAt time.Time, cooldown time.Duration, now time.Time) time.Duration {
	if lastFailureAt.IsZero() {
		return 0
	}
	remaining := cooldown - now.Sub(lastFailureAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default pacing used by the controller: a
// constant delay at the configured minimum. The controller additionally
// raises every wake deadline to the remaining moderation cooldown.
func DefaultStrategy(minimum time.Duration) Strategy {
	return NewFloor(NewConstant(minimum), minimum)
}
