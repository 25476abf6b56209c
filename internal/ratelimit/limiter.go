// Package ratelimit implements fixed-window admission counters.
//
// On each attempt at time T: if T - windowStart >= window the window restarts
// at T with count 0; the count is then incremented and the attempt is rejected
// when count > limit. Rejected attempts still count.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Policy is one independently configured limit.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Result describes the window state after an attempt.
type Result struct {
	Allowed bool
	Count   int
	Limit   int
	ResetAt time.Time
}

func (r Result) Remaining() int {
	if n := r.Limit - r.Count; n > 0 {
		return n
	}
	return 0
}

// RetryAfter is the time left until the window resets, at least one second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// Limiter admits or rejects an attempt for a subject key. A rejection is
// reported as ErrRateLimitExceeded together with the populated Result.
type Limiter interface {
	TryAdmit(ctx context.Context, key string, now time.Time) (Result, error)
}

// Noop admits everything. Used for disabled policy families.
type Noop struct{}

func (Noop) TryAdmit(context.Context, string, time.Time) (Result, error) {
	return Result{Allowed: true}, nil
}
