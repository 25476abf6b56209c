package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/chatrelay/internal/logger"
)

type counter struct {
	mu    sync.Mutex
	start time.Time
	count int
	// dead is set by Sweep after the counter is unlinked from the map.
	dead bool
}

// FixedWindow keeps per-subject counters in process memory. Every subject has
// its own lock, so unrelated subjects never contend.
type FixedWindow struct {
	policy   Policy
	counters sync.Map // string -> *counter
}

func NewFixedWindow(p Policy) *FixedWindow {
	return &FixedWindow{policy: p}
}

func (l *FixedWindow) Policy() Policy { return l.policy }

func (l *FixedWindow) TryAdmit(_ context.Context, key string, now time.Time) (Result, error) {
	for {
		v, _ := l.counters.LoadOrStore(key, &counter{})
		c := v.(*counter)

		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			continue
		}
		if c.start.IsZero() || now.Sub(c.start) >= l.policy.Window {
			c.start = now
			c.count = 0
		}
		c.count++
		res := Result{
			Allowed: c.count <= l.policy.Limit,
			Count:   c.count,
			Limit:   l.policy.Limit,
			ResetAt: c.start.Add(l.policy.Window),
		}
		c.mu.Unlock()

		if !res.Allowed {
			return res, ErrRateLimitExceeded
		}
		return res, nil
	}
}

// Sweep drops counters whose window ended more than one window ago.
func (l *FixedWindow) Sweep(now time.Time) int {
	removed := 0
	l.counters.Range(func(k, v any) bool {
		c := v.(*counter)
		c.mu.Lock()
		if now.Sub(c.start) >= 2*l.policy.Window {
			c.dead = true
			l.counters.CompareAndDelete(k, c)
			removed++
		}
		c.mu.Unlock()
		return true
	})
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *FixedWindow) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.policy.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := l.Sweep(now); n > 0 {
				logger.Debugf("ratelimit %s: swept %d counters", l.policy.Name, n)
			}
		}
	}
}
