package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFixedWindow shares counters between processes: INCR on the subject
// key, with the window TTL set by the first hit.
type RedisFixedWindow struct {
	cli    redis.Cmdable
	policy Policy
}

func NewRedisFixedWindow(cli redis.Cmdable, p Policy) *RedisFixedWindow {
	return &RedisFixedWindow{cli: cli, policy: p}
}

func (l *RedisFixedWindow) key(subject string) string {
	return "ratelimit:" + l.policy.Name + ":" + subject
}

func (l *RedisFixedWindow) TryAdmit(ctx context.Context, subject string, now time.Time) (Result, error) {
	key := l.key(subject)
	n, err := l.cli.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit incr %s: %w", key, err)
	}
	ttl := l.policy.Window
	if n == 1 {
		if err := l.cli.PExpire(ctx, key, l.policy.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit pexpire %s: %w", key, err)
		}
	} else {
		ttl, err = l.cli.PTTL(ctx, key).Result()
		if err != nil {
			return Result{}, fmt.Errorf("ratelimit pttl %s: %w", key, err)
		}
		if ttl < 0 {
			// key lost its expiry (first PEXPIRE never ran); restart the window.
			if err := l.cli.PExpire(ctx, key, l.policy.Window).Err(); err != nil {
				return Result{}, fmt.Errorf("ratelimit pexpire %s: %w", key, err)
			}
			ttl = l.policy.Window
		}
	}
	res := Result{
		Allowed: n <= int64(l.policy.Limit),
		Count:   int(n),
		Limit:   l.policy.Limit,
		ResetAt: now.Add(ttl),
	}
	if !res.Allowed {
		return res, ErrRateLimitExceeded
	}
	return res, nil
}
