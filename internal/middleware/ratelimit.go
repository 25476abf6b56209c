package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/metrics"
	"github.com/chatrelay/internal/ratelimit"
)

// RateLimit applies the HTTP policy family. Global keys on the client IP and
// runs before authentication; PerUser keys on the authenticated user and
// falls back to the IP.
type RateLimit struct {
	global  ratelimit.Limiter
	perUser ratelimit.Limiter
	now     func() time.Time
}

// NewRateLimit takes the two limiters; nil disables that policy.
func NewRateLimit(global, perUser ratelimit.Limiter) *RateLimit {
	if global == nil {
		global = ratelimit.Noop{}
	}
	if perUser == nil {
		perUser = ratelimit.Noop{}
	}
	return &RateLimit{global: global, perUser: perUser, now: time.Now}
}

func (rl *RateLimit) Global(next http.Handler) http.Handler {
	return rl.handler("global_ip", rl.global, func(r *http.Request) string {
		return "ip:" + clientIP(r)
	}, next)
}

func (rl *RateLimit) PerUser(next http.Handler) http.Handler {
	return rl.handler("per_user_http", rl.perUser, func(r *http.Request) string {
		if userID := GetUserID(r.Context()); userID != "" {
			return "user:" + userID
		}
		return "ip:" + clientIP(r)
	}, next)
}

func (rl *RateLimit) handler(policy string, l ratelimit.Limiter, key func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := rl.now()
		res, err := l.TryAdmit(r.Context(), key(r), now)
		switch {
		case errors.Is(err, ratelimit.ErrRateLimitExceeded):
			metrics.RateLimited.WithLabelValues(policy).Inc()
			retry := res.RetryAfter(now)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", "0")
			WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
			return
		case err != nil:
			// Fail open when the limiter store is unavailable.
			logger.Errorf("rate limit %s: %v", policy, err)
		case res.Limit > 0:
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining()))
		}
		next.ServeHTTP(w, r)
	})
}
