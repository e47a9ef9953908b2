package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-agent token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows rpm requests per minute with the given burst.
// rpm <= 0 disables limiting.
func NewRateLimiter(rpm int, burst int) *RateLimiter {
	var limit rate.Limit = rate.Inf
	if rpm > 0 {
		limit = rate.Limit(float64(rpm) / 60.0)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Allow reports whether the agent may proceed now.
func (r *RateLimiter) Allow(agentID string) bool {
	r.mu.Lock()
	l, ok := r.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[agentID] = l
	}
	r.mu.Unlock()
	return l.Allow()
}
