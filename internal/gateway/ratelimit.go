package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client requests-per-minute budget.
// rpm <= 0 disables limiting.
type RateLimiter struct {
	rpm      int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates the limiter.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{rpm: rpm, limiters: make(map[string]*rate.Limiter)}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether the client may issue another request now.
func (r *RateLimiter) Allow(clientID string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), 5)
		r.limiters[clientID] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Forget drops a client's limiter state (disconnect).
func (r *RateLimiter) Forget(clientID string) {
	r.mu.Lock()
	delete(r.limiters, clientID)
	r.mu.Unlock()
}
