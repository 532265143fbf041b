package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client budget on inbound frames.
// rpm > 0 enables the limiter at that rate; rpm <= 0 disables it.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether the limiter is active.
func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

// Allow reports whether clientID may send another frame now. A disabled
// limiter always allows.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	b, ok := rl.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(rl.rpm))/60.0, rl.burst)
		rl.buckets[clientID] = b
	}
	rl.mu.Unlock()
	return b.Allow()
}

// Forget drops the bucket of a disconnected client.
func (rl *RateLimiter) Forget(clientID string) {
	rl.mu.Lock()
	delete(rl.buckets, clientID)
	rl.mu.Unlock()
}
