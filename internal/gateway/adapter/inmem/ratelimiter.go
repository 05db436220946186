package inmem

import (
	"math"
	"sync"
	"time"

	"mlgateway/internal/gateway"
)

const staleThreshold = 10 * time.Minute

// RateLimiter implements a token bucket per API key, sized from the key's
// hourly quota reported by the authorization service.
type RateLimiter struct {
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter.
// clock is injectable for deterministic testing.
func NewRateLimiter(clock func() time.Time) *RateLimiter {
	return &RateLimiter{
		now:     clock,
		buckets: make(map[string]*bucket),
	}
}

// Allow checks whether a request identified by key should be allowed under a
// quota of perHour requests. perHour <= 0 means unlimited.
func (rl *RateLimiter) Allow(key string, perHour int) gateway.RateLimitResult {
	if perHour <= 0 {
		return gateway.RateLimitResult{Allowed: true}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	burst := float64(perHour)
	rate := float64(perHour) / 3600.0

	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:   burst,
			lastSeen: now,
		}
		rl.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return gateway.RateLimitResult{Allowed: true}
	}

	// Calculate retry-after: time until next token
	deficit := 1.0 - b.tokens
	retryAfter := max(int(math.Ceil(deficit/rate)), 1)

	return gateway.RateLimitResult{
		Allowed:    false,
		RetryAfter: retryAfter,
	}
}

// Cleanup removes stale buckets that haven't been seen recently.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > staleThreshold {
			delete(rl.buckets, key)
		}
	}
}

// BucketCount returns the number of active buckets (for testing).
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
