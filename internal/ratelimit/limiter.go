// Package ratelimit is the Token-Bucket Limiter (spec.md section 4.9):
// per-credential admission with a retry-after hint. Generalized from the
// studio backend's internal/middleware/rate_limiter.go InMemoryRateLimiter
// (per-key map + RWMutex, lazily-created entries) from fixed login/logout
// windows to a continuous token bucket.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// bucket tracks a single credential's token balance.
type bucket struct {
	tokens    float64
	updatedAt time.Time
}

// Limiter is a per-key token bucket admission gate. Buckets are lazily
// created and never evicted, bounded by credential cardinality (spec 4.9).
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	rate     float64
}

// New builds a Limiter with the given burst capacity and refill rate.
func New(ratePerSec, burst float64) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: burst,
		rate:     ratePerSec,
	}
}

// Result is the outcome of an Allow call.
type Result struct {
	Allowed      bool
	RetryAfterMs int64
}

// Allow implements spec.md section 4.9's admission algorithm.
func (l *Limiter) Allow(key string, cost float64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, updatedAt: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.updatedAt).Seconds()
	b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.rate)
	b.updatedAt = now

	if b.tokens >= cost {
		b.tokens -= cost
		return Result{Allowed: true}
	}

	if l.rate <= 0 {
		return Result{Allowed: false, RetryAfterMs: 0}
	}
	deficit := cost - b.tokens
	retryAfterMs := int64(math.Ceil(deficit/l.rate*1000)) + 1
	return Result{Allowed: false, RetryAfterMs: retryAfterMs}
}
