package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket is an in-memory token bucket limiter. The bucket starts full
// at burst capacity and refills continuously at requests/window; each
// admitted request debits its route cost. Refill uses the monotonic clock,
// so available tokens never decrease between observations without a debit.
type TokenBucket struct {
	rate  float64 // tokens per second
	burst float64
	limit int

	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// TokenBucketOption customizes a TokenBucket.
type TokenBucketOption func(*TokenBucket)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenBucketOption {
	return func(tb *TokenBucket) { tb.now = now }
}

// NewTokenBucket creates a limiter admitting requests tokens per window
// with the given burst capacity.
func NewTokenBucket(requests int, window time.Duration, burst int, opts ...TokenBucketOption) *TokenBucket {
	if burst <= 0 {
		burst = requests
	}
	tb := &TokenBucket{
		rate:    float64(requests) / window.Seconds(),
		burst:   float64(burst),
		limit:   requests,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// Allow implements Limiter.
func (tb *TokenBucket) Allow(_ context.Context, key string, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	now := tb.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.burst, last: now}
		tb.buckets[key] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(tb.burst, b.tokens+elapsed*tb.rate)
			b.last = now
		}
	}

	res := Result{Limit: tb.limit}
	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		res.Allowed = true
		res.Remaining = int(b.tokens)
		res.ResetAfter = tb.timeToFull(b.tokens)
		return res, nil
	}

	res.Remaining = int(b.tokens)
	deficit := float64(cost) - b.tokens
	res.RetryAfter = time.Duration(deficit / tb.rate * float64(time.Second))
	res.ResetAfter = tb.timeToFull(b.tokens)
	return res, nil
}

func (tb *TokenBucket) timeToFull(tokens float64) time.Duration {
	missing := tb.burst - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}
