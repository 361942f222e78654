// Package ratelimit implements the admission rate limiters: an in-memory
// token bucket with burst capacity, a continuous sliding window, and
// Redis-backed variants of both for multi-instance deployments.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// Result is one admission decision. Remaining and ResetAfter feed the
// X-RateLimit response headers; RetryAfter is only set on denial.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// Limiter decides whether a request of the given token cost may proceed
// under the key's budget. Limiters never block; queueing and degradation
// are the admission controller's concern.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int) (Result, error)
}

// New builds the limiter a policy asks for. A non-nil Redis client selects
// the shared backend; otherwise state is per-instance in memory.
func New(policy *config.RateLimitPolicy, client redis.UniversalClient, logger observability.Logger) Limiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	requests := policy.Requests
	window := policy.Window.Duration()
	if window <= 0 {
		window = time.Second
	}

	switch policy.Algorithm {
	case config.AlgorithmSlidingWindow:
		if client != nil {
			return NewRedisSlidingWindow(client, requests, window)
		}
		return NewSlidingWindow(requests, window)
	default:
		burst := policy.EffectiveBurst()
		if client != nil {
			return NewRedisTokenBucket(client, requests, window, burst)
		}
		return NewTokenBucket(requests, window, burst)
	}
}
