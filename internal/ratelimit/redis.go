package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript debits a distributed token bucket atomically.
// Returns: allowed (0 or 1), remaining tokens, reset time in ms.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1])
	local last_update = tonumber(data[2])

	if tokens == nil then
		tokens = burst
		last_update = now
	end

	local elapsed = (now - last_update) / 1000.0
	tokens = math.min(burst, tokens + (elapsed * rate))

	local allowed = 0
	if tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, math.ceil(burst / rate) + 1)

	local reset_ms = math.ceil((burst - tokens) / rate * 1000)

	return {allowed, math.floor(tokens), reset_ms}
`)

// slidingWindowScript counts a continuous window over a sorted set.
// Returns: allowed (0 or 1), remaining slots, reset time in ms.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local window_start = now - window_ms
	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)

	local allowed = 0
	if count + requested <= limit then
		for i = 1, requested do
			redis.call('ZADD', key, now, now .. ':' .. i .. ':' .. math.random())
		end
		count = count + requested
		allowed = 1
	end

	redis.call('EXPIRE', key, math.ceil(window_ms / 1000) + 1)

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset_ms = window_ms
	if #oldest > 0 then
		reset_ms = tonumber(oldest[2]) + window_ms - now
	end

	return {allowed, limit - count, reset_ms}
`)

// RedisTokenBucket is a token bucket whose state lives in Redis, shared by
// every gateway instance. The debit is a single Lua script so concurrent
// instances never double-spend.
type RedisTokenBucket struct {
	client redis.UniversalClient
	rate   float64
	burst  int
	limit  int
}

// NewRedisTokenBucket creates a shared token bucket limiter.
func NewRedisTokenBucket(client redis.UniversalClient, requests int, window time.Duration, burst int) *RedisTokenBucket {
	if burst <= 0 {
		burst = requests
	}
	return &RedisTokenBucket{
		client: client,
		rate:   float64(requests) / window.Seconds(),
		burst:  burst,
		limit:  requests,
	}
}

// Allow implements Limiter.
func (r *RedisTokenBucket) Allow(ctx context.Context, key string, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	raw, err := tokenBucketScript.Run(ctx, r.client, []string{key},
		r.rate, r.burst, time.Now().UnixMilli(), cost).Result()
	if err != nil {
		return Result{}, fmt.Errorf("token bucket script: %w", err)
	}
	return parseScriptResult(raw, r.limit)
}

// RedisSlidingWindow is a sliding-window limiter whose counts live in
// Redis.
type RedisSlidingWindow struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

// NewRedisSlidingWindow creates a shared sliding-window limiter.
func NewRedisSlidingWindow(client redis.UniversalClient, limit int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{client: client, limit: limit, window: window}
}

// Allow implements Limiter.
func (r *RedisSlidingWindow) Allow(ctx context.Context, key string, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	raw, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		r.limit, r.window.Milliseconds(), time.Now().UnixMilli(), cost).Result()
	if err != nil {
		return Result{}, fmt.Errorf("sliding window script: %w", err)
	}
	return parseScriptResult(raw, r.limit)
}

// parseScriptResult decodes the {allowed, remaining, reset_ms} triple both
// scripts return.
func parseScriptResult(raw any, limit int) (Result, error) {
	values, ok := raw.([]any)
	if !ok || len(values) < 3 {
		return Result{}, fmt.Errorf("unexpected script result: %v", raw)
	}

	res := Result{Limit: limit}
	if v, ok := values[0].(int64); ok && v == 1 {
		res.Allowed = true
	}
	if v, ok := values[1].(int64); ok && v > 0 {
		res.Remaining = int(v)
	}
	if v, ok := values[2].(int64); ok {
		res.ResetAfter = time.Duration(v) * time.Millisecond
	}
	if !res.Allowed {
		res.RetryAfter = res.ResetAfter
	}
	return res, nil
}
