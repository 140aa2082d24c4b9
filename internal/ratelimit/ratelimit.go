// Package ratelimit enforces per-device ingestion budgets against a
// shared Redis counter, so limits hold across all gateway instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one budget check.
type Decision struct {
	Allowed   bool
	Remaining int64
	// ResetAt is when the current window expires, regardless of outcome.
	ResetAt time.Time
}

type RateLimiter interface {
	// CheckAndConsume atomically spends cost units of the key's budget
	// for the given window. The increment is provisional: a rejected
	// call reverts it, leaving the budget unchanged for the next caller.
	CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration, cost int64) (*Decision, error)
	Close() error
}

// checkScript increments first, then reverts when the post-increment
// total would exceed the limit. PTTL drives resetAt either way.
var checkScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local cost = tonumber(ARGV[3])

	local current = redis.call('INCRBY', key, cost)
	if current == cost then
		redis.call('PEXPIRE', key, window_ms)
	end

	local ttl = redis.call('PTTL', key)
	if ttl < 0 then
		redis.call('PEXPIRE', key, window_ms)
		ttl = window_ms
	end

	if current > limit then
		redis.call('DECRBY', key, cost)
		return {0, limit - (current - cost), ttl}
	end
	return {1, limit - current, ttl}
`)

type redisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(redisURL string) (RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &redisRateLimiter{client: client}, nil
}

// NewWithClient wraps an existing Redis client. The caller keeps
// ownership of the client's lifecycle.
func NewWithClient(client *redis.Client) RateLimiter {
	return &redisRateLimiter{client: client}
}

func (r *redisRateLimiter) CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration, cost int64) (*Decision, error) {
	if cost <= 0 {
		return &Decision{Allowed: true, Remaining: limit, ResetAt: time.Now().Add(window)}, nil
	}

	res, err := checkScript.Run(ctx, r.client,
		[]string{"ratelimit:events:" + key},
		limit, window.Milliseconds(), cost,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	allowed := vals[0].(int64) == 1
	remaining := vals[1].(int64)
	ttlMillis := vals[2].(int64)
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(ttlMillis) * time.Millisecond),
	}, nil
}

func (r *redisRateLimiter) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// NoOpRateLimiter always allows requests (for disabled rate limiting).
type NoOpRateLimiter struct{}

func (n *NoOpRateLimiter) CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration, cost int64) (*Decision, error) {
	return &Decision{Allowed: true, Remaining: limit, ResetAt: time.Now().Add(window)}, nil
}

func (n *NoOpRateLimiter) Close() error {
	return nil
}
