package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Decision is the state of one fixed-window counter after a hit.
type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (d Decision) Remaining() int64 {
	if d.Used >= d.Limit {
		return 0
	}
	return d.Limit - d.Used
}

// RetryAfter is the time left until the window resets, never less than a millisecond.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	left := d.ResetAt.Sub(now)
	if left < time.Millisecond {
		return time.Millisecond
	}
	return left
}

// RateLimiter counts hits per key in fixed windows aligned to the epoch.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
}

func NewRateLimiter(rdb *redis.Client, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = "taskhub:ratelimit"
	}
	return &RateLimiter{redis: rdb, prefix: prefix}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (Decision, error) {
	if window <= 0 {
		return Decision{}, fmt.Errorf("rate limit window must be positive")
	}
	redisKey, windowEnd := r.windowKey(key, window, now)
	ttl := windowEnd.Sub(now.UTC()).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	used, err := incrWithTTLScript.Run(ctx, r.redis, []string{redisKey}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	return Decision{Allowed: used <= limit, Used: used, Limit: limit, ResetAt: windowEnd}, nil
}

// Peek reads the counter without counting a hit.
func (r *RateLimiter) Peek(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (Decision, error) {
	if window <= 0 {
		return Decision{}, fmt.Errorf("rate limit window must be positive")
	}
	redisKey, windowEnd := r.windowKey(key, window, now)
	used, err := r.redis.Get(ctx, redisKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("rate limit peek: %w", err)
	}
	return Decision{Allowed: used < limit, Used: used, Limit: limit, ResetAt: windowEnd}, nil
}

func (r *RateLimiter) windowKey(key string, window time.Duration, now time.Time) (string, time.Time) {
	windowStart := now.UTC().Truncate(window)
	return fmt.Sprintf("%s:%s:%d", r.prefix, key, windowStart.UnixMilli()), windowStart.Add(window)
}

// Quota is a per-user daily allowance on top of a RateLimiter.
type Quota struct {
	limiter *RateLimiter
	scope   string
	limit   int64
}

func NewQuota(limiter *RateLimiter, scope string, limit int64) *Quota {
	return &Quota{limiter: limiter, scope: scope, limit: limit}
}

func (q *Quota) Limit() int64 {
	return q.limit
}

// Consume counts one unit for userID. A non-positive limit disables the quota.
func (q *Quota) Consume(ctx context.Context, userID string, now time.Time) (Decision, error) {
	if q.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	return q.limiter.Allow(ctx, q.key(userID), q.limit, 24*time.Hour, now)
}

func (q *Quota) Usage(ctx context.Context, userID string, now time.Time) (Decision, error) {
	if q.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	return q.limiter.Peek(ctx, q.key(userID), q.limit, 24*time.Hour, now)
}

func (q *Quota) key(userID string) string {
	return "quota:" + q.scope + ":" + userID
}
