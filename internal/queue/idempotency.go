package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inFlight = "\x00pending"

// ErrInFlight means a request with the same idempotency key is still running.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// IdempotencyGuard remembers the response of a mutating request so a replay
// with the same key returns it instead of charging twice.
type IdempotencyGuard struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewIdempotencyGuard(rdb *redis.Client, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{redis: rdb, ttl: ttl}
}

// Begin claims key. It returns (nil, nil) for the first caller, the stored
// response for a completed replay, or ErrInFlight.
func (g *IdempotencyGuard) Begin(ctx context.Context, scope, key string) ([]byte, error) {
	redisKey := g.key(scope, key)
	ok, err := g.redis.SetNX(ctx, redisKey, inFlight, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency setnx: %w", err)
	}
	if ok {
		return nil, nil
	}
	stored, err := g.redis.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return g.Begin(ctx, scope, key)
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	if string(stored) == inFlight {
		return nil, ErrInFlight
	}
	return stored, nil
}

// Complete stores the response for later replays.
func (g *IdempotencyGuard) Complete(ctx context.Context, scope, key string, response []byte) error {
	if err := g.redis.Set(ctx, g.key(scope, key), response, g.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

// Release forgets key so the client may retry after a failure.
func (g *IdempotencyGuard) Release(ctx context.Context, scope, key string) error {
	if err := g.redis.Del(ctx, g.key(scope, key)).Err(); err != nil {
		return fmt.Errorf("idempotency del: %w", err)
	}
	return nil
}

func (g *IdempotencyGuard) key(scope, key string) string {
	return fmt.Sprintf("taskhub:idempotency:%s:%s", scope, key)
}
