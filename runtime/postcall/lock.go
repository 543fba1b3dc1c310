package postcall

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock implements Lock as a Redis SET NX EX, the same primitive the
// original orchestrator's prefect.py used (SETEX key 100 "scheduled") to
// guard against a duplicate post-call trigger firing the flow twice.
type RedisLock struct {
	Client redis.UniversalClient
}

// NewRedisLock builds a RedisLock over an existing Redis client.
func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{Client: client}
}

// Acquire implements Lock.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.Client.SetNX(ctx, key, "scheduled", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
