package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned internally to distinguish "not cached" from a
// transport error; callers of IdentityCache.Get see it via the bool result.
var ErrCacheMiss = errors.New("auth: identity cache miss")

// RedisIdentityCache caches UserIdentity projections in Redis keyed by JWT
// signature segment, matching the teacher's Mongo session store's
// Options-struct-with-defaults constructor shape generalized to go-redis.
type RedisIdentityCache struct {
	client    redis.Cmdable
	keyPrefix string
}

// RedisIdentityCacheOptions configures a RedisIdentityCache.
type RedisIdentityCacheOptions struct {
	Client    redis.Cmdable
	KeyPrefix string
}

// NewRedisIdentityCache builds a RedisIdentityCache. KeyPrefix defaults to
// "signature:".
func NewRedisIdentityCache(opts RedisIdentityCacheOptions) (*RedisIdentityCache, error) {
	if opts.Client == nil {
		return nil, errors.New("auth: redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "signature:"
	}
	return &RedisIdentityCache{client: opts.Client, keyPrefix: prefix}, nil
}

func (c *RedisIdentityCache) key(signature string) string {
	return c.keyPrefix + signature
}

// Get returns the cached identity for signature, or ok=false on a cache
// miss. A Redis error is returned as err with ok=false.
func (c *RedisIdentityCache) Get(ctx context.Context, signature string) (UserIdentity, bool, error) {
	raw, err := c.client.Get(ctx, c.key(signature)).Bytes()
	if errors.Is(err, redis.Nil) {
		return UserIdentity{}, false, nil
	}
	if err != nil {
		return UserIdentity{}, false, err
	}
	var identity UserIdentity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return UserIdentity{}, false, err
	}
	return identity, true, nil
}

// Set caches identity under signature with the given TTL.
func (c *RedisIdentityCache) Set(ctx context.Context, signature string, identity UserIdentity, ttl time.Duration) error {
	raw, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(signature), raw, ttl).Err()
}
