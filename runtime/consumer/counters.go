package consumer

import (
	"context"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const latencyKeyPrefix = "metrics:task_latency:"

// Counters is the distributed key-value counter seam spec.md §6 names:
// worker counts keyed `<tier>_<provider>_call_workers` and latency samples
// keyed `metrics:task_latency:<tier>`. Kept as an interface so tests can
// swap in an in-memory fake instead of a live Redis instance.
type Counters interface {
	Increment(ctx context.Context, key string) (int64, error)
	Decrement(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (int64, error)
	RecordLatency(ctx context.Context, tier string, ms int64, bound int) error
	LatencyStats(ctx context.Context, tier string) (p95, avg float64, err error)
}

// RedisCounters implements Counters over a Redis UniversalClient, matching
// the client type used by runtime/broadcaster.
type RedisCounters struct {
	client redis.UniversalClient
}

// NewRedisCounters builds a RedisCounters over an existing client.
func NewRedisCounters(client redis.UniversalClient) *RedisCounters {
	return &RedisCounters{client: client}
}

// Increment implements Counters.
func (c *RedisCounters) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Decrement implements Counters. It never lets a counter go negative: a
// decrement that would take it below zero resets it to zero.
func (c *RedisCounters) Decrement(ctx context.Context, key string) error {
	n, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		return c.client.Set(ctx, key, 0, 0).Err()
	}
	return nil
}

// Get implements Counters. A missing key reads as zero.
func (c *RedisCounters) Get(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RecordLatency pushes ms onto the tier's bounded rolling sample list,
// trimming it to at most bound entries.
func (c *RedisCounters) RecordLatency(ctx context.Context, tier string, ms int64, bound int) error {
	key := latencyKeyPrefix + tier
	if err := c.client.LPush(ctx, key, ms).Err(); err != nil {
		return err
	}
	return c.client.LTrim(ctx, key, 0, int64(bound-1)).Err()
}

// LatencyStats computes p95 and average over the tier's current rolling
// sample list.
func (c *RedisCounters) LatencyStats(ctx context.Context, tier string) (float64, float64, error) {
	key := latencyKeyPrefix + tier
	raw, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(raw) == 0 {
		return 0, 0, nil
	}

	samples := make([]int64, 0, len(raw))
	var sum int64
	for _, s := range raw {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		samples = append(samples, n)
		sum += n
	}
	if len(samples) == 0 {
		return 0, 0, nil
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	avg := float64(sum) / float64(len(samples))
	idx := int(float64(len(samples))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return float64(samples[idx]), avg, nil
}
