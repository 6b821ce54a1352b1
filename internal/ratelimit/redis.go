package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gemini-gateway:ratelimit:"

// RedisRateLimiter keeps a sliding window per key in a sorted set.
type RedisRateLimiter struct {
	client redis.UniversalClient
	owned  bool
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisRateLimiter{client: client, owned: true}, nil
}

// NewRedisRateLimiterWithClient shares a client opened elsewhere, such as
// the session store's. Close leaves it open.
func NewRedisRateLimiterWithClient(client redis.UniversalClient) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	redisKey := keyPrefix + key
	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	count := int(countCmd.Val())
	remaining := max(limit-count, 0)
	resetAt := now.Add(window)

	if count > limit {
		// A rejected request does not consume quota.
		r.client.ZRem(ctx, redisKey, member)
		return false, remaining, resetAt, nil
	}
	return true, remaining, resetAt, nil
}

func (r *RedisRateLimiter) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
