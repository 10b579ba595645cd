package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter on Redis so budgets are shared across
// processes. It uses a fixed window counter per key: INCR plus an EXPIRE set
// on the first hit. Slightly coarser than the in-process sliding window but
// cheap and race-free.
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// Allow records one request and reports whether it fits the budget.
func (l *RedisLimiter) Allow(ctx context.Context, class Class, key string) (bool, time.Duration, error) {
	redisKey := fmt.Sprintf("hub:rl:%s:%s", class.Name, key)

	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, class.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to count request: %w", err)
	}

	if count.Val() <= int64(class.Limit) {
		return true, 0, nil
	}

	ttl, err := l.rdb.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = class.Window
	}
	return false, ttl, nil
}
