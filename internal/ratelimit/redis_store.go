package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis so multiple delivery workers
// share one view of every endpoint's window. Sliding windows use a
// sorted set scored by attempt timestamp; fixed windows use INCR with
// a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "petrel:ratelimit:"}
}

func (rs *RedisStore) RecordSliding(ctx context.Context, key string, now, windowStart time.Time, limit int) (int, time.Time, error) {
	k := rs.prefix + key

	pipe := rs.client.TxPipeline()
	pruneCmd := pipe.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, k)
	oldestCmd := pipe.ZRangeWithScores(ctx, k, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("sliding window read: %w", err)
	}
	_ = pruneCmd

	hits := int(countCmd.Val())
	var oldest time.Time
	if entries := oldestCmd.Val(); len(entries) > 0 {
		oldest = time.UnixMilli(int64(entries[0].Score))
	}

	if hits < limit {
		pipe = rs.client.TxPipeline()
		pipe.ZAdd(ctx, k, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), hits),
		})
		pipe.Expire(ctx, k, now.Sub(windowStart)+time.Minute)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, time.Time{}, fmt.Errorf("sliding window append: %w", err)
		}
	}

	return hits, oldest, nil
}

func (rs *RedisStore) IncrFixed(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := rs.prefix + key

	hits, err := rs.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("fixed window incr: %w", err)
	}
	if hits == 1 {
		if err := rs.client.Expire(ctx, k, ttl).Err(); err != nil {
			return 0, fmt.Errorf("fixed window expire: %w", err)
		}
	}
	return hits, nil
}
