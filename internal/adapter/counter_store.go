package adapter

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore backs the rate limiter with Redis atomic counters and
// sorted sets. Expiry of fixed-window counters is owned by Redis itself.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore wraps an existing client; the limiter and cache may
// share one connection pool.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisCounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisCounterStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisCounterStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *RedisCounterStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return s.rdb.ZRemRangeByScore(ctx, key,
		strconv.FormatFloat(min, 'f', -1, 64),
		strconv.FormatFloat(max, 'f', -1, 64)).Err()
}

func (s *RedisCounterStore) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}
