// Package adapter implements the external collaborator contracts the core
// consumes: the Redis cache and counter store, the Postgres persistent
// store, and the resilient WebSocket feed client.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotecache/quotecache/internal/market"
)

// RedisCache is the key-value cache the resolver reads and both write paths
// write. Entries are stored as one JSON value per key with Redis owning the
// expiry, so a concurrent writer always replaces the whole value.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects to Redis and verifies reachability with a ping.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{rdb: rdb}, nil
}

// Get fetches the entry stored under key. A missing key is (zero, false,
// nil); an unreachable store is reported as ErrCacheUnavailable so callers
// can degrade to a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (market.CacheEntry, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.CacheEntry{}, false, nil
	}
	if err != nil {
		return market.CacheEntry{}, false, fmt.Errorf("%w: %v", market.ErrCacheUnavailable, err)
	}

	var entry market.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is indistinguishable from a miss to the caller.
		return market.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Set stores the entry wholesale under its key with the entry's TTL as the
// Redis expiry.
func (c *RedisCache) Set(ctx context.Context, entry market.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if err := c.rdb.Set(ctx, entry.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", market.ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidatePattern deletes every key matching the glob pattern and returns
// how many were removed.
func (c *RedisCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var removed int
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("%w: %v", market.ErrCacheUnavailable, err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", market.ErrCacheUnavailable, err)
	}
	return removed, nil
}

// Client exposes the underlying connection so the counter store can share
// the pool.
func (c *RedisCache) Client() *redis.Client {
	return c.rdb
}

// Health pings the Redis server.
func (c *RedisCache) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
