// Package cache implements the optional read-through cache the query
// channel consults before hitting PostgreSQL. Losing the cache never
// loses data -- it is strictly a latency optimization in front of the
// backing store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache caches channel payloads in Redis, keyed by channel name, for
// a short TTL.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a RedisCache from a DSN (redis://... URL) and a TTL applied
// to every cached entry.
func New(dsn string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis dsn: %w", err)
	}
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &RedisCache{rdb: redis.NewClient(opts), ttl: ttl}, nil
}

func key(channel string) string {
	return "odin:channel:" + channel
}

// Get returns the cached payload for channel, if present and unexpired.
func (c *RedisCache) Get(ctx context.Context, channel string) (json.RawMessage, bool, error) {
	val, err := c.rdb.Get(ctx, key(channel)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: get %s: %w", channel, err)
	}
	return json.RawMessage(val), true, nil
}

// Set stores payload for channel with the cache's configured TTL.
func (c *RedisCache) Set(ctx context.Context, channel string, payload json.RawMessage) error {
	if err := c.rdb.Set(ctx, key(channel), []byte(payload), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", channel, err)
	}
	return nil
}

// Close releases the underlying Redis client's connections.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
