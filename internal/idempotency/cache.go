package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a TTL-bounded duplicate filter in front of the idempotency
// table. Ingress uses it to drop replayed webhook deliveries before they
// reach the broker; the table remains the source of truth.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache connects a redis-backed duplicate cache. The caller decides
// whether a connection failure is fatal; the pipeline stays correct
// without the cache, only slower under replay storms.
func NewCache(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("idempotency: redis ping (%s): %w", addr, err)
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

// Seen marks the key and reports whether it was already present. SET NX
// makes check-and-mark atomic across engine instances.
func (c *Cache) Seen(ctx context.Context, key string) (bool, error) {
	fresh, err := c.rdb.SetNX(ctx, "dedup:"+key, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: cache setnx: %w", err)
	}
	return !fresh, nil
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}
