// Package analyticscache provides a query-result cache for the analytics
// module, backed by Redis when configured and falling back to the in-process
// TTL cache otherwise.
package analyticscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/streampulse/streampulse/infrastructure/cache"
	"github.com/streampulse/streampulse/pkg/logger"
)

// Cache caches analytics query results keyed by a query fingerprint.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// redisCache stores serialized query results in Redis.
type redisCache struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedis creates a Cache backed by the given Redis connection URL
// (redis://host:port/db). Returns an error if the URL cannot be parsed.
func NewRedis(redisURL string, log *logger.Logger) (Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &redisCache{client: redis.NewClient(opts), log: log}, nil
}

func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

// localCache adapts infrastructure/cache.TTLCache to the Cache interface for
// deployments without Redis configured.
type localCache struct {
	ttl *cache.TTLCache
}

// NewLocal creates a Cache backed by the in-process TTL cache.
func NewLocal(defaultTTL time.Duration) Cache {
	return &localCache{ttl: cache.NewTTLCache(defaultTTL)}
}

func (c *localCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok := c.ttl.Get(ctx, key)
	if !ok {
		return false, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(encoded, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *localCache) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	c.ttl.Set(ctx, key, value)
	return nil
}

// New selects a Redis-backed cache when redisURL is non-empty, otherwise an
// in-process TTL cache with the given default TTL.
func New(redisURL string, defaultTTL time.Duration, log *logger.Logger) (Cache, error) {
	if redisURL == "" {
		return NewLocal(defaultTTL), nil
	}
	return NewRedis(redisURL, log)
}
