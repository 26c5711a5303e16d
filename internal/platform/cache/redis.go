// Package cache provides a Redis-backed byte cache for ledger lookups.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the service writes.
const DefaultPrefix = "anchor:"

// RedisCache stores opaque values with a fixed TTL. A zero TTL keeps entries
// until Redis evicts them.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New wraps an existing client.
func New(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: DefaultPrefix, ttl: ttl}
}

// Open parses a redis:// URL and returns a cache over a new client.
func Open(url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), ttl), nil
}

// WithPrefix returns a copy of c that namespaces keys under prefix.
func (c *RedisCache) WithPrefix(prefix string) *RedisCache {
	cp := *c
	cp.prefix = prefix
	return &cp
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

// Get returns the cached value and whether it was present.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, true, nil
}

// Set stores value under key with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, c.key(key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// HealthCheck sends a PING.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
