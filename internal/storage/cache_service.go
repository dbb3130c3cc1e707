package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "tag-anchor:cache:"

// CacheService is a JSON cache on top of Redis for values that are
// expensive to read and rarely change, such as on-chain anchor records.
type CacheService struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(store *RedisStore, ttl time.Duration) *CacheService {
	return &CacheService{client: store.Client(), ttl: ttl}
}

// CacheKey builds a namespaced key. Format: tag-anchor:cache:<kind>:<param>...
func CacheKey(kind string, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, kind)
	for _, p := range params {
		parts = append(parts, strings.ToLower(p))
	}
	return cacheKeyPrefix + strings.Join(parts, ":")
}

// Set stores a value with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Get loads a value into dest; found is false on a cache miss
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// TTL returns the configured TTL
func (c *CacheService) TTL() time.Duration {
	return c.ttl
}
