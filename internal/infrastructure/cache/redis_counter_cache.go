package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appmetering "github.com/metering/backend/internal/application/metering"
	"github.com/metering/backend/internal/domain/metering"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisCounterCache implements the counter read cache on Redis. Invalidation
// drops every dimension for a product/customer pair so a partial invalidation
// can never serve a stale total next to a fresh one.
type RedisCounterCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCounterCache creates a new Redis-backed counter cache
func NewRedisCounterCache(cfg RedisConfig) (*RedisCounterCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCounterCache{
		client:    client,
		keyPrefix: "metering:counter:",
	}, nil
}

// NewRedisCounterCacheWithClient creates a cache with an existing Redis client
func NewRedisCounterCacheWithClient(client *redis.Client, keyPrefix string) *RedisCounterCache {
	if keyPrefix == "" {
		keyPrefix = "metering:counter:"
	}
	return &RedisCounterCache{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (c *RedisCounterCache) key(productCode, customerAccountID, dimension string) string {
	return fmt.Sprintf("%s%s:%s:%s", c.keyPrefix, productCode, customerAccountID, dimension)
}

// Get returns the cached counter or nil on a miss
func (c *RedisCounterCache) Get(ctx context.Context, productCode, customerAccountID, dimension string) (*metering.UsageCounter, error) {
	data, err := c.client.Get(ctx, c.key(productCode, customerAccountID, dimension)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read counter from cache: %w", err)
	}

	var counter metering.UsageCounter
	if err := json.Unmarshal(data, &counter); err != nil {
		return nil, fmt.Errorf("failed to decode cached counter: %w", err)
	}
	return &counter, nil
}

// Set caches a counter with the given TTL
func (c *RedisCounterCache) Set(ctx context.Context, counter *metering.UsageCounter, ttl time.Duration) error {
	data, err := json.Marshal(counter)
	if err != nil {
		return fmt.Errorf("failed to encode counter: %w", err)
	}

	key := c.key(counter.ProductCode, counter.CustomerAccountID, counter.Dimension)
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache counter: %w", err)
	}
	return nil
}

// Invalidate drops all cached counters for a product/customer pair
func (c *RedisCounterCache) Invalidate(ctx context.Context, productCode, customerAccountID string) error {
	pattern := fmt.Sprintf("%s%s:%s:*", c.keyPrefix, productCode, customerAccountID)

	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan counter cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate counter cache: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client
func (c *RedisCounterCache) Close() error {
	return c.client.Close()
}

// Ensure RedisCounterCache implements the application cache port
var _ appmetering.CounterCache = (*RedisCounterCache)(nil)
