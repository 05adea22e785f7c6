// Package cache keeps computed inventory analytics in Redis between commits.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inventory-ledger/internal/config"
	"inventory-ledger/internal/core"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "inventory:analytics"
	generationKey = keyPrefix + ":generation"
)

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// AnalyticsCache stores analytics under a generation number. Invalidate bumps
// the generation, so entries written before a commit are never read again and
// expire on their TTL.
type AnalyticsCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ core.AnalyticsCache = (*AnalyticsCache)(nil)

func NewAnalyticsCache(client redis.Cmdable, ttl time.Duration) *AnalyticsCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &AnalyticsCache{client: client, ttl: ttl}
}

func entryKey(generation int64, key string) string {
	return fmt.Sprintf("%s:%d:%s", keyPrefix, generation, key)
}

func (c *AnalyticsCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read analytics generation: %w", err)
	}
	return gen, nil
}

func (c *AnalyticsCache) GetAnalytics(ctx context.Context, gen int64, key string) (*core.InventoryAnalytics, bool, error) {
	raw, err := c.client.Get(ctx, entryKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached analytics: %w", err)
	}
	var a core.InventoryAnalytics
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached analytics: %w", err)
	}
	return &a, true, nil
}

func (c *AnalyticsCache) SetAnalytics(ctx context.Context, gen int64, key string, a *core.InventoryAnalytics) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode analytics: %w", err)
	}
	if err := c.client.Set(ctx, entryKey(gen, key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache analytics: %w", err)
	}
	return nil
}

func (c *AnalyticsCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("failed to bump analytics generation: %w", err)
	}
	return nil
}
