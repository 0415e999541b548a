package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// CacheConfig holds configuration for the Redis read-through cache.
type CacheConfig struct {
	// KeyPrefix namespaces registry entries in a shared Redis instance.
	KeyPrefix string
	// TTL bounds how stale a cached registration may get.
	TTL time.Duration
	// WriteTimeout bounds the background cache write after a source hit.
	WriteTimeout time.Duration
}

// DefaultCacheConfig returns the cache settings used when none are supplied.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		KeyPrefix:    "rfid:tag:",
		TTL:          5 * time.Minute,
		WriteTimeout: 10 * time.Second,
	}
}

// CachedRegistry is a Redis read-through layer in front of any TagRegistry.
// A cache miss falls back to the source and writes the result back in the
// background. Lookup misses (ErrTagNotFound) are never cached: a tag
// registered after its first observation must become visible within one
// lookup, not one TTL.
type CachedRegistry struct {
	cfg    CacheConfig
	rdb    *redis.Client
	source TagRegistry
	logger zerolog.Logger
}

// NewCachedRegistry wraps source with a Redis cache. The Redis client's
// lifecycle is managed by the caller.
func NewCachedRegistry(cfg CacheConfig, rdb *redis.Client, source TagRegistry, logger zerolog.Logger) (*CachedRegistry, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("source registry cannot be nil")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultCacheConfig().KeyPrefix
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultCacheConfig().WriteTimeout
	}
	return &CachedRegistry{
		cfg:    cfg,
		rdb:    rdb,
		source: source,
		logger: logger.With().Str("component", "CachedRegistry").Logger(),
	}, nil
}

// Lookup checks Redis first and falls back to the source on a miss.
func (c *CachedRegistry) Lookup(ctx context.Context, tagID string) (rfid.TagInfo, error) {
	key := c.cfg.KeyPrefix + tagID

	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var info rfid.TagInfo
		if unmarshalErr := json.Unmarshal([]byte(cached), &info); unmarshalErr == nil {
			return info, nil
		}
		// A corrupt entry falls through to the source and gets rewritten.
		c.logger.Warn().Str("key", key).Msg("Discarding unparseable cache entry.")
	case !errors.Is(err, redis.Nil):
		// Redis being down must not take the registry with it.
		c.logger.Error().Err(err).Str("key", key).Msg("Redis error during registry lookup, falling back to source.")
	}

	info, err := c.source.Lookup(ctx, tagID)
	if err != nil {
		return rfid.TagInfo{}, err
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		defer cancel()
		if writeErr := c.writeToCache(writeCtx, key, info); writeErr != nil {
			c.logger.Error().Err(writeErr).Str("key", key).Msg("Failed to write registry entry to cache.")
		}
	}()

	return info, nil
}

func (c *CachedRegistry) writeToCache(ctx context.Context, key string, info rfid.TagInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal tag info: %w", err)
	}
	if err := c.rdb.Set(ctx, key, data, c.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Invalidate removes a cached entry, called by the control surface after a
// registration changes.
func (c *CachedRegistry) Invalidate(ctx context.Context, tagID string) error {
	return c.rdb.Del(ctx, c.cfg.KeyPrefix+tagID).Err()
}
