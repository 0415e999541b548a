package registry_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/rfid-ingestion/pkg/registry"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// countingRegistry wraps a TagRegistry and counts source lookups so cache
// behavior can be asserted.
type countingRegistry struct {
	inner   registry.TagRegistry
	lookups atomic.Int32
}

func (c *countingRegistry) Lookup(ctx context.Context, tagID string) (rfid.TagInfo, error) {
	c.lookups.Add(1)
	return c.inner.Lookup(ctx, tagID)
}

func newCachedTestRegistry(t *testing.T) (*registry.CachedRegistry, *registry.InMemoryRegistry, *countingRegistry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	source := registry.NewInMemoryRegistry()
	counting := &countingRegistry{inner: source}
	cached, err := registry.NewCachedRegistry(registry.DefaultCacheConfig(), rdb, counting, zerolog.Nop())
	require.NoError(t, err)
	return cached, source, counting
}

func TestCachedRegistry_ReadThrough(t *testing.T) {
	// Arrange
	cached, source, counting := newCachedTestRegistry(t)
	ctx := context.Background()
	info := rfid.TagInfo{TagID: "E1", DisplayName: "Front Door"}
	require.NoError(t, source.Put(ctx, info))

	// Act: first lookup misses the cache and hits the source.
	got, err := cached.Lookup(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Equal(t, int32(1), counting.lookups.Load())

	// Assert: once the background write lands, lookups stop reaching the
	// source.
	require.Eventually(t, func() bool {
		_, err := cached.Lookup(ctx, "E1")
		return err == nil && counting.lookups.Load() == 1
	}, time.Second, 20*time.Millisecond)
}

func TestCachedRegistry_MissIsNotCached(t *testing.T) {
	cached, source, counting := newCachedTestRegistry(t)
	ctx := context.Background()

	_, err := cached.Lookup(ctx, "E9")
	assert.ErrorIs(t, err, registry.ErrTagNotFound)

	// Registering the tag must make it visible on the very next lookup.
	require.NoError(t, source.Put(ctx, rfid.TagInfo{TagID: "E9", DisplayName: "Late Registration"}))
	got, err := cached.Lookup(ctx, "E9")
	require.NoError(t, err)
	assert.Equal(t, "Late Registration", got.DisplayName)
	assert.Equal(t, int32(2), counting.lookups.Load())
}

func TestCachedRegistry_Invalidate(t *testing.T) {
	cached, source, counting := newCachedTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, source.Put(ctx, rfid.TagInfo{TagID: "E1", DisplayName: "Old Name"}))

	_, err := cached.Lookup(ctx, "E1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := cached.Lookup(ctx, "E1")
		return err == nil && counting.lookups.Load() == 1
	}, time.Second, 20*time.Millisecond)

	// Update the source and invalidate: the next lookup sees the new name.
	require.NoError(t, source.Put(ctx, rfid.TagInfo{TagID: "E1", DisplayName: "New Name"}))
	require.NoError(t, cached.Invalidate(ctx, "E1"))

	got, err := cached.Lookup(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "New Name", got.DisplayName)
}

func TestNewCachedRegistry_Validation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err := registry.NewCachedRegistry(registry.DefaultCacheConfig(), nil, registry.NewInMemoryRegistry(), zerolog.Nop())
	require.Error(t, err)
	_, err = registry.NewCachedRegistry(registry.DefaultCacheConfig(), rdb, nil, zerolog.Nop())
	require.Error(t, err)
}
