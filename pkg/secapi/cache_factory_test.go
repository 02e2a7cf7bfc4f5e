package secapi_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

func TestNewCacheFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *secapi.CacheConfig
		wantErr error
		noop    bool
	}{
		{name: "nil uses default", config: nil},
		{name: "memory", config: &secapi.CacheConfig{
			Type:   secapi.CacheTypeMemory,
			Memory: &secapi.MemoryCacheConfig{MaxSize: 100, CleanupInterval: time.Minute},
		}},
		{name: "empty type is memory", config: &secapi.CacheConfig{}},
		{name: "none", config: &secapi.CacheConfig{Type: secapi.CacheTypeNone}, noop: true},
		{name: "nats without section", config: &secapi.CacheConfig{Type: secapi.CacheTypeNATS}, wantErr: secapi.ErrNATSConfigRequired},
		{name: "tiered without section", config: &secapi.CacheConfig{Type: secapi.CacheTypeTiered}, wantErr: secapi.ErrNATSConfigRequired},
		{name: "unknown", config: &secapi.CacheConfig{Type: "redis"}, wantErr: secapi.ErrUnsupportedCacheType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cache, err := secapi.NewCacheFromConfig(tt.config)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)

			if tt.noop {
				assert.IsType(t, &secapi.NoOpCache{}, cache)

				return
			}

			assert.IsType(t, &secapi.MemoryCache{}, cache)
		})
	}
}

func TestNewCacheFromConfig_MemorySize(t *testing.T) {
	t.Parallel()

	cache, err := secapi.NewCacheFromConfig(&secapi.CacheConfig{Memory: &secapi.MemoryCacheConfig{MaxSize: 2}})
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, cache.Set(ctx, key, liveEntry(key)))
	}

	memory, ok := cache.(*secapi.MemoryCache)
	require.True(t, ok)
	assert.Equal(t, 2, memory.Len())
}

func TestNoOpCache(t *testing.T) {
	t.Parallel()

	cache := secapi.NewNoOpCache()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", &secapi.CacheEntry{Data: []byte("v")}))

	_, err := cache.Get(ctx, "k")
	require.ErrorIs(t, err, secapi.ErrCacheDisabled)
	assert.False(t, cache.Has(ctx, "k"))
	require.NoError(t, cache.Delete(ctx, "k"))
	require.NoError(t, cache.Clear(ctx))
}

type failingCache struct {
	*secapi.NoOpCache
}

var errBackendDown = errors.New("backend down")

func (failingCache) Set(context.Context, string, *secapi.CacheEntry) error { return errBackendDown }

func (failingCache) Close() error { return errBackendDown }

//nolint:funlen
func TestTieredCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("copies hits into faster tiers", func(t *testing.T) {
		t.Parallel()

		local := secapi.NewMemoryCache(10)
		shared := secapi.NewMemoryCache(10)
		tiered := secapi.NewTieredCache(local, shared)

		require.NoError(t, shared.Set(ctx, "k", liveEntry("from-shared")))
		assert.False(t, local.Has(ctx, "k"))

		entry, err := tiered.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("from-shared"), entry.Data)
		assert.True(t, local.Has(ctx, "k"))
		assert.Len(t, tiered.Tiers(), 2)
	})

	t.Run("writes and deletes every tier", func(t *testing.T) {
		t.Parallel()

		local := secapi.NewMemoryCache(10)
		shared := secapi.NewMemoryCache(10)
		tiered := secapi.NewTieredCache(local, shared)

		require.NoError(t, tiered.Set(ctx, "k", liveEntry("v")))
		assert.True(t, local.Has(ctx, "k"))
		assert.True(t, shared.Has(ctx, "k"))
		assert.True(t, tiered.Has(ctx, "k"))

		require.NoError(t, tiered.Delete(ctx, "k"))
		assert.False(t, tiered.Has(ctx, "k"))

		require.NoError(t, tiered.Set(ctx, "j", liveEntry("v")))
		require.NoError(t, tiered.Clear(ctx))
		assert.False(t, shared.Has(ctx, "j"))

		_, err := tiered.Get(ctx, "j")
		require.ErrorIs(t, err, secapi.ErrCacheKeyNotFound)
		assert.Contains(t, err.Error(), "in 2 tiers")
	})

	t.Run("one failing tier does not stop the rest", func(t *testing.T) {
		t.Parallel()

		local := secapi.NewMemoryCache(10)
		tiered := secapi.NewTieredCache(failingCache{secapi.NewNoOpCache()}, local)

		err := tiered.Set(ctx, "k", liveEntry("v"))
		require.ErrorIs(t, err, errBackendDown)
		assert.True(t, local.Has(ctx, "k"))

		require.ErrorIs(t, tiered.Close(), errBackendDown)
	})

	t.Run("sweeps memory tiers", func(t *testing.T) {
		t.Parallel()

		local := secapi.NewMemoryCache(10)
		tiered := secapi.NewTieredCache(local, secapi.NewNoOpCache())

		sweepCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		require.NoError(t, local.Set(ctx, "stale", &secapi.CacheEntry{
			Data:      []byte("v"),
			ExpiresAt: time.Now().Add(-time.Second),
		}))

		tiered.StartCleanup(sweepCtx, 5*time.Millisecond)

		assert.Eventually(t, func() bool { return local.Len() == 0 }, time.Second, 5*time.Millisecond)
	})
}

func TestNewNATSKVCache_Errors(t *testing.T) {
	t.Parallel()

	_, err := secapi.NewNATSKVCache(nil)
	require.ErrorIs(t, err, secapi.ErrNATSConfigRequired)

	_, err = secapi.NewNATSKVCache(&secapi.NATSKVConfig{URL: "nats://127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to NATS")

	_, err = secapi.NewCacheFromConfig(&secapi.CacheConfig{
		Type: secapi.CacheTypeTiered,
		NATS: &secapi.NATSKVConfig{URL: "nats://127.0.0.1:1"},
	})
	require.Error(t, err)
}
