package secapi_test

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivetwenty-io/secapi/internal/constants"
	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

func liveEntry(data string) *secapi.CacheEntry {
	return &secapi.CacheEntry{
		Data:      []byte(data),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestMemoryCache_SetAndGet(t *testing.T) {
	t.Parallel()

	cache := secapi.NewMemoryCache(10)
	ctx := context.Background()

	entry := liveEntry(`[{"id":"rule-1"}]`)
	entry.ETag = `"v1"`
	entry.StatusCode = 200

	require.NoError(t, cache.Set(ctx, "https://api.cloudsecapi.net/policy/rules", entry))

	retrieved, err := cache.Get(ctx, "https://api.cloudsecapi.net/policy/rules")
	require.NoError(t, err)
	assert.Equal(t, entry.Data, retrieved.Data)
	assert.Equal(t, `"v1"`, retrieved.ETag)
	assert.Equal(t, 1, cache.Len())
}

func TestMemoryCache_Misses(t *testing.T) {
	t.Parallel()

	cache := secapi.NewMemoryCache(10)
	ctx := context.Background()

	_, err := cache.Get(ctx, "absent")
	require.ErrorIs(t, err, secapi.ErrCacheKeyNotFound)

	require.NoError(t, cache.Set(ctx, "stale", &secapi.CacheEntry{
		Data:      []byte("old"),
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err = cache.Get(ctx, "stale")
	require.ErrorIs(t, err, secapi.ErrCacheEntryExpired)
	assert.False(t, cache.Has(ctx, "stale"))
}

func TestMemoryCache_ZeroExpiryNeverExpires(t *testing.T) {
	t.Parallel()

	cache := secapi.NewMemoryCache(10)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "forever", &secapi.CacheEntry{Data: []byte("x")}))
	assert.True(t, cache.Has(ctx, "forever"))
}

func TestMemoryCache_RejectsOversizedValues(t *testing.T) {
	t.Parallel()

	cache := secapi.NewMemoryCache(10)

	err := cache.Set(context.Background(), "big", &secapi.CacheEntry{
		Data: make([]byte, constants.MaxCacheValueSize+1),
	})
	require.ErrorIs(t, err, secapi.ErrCacheValueTooBig)
	assert.Equal(t, 0, cache.Len())
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	t.Parallel()

	cache := secapi.NewMemoryCache(10)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, cache.Set(ctx, key, liveEntry(key)))
	}

	require.NoError(t, cache.Delete(ctx, "a"))
	require.NoError(t, cache.Delete(ctx, "a"))
	assert.False(t, cache.Has(ctx, "a"))
	assert.Equal(t, 2, cache.Len())

	require.NoError(t, cache.Clear(ctx))
	assert.False(t, cache.Has(ctx, "b"))
	assert.Equal(t, 0, cache.Len())
}

func TestMemoryCache_EvictsWhenFull(t *testing.T) {
	t.Parallel()

	cache := secapi.NewMemoryCache(2)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("key-%d", i), &secapi.CacheEntry{
			Data:      []byte("payload"),
			ExpiresAt: time.Now().Add(time.Duration(i+1) * time.Hour),
		}))
	}

	assert.Equal(t, 2, cache.Len())
	assert.True(t, cache.Has(ctx, "key-4"))

	// Overwriting an existing key does not evict.
	require.NoError(t, cache.Set(ctx, "key-4", liveEntry("updated")))
	assert.Equal(t, 2, cache.Len())
}

func TestMemoryCache_Cleanup(t *testing.T) {
	t.Parallel()

	cache := secapi.NewMemoryCache(10)
	ctx := context.Background()

	_ = cache.Set(ctx, "expired", &secapi.CacheEntry{Data: []byte("x"), ExpiresAt: time.Now().Add(-time.Hour)})
	_ = cache.Set(ctx, "valid", liveEntry("y"))

	cache.Cleanup()

	assert.True(t, cache.Has(ctx, "valid"))
	assert.Equal(t, 1, cache.Len())
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	cache := secapi.NewMemoryCache(50)
	ctx := context.Background()

	var wg sync.WaitGroup

	for worker := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 100 {
				key := fmt.Sprintf("w%d-%d", worker, i%20)
				_ = cache.Set(ctx, key, liveEntry(key))
				_, _ = cache.Get(ctx, key)

				if i%7 == 0 {
					_ = cache.Delete(ctx, key)
				}
			}
		}()
	}

	wg.Wait()

	assert.Positive(t, cache.Len())

	require.NoError(t, cache.Clear(ctx))
	assert.Equal(t, 0, cache.Len())
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	base := "https://api.cloudsecapi.net/access/users"

	assert.Equal(t, base, secapi.CacheKey(base, nil))

	first := secapi.CacheKey(base, url.Values{"page": {"2"}, "pagesize": {"50"}})
	second := secapi.CacheKey(base, url.Values{"pagesize": {"50"}, "page": {"2"}})
	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, base+"?"))
}

func TestCacheManager(t *testing.T) {
	t.Parallel()

	t.Run("cache key", func(t *testing.T) {
		t.Parallel()

		manager := secapi.NewCacheManager(nil, nil)

		assert.Equal(t, "GET:/device/devices", manager.GetCacheKey("GET", "/device/devices", nil))
		assert.Equal(t, "GET:/device/devices:page=1&pageSize=50",
			manager.GetCacheKey("GET", "/device/devices", map[string]string{"pageSize": "50", "page": "1"}))
	})

	t.Run("stats", func(t *testing.T) {
		t.Parallel()

		manager := secapi.NewCacheManager(secapi.NewMemoryCache(10), nil)
		ctx := context.Background()

		require.NoError(t, manager.Set(ctx, "k", []byte("v"), time.Hour))

		data, err := manager.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), data)

		_, err = manager.Get(ctx, "missing")
		require.Error(t, err)

		require.NoError(t, manager.Delete(ctx, "k"))

		stats := manager.GetStats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, int64(1), stats.Sets)
		assert.Equal(t, int64(1), stats.Deletes)
		assert.InDelta(t, 0.5, stats.GetHitRate(), 0.0001)
	})

	t.Run("default ttl applied", func(t *testing.T) {
		t.Parallel()

		manager := secapi.NewCacheManager(secapi.NewMemoryCache(10), &secapi.CacheOptions{TTL: time.Minute})
		ctx := context.Background()

		entry := &secapi.CacheEntry{Data: []byte("v"), ETag: `"abc"`}
		require.NoError(t, manager.SetEntry(ctx, "k", entry))

		stored, err := manager.GetEntry(ctx, "k")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Minute), stored.ExpiresAt, 5*time.Second)
		assert.Empty(t, stored.ETag, "etags disabled in options")
	})

	t.Run("etag kept", func(t *testing.T) {
		t.Parallel()

		manager := secapi.NewCacheManager(nil, secapi.DefaultCacheOptions())
		ctx := context.Background()

		require.NoError(t, manager.SetWithETag(ctx, "k", []byte("v"), `"abc"`, time.Hour))

		stored, err := manager.GetEntry(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, `"abc"`, stored.ETag)
	})
}

func TestCacheStats_GetHitRate(t *testing.T) {
	t.Parallel()

	stats := &secapi.CacheStats{Hits: 75, Misses: 25}
	assert.InDelta(t, 0.75, stats.GetHitRate(), 0.0001)

	empty := &secapi.CacheStats{}
	assert.InDelta(t, 0.0, empty.GetHitRate(), 0.0001)
}

func TestCachingPolicy_ShouldCache(t *testing.T) {
	t.Parallel()

	policy := secapi.DefaultCachingPolicy()

	tests := []struct {
		method string
		path   string
		status int
		want   bool
	}{
		{"GET", "/policy/rules", 200, true},
		{"GET", "/access/users", 404, false},
		{"POST", "/policy/rules", 201, false},
		{"DELETE", "/policy/rules/1", 204, false},
		{"GET", "/sandbox/reports/1", 200, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.ShouldCache(tt.method, tt.path, tt.status), "%s %s %d", tt.method, tt.path, tt.status)
	}

	custom := &secapi.CachingPolicy{
		CacheGET:     true,
		CachePOST:    true,
		CacheErrors:  true,
		IncludePaths: []string{"/analytics"},
	}

	assert.True(t, custom.ShouldCache("GET", "/analytics/events", 200))
	assert.True(t, custom.ShouldCache("POST", "/analytics/events", 201))
	assert.True(t, custom.ShouldCache("GET", "/analytics/events", 500))
	assert.False(t, custom.ShouldCache("GET", "/device/devices", 200))
}
