package secapi

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// Static errors for err113 compliance.
var (
	ErrCacheKeyNotFound  = errors.New("key not found")
	ErrCacheEntryExpired = errors.New("entry expired")
	ErrCacheValueTooBig  = errors.New("value exceeds maximum cache value size")
)

// Cache is a read cache backend.
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Has(ctx context.Context, key string) bool
}

// CacheEntry is one cached response.
type CacheEntry struct {
	Data       []byte      `json:"data"`
	StatusCode int         `json:"status_code,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	ETag       string      `json:"etag,omitempty"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Expired reports whether the entry is past its lifetime.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CacheOptions are applied to any backend.
type CacheOptions struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxSize     int           `mapstructure:"max_size"`
	EnableETags bool          `mapstructure:"enable_etags"`
}

// DefaultCacheOptions returns default cache options.
func DefaultCacheOptions() *CacheOptions {
	return &CacheOptions{
		TTL:         constants.DefaultCacheTTL,
		MaxSize:     constants.DefaultCacheSize,
		EnableETags: true,
	}
}

// CacheKey builds the key of a read: the URL plus its sorted query.
func CacheKey(rawURL string, query url.Values) string {
	if len(query) == 0 {
		return rawURL
	}

	return rawURL + "?" + query.Encode()
}

// MemoryCache is an in-process cache split into independently locked
// shards, so deleting one key never blocks readers of another shard.
type MemoryCache struct {
	shards  []*cacheShard
	maxSize int
	size    atomic.Int64
	now     func() time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
}

// NewMemoryCache creates a memory cache holding at most maxSize entries.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = constants.DefaultCacheSize
	}

	shards := make([]*cacheShard, constants.CacheShardCount)
	for i := range shards {
		shards[i] = &cacheShard{entries: make(map[string]*CacheEntry)}
	}

	return &MemoryCache{
		shards:  shards,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *MemoryCache) shardIndex(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))

	return int(hasher.Sum32() % uint32(len(c.shards))) //nolint:gosec // shard count is small
}

// Get returns a live entry.
func (c *MemoryCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	shard := c.shards[c.shardIndex(key)]

	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()

	if !ok {
		return nil, ErrCacheKeyNotFound
	}

	if entry.Expired(c.now()) {
		return nil, ErrCacheEntryExpired
	}

	return entry, nil
}

// Set stores an entry, evicting the soonest-expiring entry when full.
func (c *MemoryCache) Set(ctx context.Context, key string, entry *CacheEntry) error {
	if len(entry.Data) > constants.MaxCacheValueSize {
		return ErrCacheValueTooBig
	}

	index := c.shardIndex(key)
	shard := c.shards[index]

	shard.mu.RLock()
	_, exists := shard.entries[key]
	shard.mu.RUnlock()

	if !exists && c.size.Load() >= int64(c.maxSize) {
		c.evictOne(index)
	}

	shard.mu.Lock()
	if _, exists = shard.entries[key]; !exists {
		c.size.Add(1)
	}

	shard.entries[key] = entry
	shard.mu.Unlock()

	return nil
}

// evictOne removes one entry, preferring the given shard. Shards are locked
// one at a time.
func (c *MemoryCache) evictOne(preferred int) {
	for offset := range len(c.shards) {
		shard := c.shards[(preferred+offset)%len(c.shards)]

		shard.mu.Lock()

		victim := ""

		var earliest time.Time

		for key, entry := range shard.entries {
			if victim == "" || entry.ExpiresAt.Before(earliest) {
				victim = key
				earliest = entry.ExpiresAt
			}
		}

		if victim != "" {
			delete(shard.entries, victim)
			c.size.Add(-1)
			shard.mu.Unlock()

			return
		}

		shard.mu.Unlock()
	}
}

// Delete removes an entry.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	shard := c.shards[c.shardIndex(key)]

	shard.mu.Lock()
	if _, ok := shard.entries[key]; ok {
		delete(shard.entries, key)
		c.size.Add(-1)
	}
	shard.mu.Unlock()

	return nil
}

// Clear removes every entry.
func (c *MemoryCache) Clear(ctx context.Context) error {
	for _, shard := range c.shards {
		shard.mu.Lock()
		c.size.Add(-int64(len(shard.entries)))
		shard.entries = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}

	return nil
}

// Has reports whether a live entry exists.
func (c *MemoryCache) Has(ctx context.Context, key string) bool {
	_, err := c.Get(ctx, key)

	return err == nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	return int(c.size.Load())
}

// Cleanup drops expired entries.
func (c *MemoryCache) Cleanup() {
	now := c.now()

	for _, shard := range c.shards {
		shard.mu.Lock()

		for key, entry := range shard.entries {
			if entry.Expired(now) {
				delete(shard.entries, key)
				c.size.Add(-1)
			}
		}

		shard.mu.Unlock()
	}
}

// CacheStats counts cache activity.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
}

// GetHitRate returns hits over lookups, or zero without lookups.
func (s *CacheStats) GetHitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// CacheManager fronts a backend with default lifetimes and statistics.
type CacheManager struct {
	cache   Cache
	options *CacheOptions

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// NewCacheManager creates a cache manager. A nil cache gets a memory cache
// sized from options.
func NewCacheManager(cache Cache, options *CacheOptions) *CacheManager {
	if options == nil {
		options = DefaultCacheOptions()
	}

	if cache == nil {
		cache = NewMemoryCache(options.MaxSize)
	}

	return &CacheManager{cache: cache, options: options}
}

// Backend returns the underlying cache.
func (m *CacheManager) Backend() Cache {
	return m.cache
}

// GetCacheKey builds a key from a method, path and flat parameters.
func (m *CacheManager) GetCacheKey(method, path string, params map[string]string) string {
	if len(params) == 0 {
		return method + ":" + path
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}

	return method + ":" + path + ":" + strings.Join(pairs, "&")
}

// GetEntry returns a live entry and records a hit or miss.
func (m *CacheManager) GetEntry(ctx context.Context, key string) (*CacheEntry, error) {
	entry, err := m.cache.Get(ctx, key)
	if err != nil {
		m.misses.Add(1)

		return nil, err
	}

	m.hits.Add(1)

	return entry, nil
}

// Get returns the cached payload.
func (m *CacheManager) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := m.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}

	return entry.Data, nil
}

// SetEntry stores an entry, applying the default TTL when it has no expiry.
func (m *CacheManager) SetEntry(ctx context.Context, key string, entry *CacheEntry) error {
	if entry.ExpiresAt.IsZero() && m.options.TTL > 0 {
		entry.ExpiresAt = time.Now().Add(m.options.TTL)
	}

	if !m.options.EnableETags {
		entry.ETag = ""
	}

	err := m.cache.Set(ctx, key, entry)
	if err != nil {
		return err
	}

	m.sets.Add(1)

	return nil
}

// Set stores a payload for ttl. A zero ttl uses the default.
func (m *CacheManager) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return m.SetWithETag(ctx, key, data, "", ttl)
}

// SetWithETag stores a payload together with its entity tag.
func (m *CacheManager) SetWithETag(ctx context.Context, key string, data []byte, etag string, ttl time.Duration) error {
	entry := &CacheEntry{Data: data, ETag: etag}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}

	return m.SetEntry(ctx, key, entry)
}

// Delete removes a key.
func (m *CacheManager) Delete(ctx context.Context, key string) error {
	err := m.cache.Delete(ctx, key)
	if err != nil {
		return err
	}

	m.deletes.Add(1)

	return nil
}

// GetStats returns a snapshot of the counters.
func (m *CacheManager) GetStats() *CacheStats {
	return &CacheStats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Sets:    m.sets.Load(),
		Deletes: m.deletes.Load(),
	}
}

// CachingPolicy decides which responses are stored.
type CachingPolicy struct {
	CacheGET     bool
	CachePOST    bool
	CacheErrors  bool
	IncludePaths []string
	ExcludePaths []string
}

// DefaultCachingPolicy caches successful reads. Sandbox reports are polled
// for status and never cached.
func DefaultCachingPolicy() *CachingPolicy {
	return &CachingPolicy{
		CacheGET:     true,
		ExcludePaths: []string{"/sandbox"},
	}
}

// ShouldCache reports whether a response may be stored.
func (p *CachingPolicy) ShouldCache(method, path string, statusCode int) bool {
	switch method {
	case http.MethodGet:
		if !p.CacheGET {
			return false
		}
	case http.MethodPost:
		if !p.CachePOST {
			return false
		}
	default:
		return false
	}

	if !p.CacheErrors && (statusCode < 200 || statusCode >= 300) {
		return false
	}

	for _, excluded := range p.ExcludePaths {
		if strings.HasPrefix(path, excluded) {
			return false
		}
	}

	if len(p.IncludePaths) == 0 {
		return true
	}

	for _, included := range p.IncludePaths {
		if strings.HasPrefix(path, included) {
			return true
		}
	}

	return false
}
