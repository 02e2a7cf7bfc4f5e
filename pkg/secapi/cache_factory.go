package secapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// CacheType selects the read cache backend.
type CacheType string

// Cache backends.
const (
	CacheTypeMemory CacheType = "memory"
	CacheTypeNATS   CacheType = "nats"
	// CacheTypeTiered keeps a memory tier in front of NATS so processes share
	// entries while hot keys stay local.
	CacheTypeTiered CacheType = "tiered"
	CacheTypeNone   CacheType = "none"
)

// Static errors for err113 compliance.
var (
	ErrNATSConfigRequired   = errors.New("NATS configuration required for NATS cache")
	ErrUnsupportedCacheType = errors.New("unsupported cache type")
	ErrCacheDisabled        = errors.New("cache disabled")
)

// CacheConfig configures the read cache.
type CacheConfig struct {
	Type CacheType `mapstructure:"type"`

	// Memory sizes the memory backend and the memory tier of a tiered cache.
	Memory *MemoryCacheConfig `mapstructure:"memory"`

	// NATS is required for the nats and tiered backends.
	NATS *NATSKVConfig `mapstructure:"nats"`

	// Options control lifetimes and ETag handling. Nil means DefaultCacheOptions.
	Options *CacheOptions `mapstructure:"options"`
}

// MemoryCacheConfig sizes the memory backend.
type MemoryCacheConfig struct {
	MaxSize int `mapstructure:"max_size"`

	// CleanupInterval is the interval for sweeping expired entries. Zero disables the sweep.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DefaultCacheConfig returns a memory cache swept every minute.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Type: CacheTypeMemory,
		Memory: &MemoryCacheConfig{
			MaxSize:         constants.DefaultCacheSize,
			CleanupInterval: time.Minute,
		},
		Options: DefaultCacheOptions(),
	}
}

func (c *CacheConfig) validate() error {
	switch c.Type {
	case CacheTypeMemory, CacheTypeNone, "":
		return nil
	case CacheTypeNATS, CacheTypeTiered:
		if c.NATS == nil {
			return &ConfigurationError{Field: "Cache.NATS", Reason: ErrNATSConfigRequired.Error()}
		}

		return nil
	default:
		return &ConfigurationError{Field: "Cache.Type", Reason: fmt.Sprintf("%v: %s", ErrUnsupportedCacheType, c.Type)}
	}
}

func (c *CacheConfig) memorySize() int {
	if c.Memory == nil || c.Memory.MaxSize <= 0 {
		return constants.DefaultCacheSize
	}

	return c.Memory.MaxSize
}

// NewCacheFromConfig opens the backend named by config. A nil config yields
// the default memory cache.
func NewCacheFromConfig(config *CacheConfig) (Cache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}

	switch config.Type {
	case CacheTypeMemory, "":
		return NewMemoryCache(config.memorySize()), nil
	case CacheTypeNone:
		return NewNoOpCache(), nil
	case CacheTypeNATS, CacheTypeTiered:
		if config.NATS == nil {
			return nil, ErrNATSConfigRequired
		}

		shared, err := NewNATSKVCache(config.NATS)
		if err != nil {
			return nil, err
		}

		if config.Type == CacheTypeNATS {
			return shared, nil
		}

		return NewTieredCache(NewMemoryCache(config.memorySize()), shared), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCacheType, config.Type)
	}
}

// StartCleanup sweeps expired entries every interval until ctx is done.
func (c *MemoryCache) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// NoOpCache stores nothing. Every lookup misses with ErrCacheDisabled.
type NoOpCache struct{}

// NewNoOpCache returns a cache that stores nothing.
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) Get(context.Context, string) (*CacheEntry, error) { return nil, ErrCacheDisabled }

func (c *NoOpCache) Set(context.Context, string, *CacheEntry) error { return nil }

func (c *NoOpCache) Delete(context.Context, string) error { return nil }

func (c *NoOpCache) Clear(context.Context) error { return nil }

func (c *NoOpCache) Has(context.Context, string) bool { return false }

// TieredCache looks tiers up fastest first. A hit in a slower tier is copied
// into the faster ones while the entry is still live. Writes go to every tier.
type TieredCache struct {
	tiers []Cache
	now   func() time.Time
}

// NewTieredCache stacks tiers, fastest first.
func NewTieredCache(tiers ...Cache) *TieredCache {
	return &TieredCache{tiers: tiers, now: time.Now}
}

// Tiers returns the stacked backends, fastest first.
func (c *TieredCache) Tiers() []Cache {
	return c.tiers
}

// Get returns the first live entry for key.
func (c *TieredCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	for depth, tier := range c.tiers {
		entry, err := tier.Get(ctx, key)
		if err != nil {
			continue
		}

		if !entry.Expired(c.now()) {
			for _, faster := range c.tiers[:depth] {
				_ = faster.Set(ctx, key, entry)
			}
		}

		return entry, nil
	}

	return nil, fmt.Errorf("%w in %d tiers", ErrCacheKeyNotFound, len(c.tiers))
}

// Set writes entry to every tier.
func (c *TieredCache) Set(ctx context.Context, key string, entry *CacheEntry) error {
	return c.each(func(tier Cache) error { return tier.Set(ctx, key, entry) })
}

// Delete removes key from every tier.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	return c.each(func(tier Cache) error { return tier.Delete(ctx, key) })
}

// Clear empties every tier.
func (c *TieredCache) Clear(ctx context.Context) error {
	return c.each(func(tier Cache) error { return tier.Clear(ctx) })
}

// Has reports whether any tier holds key.
func (c *TieredCache) Has(ctx context.Context, key string) bool {
	for _, tier := range c.tiers {
		if tier.Has(ctx, key) {
			return true
		}
	}

	return false
}

// StartCleanup sweeps the memory tiers.
func (c *TieredCache) StartCleanup(ctx context.Context, interval time.Duration) {
	for _, tier := range c.tiers {
		if memory, ok := tier.(*MemoryCache); ok {
			memory.StartCleanup(ctx, interval)
		}
	}
}

// Close releases tiers holding connections.
func (c *TieredCache) Close() error {
	return c.each(func(tier Cache) error {
		if closer, ok := tier.(io.Closer); ok {
			return closer.Close()
		}

		return nil
	})
}

// each applies fn to every tier and joins the failures. One failing tier
// does not stop the rest.
func (c *TieredCache) each(fn func(tier Cache) error) error {
	var errs []error

	for _, tier := range c.tiers {
		err := fn(tier)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
