package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/storage"
)

// DefaultCacheCapacity bounds the in-memory front of the cache.
const DefaultCacheCapacity = 256

// CacheEntry is the persisted form of a cached value.
type CacheEntry struct {
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cachedAt"`
}

// Cache is a read-through cache of API responses. Entries live in the Store
// under cache:<key>, fronted by an LRU of recently used entries.
type Cache struct {
	store   storage.Store
	front   *lru.Cache[string, CacheEntry]
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock sets the clock used to stamp and age entries.
func WithCacheClock(c clockwork.Clock) CacheOption {
	return func(cc *Cache) { cc.clock = c }
}

// WithCacheLogger sets the structured logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(cc *Cache) { cc.logger = l }
}

// WithCacheMetrics records hits and misses.
func WithCacheMetrics(m *metrics.Metrics) CacheOption {
	return func(cc *Cache) { cc.metrics = m }
}

// NewCache returns a Cache over store keeping up to capacity entries in memory.
func NewCache(store storage.Store, capacity int, opts ...CacheOption) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	front, err := lru.New[string, CacheEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	c := &Cache{
		store:  store,
		front:  front,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c, nil
}

// CacheData stores value, JSON encoded, under key.
func (c *Cache) CacheData(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}
	entry := CacheEntry{Value: raw, CachedAt: c.clock.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := c.store.Set(ctx, storage.CacheKey(key), string(data)); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	c.front.Add(key, entry)
	return nil
}

// GetCachedData returns the value stored under key if it is younger than
// maxAge. A maxAge of zero or less accepts any age.
func (c *Cache) GetCachedData(ctx context.Context, key string, maxAge time.Duration) (json.RawMessage, bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok || c.expired(entry, maxAge) {
		c.metrics.Cache(false)
		return nil, false, nil
	}
	c.metrics.Cache(true)
	return entry.Value, true, nil
}

func (c *Cache) load(ctx context.Context, key string) (CacheEntry, bool, error) {
	if entry, ok := c.front.Get(key); ok {
		return entry, true, nil
	}
	raw, err := c.store.Get(ctx, storage.CacheKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("reading cache entry: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("dropping unreadable cache entry", "key", key, "error", err)
		_ = c.store.Delete(ctx, storage.CacheKey(key))
		return CacheEntry{}, false, nil
	}
	c.front.Add(key, entry)
	return entry, true, nil
}

func (c *Cache) expired(entry CacheEntry, maxAge time.Duration) bool {
	return maxAge > 0 && c.clock.Since(entry.CachedAt) > maxAge
}

// ClearCache removes every entry whose key contains pattern. An empty
// pattern clears the whole cache. It returns the number of entries removed.
func (c *Cache) ClearCache(ctx context.Context, pattern string) (int, error) {
	return c.remove(ctx, func(key string) (bool, error) {
		return strings.Contains(key, pattern), nil
	})
}

// Prune removes entries older than maxAge.
func (c *Cache) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	return c.remove(ctx, func(key string) (bool, error) {
		entry, ok, err := c.load(ctx, key)
		if err != nil || !ok {
			return false, err
		}
		return c.expired(entry, maxAge), nil
	})
}

func (c *Cache) remove(ctx context.Context, match func(key string) (bool, error)) (int, error) {
	keys, err := c.store.List(ctx, storage.CachePrefix)
	if err != nil {
		return 0, fmt.Errorf("listing cache entries: %w", err)
	}
	removed := 0
	for _, storeKey := range keys {
		key := strings.TrimPrefix(storeKey, storage.CachePrefix)
		ok, err := match(key)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		if err := c.store.Delete(ctx, storeKey); err != nil {
			return removed, fmt.Errorf("deleting cache entry: %w", err)
		}
		c.front.Remove(key)
		removed++
	}
	return removed, nil
}
