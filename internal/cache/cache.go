// Package cache stores extracted pages keyed by URL and output mode.
//
// Every store failure is logged, counted and reported to callers as a miss,
// so the cache can never fail a crawl.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/clock/system"
	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/metrics"
)

// DefaultTTL is how long a cached page stays fresh.
const DefaultTTL = time.Hour

// Entry is one cached page.
type Entry struct {
	Page      crawler.PageResult `json:"page"`
	StoredAt  time.Time          `json:"storedAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// Store is the persistence behind a Cache. Get reports a miss with
// found=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (entry Entry, found bool, err error)
	Set(ctx context.Context, key string, entry Entry) error
}

// Option customizes a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source used for expiry.
func WithClock(clock crawler.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithHasher injects the key hasher.
func WithHasher(h crawler.Hasher) Option {
	return func(c *Cache) {
		if h != nil {
			c.hasher = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	store  Store
	hasher crawler.Hasher
	clock  crawler.Clock
	ttl    time.Duration
	logger *zap.Logger
}

// New builds a Cache over store. A nil store never hits.
func New(store Store, hasher crawler.Hasher, opts ...Option) *Cache {
	if store == nil {
		store = None{}
	}
	c := &Cache{
		store:  store,
		hasher: hasher,
		clock:  system.New(),
		ttl:    DefaultTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Key derives the cache key for a URL and output mode. Crawl-scope options
// never take part in the key.
func (c *Cache) Key(rawURL string, out crawler.Output) string {
	canonical, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		canonical = rawURL
	}
	material := canonical + "|detailed=" + strconv.FormatBool(out.Detailed)
	if out.LLMFilter {
		material += "|llm"
	}
	if c.hasher != nil {
		if sum, herr := c.hasher.Hash([]byte(material)); herr == nil {
			return sum
		}
	}
	return material
}

// Get returns a fresh cached page for key.
func (c *Cache) Get(ctx context.Context, key string) (crawler.PageResult, bool) {
	entry, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.degraded("get", key, err)
		metrics.ObserveCacheLookup("error")
		return crawler.PageResult{}, false
	}
	if !found {
		metrics.ObserveCacheLookup("miss")
		return crawler.PageResult{}, false
	}
	if !entry.ExpiresAt.IsZero() && !c.clock.Now().Before(entry.ExpiresAt) {
		metrics.ObserveCacheLookup("expired")
		return crawler.PageResult{}, false
	}
	metrics.ObserveCacheLookup("hit")
	return entry.Page, true
}

// Put stores page under key. Failed pages are never cached.
func (c *Cache) Put(ctx context.Context, key string, page crawler.PageResult) {
	if !page.Succeeded() {
		return
	}
	now := c.clock.Now()
	entry := Entry{Page: page, StoredAt: now, ExpiresAt: now.Add(c.ttl)}
	if err := c.store.Set(ctx, key, entry); err != nil {
		c.degraded("set", key, err)
		metrics.ObserveCacheWrite("error")
		return
	}
	metrics.ObserveCacheWrite("ok")
}

func (c *Cache) degraded(op, key string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.logger.Warn("cache unavailable; treating as miss",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(errors.Join(crawler.ErrCacheUnavailable, err)),
	)
}

// None is a Store that never hits.
type None struct{}

// Get always misses.
func (None) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }

// Set discards the entry.
func (None) Set(context.Context, string, Entry) error { return nil }
