// Package ratelimit implements keyed token buckets for client budgets and
// per-host politeness.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/metrics"
)

// DefaultIdleTTL is how long an untouched bucket is kept.
const DefaultIdleTTL = 10 * time.Minute

// Config holds limiter configuration. A non-positive PerMinute disables
// limiting.
type Config struct {
	PerMinute int
	Burst     int
	IdleTTL   time.Duration
	Clock     crawler.Clock
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per key. It never blocks in Allow.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	clock     crawler.Clock
	lastPrune time.Time
}

// New creates a Limiter refilling PerMinute tokens per minute with a burst
// of Burst (PerMinute when unset).
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.PerMinute > 0 {
		limit = rate.Limit(float64(cfg.PerMinute) / time.Minute.Seconds())
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(cfg.PerMinute, 1)
	}
	return newLimiter(limit, burst, cfg.IdleTTL, cfg.Clock)
}

// NewPerSecond creates a Limiter for request pacing, e.g. per target host.
// A non-positive rps disables pacing.
func NewPerSecond(rps float64, burst int) *Limiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return newLimiter(limit, burst, 0, nil)
}

func newLimiter(limit rate.Limit, burst int, idleTTL time.Duration, clock crawler.Clock) *Limiter {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if clock == nil {
		clock = realClock{}
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idleTTL: idleTTL,
		clock:   clock,
	}
}

// Allow consumes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()
	return l.get(key, now).AllowN(now, 1)
}

// RetryAfter reports how long key must wait for its next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	now := l.clock.Now()
	lim := l.get(key, now)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// Wait blocks until a token for key is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	lim := l.get(key, l.clock.Now())
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// pruneLocked drops idle buckets. An idle bucket has refilled, so
// forgetting it does not change any decision.
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.idleTTL {
		return
	}
	l.lastPrune = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Budget names used in metrics and errors.
const (
	BudgetCrawl   = "crawl"
	BudgetPreview = "preview"
)

// Default per-minute budgets.
const (
	DefaultCrawlPerMinute   = 10
	DefaultPreviewPerMinute = 20
)

// PolicyConfig sizes the crawl and preview budgets.
type PolicyConfig struct {
	CrawlPerMinute   int
	PreviewPerMinute int
	IdleTTL          time.Duration
	Clock            crawler.Clock
}

// Policy holds the per-client crawl and preview budgets.
type Policy struct {
	crawl   *Limiter
	preview *Limiter
}

// NewPolicy builds both budgets.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{
		crawl:   New(Config{PerMinute: cfg.CrawlPerMinute, IdleTTL: cfg.IdleTTL, Clock: cfg.Clock}),
		preview: New(Config{PerMinute: cfg.PreviewPerMinute, IdleTTL: cfg.IdleTTL, Clock: cfg.Clock}),
	}
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AllowCrawl charges the crawl budget of clientKey.
func (p *Policy) AllowCrawl(clientKey string) Decision {
	return charge(p.crawl, BudgetCrawl, clientKey)
}

// AllowPreview charges the preview budget of clientKey.
func (p *Policy) AllowPreview(clientKey string) Decision {
	return charge(p.preview, BudgetPreview, clientKey)
}

func charge(l *Limiter, budget, clientKey string) Decision {
	if l.Allow(clientKey) {
		return Decision{Allowed: true}
	}
	metrics.ObserveRateLimited(budget)
	return Decision{RetryAfter: l.RetryAfter(clientKey)}
}
