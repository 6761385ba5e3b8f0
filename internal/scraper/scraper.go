// Package scraper is the request surface: it charges per-client budgets and
// validates input before handing work to the orchestrator or pipeline.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/policy/ratelimit"
)

// AnonymousClient is the budget key used when a caller has no identity.
const AnonymousClient = "anonymous"

// Crawler runs a full crawl job.
type Crawler interface {
	Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.CrawlReport, error)
}

// Previewer fetches and extracts a single page without caching.
type Previewer interface {
	Fresh(ctx context.Context, rawURL string, detailed bool) crawler.PageResult
}

// Limits exposes the crawl and preview budgets.
type Limits interface {
	AllowCrawl(clientKey string) ratelimit.Decision
	AllowPreview(clientKey string) ratelimit.Decision
}

// RateLimitError is returned when a client exhausted a budget. It matches
// crawler.ErrRateLimited with errors.Is.
type RateLimitError struct {
	Budget     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s budget: %v (retry after %s)", e.Budget, crawler.ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return crawler.ErrRateLimited }

// RetryAfter returns how long the caller should wait, if err is a rate limit.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Service implements Scrape and PreviewOne.
type Service struct {
	validator crawler.URLValidator
	crawler   Crawler
	previewer Previewer
	limits    Limits
	logger    *zap.Logger
}

// New wires a Service. limits may be nil to disable rate limiting.
func New(validator crawler.URLValidator, c Crawler, p Previewer, limits Limits, logger *zap.Logger) (*Service, error) {
	if validator == nil || c == nil || p == nil {
		return nil, errors.New("validator, crawler and previewer are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{validator: validator, crawler: c, previewer: p, limits: limits, logger: logger}, nil
}

// Scrape crawls rawURL with opts on behalf of clientKey. Errors are limited
// to rate limits, validation failures and empty frontiers; page failures are
// part of the report.
func (s *Service) Scrape(ctx context.Context, clientKey, rawURL string, opts crawler.Options) (crawler.CrawlReport, error) {
	clientKey = keyOrAnonymous(clientKey)
	if s.limits != nil {
		if d := s.limits.AllowCrawl(clientKey); !d.Allowed {
			s.logger.Info("crawl rate limited", zap.String("client", clientKey), zap.Duration("retry_after", d.RetryAfter))
			return crawler.CrawlReport{}, &RateLimitError{Budget: ratelimit.BudgetCrawl, RetryAfter: d.RetryAfter}
		}
	}
	report, err := s.crawler.Crawl(ctx, crawler.CrawlRequest{URL: rawURL, Options: opts})
	if err != nil {
		return crawler.CrawlReport{}, fmt.Errorf("scrape %q: %w", rawURL, err)
	}
	return report, nil
}

// PreviewOne fetches a single page, bypassing the cache and the
// orchestrator. A fetch or extraction failure is returned as a failed page.
func (s *Service) PreviewOne(ctx context.Context, clientKey, rawURL string) (crawler.PageResult, error) {
	clientKey = keyOrAnonymous(clientKey)
	if s.limits != nil {
		if d := s.limits.AllowPreview(clientKey); !d.Allowed {
			s.logger.Info("preview rate limited", zap.String("client", clientKey), zap.Duration("retry_after", d.RetryAfter))
			return crawler.PageResult{}, &RateLimitError{Budget: ratelimit.BudgetPreview, RetryAfter: d.RetryAfter}
		}
	}
	u, err := s.validator.Validate(rawURL)
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("preview %q: %w", rawURL, err)
	}
	return s.previewer.Fresh(ctx, u.String(), false), nil
}

func keyOrAnonymous(key string) string {
	if key == "" {
		return AnonymousClient
	}
	return key
}
