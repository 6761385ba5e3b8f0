// Package chain composes fetch strategies into an ordered fallback list.
//
// The lightweight HTTP strategy runs first. A successful response that the
// detector flags as a JavaScript shell is re-fetched by the headless
// strategy, keeping the lightweight page if rendering fails. Retryable
// failures move on to the next strategy, and the rendering proxy is only
// consulted once some earlier strategy was blocked.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/metrics"
)

// Strategy is one named fetch path.
type Strategy struct {
	Name    string
	Fetcher crawler.Fetcher
}

// Chain implements crawler.Fetcher over an ordered strategy list.
type Chain struct {
	strategies []Strategy
	detector   crawler.HeadlessDetector
	logger     *zap.Logger
}

// New builds a Chain. Strategies with a nil fetcher are dropped.
func New(strategies []Strategy, detector crawler.HeadlessDetector, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var kept []Strategy
	for _, s := range strategies {
		if s.Fetcher == nil {
			continue
		}
		if s.Name == "" {
			return nil, errors.New("strategy name is required")
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return nil, errors.New("at least one fetch strategy is required")
	}
	return &Chain{strategies: kept, detector: detector, logger: logger}, nil
}

// Strategies returns the configured strategy names in order.
func (c *Chain) Strategies() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name)
	}
	return names
}

// Fetch tries each strategy at most once and returns the first success.
func (c *Chain) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.RawPage, error) {
	start := 0
	if request.ForceRender {
		if idx := c.index(crawler.StrategyHeadless); idx >= 0 {
			start = idx
		}
	}

	var (
		lastErr error
		blocked bool
		tried   = make(map[string]bool, len(c.strategies))
	)
	for i := start; i < len(c.strategies); i++ {
		s := c.strategies[i]
		if tried[s.Name] {
			continue
		}
		if s.Name == crawler.StrategyProxy && !blocked {
			continue
		}
		if err := ctx.Err(); err != nil {
			return crawler.RawPage{}, joinLast(lastErr, crawler.TransportError(request.URL, err))
		}

		tried[s.Name] = true
		page, err := c.attempt(ctx, s, request)
		if err == nil {
			if s.Name == crawler.StrategyHTTP {
				return c.maybePromote(ctx, page, request, tried), nil
			}
			return page, nil
		}

		lastErr = err
		var fe *crawler.FetchError
		if !errors.As(err, &fe) {
			return crawler.RawPage{}, err
		}
		if fe.Kind == crawler.FetchBlocked {
			blocked = true
		}
		if !fe.Retryable() {
			return crawler.RawPage{}, err
		}
		c.logger.Debug("fetch strategy failed, trying next",
			zap.String("strategy", s.Name),
			zap.String("url", request.URL),
			zap.Error(err),
		)
	}
	if lastErr == nil {
		lastErr = &crawler.FetchError{Kind: crawler.FetchNetwork, URL: request.URL, Err: errors.New("no fetch strategy available")}
	}
	return crawler.RawPage{}, lastErr
}

// maybePromote re-renders a shell page headlessly, keeping the lightweight
// page when rendering is unavailable or fails.
func (c *Chain) maybePromote(ctx context.Context, page crawler.RawPage, request crawler.FetchRequest, tried map[string]bool) crawler.RawPage {
	idx := c.index(crawler.StrategyHeadless)
	if idx < 0 || tried[crawler.StrategyHeadless] || c.detector == nil || !c.detector.ShouldPromote(page) {
		return page
	}
	metrics.ObservePromotion()
	tried[crawler.StrategyHeadless] = true

	renderReq := request
	renderReq.URL = page.URL
	rendered, err := c.attempt(ctx, c.strategies[idx], renderReq)
	if err != nil {
		c.logger.Warn("headless promotion failed; keeping lightweight page",
			zap.String("url", request.URL),
			zap.Error(err),
		)
		return page
	}
	return rendered
}

func (c *Chain) attempt(ctx context.Context, s Strategy, request crawler.FetchRequest) (crawler.RawPage, error) {
	start := time.Now()
	page, err := s.Fetcher.Fetch(ctx, request)
	outcome := "success"
	if err != nil {
		outcome = "error"
		if kind, ok := crawler.FetchKindOf(err); ok {
			outcome = string(kind)
		}
		metrics.ObserveFetch(s.Name, outcome, time.Since(start))
		return crawler.RawPage{}, err
	}
	metrics.ObserveFetch(s.Name, outcome, time.Since(start))
	if page.Strategy == "" {
		page.Strategy = s.Name
	}
	if page.URL == "" {
		page.URL = request.URL
	}
	return page, nil
}

func (c *Chain) index(name string) int {
	for i, s := range c.strategies {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func joinLast(last error, err error) error {
	if last == nil {
		return err
	}
	return fmt.Errorf("%w (after %v)", err, last)
}
