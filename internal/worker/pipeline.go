package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/extractor"
	"github.com/JakeFAU/webtomd/internal/metrics"
)

// Extractor turns a fetched page into an article.
type Extractor interface {
	Extract(page crawler.RawPage, opts extractor.Options) (extractor.Article, error)
}

// PageCache is the cache surface the pipeline needs.
type PageCache interface {
	Key(rawURL string, out crawler.Output) string
	Get(ctx context.Context, key string) (crawler.PageResult, bool)
	Put(ctx context.Context, key string, page crawler.PageResult)
}

// Cleaner rewrites extracted markdown, e.g. through an LLM.
type Cleaner interface {
	Clean(ctx context.Context, markdown, pageURL string) (string, error)
}

// HostLimiter paces requests per target host.
type HostLimiter interface {
	Wait(ctx context.Context, key string) error
}

// DefaultPageTimeout bounds a page fetch shared by several jobs when no
// PageTimeout is configured.
const DefaultPageTimeout = 2 * time.Minute

// PipelineConfig tunes per-page processing.
type PipelineConfig struct {
	// PageTimeout bounds fetch plus extraction for one page. Zero leaves
	// unshared fetches to the fetchers' own timeouts and bounds shared ones
	// by DefaultPageTimeout.
	PageTimeout time.Duration
	// Cleaner serves tasks with LLMFilter set. Nil leaves their markdown
	// as extracted.
	Cleaner Cleaner
}

// Pipeline runs validate, cache lookup, fetch, extract and cache write for
// one URL. It is shared by all jobs and safe for concurrent use.
type Pipeline struct {
	validator crawler.URLValidator
	fetcher   crawler.Fetcher
	extractor Extractor
	cache     PageCache
	hosts     HostLimiter
	cfg       PipelineConfig
	group     singleflight.Group
	logger    *zap.Logger
}

// NewPipeline wires a Pipeline. cache and hosts may be nil.
func NewPipeline(
	validator crawler.URLValidator,
	fetcher crawler.Fetcher,
	ext Extractor,
	cache PageCache,
	hosts HostLimiter,
	cfg PipelineConfig,
	logger *zap.Logger,
) (*Pipeline, error) {
	if validator == nil || fetcher == nil || ext == nil {
		return nil, errors.New("validator, fetcher and extractor are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		validator: validator,
		fetcher:   fetcher,
		extractor: ext,
		cache:     cache,
		hosts:     hosts,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Process returns the page for task, serving fresh cache entries without
// fetching. Failures come back as failed PageResults, never as errors.
func (p *Pipeline) Process(ctx context.Context, task crawler.Task) crawler.PageResult {
	u, err := p.validator.Validate(task.URL)
	if err != nil {
		return p.failed(task.URL, err)
	}
	requested := u.String()
	if p.cache == nil {
		return p.fetchExtract(ctx, requested, task)
	}

	key := p.cache.Key(requested, task.Output())
	if page, ok := p.cache.Get(ctx, key); ok {
		page.URL = requested
		p.logger.Debug("cache hit", zap.String("job_id", task.JobID), zap.String("url", requested))
		return page
	}

	// The shared fetch serves every job that joins it, so it must not die
	// with the job that happened to start it.
	ch := p.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.sharedTimeout())
		defer cancel()
		page := p.fetchExtract(shared, requested, task)
		if page.Succeeded() {
			p.store(shared, key, requested, page, task.Output())
		}
		return page, nil
	})
	select {
	case <-ctx.Done():
		return p.failed(requested, crawler.TransportError(requested, ctx.Err()))
	case res := <-ch:
		page, _ := res.Val.(crawler.PageResult)
		page.URL = requested
		return page
	}
}

func (p *Pipeline) sharedTimeout() time.Duration {
	if p.cfg.PageTimeout > 0 {
		return p.cfg.PageTimeout
	}
	return DefaultPageTimeout
}

// Fresh fetches and extracts rawURL without touching the cache.
func (p *Pipeline) Fresh(ctx context.Context, rawURL string, detailed bool) crawler.PageResult {
	u, err := p.validator.Validate(rawURL)
	if err != nil {
		return p.failed(rawURL, err)
	}
	return p.fetchExtract(ctx, u.String(), crawler.Task{URL: u.String(), Detailed: detailed})
}

// store writes page under the resolved URL key and aliases the requested
// URL when a redirect moved it.
func (p *Pipeline) store(ctx context.Context, key, requested string, page crawler.PageResult, out crawler.Output) {
	final := page.FinalURL
	if final == "" {
		final = requested
	}
	finalKey := p.cache.Key(final, out)
	p.cache.Put(ctx, finalKey, page)
	if finalKey != key {
		p.cache.Put(ctx, key, page)
	}
}

func (p *Pipeline) fetchExtract(ctx context.Context, requested string, task crawler.Task) crawler.PageResult {
	if p.cfg.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PageTimeout)
		defer cancel()
	}

	var raw crawler.RawPage
	if task.Page != nil && len(task.Page.Body) > 0 {
		raw = *task.Page
	} else {
		if err := p.waitHost(ctx, requested); err != nil {
			return p.failed(requested, crawler.TransportError(requested, err))
		}
		fetched, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: requested})
		if err != nil {
			p.logger.Debug("fetch failed", zap.String("job_id", task.JobID), zap.String("url", requested), zap.Error(err))
			return p.failed(requested, err)
		}
		raw = fetched
	}
	if raw.URL == "" {
		raw.URL = requested
	}

	article, err := p.extractor.Extract(raw, extractor.Options{Detailed: task.Detailed})
	if err != nil {
		p.logger.Debug("extract failed", zap.String("job_id", task.JobID), zap.String("url", requested), zap.Error(err))
		page := p.failed(requested, err)
		page.FinalURL = raw.URL
		return page
	}
	page := extractor.ToPage(requested, raw, article)
	if task.LLMFilter && p.cfg.Cleaner != nil {
		page.Markdown = p.clean(ctx, task, page)
	}
	metrics.ObservePage(requested, string(page.Status), len(raw.Body))
	return page
}

// clean returns the cleaned markdown for page, or its markdown unchanged
// when the cleaner fails.
func (p *Pipeline) clean(ctx context.Context, task crawler.Task, page crawler.PageResult) string {
	cleaned, err := p.cfg.Cleaner.Clean(ctx, page.Markdown, page.URL)
	if err == nil && strings.TrimSpace(cleaned) == "" {
		err = errors.New("cleaner returned no content")
	}
	if err != nil {
		metrics.ObserveLLMClean("error")
		p.logger.Warn("llm cleaning failed; keeping extracted markdown",
			zap.String("job_id", task.JobID),
			zap.String("url", page.URL),
			zap.Error(err),
		)
		return page.Markdown
	}
	metrics.ObserveLLMClean("ok")
	return cleaned
}

func (p *Pipeline) waitHost(ctx context.Context, rawURL string) error {
	if p.hosts == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	return p.hosts.Wait(ctx, u.Hostname())
}

func (p *Pipeline) failed(rawURL string, err error) crawler.PageResult {
	metrics.ObservePage(rawURL, string(crawler.PageStatusFailed), 0)
	return crawler.FailedPage(rawURL, err)
}
