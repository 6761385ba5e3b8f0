// Package orchestrator runs crawl jobs: discovery, bounded fan-out over the
// worker pool, deadline handling and report assembly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/dispatcher"
	"github.com/JakeFAU/webtomd/internal/metrics"
	"github.com/JakeFAU/webtomd/internal/queue/memory"
	"github.com/JakeFAU/webtomd/internal/worker"
)

// State is a job lifecycle phase.
type State string

// Job states, entered in this order.
const (
	StateDiscovering State = "discovering"
	StateDispatching State = "dispatching"
	StateDraining    State = "draining"
	StateCompleted   State = "completed"
)

// Config sizes the worker pool and job deadlines.
type Config struct {
	Workers       int
	QueueSize     int
	JobTimeout    time.Duration
	GracePeriod   time.Duration
	MaxPagesLimit int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.MaxPagesLimit <= 0 || c.MaxPagesLimit > crawler.MaxPagesLimit {
		c.MaxPagesLimit = crawler.MaxPagesLimit
	}
}

// Orchestrator is safe for concurrent jobs; each job gets its own queue,
// visited set and worker pool.
type Orchestrator struct {
	validator  crawler.URLValidator
	discoverer crawler.Discoverer
	processor  worker.Processor
	ids        crawler.IDGenerator
	cfg        Config
	logger     *zap.Logger
}

// New wires an Orchestrator.
func New(
	validator crawler.URLValidator,
	discoverer crawler.Discoverer,
	processor worker.Processor,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if validator == nil || discoverer == nil || processor == nil || ids == nil {
		return nil, errors.New("validator, discoverer, processor and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Orchestrator{
		validator:  validator,
		discoverer: discoverer,
		processor:  processor,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Crawl runs one job to completion. It only errors when the seed or options
// are invalid or discovery produced nothing; every page-level problem is
// reported inside the CrawlReport.
func (o *Orchestrator) Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.CrawlReport, error) {
	seed, err := o.validator.Validate(req.URL)
	if err != nil {
		return crawler.CrawlReport{}, err
	}
	opts := req.Options
	if err := opts.Validate(o.cfg.MaxPagesLimit); err != nil {
		return crawler.CrawlReport{}, &crawler.ValidationError{Kind: crawler.ValidationOptions, Detail: err.Error()}
	}
	jobID, err := o.ids.NewID()
	if err != nil {
		return crawler.CrawlReport{}, fmt.Errorf("job id: %w", err)
	}

	started := time.Now()
	j := &job{
		id:     jobID,
		opts:   opts,
		logger: o.logger.With(zap.String("job_id", jobID), zap.String("seed", seed.String())),
	}
	jobCtx, cancelJob := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancelJob()
	workCtx, cancelWork := context.WithTimeout(ctx, o.cfg.JobTimeout+o.cfg.GracePeriod)
	defer cancelWork()

	j.enter(StateDiscovering)
	frontier := o.discoverer.Discover(jobCtx, seed, opts)
	urls := collectFrontier(frontier, opts.MaxPages)
	if len(urls) == 0 {
		return crawler.CrawlReport{}, crawler.ErrEmptyFrontier
	}
	if derr := frontier.Err(); derr != nil {
		j.logger.Info("discovery degraded", zap.Error(derr))
	}
	j.logger.Info("frontier ready", zap.Int("urls", len(urls)))

	j.enter(StateDispatching)
	j.results = make([]*crawler.PageResult, len(urls))
	q := memory.NewQueue(o.cfg.QueueSize)
	workers := make([]*worker.Worker, 0, min(o.cfg.Workers, len(urls)))
	for i := range cap(workers) {
		workers = append(workers, worker.New(i, q, o.processor, j.sink(workCtx), jobCtx, j.logger))
	}
	d := dispatcher.New(q, workers)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		d.Run(workCtx)
	}()

	seedPage, haveSeedPage := frontier.SeedPage()
	dispatched := 0
	for i, u := range urls {
		task := crawler.Task{JobID: jobID, Index: i, URL: u, Detailed: opts.DetailedResponse, LLMFilter: opts.LLMFilter}
		if i == 0 && haveSeedPage {
			task.Page = &seedPage
		}
		if err := d.Enqueue(jobCtx, task); err != nil {
			j.logger.Warn("dispatch stopped", zap.Int("dispatched", dispatched), zap.Error(err))
			break
		}
		dispatched++
	}
	d.Close()

	j.enter(StateDraining)
	select {
	case <-poolDone:
	case <-workCtx.Done():
		j.logger.Warn("grace period over; abandoning in-flight pages")
	}
	results, abandoned := j.seal(urls)

	interrupted := ctx.Err() != nil || dispatched < len(urls) || j.skipped > 0 || j.timedOut > 0 || abandoned > 0
	status := crawler.ReportStatusCompleted
	switch {
	case interrupted:
		status = crawler.ReportStatusCanceled
	case frontier.Degraded() && !results[0].Succeeded():
		status = crawler.ReportStatusFailed
	}
	report := crawler.NewReport(jobID, seed.String(), status, results)

	j.enter(StateCompleted)
	j.logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("total", report.TotalPages),
		zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", j.skipped),
		zap.Int("abandoned", abandoned),
		zap.Duration("duration", time.Since(started)),
	)
	metrics.ObserveJob(string(status), time.Since(started))
	return report, nil
}

// collectFrontier drains the discovery sequence, dropping duplicates by
// normalized URL, up to maxPages entries.
func collectFrontier(frontier crawler.Frontier, maxPages int) []string {
	visited := crawler.NewVisitedSet()
	urls := make([]string, 0, maxPages)
	for u := range frontier.All() {
		if !visited.MarkIfNew(u) {
			continue
		}
		urls = append(urls, u)
		if len(urls) >= maxPages {
			break
		}
	}
	return urls
}

type job struct {
	id     string
	opts   crawler.Options
	logger *zap.Logger

	mu       sync.Mutex
	results  []*crawler.PageResult
	sealed   bool
	skipped  int
	timedOut int
}

func (j *job) enter(state State) {
	j.logger.Debug("job state", zap.String("state", string(state)))
}

// sink records worker outcomes by dispatch index. Failures that happen after
// the work context ended are recorded as timeouts.
func (j *job) sink(workCtx context.Context) worker.Sink {
	return func(r crawler.TaskResult) {
		j.mu.Lock()
		defer j.mu.Unlock()
		if j.sealed || r.Index < 0 || r.Index >= len(j.results) {
			return
		}
		page := r.Page
		if r.Skipped {
			j.skipped++
		} else if !page.Succeeded() && workCtx.Err() != nil {
			page = crawler.TimeoutPage(page.URL)
			j.timedOut++
		}
		j.results[r.Index] = &page
	}
}

// seal stops accepting results and fills every missing slot with a timeout.
func (j *job) seal(urls []string) ([]crawler.PageResult, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sealed = true
	out := make([]crawler.PageResult, len(urls))
	missing := 0
	for i, r := range j.results {
		if r == nil {
			missing++
			out[i] = crawler.TimeoutPage(urls[i])
			continue
		}
		out[i] = *r
	}
	return out, missing
}
