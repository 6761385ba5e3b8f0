package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/validator"
)

type listFrontier struct {
	urls     []string
	degraded bool
	seedPage *crawler.RawPage
}

func (f *listFrontier) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, u := range f.urls {
			if !yield(u) {
				return
			}
		}
	}
}

func (f *listFrontier) Err() error {
	if f.degraded {
		return &crawler.DiscoveryError{Source: "sitemap", Err: fmt.Errorf("status 404")}
	}
	return nil
}

func (f *listFrontier) Degraded() bool { return f.degraded }

func (f *listFrontier) SeedPage() (crawler.RawPage, bool) {
	if f.seedPage == nil {
		return crawler.RawPage{}, false
	}
	return *f.seedPage, true
}

type fakeDiscoverer struct {
	frontier *listFrontier
}

func (d *fakeDiscoverer) Discover(_ context.Context, seed *url.URL, _ crawler.Options) crawler.Frontier {
	if d.frontier == nil {
		return &listFrontier{urls: []string{seed.String()}}
	}
	return d.frontier
}

type scriptedProcessor struct {
	delays map[string]time.Duration
	fail   map[string]bool
	block  map[string]bool

	mu    sync.Mutex
	tasks []crawler.Task
}

func (p *scriptedProcessor) Process(ctx context.Context, task crawler.Task) crawler.PageResult {
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()

	if p.block[task.URL] {
		<-ctx.Done()
		return crawler.FailedPage(task.URL, crawler.TransportError(task.URL, ctx.Err()))
	}
	if d := p.delays[task.URL]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return crawler.FailedPage(task.URL, crawler.TransportError(task.URL, ctx.Err()))
		}
	}
	if p.fail[task.URL] {
		return crawler.FailedPage(task.URL, crawler.StatusError(task.URL, 500))
	}
	return crawler.PageResult{URL: task.URL, Title: task.URL, Markdown: "# " + task.URL, Status: crawler.PageStatusSuccess}
}

func (p *scriptedProcessor) seen() []crawler.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]crawler.Task(nil), p.tasks...)
}

type redirectingProcessor struct {
	final map[string]string
}

func (p *redirectingProcessor) Process(_ context.Context, task crawler.Task) crawler.PageResult {
	final := p.final[task.URL]
	if final == "" {
		final = task.URL
	}
	return crawler.PageResult{URL: task.URL, FinalURL: final, Markdown: "# " + final, Status: crawler.PageStatusSuccess}
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

func pageURLs(n int) []string {
	urls := make([]string, 0, n)
	urls = append(urls, "https://example.com/")
	for i := 1; i < n; i++ {
		urls = append(urls, fmt.Sprintf("https://example.com/p%d", i))
	}
	return urls
}

func newOrchestrator(t *testing.T, d crawler.Discoverer, p *scriptedProcessor, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(validator.New(), d, p, &seqIDs{}, cfg, zap.NewNop())
	require.NoError(t, err)
	return o
}

func request(maxPages int) crawler.CrawlRequest {
	opts := crawler.DefaultOptions()
	opts.MaxPages = maxPages
	return crawler.CrawlRequest{URL: "https://example.com", Options: opts}
}

func resultURLs(report crawler.CrawlReport) []string {
	out := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		out = append(out, r.URL)
	}
	return out
}

func TestCrawlKeepsDispatchOrderUnderReversedLatency(t *testing.T) {
	t.Parallel()

	urls := pageURLs(5)
	proc := &scriptedProcessor{delays: map[string]time.Duration{}}
	for i, u := range urls {
		proc.delays[u] = time.Duration(len(urls)-i) * 15 * time.Millisecond
	}
	o := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: urls}}, proc, Config{Workers: 5})

	report, err := o.Crawl(context.Background(), request(10))
	require.NoError(t, err)
	require.Equal(t, urls, resultURLs(report))
	require.Equal(t, crawler.ReportStatusCompleted, report.Status)
	require.Equal(t, "job-1", report.JobID)
	require.Equal(t, "https://example.com/", report.BaseURL)
}

func TestCrawlCountsSuccessesAndFailures(t *testing.T) {
	t.Parallel()

	urls := pageURLs(5)
	proc := &scriptedProcessor{fail: map[string]bool{urls[1]: true, urls[3]: true}}
	o := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: urls}}, proc, Config{Workers: 2})

	report, err := o.Crawl(context.Background(), request(10))
	require.NoError(t, err)
	require.Equal(t, 5, report.TotalPages)
	require.Equal(t, 3, report.Successful)
	require.Equal(t, 2, report.Failed)
	require.Equal(t, report.TotalPages, report.Successful+report.Failed)
	require.Equal(t, crawler.ReportStatusCompleted, report.Status)
	require.Contains(t, report.Results[1].Error, "500")
}

func TestCrawlDedupesAndTruncatesFrontier(t *testing.T) {
	t.Parallel()

	urls := append(pageURLs(6), "HTTPS://EXAMPLE.COM/p1#dup")
	proc := &scriptedProcessor{}
	o := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: urls}}, proc, Config{Workers: 3})

	report, err := o.Crawl(context.Background(), request(10))
	require.NoError(t, err)
	require.Equal(t, 6, report.TotalPages)
	require.Len(t, proc.seen(), 6)

	proc = &scriptedProcessor{}
	o = newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: urls}}, proc, Config{Workers: 3})
	report, err = o.Crawl(context.Background(), request(3))
	require.NoError(t, err)
	require.Equal(t, urls[:3], resultURLs(report))
}

func TestCrawlStatusFollowsDiscoveryAndSeed(t *testing.T) {
	t.Parallel()

	urls := pageURLs(2)
	cases := []struct {
		name     string
		degraded bool
		seedFail bool
		want     crawler.ReportStatus
	}{
		{"degraded and seed failed", true, true, crawler.ReportStatusFailed},
		{"degraded but seed ok", true, false, crawler.ReportStatusCompleted},
		{"seed failed without degradation", false, true, crawler.ReportStatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			frontier := &listFrontier{urls: urls[:1], degraded: tc.degraded}
			proc := &scriptedProcessor{fail: map[string]bool{urls[0]: tc.seedFail}}
			o := newOrchestrator(t, &fakeDiscoverer{frontier: frontier}, proc, Config{})
			report, err := o.Crawl(context.Background(), request(5))
			require.NoError(t, err)
			require.Equal(t, tc.want, report.Status)
		})
	}
}

func TestCrawlAbandonsInFlightAfterGrace(t *testing.T) {
	t.Parallel()

	urls := pageURLs(3)
	proc := &scriptedProcessor{block: map[string]bool{urls[2]: true}}
	o := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: urls}}, proc,
		Config{Workers: 3, JobTimeout: 50 * time.Millisecond, GracePeriod: 50 * time.Millisecond})

	start := time.Now()
	report, err := o.Crawl(context.Background(), request(10))
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, crawler.ReportStatusCanceled, report.Status)
	require.Equal(t, urls, resultURLs(report))
	require.True(t, report.Results[0].Succeeded())
	require.False(t, report.Results[2].Succeeded())
	require.Contains(t, report.Results[2].Error, string(crawler.FetchTimeout))
}

func TestCrawlRecordsUnstartedTasksAsTimeouts(t *testing.T) {
	t.Parallel()

	urls := pageURLs(6)
	proc := &scriptedProcessor{delays: map[string]time.Duration{}}
	for _, u := range urls {
		proc.delays[u] = 40 * time.Millisecond
	}
	o := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: urls}}, proc,
		Config{Workers: 1, QueueSize: 10, JobTimeout: 60 * time.Millisecond, GracePeriod: 100 * time.Millisecond})

	report, err := o.Crawl(context.Background(), request(10))
	require.NoError(t, err)
	require.Equal(t, crawler.ReportStatusCanceled, report.Status)
	require.Equal(t, 6, report.TotalPages)
	require.Equal(t, urls, resultURLs(report))
	require.True(t, report.Results[0].Succeeded())
	require.False(t, report.Results[5].Succeeded())
	require.Contains(t, report.Results[5].Error, string(crawler.FetchTimeout))
	require.Less(t, len(proc.seen()), 6)
}

func TestCrawlPassesSeedPageToFirstTask(t *testing.T) {
	t.Parallel()

	urls := pageURLs(3)
	seed := &crawler.RawPage{URL: urls[0], StatusCode: 200, Body: []byte("<p>seed</p>")}
	proc := &scriptedProcessor{}
	o := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: urls, seedPage: seed}}, proc, Config{Workers: 1})

	_, err := o.Crawl(context.Background(), request(10))
	require.NoError(t, err)
	for _, task := range proc.seen() {
		if task.Index == 0 {
			require.NotNil(t, task.Page)
		} else {
			require.Nil(t, task.Page)
		}
	}
}

func TestCrawlForwardsOutputOptions(t *testing.T) {
	t.Parallel()

	proc := &scriptedProcessor{}
	o := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: pageURLs(3)}}, proc, Config{Workers: 2})

	req := request(10)
	req.Options.DetailedResponse = true
	req.Options.LLMFilter = true
	_, err := o.Crawl(context.Background(), req)
	require.NoError(t, err)

	tasks := proc.seen()
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		require.Equal(t, crawler.Output{Detailed: true, LLMFilter: true}, task.Output())
	}
}

func TestCrawlReportsEachAliasOfARedirectTarget(t *testing.T) {
	t.Parallel()

	urls := []string{"https://example.com/", "https://example.com/old-a", "https://example.com/old-b"}
	proc := &redirectingProcessor{final: map[string]string{
		"https://example.com/old-a": "https://example.com/new",
		"https://example.com/old-b": "https://example.com/new",
	}}
	o, err := New(validator.New(), &fakeDiscoverer{frontier: &listFrontier{urls: urls}}, proc, &seqIDs{}, Config{Workers: 2}, zap.NewNop())
	require.NoError(t, err)

	report, err := o.Crawl(context.Background(), request(10))
	require.NoError(t, err)
	require.Equal(t, urls, resultURLs(report))
	require.Equal(t, 3, report.Successful)
	require.Equal(t, report.Results[1].FinalURL, report.Results[2].FinalURL)
}

func TestCrawlRejectsBadInput(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, &fakeDiscoverer{}, &scriptedProcessor{}, Config{})

	_, err := o.Crawl(context.Background(), crawler.CrawlRequest{URL: "ftp://example.com/file", Options: crawler.DefaultOptions()})
	kind, ok := crawler.ValidationKindOf(err)
	require.True(t, ok)
	require.Equal(t, crawler.ValidationBadScheme, kind)

	_, err = o.Crawl(context.Background(), request(0))
	kind, ok = crawler.ValidationKindOf(err)
	require.True(t, ok)
	require.Equal(t, crawler.ValidationOptions, kind)

	_, err = o.Crawl(context.Background(), request(crawler.MaxPagesLimit+1))
	require.True(t, crawler.IsValidation(err))

	empty := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{}}, &scriptedProcessor{}, Config{})
	_, err = empty.Crawl(context.Background(), request(5))
	require.ErrorIs(t, err, crawler.ErrEmptyFrontier)
}

func TestCrawlCanceledByCaller(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, &fakeDiscoverer{frontier: &listFrontier{urls: pageURLs(3)}}, &scriptedProcessor{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := o.Crawl(ctx, request(5))
	require.NoError(t, err)
	require.Equal(t, crawler.ReportStatusCanceled, report.Status)
	require.Equal(t, 3, report.TotalPages)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil, Config{}, nil)
	require.Error(t, err)

	o := newOrchestrator(t, &fakeDiscoverer{}, &scriptedProcessor{}, Config{MaxPagesLimit: 9999})
	require.Equal(t, crawler.MaxPagesLimit, o.Config().MaxPagesLimit)
	require.Equal(t, 5, o.Config().Workers)
}
