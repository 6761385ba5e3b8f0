package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

type fakeScraper struct {
	clientKey string
	url       string
	opts      crawler.Options
	err       error
}

func (f *fakeScraper) Scrape(_ context.Context, clientKey, rawURL string, opts crawler.Options) (crawler.CrawlReport, error) {
	f.clientKey, f.url, f.opts = clientKey, rawURL, opts
	if f.err != nil {
		return crawler.CrawlReport{}, f.err
	}
	page := crawler.PageResult{URL: "https://example.com/", Title: "Example Domain", Markdown: "# Example Domain", Status: crawler.PageStatusSuccess}
	return crawler.NewReport("job-1", "https://example.com/", crawler.ReportStatusCompleted, []crawler.PageResult{page}), nil
}

func (f *fakeScraper) PreviewOne(_ context.Context, clientKey, rawURL string) (crawler.PageResult, error) {
	f.clientKey, f.url = clientKey, rawURL
	if f.err != nil {
		return crawler.PageResult{}, f.err
	}
	return crawler.PageResult{URL: rawURL, Title: "Preview", Markdown: "body", Status: crawler.PageStatusSuccess}, nil
}

type fakeApp struct {
	scraper *fakeScraper
	ran     bool
	closed  bool
}

func (a *fakeApp) Run(context.Context) error {
	a.ran = true
	return nil
}

func (a *fakeApp) Scraper() Scraper { return a.scraper }

func (a *fakeApp) Close(context.Context) { a.closed = true }

// useFakeApp swaps the application factory for the duration of a test.
// Tests using it must not run in parallel.
func useFakeApp(t *testing.T, app *fakeApp) *string {
	t.Helper()
	var gotPath string
	orig := newApp
	newApp = func(_ context.Context, cfgPath string) (App, error) {
		gotPath = cfgPath
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &gotPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"serve", "scrape", "preview"})
	require.NotNil(t, root.PersistentFlags().Lookup("config"))

	scrape, _, err := root.Find([]string{"scrape"})
	require.NoError(t, err)
	for _, flag := range []string{"max-pages", "crawl-subpages", "follow-sitemap", "detailed", "llm-filter"} {
		require.NotNil(t, scrape.Flags().Lookup(flag), flag)
	}
	require.Equal(t, "10", scrape.Flags().Lookup("max-pages").DefValue)
	require.Equal(t, "true", scrape.Flags().Lookup("follow-sitemap").DefValue)
}

func TestScrapeCommandPrintsReport(t *testing.T) {
	app := &fakeApp{scraper: &fakeScraper{}}
	cfgPath := useFakeApp(t, app)

	out, err := execute(t, "--config", "webtomd.yaml", "scrape", "example.com", "--max-pages", "3", "--crawl-subpages", "--detailed", "--llm-filter")
	require.NoError(t, err)
	require.Equal(t, "webtomd.yaml", *cfgPath)
	require.True(t, app.closed)

	require.Equal(t, cliClient, app.scraper.clientKey)
	require.Equal(t, "example.com", app.scraper.url)
	require.Equal(t, crawler.Options{MaxPages: 3, CrawlSubpages: true, FollowSitemap: true, DetailedResponse: true, LLMFilter: true}, app.scraper.opts)

	var report crawler.CrawlReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "job-1", report.JobID)
	require.Equal(t, 1, report.TotalPages)
	require.Contains(t, out, "# Example Domain")
}

func TestScrapeCommandPropagatesErrors(t *testing.T) {
	app := &fakeApp{scraper: &fakeScraper{err: crawler.ErrEmptyFrontier}}
	useFakeApp(t, app)

	out, err := execute(t, "scrape", "example.com")
	require.ErrorIs(t, err, crawler.ErrEmptyFrontier)
	require.Empty(t, out)
	require.True(t, app.closed)
}

func TestPreviewCommandPrintsPage(t *testing.T) {
	app := &fakeApp{scraper: &fakeScraper{}}
	useFakeApp(t, app)

	out, err := execute(t, "preview", "https://example.com/about")
	require.NoError(t, err)

	var page crawler.PageResult
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Equal(t, "https://example.com/about", page.URL)
	require.Equal(t, "Preview", page.Title)
}

func TestServeCommandRunsApp(t *testing.T) {
	app := &fakeApp{scraper: &fakeScraper{}}
	useFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
}

func TestCommandsRequireURL(t *testing.T) {
	useFakeApp(t, &fakeApp{scraper: &fakeScraper{}})

	_, err := execute(t, "scrape")
	require.Error(t, err)
	_, err = execute(t, "preview", "a", "b")
	require.Error(t, err)
}

func TestAppInitFailure(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("boom") }
	t.Cleanup(func() { newApp = orig })

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "failed to initialize application services")
	require.ErrorContains(t, err, "boom")
}
