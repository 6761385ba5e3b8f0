package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// Option defaults and limits applied when a request omits them.
const (
	DefaultMaxPages = 10
	MaxPagesLimit   = 500
)

// ReportStatus represents the terminal state of a crawl job.
type ReportStatus string

// Report status values.
const (
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusFailed    ReportStatus = "failed"
	ReportStatusCanceled  ReportStatus = "canceled"
)

// PageStatus marks the outcome for a single page.
type PageStatus string

// Page status values.
const (
	PageStatusSuccess PageStatus = "success"
	PageStatusFailed  PageStatus = "failed"
)

// Options captures per-request crawl knobs.
type Options struct {
	MaxPages         int  `json:"maxPages"`
	CrawlSubpages    bool `json:"crawlSubpages"`
	FollowSitemap    bool `json:"followSitemap"`
	DetailedResponse bool `json:"detailedResponse"`
	// LLMFilter runs extracted markdown through the LLM cleaner when one
	// is configured; without one it is ignored.
	LLMFilter bool `json:"llmFilter"`
}

// DefaultOptions returns the options used when a caller supplies none.
func DefaultOptions() Options {
	return Options{
		MaxPages:      DefaultMaxPages,
		FollowSitemap: true,
	}
}

// Validate checks the options against the configured page ceiling. A limit
// of zero or less falls back to MaxPagesLimit.
func (o Options) Validate(limit int) error {
	if limit <= 0 || limit > MaxPagesLimit {
		limit = MaxPagesLimit
	}
	if o.MaxPages < 1 {
		return fmt.Errorf("maxPages must be >= 1, got %d", o.MaxPages)
	}
	if o.MaxPages > limit {
		return fmt.Errorf("maxPages must be <= %d, got %d", limit, o.MaxPages)
	}
	return nil
}

// CrawlRequest is an accepted crawl with its validated seed.
type CrawlRequest struct {
	URL     string  `json:"url"`
	Options Options `json:"options"`
}

// PageResult is the per-page outcome included in a report.
type PageResult struct {
	URL         string     `json:"url"`
	FinalURL    string     `json:"finalUrl,omitempty"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Markdown    string     `json:"markdown,omitempty"`
	Links       []string   `json:"links,omitempty"`
	Status      PageStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// Succeeded reports whether the page was extracted.
func (p PageResult) Succeeded() bool {
	return p.Status == PageStatusSuccess
}

// FailedPage builds a failed result for url.
func FailedPage(url string, err error) PageResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return PageResult{URL: url, Status: PageStatusFailed, Error: msg}
}

// CrawlReport aggregates page results for one job.
type CrawlReport struct {
	JobID      string       `json:"jobId"`
	BaseURL    string       `json:"baseUrl"`
	Status     ReportStatus `json:"status"`
	TotalPages int          `json:"totalPages"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []PageResult `json:"results"`
}

// NewReport builds a report from ordered results, deriving the counters.
func NewReport(jobID, baseURL string, status ReportStatus, results []PageResult) CrawlReport {
	report := CrawlReport{
		JobID:   jobID,
		BaseURL: baseURL,
		Status:  status,
		Results: results,
	}
	if report.Results == nil {
		report.Results = []PageResult{}
	}
	for _, r := range report.Results {
		if r.Succeeded() {
			report.Successful++
		} else {
			report.Failed++
		}
	}
	report.TotalPages = len(report.Results)
	return report
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	Headers     http.Header
	ForceRender bool
}

// RawPage is the result returned by a Fetcher implementation.
type RawPage struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Strategy   string
}

// Strategy names reported on RawPage.
const (
	StrategyHTTP     = "http"
	StrategyHeadless = "headless"
	StrategyProxy    = "proxy"
)

// Task is one frontier URL dispatched to the worker pool. Index is the
// dispatch position and fixes the URL's place in the report.
type Task struct {
	JobID     string
	Index     int
	URL       string
	Detailed  bool
	LLMFilter bool
	// Page, when set, is an already fetched copy of URL.
	Page *RawPage
}

// Output returns the rendering the task asks for.
func (t Task) Output() Output {
	return Output{Detailed: t.Detailed, LLMFilter: t.LLMFilter}
}

// Output selects a rendering of a page. Each rendering is cached apart.
type Output struct {
	Detailed  bool
	LLMFilter bool
}

// TaskResult pairs a page outcome with its dispatch index. Skipped marks a
// task that was never started.
type TaskResult struct {
	Index   int
	Page    PageResult
	Skipped bool
}
