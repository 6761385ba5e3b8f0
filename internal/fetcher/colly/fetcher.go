// Package collyfetcher implements the lightweight HTTP fetch strategy using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

// DefaultUserAgent mimics a desktop Chrome build.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultMaxRedirects = 10
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	MaxRedirects int
	// CheckRedirect vets every redirect hop. A non-nil error aborts the fetch.
	CheckRedirect func(target *url.URL) error
	// DialContext, when set, replaces the transport dialer. The service passes
	// the validator's guarded dialer so resolved addresses are checked too.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	c.WithTransport(newHTTPTransport(cfg.DialContext))
	c.ParseHTTPErrorResponse = true
	c.DetectCharset = true

	f := &Fetcher{cfg: cfg, baseCollector: c}
	// Timeout and redirect policy live on the HTTP client shared by every clone.
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(f.redirectHandler)
	return f
}

// Fetch executes a single HTTP GET using Colly. Redirects are followed and
// the final URL is reported on the page.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.RawPage, error) {
	var (
		result   crawler.RawPage
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.RawPage{}, err
	}
	if result.StatusCode >= http.StatusBadRequest {
		return crawler.RawPage{}, crawler.StatusError(request.URL, result.StatusCode)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.RawPage,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) redirectHandler(req *http.Request, via []*http.Request) error {
	if len(via) >= f.cfg.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
	}
	if f.cfg.CheckRedirect != nil {
		if err := f.cfg.CheckRedirect(req.URL); err != nil {
			return fmt.Errorf("redirect to %s blocked: %w", req.URL.Host, err)
		}
	}
	return nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.RawPage,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		setBrowserHeaders(r.Headers)
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.RawPage{
			URL:        finalURL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Strategy:   crawler.StrategyHTTP,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = crawler.StatusError(request.URL, r.StatusCode)
			return
		}
		*fetchErr = crawler.TransportError(request.URL, err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return crawler.TransportError(target, fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			var fe *crawler.FetchError
			if errors.As(err, &fe) {
				return fe
			}
			return crawler.TransportError(target, fmt.Errorf("colly visit failed: %w", err))
		}
		return nil
	}
}

func setBrowserHeaders(h *http.Header) {
	if h == nil {
		return
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Upgrade-Insecure-Requests", "1")
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil || r.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(dial func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Transport {
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if dial != nil {
		// A guarded dialer must see the target host, not an egress proxy.
		t.Proxy = nil
		t.DialContext = dial
		return t
	}
	t.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	return t
}
