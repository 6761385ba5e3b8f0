// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

const (
	defaultNavTimeout  = 45 * time.Second
	defaultIdleWindow  = 500 * time.Millisecond
	defaultIdleTimeout = 5 * time.Second
	idlePollInterval   = 50 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// IdleWindow is how long the page must go without in-flight requests
	// before the DOM is captured.
	IdleWindow time.Duration
	// IdleTimeout caps the network idle wait; the DOM is captured anyway
	// once it elapses.
	IdleTimeout time.Duration
	ExecPath    string
	// CheckURL vets the target and every document the tab loads, redirect
	// hops included. A rejection fails the fetch as Forbidden.
	CheckURL func(*url.URL) error
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. Chrome is
// started lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = defaultIdleWindow
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser, waits for the network to settle,
// and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.RawPage, error) {
	if err := f.checkTarget(request.URL); err != nil {
		return crawler.RawPage{}, crawler.TransportError(request.URL, err)
	}
	if err := f.acquire(ctx); err != nil {
		return crawler.RawPage{}, crawler.TransportError(request.URL, err)
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	idle := newIdleTracker()
	var guard *navGuard
	var guardEvents func(any)
	if f.cfg.CheckURL != nil {
		guard = newNavGuard(f.cfg.CheckURL, cancel)
		guardEvents = guard.listen(taskCtx)
	}
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		idle.captureEvent(ev)
		if guardEvents != nil {
			guardEvents(ev)
		}
	})

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request, idle, guard)
	if gerr := guard.failure(); gerr != nil {
		return crawler.RawPage{}, crawler.TransportError(request.URL, gerr)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = errors.Join(err, context.DeadlineExceeded)
		}
		return crawler.RawPage{}, crawler.TransportError(request.URL, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if status >= http.StatusBadRequest {
		return crawler.RawPage{}, crawler.StatusError(request.URL, status)
	}
	if headers == nil {
		headers = http.Header{}
	}

	return crawler.RawPage{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Strategy:   crawler.StrategyHeadless,
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest, idle *idleTracker, guard *navGuard) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		guard.enableAction(),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		idle.waitAction(f.cfg.IdleWindow, f.cfg.IdleTimeout),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) checkTarget(raw string) error {
	if f.cfg.CheckURL == nil {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}
	return f.cfg.CheckURL(u)
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture keeps the most recent document response, which is the final hop
// of any redirect chain.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "" && finalURL != "about:blank":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
