// Package proxy implements a fetch strategy backed by a third-party rendering
// API (ZenRows-compatible query interface) for sites that block direct access.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

// DefaultEndpoint is the ZenRows API root.
const DefaultEndpoint = "https://api.zenrows.com/v1/"

// finalURLHeader carries the post-redirect target URL on proxy responses.
const finalURLHeader = "Zr-Final-Url"

const (
	defaultTimeout      = 60 * time.Second
	defaultWait         = 2 * time.Second
	defaultMaxBodyBytes = 10 << 20
	minBodyBytes        = 50
)

// ErrEmptyResponse is wrapped when the proxy returns no usable document.
var ErrEmptyResponse = errors.New("proxy returned an empty document")

// Config controls the proxy fetcher.
type Config struct {
	Endpoint     string
	APIKey       string
	JSRender     bool
	PremiumProxy bool
	Antibot      bool
	Wait         time.Duration
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Fetcher implements crawler.Fetcher against the rendering API.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Fetcher, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("proxy api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse proxy endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Wait < 0 {
		cfg.Wait = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{cfg: cfg, client: client}, nil
}

// Fetch asks the rendering API for request.URL.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.RawPage, error) {
	endpoint, err := f.buildURL(request.URL)
	if err != nil {
		return crawler.RawPage{}, crawler.TransportError(request.URL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return crawler.RawPage{}, crawler.TransportError(request.URL, fmt.Errorf("new proxy request: %w", err))
	}
	for key, values := range request.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return crawler.RawPage{}, crawler.TransportError(request.URL, fmt.Errorf("proxy request: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return crawler.RawPage{}, crawler.StatusError(request.URL, resp.StatusCode)
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return crawler.RawPage{}, crawler.TransportError(request.URL, fmt.Errorf("decode proxy body: %w", err))
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return crawler.RawPage{}, crawler.TransportError(request.URL, fmt.Errorf("read proxy body: %w", err))
	}
	if len(body) < minBodyBytes {
		return crawler.RawPage{}, &crawler.FetchError{Kind: crawler.FetchNetwork, URL: request.URL, Err: ErrEmptyResponse}
	}

	finalURL := request.URL
	if v := resp.Header.Get(finalURLHeader); v != "" {
		finalURL = v
	}
	return crawler.RawPage{
		URL:        finalURL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
		Strategy:   crawler.StrategyProxy,
	}, nil
}

func (f *Fetcher) buildURL(target string) (string, error) {
	u, err := url.Parse(f.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse proxy endpoint: %w", err)
	}
	q := u.Query()
	q.Set("apikey", f.cfg.APIKey)
	q.Set("url", target)
	if f.cfg.JSRender {
		q.Set("js_render", "true")
		if f.cfg.Wait > 0 {
			q.Set("wait", strconv.FormatInt(f.cfg.Wait.Milliseconds(), 10))
		}
	}
	if f.cfg.PremiumProxy {
		q.Set("premium_proxy", "true")
	}
	if f.cfg.Antibot {
		q.Set("antibot", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
