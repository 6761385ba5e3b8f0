// Package discovery builds the crawl frontier for a seed URL.
//
// URLs come from three tiers tried in order: the seed itself, sitemaps
// advertised by robots.txt (or found at common locations), and finally the
// same-origin links on the seed page. Every tier failure is recorded and the
// next tier is tried; the seed is always yielded.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/metrics"
)

// Discovery sources reported in errors and metrics.
const (
	SourceSeed    = "seed"
	SourceRobots  = "robots"
	SourceSitemap = "sitemap"
	SourceLinks   = "links"
)

// DefaultSitemapPaths are tried when robots.txt lists no sitemap.
var DefaultSitemapPaths = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap/sitemap.xml"}

var skippedExtensions = map[string]struct{}{
	".pdf": {}, ".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {},
	".zip": {}, ".gz": {}, ".tar": {}, ".rar": {}, ".7z": {}, ".exe": {}, ".dmg": {}, ".msi": {},
	".css": {}, ".js": {}, ".json": {}, ".xml": {},
	".mp4": {}, ".mp3": {}, ".avi": {}, ".mov": {}, ".wav": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
}

// Config tunes discovery.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	MaxSitemapDepth    int
	MaxSitemaps        int
	SitemapConcurrency int
	MaxBodyBytes       int64
	RespectRobots      bool
	SitemapPaths       []string
	// CheckURL vets robots.txt, sitemap locations and every redirect hop
	// before they are fetched.
	CheckURL func(*url.URL) error
	// DialContext replaces the dialer of the default client.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

const maxRedirects = 10

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "webtomd/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxSitemapDepth <= 0 {
		c.MaxSitemapDepth = 3
	}
	if c.MaxSitemaps <= 0 {
		c.MaxSitemaps = 50
	}
	if c.SitemapConcurrency <= 0 {
		c.SitemapConcurrency = 4
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 50 << 20
	}
	if c.SitemapPaths == nil {
		c.SitemapPaths = DefaultSitemapPaths
	}
}

// Service discovers URLs. It is safe for concurrent use.
type Service struct {
	cfg     Config
	client  *http.Client
	fetcher crawler.Fetcher
	logger  *zap.Logger
}

// New builds a Service. The client fetches robots.txt and sitemaps; the
// fetcher retrieves the seed page for link extraction.
func New(cfg Config, client *http.Client, fetcher crawler.Fetcher, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout, Transport: newTransport(cfg.DialContext)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{cfg: cfg, fetcher: fetcher, logger: logger}
	guarded := *client
	if guarded.CheckRedirect == nil {
		guarded.CheckRedirect = s.checkRedirect
	}
	s.client = &guarded
	return s
}

func newTransport(dial func(ctx context.Context, network, addr string) (net.Conn, error)) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if dial != nil {
		t.Proxy = nil
		t.DialContext = dial
	}
	return t
}

func (s *Service) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return s.checkURL(req.URL)
}

func (s *Service) checkURL(u *url.URL) error {
	if s.cfg.CheckURL == nil {
		return nil
	}
	return s.cfg.CheckURL(u)
}

// Discover prepares a lazy discovery run. No network I/O happens until the
// sequence returned by All is iterated.
func (s *Service) Discover(ctx context.Context, seed *url.URL, opts crawler.Options) crawler.Frontier {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = crawler.DefaultMaxPages
	}
	return &Run{
		svc:      s,
		ctx:      ctx,
		seed:     crawler.Normalize(seed),
		opts:     opts,
		maxPages: maxPages,
	}
}

var _ crawler.Frontier = (*Run)(nil)

// Run is a single, non-restartable discovery pass.
type Run struct {
	svc      *Service
	ctx      context.Context
	seed     *url.URL
	opts     crawler.Options
	maxPages int

	started atomic.Bool

	mu       sync.Mutex
	errs     []error
	yielded  int
	seedPage *crawler.RawPage
}

// All yields the frontier: seed first, deduplicated, at most MaxPages URLs.
// A second iteration yields nothing.
func (r *Run) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !r.started.CompareAndSwap(false, true) {
			return
		}
		seen := make(map[string]struct{})
		stopped := false
		emit := func(raw string) bool {
			if stopped {
				return false
			}
			if _, dup := seen[raw]; dup {
				return true
			}
			seen[raw] = struct{}{}
			r.mu.Lock()
			r.yielded++
			full := r.yielded >= r.maxPages
			r.mu.Unlock()
			if !yield(raw) || full {
				stopped = true
				return false
			}
			return true
		}

		metrics.ObserveDiscovered(SourceSeed, 1)
		if !emit(r.seed.String()) {
			return
		}

		robots := (*robotsRules)(nil)
		newFromSitemap := 0
		if r.opts.FollowSitemap {
			var sitemaps []string
			robots, sitemaps = r.svc.loadRobots(r.ctx, r.seed, r.record)
			for loc := range r.svc.sitemapLocations(r.ctx, r.seed, sitemaps, r.record) {
				if !r.allowed(loc, robots) {
					continue
				}
				if _, dup := seen[loc]; dup {
					continue
				}
				newFromSitemap++
				if !emit(loc) {
					metrics.ObserveDiscovered(SourceSitemap, newFromSitemap)
					return
				}
			}
			metrics.ObserveDiscovered(SourceSitemap, newFromSitemap)
		}

		if newFromSitemap > 0 || !r.opts.CrawlSubpages {
			return
		}
		page, links, err := r.svc.seedLinks(r.ctx, r.seed)
		if err != nil {
			r.record(&crawler.DiscoveryError{Source: SourceLinks, URL: r.seed.String(), Err: err})
			return
		}
		r.mu.Lock()
		r.seedPage = &page
		r.mu.Unlock()
		found := 0
		for _, link := range links {
			if !r.allowed(link, robots) {
				continue
			}
			if _, dup := seen[link]; dup {
				continue
			}
			found++
			if !emit(link) {
				break
			}
		}
		metrics.ObserveDiscovered(SourceLinks, found)
	}
}

// Err returns the joined tier failures recorded so far.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

// Degraded reports whether discovery hit errors and found nothing beyond
// the seed.
func (r *Run) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs) > 0 && r.yielded <= 1
}

// SeedPage returns the seed page when the link tier fetched it.
func (r *Run) SeedPage() (crawler.RawPage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seedPage == nil {
		return crawler.RawPage{}, false
	}
	return *r.seedPage, true
}

func (r *Run) record(err error) {
	if err == nil {
		return
	}
	r.svc.logger.Debug("discovery degraded", zap.String("seed", r.seed.String()), zap.Error(err))
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *Run) allowed(raw string, robots *robotsRules) bool {
	if !r.svc.cfg.RespectRobots || robots == nil {
		return true
	}
	return robots.allows(raw)
}

// normalizeCandidate resolves raw against base and keeps it only when it is
// an http(s) page on one of the allowed origins.
func normalizeCandidate(base *url.URL, raw string, origins ...*url.URL) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if hasSkippedExtension(u.Path) {
		return "", false
	}
	same := false
	for _, origin := range origins {
		if crawler.SameOrigin(u, origin) {
			same = true
			break
		}
	}
	if !same {
		return "", false
	}
	return crawler.Normalize(u).String(), true
}

func hasSkippedExtension(p string) bool {
	_, skip := skippedExtensions[strings.ToLower(path.Ext(p))]
	return skip
}
