package discovery

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

var (
	errNotSitemap    = errors.New("document is not a sitemap")
	errSitemapDepth  = errors.New("sitemap index nesting too deep")
	errSitemapBudget = errors.New("sitemap budget exhausted")
)

type sitemapDoc struct {
	index bool
	locs  []string
}

type sitemapBody struct {
	body []byte
	err  error
}

// sitemapLocations walks the given sitemaps depth-first and yields
// same-origin page locations in document order.
func (s *Service) sitemapLocations(ctx context.Context, seed *url.URL, roots []string, record func(error)) iter.Seq[string] {
	return func(yield func(string) bool) {
		w := &sitemapWalker{
			svc:     s,
			seed:    seed,
			record:  record,
			yield:   yield,
			visited: make(map[string]struct{}),
		}
		for _, root := range roots {
			if ctx.Err() != nil {
				return
			}
			if !w.claim(root) {
				continue
			}
			if !w.visit(ctx, root, 0) {
				return
			}
		}
	}
}

type sitemapWalker struct {
	svc     *Service
	seed    *url.URL
	record  func(error)
	yield   func(string) bool
	visited map[string]struct{}
}

func (w *sitemapWalker) fail(loc string, err error) {
	w.record(&crawler.DiscoveryError{Source: SourceSitemap, URL: loc, Err: err})
}

// claim reserves a sitemap fetch, refusing repeats and anything past the
// per-run budget.
func (w *sitemapWalker) claim(loc string) bool {
	if _, seen := w.visited[loc]; seen {
		return false
	}
	if len(w.visited) >= w.svc.cfg.MaxSitemaps {
		w.fail(loc, errSitemapBudget)
		return false
	}
	w.visited[loc] = struct{}{}
	return true
}

// visit returns false once the consumer stops or ctx ends.
func (w *sitemapWalker) visit(ctx context.Context, loc string, depth int) bool {
	body, err := w.svc.fetchSitemap(ctx, loc)
	if err != nil {
		w.fail(loc, err)
		return ctx.Err() == nil
	}
	return w.process(ctx, loc, body, depth)
}

func (w *sitemapWalker) process(ctx context.Context, loc string, body []byte, depth int) bool {
	doc, err := parseSitemap(body)
	if err != nil {
		w.fail(loc, err)
		return true
	}
	if !doc.index {
		for _, raw := range doc.locs {
			u, ok := normalizeCandidate(nil, raw, w.seed)
			if !ok {
				continue
			}
			if !w.yield(u) {
				return false
			}
		}
		return true
	}

	if depth+1 > w.svc.cfg.MaxSitemapDepth {
		w.fail(loc, errSitemapDepth)
		return true
	}
	children := make([]string, 0, len(doc.locs))
	for _, raw := range doc.locs {
		child, ok := w.resolve(loc, raw)
		if ok && w.claim(child) {
			children = append(children, child)
		}
	}
	bodies := w.svc.prefetch(ctx, children)
	for i, child := range children {
		if bodies[i].err != nil {
			w.fail(child, bodies[i].err)
			if ctx.Err() != nil {
				return false
			}
			continue
		}
		if !w.process(ctx, child, bodies[i].body, depth+1) {
			return false
		}
	}
	return true
}

func (w *sitemapWalker) resolve(parent, raw string) (string, bool) {
	base, err := url.Parse(parent)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

// prefetch downloads child sitemaps concurrently; results keep input order.
func (s *Service) prefetch(ctx context.Context, locs []string) []sitemapBody {
	out := make([]sitemapBody, len(locs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SitemapConcurrency)
	for i, loc := range locs {
		g.Go(func() error {
			body, err := s.fetchSitemap(gctx, loc)
			out[i] = sitemapBody{body: body, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Service) fetchSitemap(ctx context.Context, loc string) ([]byte, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("parse sitemap url: %w", err)
	}
	if err := s.checkURL(u); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, fmt.Errorf("new sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "application/xml, text/xml;q=0.9, */*;q=0.5")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("Failed to close sitemap response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read sitemap body: %w", err)
	}
	return maybeGunzip(body, s.cfg.MaxBodyBytes)
}

func maybeGunzip(body []byte, limit int64) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip sitemap: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(io.LimitReader(zr, limit))
	if err != nil {
		return nil, fmt.Errorf("read gzip sitemap: %w", err)
	}
	return out, nil
}

// parseSitemap accepts XML url sets, XML sitemap indexes and plain-text
// sitemaps with one URL per line.
func parseSitemap(body []byte) (sitemapDoc, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return sitemapDoc{}, errNotSitemap
	}
	if trimmed[0] != '<' {
		return parseTextSitemap(trimmed)
	}

	doc, err := xmlquery.Parse(bytes.NewReader(trimmed))
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("parse sitemap xml: %w", err)
	}
	root, err := xmlquery.Query(doc, "/*")
	if err != nil || root == nil {
		return sitemapDoc{}, errNotSitemap
	}

	var expr string
	out := sitemapDoc{}
	switch strings.ToLower(root.Data) {
	case "sitemapindex":
		out.index = true
		expr = "*[local-name()='sitemap']/*[local-name()='loc']"
	case "urlset":
		expr = "*[local-name()='url']/*[local-name()='loc']"
	default:
		return sitemapDoc{}, errNotSitemap
	}
	nodes, err := xmlquery.QueryAll(root, expr)
	if err != nil {
		return sitemapDoc{}, fmt.Errorf("query sitemap: %w", err)
	}
	for _, n := range nodes {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out.locs = append(out.locs, loc)
		}
	}
	return out, nil
}

func parseTextSitemap(body []byte) (sitemapDoc, error) {
	out := sitemapDoc{}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			out.locs = append(out.locs, line)
		}
	}
	if err := sc.Err(); err != nil {
		return sitemapDoc{}, fmt.Errorf("scan text sitemap: %w", err)
	}
	if len(out.locs) == 0 {
		return sitemapDoc{}, errNotSitemap
	}
	return out, nil
}
