package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

const maxRobotsBytes = 1 << 20

type robotsRules struct {
	group *robotstxt.Group
}

func (r *robotsRules) allows(raw string) bool {
	if r == nil || r.group == nil {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return r.group.Test(p)
}

// loadRobots fetches robots.txt for the seed origin and returns its rules
// together with the sitemaps to walk. When robots.txt is missing or lists
// no sitemap the common sitemap locations are returned instead.
func (s *Service) loadRobots(ctx context.Context, seed *url.URL, record func(error)) (*robotsRules, []string) {
	robotsURL := crawler.Origin(seed) + "/robots.txt"
	data, err := s.fetchRobots(ctx, robotsURL)
	if err != nil {
		record(&crawler.DiscoveryError{Source: SourceRobots, URL: robotsURL, Err: err})
		return nil, s.defaultSitemaps(seed)
	}

	rules := &robotsRules{group: data.FindGroup(s.cfg.UserAgent)}
	if len(data.Sitemaps) == 0 {
		return rules, s.defaultSitemaps(seed)
	}
	sitemaps := make([]string, 0, len(data.Sitemaps))
	for _, raw := range data.Sitemaps {
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		sitemaps = append(sitemaps, seed.ResolveReference(ref).String())
	}
	return rules, sitemaps
}

func (s *Service) fetchRobots(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if err := s.checkURL(req.URL); err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func (s *Service) defaultSitemaps(seed *url.URL) []string {
	origin := crawler.Origin(seed)
	out := make([]string, 0, len(s.cfg.SitemapPaths))
	for _, p := range s.cfg.SitemapPaths {
		out = append(out, origin+p)
	}
	return out
}
