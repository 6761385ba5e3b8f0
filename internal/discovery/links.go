package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

var errNoFetcher = errors.New("no fetcher configured for link discovery")

// seedLinks fetches the seed page and returns it with its same-origin links
// in document order.
func (s *Service) seedLinks(ctx context.Context, seed *url.URL) (crawler.RawPage, []string, error) {
	if s.fetcher == nil {
		return crawler.RawPage{}, nil, errNoFetcher
	}
	page, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: seed.String()})
	if err != nil {
		return crawler.RawPage{}, nil, err
	}
	links, err := ExtractLinks(page, seed)
	if err != nil {
		return page, nil, err
	}
	return page, links, nil
}

// ExtractLinks returns the anchors of page that point at the seed origin or
// the page's own origin, normalized and deduplicated.
func ExtractLinks(page crawler.RawPage, seed *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse seed page: %w", err)
	}

	base := seed
	if page.URL != "" {
		if u, perr := url.Parse(page.URL); perr == nil {
			base = u
		}
	}
	origins := []*url.URL{seed, base}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, perr := url.Parse(strings.TrimSpace(href)); perr == nil {
			base = base.ResolveReference(ref)
		}
	}

	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		link, ok := normalizeCandidate(base, href, origins...)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out, nil
}
