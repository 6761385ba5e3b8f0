package extractor

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	boilerplateTags = strings.Join([]string{
		"script", "style", "noscript", "template", "svg", "canvas", "iframe",
		"object", "embed", "form", "input", "button", "select", "textarea",
		"nav", "header", "footer", "aside", "dialog", "link", "meta",
	}, ", ")

	boilerplateRoles = strings.Join([]string{
		`[role="navigation"]`, `[role="banner"]`, `[role="contentinfo"]`,
		`[role="complementary"]`, `[role="dialog"]`, `[role="search"]`,
		`[aria-hidden="true"]`, `[hidden]`,
	}, ", ")

	// Matched against the joined class and id of an element.
	unlikelyCandidates = regexp.MustCompile(`(?i)(^|[\s_-])(ad|ads|advert|advertisement|banner|breadcrumbs?|combx|comments?|cookie|consent|` +
		`disqus|gdpr|masthead|menu|newsletter|pager|pagination|popup|promo|related|share|sharing|shoutbox|` +
		`sidebar|skyscraper|social|sponsor(ed)?|subscribe|toolbar)([\s_-]|$)`)
	maybeCandidate = regexp.MustCompile(`(?i)and|article|body|column|content|main|shadow`)

	excessiveLines = regexp.MustCompile(`\n{4,}`)
)

// documentBase honors <base href> when present.
func documentBase(doc *goquery.Document, pageURL *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || pageURL == nil {
		return pageURL
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return pageURL
	}
	return pageURL.ResolveReference(ref)
}

// absolutize rewrites link and image targets to absolute URLs and drops
// script pseudo-links.
func absolutize(doc *goquery.Document, base *url.URL) {
	rewrite := func(attr string) func(int, *goquery.Selection) {
		return func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(attr)
			raw = strings.TrimSpace(raw)
			if strings.HasPrefix(strings.ToLower(raw), "javascript:") {
				s.RemoveAttr(attr)
				return
			}
			if base == nil || raw == "" || strings.HasPrefix(raw, "#") {
				return
			}
			ref, err := url.Parse(raw)
			if err != nil {
				return
			}
			s.SetAttr(attr, base.ResolveReference(ref).String())
		}
	}
	doc.Find("a[href]").Each(rewrite("href"))
	doc.Find("img[src]").Each(rewrite("src"))
}

// removeBoilerplate strips non-content elements in place.
func removeBoilerplate(doc *goquery.Document) {
	doc.Find(boilerplateTags).Remove()
	doc.Find(boilerplateRoles).Remove()
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "main", "article", "body", "table", "tbody", "tr", "td", "th", "pre", "code":
			return
		}
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		match := class + " " + id
		if strings.TrimSpace(match) == "" {
			return
		}
		if unlikelyCandidates.MatchString(match) && !maybeCandidate.MatchString(match) {
			s.Remove()
		}
	})
}

// resolveTitle picks <title>, then the first <h1>, then the last URL path
// segment, then the host.
func resolveTitle(doc *goquery.Document, pageURL *url.URL) string {
	if t := collapseSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := collapseSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	if pageURL == nil {
		return ""
	}
	if seg := path.Base(strings.TrimRight(pageURL.Path, "/")); seg != "" && seg != "." && seg != "/" {
		seg = strings.TrimSuffix(seg, path.Ext(seg))
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		seg = collapseSpace(strings.NewReplacer("-", " ", "_", " ").Replace(seg))
		if seg != "" {
			return seg
		}
	}
	return pageURL.Hostname()
}

// cleanMarkdown collapses runs of blank lines and trims trailing spaces.
func cleanMarkdown(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = excessiveLines.ReplaceAllString(content, "\n\n\n")
	return strings.TrimSpace(content)
}
