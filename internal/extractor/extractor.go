// Package extractor turns fetched HTML into a titled markdown article.
//
// Extraction runs in three passes over a goquery document: absolutize links
// against the page URL, strip boilerplate, then pick the main content
// subtree with readability-style scoring. The chosen subtree is converted to
// GitHub flavored markdown.
package extractor

import (
	"bytes"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

// DefaultMinScore is the lowest readability score accepted for a content
// candidate before falling back to the whole body.
const DefaultMinScore = 20.0

// Article is the extracted content of one page.
type Article struct {
	Title       string
	Description string
	Markdown    string
	Links       []string
}

// Options controls a single extraction.
type Options struct {
	// Detailed keeps the full cleaned body and fills Description and Links.
	Detailed bool
}

// Extractor converts pages to markdown. It is safe for concurrent use.
type Extractor struct {
	conv     *md.Converter
	minScore float64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMinScore overrides DefaultMinScore.
func WithMinScore(score float64) Option {
	return func(e *Extractor) {
		if score > 0 {
			e.minScore = score
		}
	}
}

// New builds an Extractor.
func New(opts ...Option) *Extractor {
	conv := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
	})
	conv.Use(plugin.GitHubFlavored())

	e := &Extractor{conv: conv, minScore: DefaultMinScore}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses page.Body and returns the article. It fails with a
// *crawler.ExtractionError when the page cannot be parsed or has no content.
func (e *Extractor) Extract(page crawler.RawPage, opts Options) (Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Article{}, &crawler.ExtractionError{Kind: crawler.ExtractionParseFailure, URL: page.URL, Err: err}
	}
	base, _ := url.Parse(page.URL)
	base = documentBase(doc, base)

	article := Article{Title: resolveTitle(doc, base)}
	absolutize(doc, base)
	if opts.Detailed {
		article.Description = description(doc)
		article.Links = internalLinks(doc, base)
	}

	removeBoilerplate(doc)
	body := doc.Find("body").First()
	if body.Length() == 0 {
		body = doc.Selection
	}

	content := body
	if !opts.Detailed {
		if top := selectContent(body, e.minScore); top != nil {
			content = top
		}
	}

	article.Markdown = cleanMarkdown(e.conv.Convert(content))
	if article.Markdown == "" {
		return Article{}, &crawler.ExtractionError{Kind: crawler.ExtractionNoContent, URL: page.URL}
	}
	return article, nil
}

// ToPage merges an article into a successful PageResult.
func ToPage(requested string, page crawler.RawPage, article Article) crawler.PageResult {
	return crawler.PageResult{
		URL:         requested,
		FinalURL:    page.URL,
		Title:       article.Title,
		Description: article.Description,
		Markdown:    article.Markdown,
		Links:       article.Links,
		Status:      crawler.PageStatusSuccess,
	}
}

func description(doc *goquery.Document) string {
	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = collapseSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func internalLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := url.Parse(href)
		if err != nil || base == nil || !crawler.SameOrigin(u, base) {
			return
		}
		key := crawler.Normalize(u).String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		links = append(links, key)
	})
	return links
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
