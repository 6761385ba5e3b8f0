// Package detector decides when a lightweight fetch returned a JavaScript
// shell that must be rendered in a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

// DefaultMinVisibleText is the visible text length below which a page with
// client-side rendering markers is treated as a shell.
const DefaultMinVisibleText = 200

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	MinVisibleText int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minVisibleText int) *Heuristic {
	if minVisibleText <= 0 {
		minVisibleText = DefaultMinVisibleText
	}
	return &Heuristic{MinVisibleText: minVisibleText}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("ng-app"),
	[]byte("ng-version"),
	[]byte("data-reactroot"),
	[]byte("data-server-rendered"),
}

var jsRequiredPhrases = []string{
	"enable javascript",
	"javascript is required",
	"javascript is disabled",
	"requires javascript",
}

// ShouldPromote decides whether a headless fetch is required. Only
// successful HTML responses with little visible text are promoted.
func (h *Heuristic) ShouldPromote(resp crawler.RawPage) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	if visibleTextLength(body) >= h.MinVisibleText {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	for _, phrase := range jsRequiredPhrases {
		if bytes.Contains(lower, []byte(phrase)) {
			return true
		}
	}
	return scriptDensityHigh(body)
}

func visibleTextLength(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript, template, svg").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return utf8.RuneCountInString(text)
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
