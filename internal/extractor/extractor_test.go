package extractor

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

func loadPage(t *testing.T, name, pageURL string) crawler.RawPage {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return crawler.RawPage{URL: pageURL, StatusCode: 200, Body: body}
}

func TestExtractExampleDomain(t *testing.T) {
	t.Parallel()

	page := loadPage(t, "example.html", "https://example.com/")
	article, err := New().Extract(page, Options{})
	require.NoError(t, err)
	require.Equal(t, "Example Domain", article.Title)
	require.Contains(t, article.Markdown, "# Example Domain")
	require.Contains(t, article.Markdown, "This domain is for use in illustrative examples in documents.")
	require.Contains(t, article.Markdown, "[More information...](https://www.iana.org/domains/example)")
	require.NotContains(t, article.Markdown, "background-color")
	require.Empty(t, article.Links)
}

func TestExtractArticleDropsBoilerplate(t *testing.T) {
	t.Parallel()

	page := loadPage(t, "article.html", "https://example.com/docs/widgets")
	article, err := New().Extract(page, Options{})
	require.NoError(t, err)

	require.Equal(t, "Guide to Widgets | Acme Docs", article.Title)
	out := article.Markdown
	require.True(t, strings.HasPrefix(out, "# Guide to Widgets"), out)
	require.Contains(t, out, "## Choosing a widget")
	require.Contains(t, out, "[intro docs](https://example.com/docs/intro)")
	require.Contains(t, out, "![Widget diagram](https://example.com/img/diagram.png)")
	require.Regexp(t, regexp.MustCompile(`\|\s*Widget\s*\|\s*10\s*\|`), out)
	require.Contains(t, out, "document the decision")

	for _, unwanted := range []string{"Related reading", "Copyright", "We use cookies", "Partner", "analytics"} {
		require.NotContains(t, out, unwanted)
	}
	require.Empty(t, article.Description)
}

func TestExtractDetailed(t *testing.T) {
	t.Parallel()

	page := loadPage(t, "article.html", "https://example.com/docs/widgets")
	article, err := New().Extract(page, Options{Detailed: true})
	require.NoError(t, err)
	require.Equal(t, "Everything you need to know about widgets.", article.Description)
	require.Equal(t, []string{
		"https://example.com/",
		"https://example.com/docs/intro",
		"https://example.com/docs/widgets",
	}, article.Links)
	require.Contains(t, article.Markdown, "# Guide to Widgets")
	require.NotContains(t, article.Markdown, "Copyright")
}

func TestExtractDeterministic(t *testing.T) {
	t.Parallel()

	e := New()
	page := loadPage(t, "article.html", "https://example.com/docs/widgets")
	first, err := e.Extract(page, Options{})
	require.NoError(t, err)
	for range 5 {
		again, err := e.Extract(page, Options{})
		require.NoError(t, err)
		require.Equal(t, first.Markdown, again.Markdown)
	}
}

func TestExtractNoContent(t *testing.T) {
	t.Parallel()

	page := crawler.RawPage{
		URL:  "https://example.com/app",
		Body: []byte(`<html><head><title>App</title><script src="/bundle.js"></script></head><body><nav><a href="/">Home</a></nav><div id="root"></div></body></html>`),
	}
	_, err := New().Extract(page, Options{})
	require.Error(t, err)
	var ee *crawler.ExtractionError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, crawler.ExtractionNoContent, ee.Kind)
}

func TestResolveTitleFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
		url  string
		want string
	}{
		{"title tag", `<title>  Hello
			World </title><h1>Other</h1>`, "https://example.com/", "Hello World"},
		{"first h1", `<h1>Heading One</h1><h1>Two</h1>`, "https://example.com/", "Heading One"},
		{"path segment", `<p>text</p>`, "https://example.com/blog/my-first_post.html", "my first post"},
		{"trailing slash segment", `<p>text</p>`, "https://example.com/guides/getting-started/", "getting started"},
		{"host", `<p>text</p>`, "https://example.com/", "example.com"},
	}
	for _, tt := range tests {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(tt.html))
		require.NoError(t, err)
		u, err := url.Parse(tt.url)
		require.NoError(t, err)
		require.Equal(t, tt.want, resolveTitle(doc, u), tt.name)
	}
}

func TestCleanMarkdown(t *testing.T) {
	t.Parallel()

	in := "\n\n# Title  \r\n\n\n\n\n\nBody\t\n\n"
	require.Equal(t, "# Title\n\n\nBody", cleanMarkdown(in))
}

func TestToPage(t *testing.T) {
	t.Parallel()

	page := crawler.RawPage{URL: "https://example.com/final"}
	result := ToPage("https://example.com/start", page, Article{Title: "T", Markdown: "body"})
	require.Equal(t, "https://example.com/start", result.URL)
	require.Equal(t, "https://example.com/final", result.FinalURL)
	require.True(t, result.Succeeded())
}
