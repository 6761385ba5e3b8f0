package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	f, err := New(Config{APIKey: "k", JSRender: true, PremiumProxy: true, Antibot: true, Wait: 2 * time.Second}, nil)
	require.NoError(t, err)
	raw, err := f.buildURL("https://example.com/a?b=c")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "api.zenrows.com", u.Host)
	q := u.Query()
	require.Equal(t, "k", q.Get("apikey"))
	require.Equal(t, "https://example.com/a?b=c", q.Get("url"))
	require.Equal(t, "true", q.Get("js_render"))
	require.Equal(t, "2000", q.Get("wait"))
	require.Equal(t, "true", q.Get("premium_proxy"))
	require.Equal(t, "true", q.Get("antibot"))
}

func TestFetchReturnsRenderedDocument(t *testing.T) {
	t.Parallel()

	gotTarget := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTarget <- r.URL.Query().Get("url")
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Header().Set(finalURLHeader, "https://example.com/landing")
		// "café" in latin-1.
		_, _ = w.Write([]byte("<html><body><h1>caf\xe9</h1><p>" + strings.Repeat("x", 60) + "</p></body></html>"))
	}))
	defer srv.Close()

	f, err := New(Config{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	require.NoError(t, err)
	page, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", <-gotTarget)
	require.Equal(t, "https://example.com/landing", page.URL)
	require.Equal(t, crawler.StrategyProxy, page.Strategy)
	require.Contains(t, string(page.Body), "café")
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("url") {
		case "https://example.com/blocked":
			w.WriteHeader(http.StatusForbidden)
		case "https://example.com/empty":
			_, _ = w.Write([]byte("<html></html>"))
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
	}))
	defer srv.Close()

	f, err := New(Config{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	require.NoError(t, err)

	tests := []struct {
		target string
		kind   crawler.FetchKind
	}{
		{"https://example.com/blocked", crawler.FetchBlocked},
		{"https://example.com/empty", crawler.FetchNetwork},
		{"https://example.com/other", crawler.FetchHTTPStatus},
	}
	for _, tt := range tests {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: tt.target})
		require.Error(t, err, tt.target)
		kind, ok := crawler.FetchKindOf(err)
		require.True(t, ok)
		require.Equal(t, tt.kind, kind, tt.target)
	}
}
