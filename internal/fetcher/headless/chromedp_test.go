package headless

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, defaultIdleWindow, fetcher.cfg.IdleWindow)
	require.Equal(t, defaultIdleTimeout, fetcher.cfg.IdleTimeout)
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, defaultNavTimeout, fetcher.navTimeout())
	fetcher.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, fetcher.navTimeout())
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, fetcher.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, fetcher.acquire(ctx))

	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-Empty": {}}
	netHeaders := toNetworkHeaders(src)
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "1", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  301,
			URL:     "https://example.com/old",
			Headers: network.Headers{"Location": "/new"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://example.com/new",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://example.com/app.js"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://example.com/old", "")
	require.Equal(t, 200, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/new", url)

	_, _, url = meta.snapshotWithFallbacks("https://example.com/old", "https://example.com/new#hash")
	require.Equal(t, "https://example.com/new#hash", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "about:blank")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://req", url)
}

func TestIdleTrackerCountsInflight(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Unix(100, 0)
	)
	tracker := newIdleTracker()
	tracker.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	tracker.captureEvent(&network.EventRequestWillBeSent{RequestID: "1"})
	tracker.captureEvent(&network.EventRequestWillBeSent{RequestID: "2"})
	advance(time.Second)
	require.False(t, tracker.quietFor(500*time.Millisecond))

	tracker.captureEvent(&network.EventLoadingFinished{RequestID: "1"})
	tracker.captureEvent(&network.EventLoadingFailed{RequestID: "2"})
	require.False(t, tracker.quietFor(500*time.Millisecond))

	tracker.captureEvent(&network.EventLoadingFinished{RequestID: "unknown"})
	advance(600 * time.Millisecond)
	require.True(t, tracker.quietFor(500*time.Millisecond))
}

func TestIdleTrackerWaitTimesOutQuietly(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker()
	tracker.captureEvent(&network.EventRequestWillBeSent{RequestID: "long-poll"})

	start := time.Now()
	require.NoError(t, tracker.wait(context.Background(), 10*time.Millisecond, 120*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tracker.wait(ctx, 10*time.Millisecond, time.Second), context.Canceled)
}

func TestFetchRefusesRejectedTargetWithoutBrowser(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{
		ExecPath: "/nonexistent/chrome",
		CheckURL: func(u *url.URL) error {
			return &crawler.ValidationError{Kind: crawler.ValidationBlockedHost, Detail: u.Hostname()}
		},
	})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://169.254.169.254/latest/meta-data/"})
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.FetchForbidden, fe.Kind)
	require.False(t, fe.Retryable())
}

func TestNavGuardRecordsRefusedDocuments(t *testing.T) {
	t.Parallel()

	canceled := false
	g := newNavGuard(func(u *url.URL) error {
		if u.Hostname() == "169.254.169.254" {
			return &crawler.ValidationError{Kind: crawler.ValidationBlockedHost, Detail: u.Hostname()}
		}
		return nil
	}, func() { canceled = true })

	require.True(t, g.vet("https://example.com/start"))
	require.True(t, g.vet("about:blank"))
	require.NoError(t, g.failure())

	listen := g.listen(context.Background())
	listen(&network.EventResponseReceived{Type: network.ResourceTypeImage, Response: &network.Response{URL: "http://169.254.169.254/pixel.gif"}})
	require.NoError(t, g.failure())

	listen(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{URL: "http://169.254.169.254/latest/meta-data/"}})
	require.True(t, canceled)
	err := g.failure()
	require.Error(t, err)
	kind, ok := crawler.ValidationKindOf(err)
	require.True(t, ok)
	require.Equal(t, crawler.ValidationBlockedHost, kind)
	require.Equal(t, crawler.FetchForbidden, crawler.TransportError("https://example.com/start", err).Kind)

	var none *navGuard
	require.NoError(t, none.failure())
}
