package headless

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// navGuard vets every document request the tab makes, redirect hops
// included, and fails the ones the URL check rejects. Document responses
// are checked again, so a hop Chrome followed without pausing still fails
// the fetch.
type navGuard struct {
	check  func(*url.URL) error
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newNavGuard(check func(*url.URL) error, cancel context.CancelFunc) *navGuard {
	return &navGuard{check: check, cancel: cancel}
}

// enableAction turns on request-stage interception for documents.
func (g *navGuard) enableAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if g == nil {
			return nil
		}
		patterns := []*fetch.RequestPattern{{
			URLPattern:   "*",
			ResourceType: network.ResourceTypeDocument,
			RequestStage: fetch.RequestStageRequest,
		}}
		if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
			return fmt.Errorf("enable fetch interception: %w", err)
		}
		return nil
	})
}

// listen handles target events for taskCtx. Paused requests are resolved
// off the event goroutine.
func (g *navGuard) listen(taskCtx context.Context) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			allowed := e.Request == nil || g.vet(e.Request.URL)
			go g.resolve(taskCtx, e.RequestID, allowed)
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument && e.Response != nil {
				g.vet(e.Response.URL)
			}
		}
	}
}

func (g *navGuard) resolve(taskCtx context.Context, id fetch.RequestID, allowed bool) {
	c := chromedp.FromContext(taskCtx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(taskCtx, c.Target)
	if allowed {
		_ = fetch.ContinueRequest(id).Do(ctx)
		return
	}
	_ = fetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(ctx)
}

// vet reports whether raw may be loaded, recording the first refusal and
// stopping the tab on it.
func (g *navGuard) vet(raw string) bool {
	if raw == "" || raw == "about:blank" {
		return true
	}
	u, err := url.Parse(raw)
	if err == nil {
		err = g.check(u)
	}
	if err == nil {
		return true
	}
	g.mu.Lock()
	if g.err == nil {
		g.err = fmt.Errorf("navigation to %s refused: %w", raw, err)
	}
	g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	return false
}

func (g *navGuard) failure() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
