package headless

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// idleTracker counts in-flight network requests for one tab.
type idleTracker struct {
	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	changed  time.Time
	now      func() time.Time
}

func newIdleTracker() *idleTracker {
	return &idleTracker{
		inflight: make(map[network.RequestID]struct{}),
		changed:  time.Now(),
		now:      time.Now,
	}
}

func (t *idleTracker) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.start(e.RequestID)
	case *network.EventLoadingFinished:
		t.finish(e.RequestID)
	case *network.EventLoadingFailed:
		t.finish(e.RequestID)
	}
}

func (t *idleTracker) start(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.changed = t.now()
}

func (t *idleTracker) finish(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	t.changed = t.now()
}

// quietFor reports whether no request has been in flight for window.
func (t *idleTracker) quietFor(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.changed) >= window
}

// wait blocks until the network has been quiet for window or timeout
// elapses. Hitting the timeout is not an error.
func (t *idleTracker) wait(ctx context.Context, window, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(idlePollInterval)
	defer tick.Stop()
	for {
		if t.quietFor(window) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-tick.C:
		}
	}
}

func (t *idleTracker) waitAction(window, timeout time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return t.wait(ctx, window, timeout)
	})
}
