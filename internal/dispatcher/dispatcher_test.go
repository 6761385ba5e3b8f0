// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/queue/memory"
	"github.com/JakeFAU/webtomd/internal/worker"
)

type echoProcessor struct{}

func (echoProcessor) Process(_ context.Context, task crawler.Task) crawler.PageResult {
	return crawler.PageResult{URL: task.URL, Status: crawler.PageStatusSuccess}
}

// TestDispatcherDrainsQueue ensures every enqueued task reaches the sink and
// Run returns once the queue is closed.
func TestDispatcherDrainsQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	var (
		mu      sync.Mutex
		results = map[int]crawler.PageResult{}
	)
	sink := func(r crawler.TaskResult) {
		mu.Lock()
		defer mu.Unlock()
		results[r.Index] = r.Page
	}
	workers := make([]*worker.Worker, 0, 3)
	for i := range 3 {
		workers = append(workers, worker.New(i, q, echoProcessor{}, sink, nil, zap.NewNop()))
	}
	d := New(q, workers)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	for i := range 10 {
		require.NoError(t, d.Enqueue(context.Background(), crawler.Task{Index: i, URL: fmt.Sprintf("https://example.com/%d", i)}))
	}
	d.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
	require.Len(t, results, 10)
	require.Equal(t, "https://example.com/7", results[7].URL)
}

// TestDispatcherRunStopsOnCancel verifies idle workers exit when ctx ends.
func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	d := New(q, []*worker.Worker{worker.New(0, q, echoProcessor{}, func(crawler.TaskResult) {}, nil, nil)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	d := New(&errorQueue{err: errors.New("boom")}, nil)
	err := d.Enqueue(context.Background(), crawler.Task{JobID: "job"})
	require.EqualError(t, err, "queue enqueue: boom")
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.Task) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.Task, error) {
	return crawler.Task{}, crawler.ErrQueueClosed
}

func (q *errorQueue) Close() {}
