// Package dispatcher fans a job's tasks out to its worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned, which
// happens once the queue is closed and drained or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task crawler.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Close stops accepting tasks; workers finish what is buffered.
func (d *Dispatcher) Close() {
	d.queue.Close()
}
