// Package memory provides the in-process task queue used by crawl jobs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

// ErrClosed is returned once a closed queue has been drained.
var ErrClosed = crawler.ErrQueueClosed

var _ crawler.Queue = (*Queue)(nil)

// Queue is a bounded in-memory queue with context-aware operations. Tasks
// enqueued before Close are still handed out by Dequeue.
type Queue struct {
	ch        chan crawler.Task
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.Task, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	select {
	case <-ctx.Done():
		return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.ch:
		return task, nil
	case <-q.done:
		select {
		case task := <-q.ch:
			return task, nil
		default:
			return crawler.Task{}, ErrClosed
		}
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
