// Package worker implements the per-page crawl pipeline and the loop that
// drains a job's task queue through it.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/metrics"
)

// Processor turns a task into a page outcome.
type Processor interface {
	Process(ctx context.Context, task crawler.Task) crawler.PageResult
}

// Sink receives every task outcome.
type Sink func(crawler.TaskResult)

// Worker consumes queue tasks and executes the page pipeline.
type Worker struct {
	id        int
	queue     crawler.Queue
	processor Processor
	sink      Sink
	admit     context.Context
	logger    *zap.Logger
}

// New constructs a Worker. Tasks dequeued after admit is done are not
// started and are reported as timed out.
func New(id int, queue crawler.Queue, processor Processor, sink Sink, admit context.Context, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if admit == nil {
		admit = context.Background()
	}
	return &Worker{
		id:        id,
		queue:     queue,
		processor: processor,
		sink:      sink,
		admit:     admit,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the queue is drained and closed or the
// context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Error("queue dequeue failed", zap.Int("worker", w.id), zap.Error(err))
			}
			return
		}
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task crawler.Task) {
	if w.admit.Err() != nil {
		w.logger.Debug("task not started before deadline",
			zap.String("job_id", task.JobID),
			zap.String("url", task.URL),
		)
		w.sink(crawler.TaskResult{Index: task.Index, Page: crawler.TimeoutPage(task.URL), Skipped: true})
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	page := w.processor.Process(ctx, task)
	w.logger.Debug("page processed",
		zap.String("job_id", task.JobID),
		zap.Int("index", task.Index),
		zap.String("url", task.URL),
		zap.String("status", string(page.Status)),
	)
	w.sink(crawler.TaskResult{Index: task.Index, Page: page})
}
