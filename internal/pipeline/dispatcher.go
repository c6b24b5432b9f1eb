package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
)

// Dispatcher fans queued jobs out to a fixed set of runner goroutines.
type Dispatcher struct {
	queue   check.Queue
	runner  *Runner
	workers int
	logger  *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(queue check.Queue, runner *Runner, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runner:  runner,
		workers: workers,
		logger:  logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.consume(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, worker int) {
	logger := d.logger.With(zap.Int("worker", worker))
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue failed", zap.Error(err))
			return
		}
		logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		if err := d.runner.Execute(ctx, item); err != nil {
			logger.Error("job execution failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}
