package worker

import (
	"context"
	"fmt"

	"bqdrain/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Producer feeds tasks into the pool. It must stop when ctx is done.
type Producer func(ctx context.Context, tasks chan<- Task) error

// Pool manages a pool of workers
type Pool struct {
	config  Config
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(config Config, metricsCollector *metrics.Collector, logger *zap.Logger) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	return &Pool{
		config:  config,
		metrics: metricsCollector,
		logger:  logger,
	}
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.config.Size
}

// WithFailFast returns a pool sharing p's workers setting but with the given
// fail-fast behaviour
func (p *Pool) WithFailFast(failFast bool) *Pool {
	cp := *p
	cp.config.FailFast = failFast
	return &cp
}

// Run starts the workers, runs produce and waits until every task finished.
//
// It returns the producer's error, the context error, or with FailFast the
// first task error. Without FailFast a task error is logged and the pool
// keeps draining.
func (p *Pool) Run(ctx context.Context, produce Producer) error {
	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan Task, p.config.Size*2)

	for i := 0; i < p.config.Size; i++ {
		id := i
		g.Go(func() error {
			return p.worker(gctx, id, tasks)
		})
	}

	g.Go(func() error {
		defer close(tasks)
		return produce(gctx, tasks)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	// Workers may drain a closed channel before noticing cancellation.
	return ctx.Err()
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task) error {
	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	processor := &TaskProcessor{
		metrics: p.metrics,
		logger:  logger,
	}

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks")
				return nil
			}

			err := processor.Process(ctx, task)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.config.FailFast {
				return fmt.Errorf("%s %s: %w", task.Stage, task.Item, err)
			}
			logger.Error("Task failed",
				zap.String("stage", task.Stage),
				zap.String("item", task.Item),
				zap.Error(err),
			)

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return ctx.Err()
		}
	}
}
