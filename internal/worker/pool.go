// Package worker runs independent units of work with bounded concurrency
package worker

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool manages a pool of workers
type Pool struct {
	size   int
	config Config
	logger *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(size int, config Config, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if config.Retries < 1 {
		config.Retries = 1
	}
	return &Pool{size: size, config: config, logger: logger}
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Run executes every task and waits for all of them. The first failure
// cancels the remaining tasks and is returned.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan Task)

	g.Go(func() error {
		defer close(queue)
		for _, task := range tasks {
			select {
			case queue <- task:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	workers := p.size
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			return p.worker(ctx, id, queue)
		})
	}

	return g.Wait()
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task) error {
	logger := p.logger.With(zap.Int("worker_id", id))

	processor := &TaskProcessor{
		config: p.config,
		logger: logger,
	}

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				return nil
			}
			if err := processor.Process(ctx, task); err != nil {
				return err
			}

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return ctx.Err()
		}
	}
}
