package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// TaskProcessor handles individual task processing
type TaskProcessor struct {
	config Config
	logger *zap.Logger
}

// Process runs a task, retrying transient filesystem errors with exponential backoff
func (p *TaskProcessor) Process(ctx context.Context, task Task) error {
	startTime := time.Now()

	var lastErr error
	for attempt := 1; attempt <= p.config.Retries; attempt++ {
		err := task.Run(ctx)
		if err == nil {
			p.logger.Debug("Task completed",
				zap.String("task", task.Name),
				zap.Int64("size", task.Size),
				zap.Duration("duration", time.Since(startTime)),
			)
			return nil
		}

		lastErr = err
		if !p.isRetriableError(err) {
			break
		}

		p.logger.Warn("Task attempt failed",
			zap.String("task", task.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < p.config.Retries {
			select {
			case <-time.After(p.calculateBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("task %s failed: %w", task.Name, lastErr)
}

func (p *TaskProcessor) isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY)
}

func (p *TaskProcessor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(p.config.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}
