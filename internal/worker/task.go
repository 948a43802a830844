package worker

import "context"

// Task is one unit of work executed by the pool
type Task struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Run  func(ctx context.Context) error
}

// Config contains worker configuration
type Config struct {
	Retries        int
	RetryBackoffMs int
}

// DefaultConfig retries transient failures twice with a short backoff
func DefaultConfig() Config {
	return Config{Retries: 3, RetryBackoffMs: 20}
}
