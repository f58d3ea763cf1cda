package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

// Task is one remote job handed to the pool for execution.
type Task struct {
	ID      types.JobID            // remote job id
	Kind    types.JobKind          // operation to run
	Params  map[string]interface{} // operation parameters
	Timeout time.Duration          // zero means no timeout
}

// Result is the outcome of one Task.
type Result struct {
	JobID    types.JobID
	Success  bool
	Error    error
	Duration time.Duration
}

// Executor runs a single task. It must return promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) error { return f(ctx, task) }
