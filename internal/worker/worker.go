package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker pulls tasks from the pool until the pool stops.
type Worker struct {
	id       int
	exec     Executor
	taskCh   <-chan Task
	resultCh chan<- Result
}

func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run processes tasks until ctx is cancelled. Tasks in flight see the
// cancellation through their own context.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.taskCh:
			start := time.Now()
			err := w.execute(ctx, task)

			result := Result{
				JobID:    task.ID,
				Success:  err == nil,
				Error:    err,
				Duration: time.Since(start),
			}

			select {
			case w.resultCh <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
		}
	}()
	return w.exec.Execute(ctx, task)
}
