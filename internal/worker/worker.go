// ============================================================================
// Slot Dispatcher Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that actually executes jobs, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the Executor (with optional timeout control)
//   3. Send exactly one Result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Timeout Control:
//   A task with a non-zero Timeout runs under context.WithTimeout. A timed out
//   job still produces a Result, carrying context.DeadlineExceeded.
//
// Panics:
//   A panicking Executor is recovered and reported as a failed Result, so the
//   dispatcher always gets its completion message and the slot is reclaimed.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	exec     Executor      // Runs the job
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
}

// newWorker creates a new Worker instance
func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)

		// resultCh is sized to the slot count, so this never blocks
		w.resultCh <- Result{
			Job:      task.Job,
			Slot:     task.Slot,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

// execute runs one task and converts a panic into an error
func (w *Worker) execute(task Task) (err error) {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "worker", w.id, "jobID", task.Job.ID, "panic", r)
			err = fmt.Errorf("job %s panicked: %v", task.Job.ID, r)
		}
	}()

	return w.exec.Execute(ctx, task.Job)
}
