package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
)

// Executor runs one job. It must return exactly once; the returned error is
// reported on the job's Result.
type Executor interface {
	Execute(ctx context.Context, job types.Job) error
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, job types.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job types.Job) error {
	return f(ctx, job)
}

// LogExecutor logs the job's label and priority and returns immediately.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e LogExecutor) Execute(ctx context.Context, job types.Job) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Job executed",
		"name", job.Label,
		"priority", job.Priority)
	return nil
}

// SimulatedExecutor sleeps for a random duration in [0, MaxDuration) to
// stand in for real work.
type SimulatedExecutor struct {
	MaxDuration time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedExecutor creates a SimulatedExecutor drawing durations from rng.
func NewSimulatedExecutor(maxDuration time.Duration, rng *rand.Rand) *SimulatedExecutor {
	return &SimulatedExecutor{MaxDuration: maxDuration, rng: rng}
}

func (e *SimulatedExecutor) Execute(ctx context.Context, job types.Job) error {
	var d time.Duration
	if e.MaxDuration > 0 {
		e.mu.Lock()
		d = time.Duration(e.rng.Int63n(int64(e.MaxDuration)))
		e.mu.Unlock()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
