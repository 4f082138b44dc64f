package dispatcher

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/jobmanager"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
)

// Observer receives dispatcher events. Rejected and Enqueued are called from
// the producer's goroutine; every other method is called from the dispatch
// loop. Enqueued runs while the queue lock is held, before the loop can start
// the job. Implementations must not block.
type Observer interface {
	Enqueued(job types.Job)
	Rejected(job types.Job, reason error)
	SlotsExhausted(job types.Job)
	JobStarted(job types.Job, slot int)
	JobFinished(job types.Job, slot int, took time.Duration, err error)
	Drained(report types.Report)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) Enqueued(types.Job) {}
func (NopObserver) Rejected(types.Job, error) {}
func (NopObserver) SlotsExhausted(types.Job) {}
func (NopObserver) JobStarted(types.Job, int) {}
func (NopObserver) JobFinished(types.Job, int, time.Duration, error) {}
func (NopObserver) Drained(types.Report) {}

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) Enqueued(job types.Job) {
	for _, ob := range o {
		ob.Enqueued(job)
	}
}

func (o Observers) Rejected(job types.Job, reason error) {
	for _, ob := range o {
		ob.Rejected(job, reason)
	}
}

func (o Observers) SlotsExhausted(job types.Job) {
	for _, ob := range o {
		ob.SlotsExhausted(job)
	}
}

func (o Observers) JobStarted(job types.Job, slot int) {
	for _, ob := range o {
		ob.JobStarted(job, slot)
	}
}

func (o Observers) JobFinished(job types.Job, slot int, took time.Duration, err error) {
	for _, ob := range o {
		ob.JobFinished(job, slot, took, err)
	}
}

func (o Observers) Drained(report types.Report) {
	for _, ob := range o {
		ob.Drained(report)
	}
}

// LogObserver writes events to a structured logger. A full buffer is a
// warning; duplicate submissions are only visible at debug level.
type LogObserver struct {
	Logger *slog.Logger
}

// NewLogObserver returns a LogObserver; a nil logger means slog.Default().
func NewLogObserver(logger *slog.Logger) LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return LogObserver{Logger: logger}
}

func (l LogObserver) Enqueued(job types.Job) {
	l.Logger.Debug("Job enqueued", "jobID", job.ID, "priority", job.Priority)
}

func (l LogObserver) Rejected(job types.Job, reason error) {
	if errors.Is(reason, jobmanager.ErrQueueFull) {
		l.Logger.Warn("Buffer is full", "jobID", job.ID)
		return
	}
	l.Logger.Debug("Job rejected", "jobID", job.ID, "reason", reason)
}

func (l LogObserver) SlotsExhausted(job types.Job) {
	l.Logger.Debug("No available slot, waiting for release", "jobID", job.ID)
}

func (l LogObserver) JobStarted(job types.Job, slot int) {
	l.Logger.Debug("Job started",
		"name", job.Label,
		"priority", job.Priority,
		"slot", slot)
}

func (l LogObserver) JobFinished(job types.Job, slot int, took time.Duration, err error) {
	if err != nil {
		l.Logger.Warn("Job failed",
			"jobID", job.ID,
			"slot", slot,
			"duration", took,
			"error", err)
		return
	}
	l.Logger.Debug("Job completed",
		"jobID", job.ID,
		"slot", slot,
		"duration", took)
}

func (l LogObserver) Drained(report types.Report) {
	l.Logger.Info("End execution",
		"capacity", report.Capacity,
		"executed", report.Executed,
		"failed", report.Failed,
		"rejected", report.Rejected,
		"slot_waits", report.SlotWaits,
		"elapsed", report.Elapsed)
}
