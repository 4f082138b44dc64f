package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/dispatcher"
	"github.com/ChuLiYu/slot-dispatcher/internal/jobmanager"
	"github.com/ChuLiYu/slot-dispatcher/internal/worker"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T, slots int) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg, slots), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t, 4)

	assert.NotNil(t, collector.jobsEnqueued, "jobsEnqueued counter should be initialized")
	assert.NotNil(t, collector.jobsRejected, "jobsRejected counter should be initialized")
	assert.NotNil(t, collector.jobDuration, "jobDuration histogram should be initialized")
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.slotsTotal))

	// vectors without observations are not exported yet
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg, 1))

	// Second collector on the same registry panics on duplicate registration
	assert.Panics(t, func() {
		NewCollector(reg, 1)
	}, "Creating a second collector should panic due to duplicate registration")

	// A fresh registry is fine
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry(), 1)
	})
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{jobmanager.ErrQueueFull, ReasonFull},
		{fmt.Errorf("submit: %w", jobmanager.ErrQueueFull), ReasonFull},
		{jobmanager.ErrDuplicatePending, ReasonDuplicate},
		{jobmanager.ErrDuplicateActive, ReasonDuplicate},
		{errors.New("something else"), ReasonOther},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, RejectReason(tt.err))
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	c, _ := newTestCollector(t, 2)
	job := types.Job{ID: "1", Priority: 3}

	c.Enqueued(job)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsEnqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsPending))

	c.JobStarted(job, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.slotsOccupied))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsStarted))

	c.JobFinished(job, 0, 50*time.Millisecond, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.slotsOccupied))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration))
}

func TestJobFailure(t *testing.T) {
	c, _ := newTestCollector(t, 1)
	job := types.Job{ID: "1"}

	c.Enqueued(job)
	c.JobStarted(job, 0)
	c.JobFinished(job, 0, time.Millisecond, context.DeadlineExceeded)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsCompleted))
}

func TestRejectedByReason(t *testing.T) {
	c, _ := newTestCollector(t, 1)
	job := types.Job{ID: "1"}

	c.Rejected(job, jobmanager.ErrQueueFull)
	c.Rejected(job, jobmanager.ErrQueueFull)
	c.Rejected(job, jobmanager.ErrDuplicatePending)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsRejected.WithLabelValues(ReasonFull)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRejected.WithLabelValues(ReasonDuplicate)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsRejected.WithLabelValues(ReasonOther)))
}

func TestSlotsExhaustedAndDrained(t *testing.T) {
	c, _ := newTestCollector(t, 1)

	c.SlotsExhausted(types.Job{ID: "1"})
	c.Drained(types.Report{Elapsed: 1500 * time.Millisecond})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.slotExhausted))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.drainTime))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t, 8)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := types.Job{ID: types.JobID(fmt.Sprint(i))}
			c.Enqueued(job)
			c.JobStarted(job, i%8)
			c.JobFinished(job, i%8, time.Millisecond, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.slotsOccupied))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsPending))
}

// TestCollectorAsObserver drives a real dispatcher and checks the exported series
func TestCollectorAsObserver(t *testing.T) {
	c, reg := newTestCollector(t, 2)

	d, err := dispatcher.New(dispatcher.Config{Capacity: 5, Slots: 2},
		worker.ExecutorFunc(func(context.Context, types.Job) error { return nil }), c)
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(types.Job{ID: types.JobID(fmt.Sprint(i)), Priority: i}))
	}
	require.Error(t, d.Enqueue(types.Job{ID: "extra"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = d.Run(ctx)
	require.NoError(t, err)

	expected := `
# HELP dispatcher_jobs_completed_total Total number of jobs completed successfully
# TYPE dispatcher_jobs_completed_total counter
dispatcher_jobs_completed_total 5
# HELP dispatcher_jobs_rejected_total Total number of submissions rejected, by reason
# TYPE dispatcher_jobs_rejected_total counter
dispatcher_jobs_rejected_total{reason="full"} 1
# HELP dispatcher_slots_occupied Current number of occupied slots
# TYPE dispatcher_slots_occupied gauge
dispatcher_slots_occupied 0
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"dispatcher_jobs_completed_total",
		"dispatcher_jobs_rejected_total",
		"dispatcher_slots_occupied")
	assert.NoError(t, err)
	assert.Greater(t, testutil.ToFloat64(c.slotExhausted), 0.0)
}

// ============================================================================
// HTTP
// ============================================================================

func TestRouterMetrics(t *testing.T) {
	c, reg := newTestCollector(t, 3)
	c.Enqueued(types.Job{ID: "1"})

	srv := httptest.NewServer(NewRouter(reg, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dispatcher_jobs_enqueued_total 1")
	assert.Contains(t, string(body), "dispatcher_slots_total 3")
}

func TestRouterStatus(t *testing.T) {
	status := func() any {
		return dispatcher.Status{State: "idle", Pending: 2, Slots: 4, Capacity: 8}
	}
	srv := httptest.NewServer(NewRouter(prometheus.NewRegistry(), status))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var got dispatcher.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "idle", got.State)
	assert.Equal(t, 2, got.Pending)
	assert.Equal(t, 4, got.Slots)
}

func TestRouterNotFound(t *testing.T) {
	srv := httptest.NewServer(NewRouter(prometheus.NewRegistry(), nil))
	defer srv.Close()

	for _, path := range []string{"/status", "/nope"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestListenAndServeShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", NewRouter(prometheus.NewRegistry(), nil))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
