// ============================================================================
// Slot Dispatcher Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 以 Observer 介面接收調度事件，轉為 Prometheus 指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - dispatcher_jobs_enqueued_total: 入隊任務總數
//      - dispatcher_jobs_rejected_total{reason}: 被拒絕的任務（full / duplicate）
//      - dispatcher_jobs_started_total: 取得 slot 開始執行的任務數
//      - dispatcher_jobs_completed_total: 成功完成的任務數
//      - dispatcher_jobs_failed_total: 失敗（含超時、panic）的任務數
//      - dispatcher_slot_exhausted_total: slot 用盡而等待的次數
//
//   2. 性能指標 (Histogram):
//      - dispatcher_job_duration_seconds: 任務執行時間分佈
//
//   3. 狀態指標 (Gauge):
//      - dispatcher_jobs_pending: 待處理佇列長度
//      - dispatcher_slots_occupied: 目前被佔用的 slot 數
//      - dispatcher_drain_seconds: 最近一次排空所花的時間
//
// Prometheus 查詢示例:
//
//   # slot 利用率
//   dispatcher_slots_occupied / on() dispatcher_slots_total
//
//   # 佇列已滿的拒絕率
//   rate(dispatcher_jobs_rejected_total{reason="full"}[5m])
//
// HTTP 端點:
//   /metrics  Prometheus 文本格式
//   /status   調度器即時狀態（JSON）
//
// ============================================================================

package metrics

import (
	"errors"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/jobmanager"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dispatcher"

// 拒絕原因標籤
const (
	ReasonFull      = "full"
	ReasonDuplicate = "duplicate"
	ReasonOther     = "other"
)

// Collector Prometheus 指標收集器，同時實作 dispatcher.Observer
type Collector struct {
	// 任務相關指標
	jobsEnqueued  prometheus.Counter
	jobsRejected  *prometheus.CounterVec
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	slotExhausted prometheus.Counter

	// 效能指標
	jobDuration prometheus.Histogram
	drainTime   prometheus.Gauge

	// 狀態指標
	jobsPending   prometheus.Gauge
	slotsOccupied prometheus.Gauge
	slotsTotal    prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer, slots int) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs accepted into the pending queue",
		}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected, by reason",
		}, []string{"reason"}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs placed into a slot",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that returned an error, timed out or panicked",
		}),
		slotExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_exhausted_total",
			Help:      "Number of times admission stopped because every slot was occupied",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		drainTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drain_seconds",
			Help:      "Time taken by the most recent drain in seconds",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of pending jobs",
		}),
		slotsOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_occupied",
			Help:      "Current number of occupied slots",
		}),
		slotsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_total",
			Help:      "Number of execution slots",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsRejected,
		c.jobsStarted,
		c.jobsCompleted,
		c.jobsFailed,
		c.slotExhausted,
		c.jobDuration,
		c.drainTime,
		c.jobsPending,
		c.slotsOccupied,
		c.slotsTotal,
	)
	c.slotsTotal.Set(float64(slots))

	return c
}

// Enqueued 記錄任務加入佇列
func (c *Collector) Enqueued(types.Job) {
	c.jobsEnqueued.Inc()
	c.jobsPending.Inc()
}

// Rejected 依原因記錄拒絕
func (c *Collector) Rejected(_ types.Job, reason error) {
	c.jobsRejected.WithLabelValues(RejectReason(reason)).Inc()
}

// SlotsExhausted 記錄 slot 用盡
func (c *Collector) SlotsExhausted(types.Job) {
	c.slotExhausted.Inc()
}

// JobStarted 記錄任務開始執行
func (c *Collector) JobStarted(types.Job, int) {
	c.jobsStarted.Inc()
	c.jobsPending.Dec()
	c.slotsOccupied.Inc()
}

// JobFinished 記錄任務結束
func (c *Collector) JobFinished(_ types.Job, _ int, took time.Duration, err error) {
	c.slotsOccupied.Dec()
	c.jobDuration.Observe(took.Seconds())
	if err != nil {
		c.jobsFailed.Inc()
		return
	}
	c.jobsCompleted.Inc()
}

// Drained 記錄排空時間
func (c *Collector) Drained(report types.Report) {
	c.drainTime.Set(report.Elapsed.Seconds())
}

// RejectReason 將拒絕錯誤轉成標籤值
func RejectReason(err error) string {
	switch {
	case errors.Is(err, jobmanager.ErrQueueFull):
		return ReasonFull
	case errors.Is(err, jobmanager.ErrDuplicatePending), errors.Is(err, jobmanager.ErrDuplicateActive):
		return ReasonDuplicate
	default:
		return ReasonOther
	}
}
