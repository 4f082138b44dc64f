// ============================================================================
// Slot Dispatcher 調度器 - 系統核心協調器
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 單一調度循環，將待處理任務依優先權放入固定數量的 slot 執行
//
// 架構設計:
//   Dispatcher 協調以下組件：
//   - JobManager: 待處理佇列（最大堆）與執行中集合
//   - Allocator: 固定容量的 slot，循環搜尋空位
//   - WorkerPool: 實際執行任務，完成後以 Result 訊息回報
//
// 調度循環（單一 goroutine 擁有所有 slot 變更）:
//   1. admit  - 反覆取出最高優先權任務 → 取得 slot → 標記 active → 提交
//              佇列空或 slot 用盡時停止
//   2. wait   - 阻塞等待事件：任務完成、新任務入隊、ctx 取消
//              不輪詢、不忙等
//   3. finish - 收到完成訊息：移出 active、釋放 slot，回到 1
//
// 狀態機:
//   Idle → Dispatching → Executing → Dispatching → ... → Drained
//   slot 用盡時任務放回佇列最前端，等待下一個完成訊息再重試
//
// 終止條件:
//   Run: 待處理佇列為空且沒有執行中任務 → 回傳 Report
//   Serve: 不終止，每次排空時回報一次，直到 ctx 取消
//
// 取消:
//   ctx 取消後停止 admit，等待執行中任務完成後返回 ctx.Err()
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/jobmanager"
	"github.com/ChuLiYu/slot-dispatcher/internal/slot"
	"github.com/ChuLiYu/slot-dispatcher/internal/worker"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

var (
	// ErrAlreadyRunning Run/Serve 同時只能有一個
	ErrAlreadyRunning = errors.New("dispatcher already running")
	// ErrClosed Dispatcher 已關閉
	ErrClosed = errors.New("dispatcher closed")
)

// State 調度器狀態
type State int32

const (
	StateIdle        State = iota // 沒有正在處理的任務
	StateDispatching              // 已取出任務，正在尋找 slot
	StateExecuting                // 有任務佔用 slot 執行中
	StateDrained                  // 佇列已排空
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateExecuting:
		return "executing"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Config Dispatcher 配置
type Config struct {
	Capacity         int           // 待處理佇列容量；Slots 為 0 時也是 slot 數量
	Slots            int           // slot 數量，0 表示與 Capacity 相同
	JobTimeout       time.Duration // 單一任務執行超時，0 表示不限制
	PriorityUniverse []int         // 優先權全集，用於 slot 的 rank 標記；nil 表示不標記
	Logger           *slog.Logger  // nil 表示 slog.Default()
}

func (c Config) slotCount() int {
	if c.Slots > 0 {
		return c.Slots
	}
	return c.Capacity
}

// Status 調度器即時狀態
type Status struct {
	State    string `json:"state"`
	Pending  int    `json:"pending"`
	Active   int    `json:"active"`
	Occupied int    `json:"occupied"`
	Slots    int    `json:"slots"`
	Capacity int    `json:"capacity"`
}

// Dispatcher 核心調度器
type Dispatcher struct {
	cfg      Config
	jobs     *jobmanager.JobManager // 待處理佇列 + 執行中集合
	slots    *slot.Allocator        // slot 分配器
	pool     *worker.Pool           // Worker Pool
	observer Observer               // 事件回報
	ranks    map[int]uint16         // 優先權 → rank 標記
	log      *slog.Logger

	state    atomic.Int32
	rejected atomic.Int64 // 累計拒絕次數
	reported int64        // 上次排空報告時的拒絕次數，僅調度循環存取

	mu      sync.Mutex // 保護 running 與 closed
	running bool
	closed  bool
}

// runStats 單次排空週期的統計
type runStats struct {
	start        time.Time
	executed     int
	failed       int
	slotWaits    int
	rejectedBase int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Dispatcher 並啟動 Worker Pool
//
// 參數：
//   - cfg: 配置，Capacity 必須 ≥ 1
//   - exec: 任務執行器
//   - observer: 事件回報，nil 表示只寫日誌
func New(cfg Config, exec worker.Executor, observer Observer) (*Dispatcher, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("capacity must be at least 1, got %d", cfg.Capacity)
	}
	if cfg.Slots < 0 {
		return nil, fmt.Errorf("slots must not be negative, got %d", cfg.Slots)
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = NewLogObserver(logger)
	}

	slots := cfg.slotCount()
	pool := worker.NewPool(slots, exec)
	if err := pool.Start(slots); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	d := &Dispatcher{
		cfg:      cfg,
		jobs:     jobmanager.NewJobManager(cfg.Capacity),
		slots:    slot.New(slots),
		pool:     pool,
		observer: observer,
		log:      logger,
	}
	if cfg.PriorityUniverse != nil {
		d.ranks = slot.Ranks(cfg.PriorityUniverse)
	}
	return d, nil
}

// Enqueue 將任務加入待處理佇列
//
// 被拒絕（重複或佇列已滿）時回傳 jobmanager 的錯誤，狀態不變，並通知 observer
//
// Enqueued 在調度循環能取出該任務之前送達 observer
func (d *Dispatcher) Enqueue(job types.Job) error {
	if err := d.jobs.EnqueueNotify(job, d.observer.Enqueued); err != nil {
		d.rejected.Add(1)
		d.observer.Rejected(job, err)
		return err
	}
	return nil
}

// Run 執行調度循環直到排空
//
// 返回值：
//   - types.Report: 本次執行的報告
//   - error: ctx 取消時為 ctx.Err()
func (d *Dispatcher) Run(ctx context.Context) (types.Report, error) {
	return d.loop(ctx, false)
}

// Serve 持續執行調度循環直到 ctx 取消，每次排空時通知 observer
func (d *Dispatcher) Serve(ctx context.Context) error {
	_, err := d.loop(ctx, true)
	return err
}

// loop 調度循環本體
func (d *Dispatcher) loop(ctx context.Context, serve bool) (types.Report, error) {
	if err := d.begin(); err != nil {
		return types.Report{}, err
	}
	defer d.end()

	run := d.newRun()
	if !serve {
		run.start = time.Now()
	}
	inFlight := 0
	results := d.pool.Results()
	var failure error // 提交失敗後停止派發，等待執行中任務結束

	for {
		cancelled := ctx.Err() != nil || failure != nil
		if !cancelled {
			n, err := d.admit(&run)
			inFlight += n
			if err != nil {
				failure = err
				cancelled = true
			}
		}

		if inFlight == 0 {
			if cancelled {
				d.setState(StateIdle)
				if failure != nil {
					return run.report(d.slots.Capacity(), d.rejected.Load()), failure
				}
				return run.report(d.slots.Capacity(), d.rejected.Load()), ctx.Err()
			}
			if d.jobs.Len() > 0 {
				// 新任務在 admit 之後才入隊
				continue
			}
			if !serve || run.executed > 0 {
				rejected := d.rejected.Load()
				report := run.report(d.slots.Capacity(), rejected)
				d.reported = rejected
				d.setState(StateDrained)
				d.observer.Drained(report)
				if !serve {
					return report, nil
				}
				run = d.newRun()
			}
		}

		var ready <-chan struct{}
		var done <-chan struct{}
		if !cancelled {
			ready = d.jobs.Ready()
			done = ctx.Done()
		}

		select {
		case res, ok := <-results:
			if !ok {
				return run.report(d.slots.Capacity(), d.rejected.Load()), worker.ErrPoolClosed
			}
			inFlight--
			d.finish(res, &run)
		case <-ready:
		case <-done:
		}
	}
}

// admit 盡可能將待處理任務放入 slot，回傳本次提交的數量
//
// Worker Pool 拒絕提交時，該任務以失敗結束並回傳錯誤
func (d *Dispatcher) admit(run *runStats) (int, error) {
	admitted := 0
	for {
		d.setState(StateDispatching)
		job, idx, err := d.jobs.Admit(func(job types.Job) (int, error) {
			return d.slots.Acquire(job.ID, d.ranks[job.Priority])
		})

		switch {
		case errors.Is(err, jobmanager.ErrQueueDrained):
			d.settle()
			return admitted, nil
		case errors.Is(err, slot.ErrNoAvailableSlot):
			// 任務已放回佇列最前端，等待下一個完成訊息
			run.slotWaits++
			d.observer.SlotsExhausted(job)
			d.settle()
			return admitted, nil
		case err != nil:
			d.log.Error("Failed to admit job", "error", err)
			d.settle()
			return admitted, nil
		}

		if run.start.IsZero() {
			run.start = time.Now()
		}
		d.observer.JobStarted(job, idx)

		task := worker.Task{Job: job, Slot: idx, Timeout: d.cfg.JobTimeout}
		if err := d.pool.Submit(task); err != nil {
			d.log.Error("Failed to submit job", "jobID", job.ID, "error", err)
			d.finish(worker.Result{Job: job, Slot: idx, Error: err}, run)
			return admitted, fmt.Errorf("submit job %s: %w", job.ID, err)
		}
		admitted++
	}
}

// finish 處理單一完成訊息
func (d *Dispatcher) finish(res worker.Result, run *runStats) {
	d.release(res.Job.ID, res.Slot)

	run.executed++
	if res.Error != nil {
		run.failed++
	}
	d.observer.JobFinished(res.Job, res.Slot, res.Duration, res.Error)
	d.settle()
}

// release 移出 active 並釋放 slot
//
// 先釋放 slot 再移出 active，任何時刻 occupied ≤ active
func (d *Dispatcher) release(id types.JobID, idx int) {
	if err := d.slots.Release(idx); err != nil {
		d.log.Error("Failed to release slot", "jobID", id, "slot", idx, "error", err)
	}
	held, err := d.jobs.Complete(id)
	if err != nil {
		d.log.Error("Failed to complete job", "jobID", id, "error", err)
	} else if held != idx {
		d.log.Error("Slot mismatch on completion", "jobID", id, "held", held, "reported", idx)
	}
}

// settle 依 slot 佔用情況回到 Executing 或 Idle
func (d *Dispatcher) settle() {
	if d.slots.Occupied() > 0 {
		d.setState(StateExecuting)
		return
	}
	d.setState(StateIdle)
}

func (d *Dispatcher) newRun() runStats {
	return runStats{rejectedBase: d.reported}
}

func (r runStats) report(capacity int, rejected int64) types.Report {
	var elapsed time.Duration
	if !r.start.IsZero() {
		elapsed = time.Since(r.start)
	}
	return types.Report{
		Capacity:  capacity,
		Executed:  r.executed,
		Failed:    r.failed,
		Rejected:  int(rejected - r.rejectedBase),
		SlotWaits: r.slotWaits,
		Elapsed:   elapsed,
	}
}

func (d *Dispatcher) begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.running {
		return ErrAlreadyRunning
	}
	d.running = true
	return nil
}

func (d *Dispatcher) end() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
}

// ============================================================================
// 公開查詢方法
// ============================================================================

// State 目前狀態
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Status 取得即時狀態，Occupied 與 Active 來自同一個快照
func (d *Dispatcher) Status() Status {
	var occupied int
	stats := d.jobs.Inspect(func() { occupied = d.slots.Occupied() })
	return Status{
		State:    d.State().String(),
		Pending:  stats.Pending,
		Active:   stats.Active,
		Occupied: occupied,
		Slots:    d.slots.Capacity(),
		Capacity: stats.Capacity,
	}
}

// Pending 依出隊順序回傳待處理任務
func (d *Dispatcher) Pending() []types.Job {
	return d.jobs.Pending()
}

// Slots 回傳每個 slot 的快照
func (d *Dispatcher) Slots() []slot.Cell {
	return d.slots.Cells()
}

// Close 停止 Worker Pool；必須在 Run/Serve 返回後呼叫
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.pool.Stop()
}
