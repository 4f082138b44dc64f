// ============================================================================
// Slot Dispatcher 任務管理器 - 待處理佇列與執行中集合
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 維護待處理佇列（依優先權排序）與執行中集合（Active Set），並保證去重
//
// 設計理念:
//   1. pending heap - 以 (priority 降序, seq 升序) 排序的二元堆
//      同優先權時依入隊順序 FIFO
//   2. index map - JobID → heap item，O(1) 檢查是否已在佇列中
//   3. active map - JobID → slot index，記錄佔用 slot 的任務
//
// 任務狀態轉換:
//   Pending (待處理)
//      ↓ Admit()（pop + 取得 slot，在同一把鎖內完成）
//   Active (執行中)
//      ↓ Complete()
//   丟棄（不再保留任何引用）
//
// 去重規則:
//   - 任務 ID 不可同時存在於 pending 與 active
//   - 已在 active 的 ID 再次入隊 → ErrDuplicateActive
//   - 已在 pending 的 ID 再次入隊 → ErrDuplicatePending
//   - 佇列已滿 → ErrQueueFull
//   三種情況皆不改變任何狀態
//
// 並發安全:
//   - 使用 sync.Mutex 保護所有數據結構
//   - 生產者（CLI、gRPC）與調度循環可同時呼叫
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務已在執行中
	ErrDuplicateActive = errors.New("job already active")
	// 任務已在待處理佇列
	ErrDuplicatePending = errors.New("job already enqueued")
	// 佇列已滿
	ErrQueueFull = errors.New("buffer is full")
	// 佇列已空（正常結束，不是錯誤）
	ErrQueueDrained = errors.New("queue drained")
	// 任務不在執行中
	ErrNotActive = errors.New("job not active")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// item 堆中的元素
type item struct {
	job   types.Job
	seq   uint64 // 入隊序號，用於同優先權 FIFO
	index int    // 在堆中的位置，由 heap.Interface 維護
}

// pendingHeap 以優先權為鍵的最大堆
type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// JobManager 待處理佇列 + 執行中集合
type JobManager struct {
	mu       sync.Mutex
	capacity int                   // 佇列容量
	pending  pendingHeap           // 待處理任務（最大堆）
	index    map[types.JobID]*item // 待處理任務索引
	active   map[types.JobID]int   // 執行中任務 → slot index
	seq      uint64                // 下一個入隊序號
	ready    chan struct{}         // 有新任務入隊時發出訊號（容量 1）
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewJobManager 建立新的任務管理器實例
//
// 參數：
//   - capacity: 待處理佇列容量，小於 1 時視為 1
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(capacity int) *JobManager {
	if capacity < 1 {
		capacity = 1
	}
	return &JobManager{
		capacity: capacity,
		pending:  make(pendingHeap, 0, capacity),
		index:    make(map[types.JobID]*item, capacity),
		active:   make(map[types.JobID]int),
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue 將任務加入待處理佇列
//
// 錯誤處理（依檢查順序）：
//   - ErrDuplicateActive: 任務 ID 正在執行
//   - ErrDuplicatePending: 任務 ID 已在佇列中
//   - ErrQueueFull: 佇列已達容量
//
// 被拒絕時佇列與執行中集合皆不變
func (jm *JobManager) Enqueue(job types.Job) error {
	return jm.EnqueueNotify(job, nil)
}

// EnqueueNotify 同 Enqueue，入隊成功時在持鎖狀態下呼叫 accepted
//
// accepted 在任務可被 Admit 取出之前返回，不可回呼 JobManager
func (jm *JobManager) EnqueueNotify(job types.Job, accepted func(types.Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, ok := jm.active[job.ID]; ok {
		return ErrDuplicateActive
	}
	if _, ok := jm.index[job.ID]; ok {
		return ErrDuplicatePending
	}
	if len(jm.pending) >= jm.capacity {
		return ErrQueueFull
	}

	it := &item{job: job, seq: jm.seq}
	jm.seq++
	heap.Push(&jm.pending, it)
	jm.index[job.ID] = it
	if accepted != nil {
		accepted(job)
	}

	// 非阻塞通知：已有未消費的訊號時直接略過
	select {
	case jm.ready <- struct{}{}:
	default:
	}
	return nil
}

// PopHighest 取出優先權最高的任務
//
// 返回值：
//   - types.Job: 任務
//   - bool: 佇列為空時為 false
func (jm *JobManager) PopHighest() (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.pending) == 0 {
		return types.Job{}, false
	}
	it := heap.Pop(&jm.pending).(*item)
	delete(jm.index, it.job.ID)
	return it.job, true
}

// Admit 取出優先權最高的任務並嘗試取得 slot
//
// 參數：
//   - acquire: 取得 slot 的函式，在持鎖狀態下呼叫，不可回呼 JobManager
//
// 行為：
//   - 佇列為空 → ErrQueueDrained
//   - acquire 失敗 → 任務以原序號放回（位置不變），回傳 acquire 的錯誤
//   - acquire 成功 → 任務移入執行中集合
//
// pop 與標記 active 在同一把鎖內完成，任務 ID 不會出現「兩邊都不在」的空窗
func (jm *JobManager) Admit(acquire func(types.Job) (int, error)) (types.Job, int, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.pending) == 0 {
		return types.Job{}, -1, ErrQueueDrained
	}

	it := heap.Pop(&jm.pending).(*item)
	slot, err := acquire(it.job)
	if err != nil {
		heap.Push(&jm.pending, it)
		return it.job, -1, err
	}

	delete(jm.index, it.job.ID)
	jm.active[it.job.ID] = slot
	return it.job, slot, nil
}

// Complete 將任務移出執行中集合
//
// 返回值：
//   - int: 任務佔用的 slot index
//   - error: 任務不在執行中時回傳 ErrNotActive
func (jm *JobManager) Complete(id types.JobID) (int, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	slot, ok := jm.active[id]
	if !ok {
		return -1, ErrNotActive
	}
	delete(jm.active, id)
	return slot, nil
}

// Ready 回傳入隊通知 channel
// 每次成功入隊後至少會有一個訊號可讀
func (jm *JobManager) Ready() <-chan struct{} {
	return jm.ready
}

// ============================================================================
// 查詢方法
// ============================================================================

// Stats 取得統計資訊
func (jm *JobManager) Stats() types.Stats {
	return jm.Inspect(nil)
}

// Inspect 取得統計資訊，並在同一把鎖內呼叫 fn
//
// Admit 期間無法執行 fn，可用來與 slot 佔用數取得一致的快照；fn 不可回呼 JobManager
func (jm *JobManager) Inspect(fn func()) types.Stats {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if fn != nil {
		fn()
	}
	return types.Stats{
		Pending:  len(jm.pending),
		Active:   len(jm.active),
		Capacity: jm.capacity,
	}
}

// Len 待處理任務數
func (jm *JobManager) Len() int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return len(jm.pending)
}

// Pending 依出隊順序回傳待處理任務的副本
func (jm *JobManager) Pending() []types.Job {
	jm.mu.Lock()
	items := make([]*item, len(jm.pending))
	copy(items, jm.pending)
	jm.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return pendingHeap(items).Less(i, j)
	})
	jobs := make([]types.Job, len(items))
	for i, it := range items {
		jobs[i] = it.job
	}
	return jobs
}

// IsActive 檢查任務是否正在執行
func (jm *JobManager) IsActive(id types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	_, ok := jm.active[id]
	return ok
}

// IsPending 檢查任務是否在待處理佇列
func (jm *JobManager) IsPending(id types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	_, ok := jm.index[id]
	return ok
}
