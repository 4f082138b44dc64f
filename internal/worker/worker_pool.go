// ============================================================================
// Slot Dispatcher Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行（數量 = slot 數量）
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 回報完成訊息（每個任務恰好一次）
//
// 架構組件:
//   ┌─────────────┐
//   │ Dispatcher  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 並發控制:
//   - taskCh / resultCh 緩衝大小 = slot 數量
//     執行中任務數 ≤ slot 數量，因此 Submit 與回報結果都不會阻塞
//   - RWMutex: Submit 持讀鎖發送，Stop 持寫鎖關閉，避免向已關閉 channel 發送
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//
// 優雅關閉:
//   Stop() 流程：
//   1. 關閉 taskCh，不再接受新任務
//   2. Worker 處理完緩衝中的任務後退出
//   3. WaitGroup.Wait() 等待所有 Worker 完成
//   4. 關閉 resultCh
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // Worker 列表
	exec     Executor       // 所有 Worker 共用的執行器
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool           // 是否已啟動
	stopped  bool           // 是否已停止
	mu       sync.RWMutex   // 保護 started、stopped 與 taskCh 的關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小，應不小於 slot 數量
//   - exec: 執行任務的 Executor
func NewPool(bufferSize int, exec Executor) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Pool{
		workers:  make([]*Worker, 0),
		exec:     exec,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
	}
}

// Start 啟動指定數量的 Worker
//
// 返回值：
//   - error: 如果 Pool 已啟動或已停止則返回錯誤
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.exec, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 持有讀鎖直到發送完成，Stop 必須等待發送結束才能關閉 taskCh
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.taskCh <- task
	return nil
}

// Results 回傳結果通道，Stop 後會被關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult 從結果通道接收執行結果
//
// 返回值：
//   - Result: 任務執行結果
//   - error: 如果 Pool 已關閉且無剩餘結果則返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 已提交的任務仍會執行完畢，其結果在 resultCh 關閉前可被讀取
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.taskCh)
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
