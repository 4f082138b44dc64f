// Package types 定義了 slot-dispatcher 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// Job 任務結構，代表系統中的一個工作單元
// 建立後不可變，以值傳遞進入佇列
type Job struct {
	ID       JobID  `json:"id" yaml:"id"`             // 任務唯一識別碼
	Label    string `json:"label" yaml:"label"`       // 顯示用名稱
	Priority int    `json:"priority" yaml:"priority"` // 優先權，數值越大越先執行
}

func (j Job) String() string {
	return fmt.Sprintf("%s(p=%d)", j.ID, j.Priority)
}

// Stats 各狀態任務的即時統計
type Stats struct {
	Pending  int `json:"pending"`  // 等待中的任務數
	Active   int `json:"active"`   // 佔用 slot 的任務數
	Capacity int `json:"capacity"` // 佇列容量
}

// Report 一次排空（drain）後的執行報告
type Report struct {
	Capacity  int           `json:"capacity"`   // slot 數量
	Executed  int           `json:"executed"`   // 執行完成的任務數（含失敗）
	Failed    int           `json:"failed"`     // 執行失敗的任務數
	Rejected  int           `json:"rejected"`   // 入隊被拒絕的次數
	SlotWaits int           `json:"slot_waits"` // slot 用盡而等待的次數
	Elapsed   time.Duration `json:"elapsed_ns"` // 自 Run 開始的牆鐘時間
}
