package worker

import (
	"time"

	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	Job     types.Job     // 任務本體
	Slot    int           // 任務佔用的 slot index
	Timeout time.Duration // 執行超時時間，0 表示不限制
}

// Result 代表任務執行結果，每個 Task 恰好產生一個
type Result struct {
	Job      types.Job     // 任務本體
	Slot     int           // 任務佔用的 slot index
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Success 執行是否成功
func (r Result) Success() bool {
	return r.Error == nil
}
