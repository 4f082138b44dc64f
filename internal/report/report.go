// ============================================================================
// Slot Dispatcher Report - 排空報告持久化
// ============================================================================
//
// Package: internal/report
// 文件: report.go
// 功能: 將每次排空的 Report 以 JSON 寫入磁碟，供 CI 或後續分析讀取
//
// 原子寫入:
//   1. 寫入臨時檔案 (report.json.tmp)
//   2. os.Rename 原子替換 (POSIX 保證)
//   寫入中途崩潰時，舊檔案保持完整
//
// 檔案格式:
//   {
//     "schema_version": 1,
//     "written_at": "2026-01-02T15:04:05Z",
//     "report": { "capacity": 100, "executed": 100, ... }
//   }
//
// ============================================================================

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
)

// SchemaVersion 目前的檔案格式版本
const SchemaVersion = 1

var (
	// ErrCorruptedReport 檔案無法解析
	ErrCorruptedReport = errors.New("report file is corrupted")
	// ErrIncompatibleVersion 版本不相容
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	// ErrReportNotFound 檔案不存在
	ErrReportNotFound = errors.New("report file not found")
)

// File 磁碟上的報告格式
type File struct {
	SchemaVersion int          `json:"schema_version"`
	WrittenAt     time.Time    `json:"written_at"`
	Report        types.Report `json:"report"`
}

// Manager 報告檔案管理器
type Manager struct {
	path string     // 報告檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 創建報告管理器
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子寫入報告
func (m *Manager) Write(r types.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(File{
		SchemaVersion: SchemaVersion,
		WrittenAt:     time.Now().UTC(),
		Report:        r,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}

	return nil
}

// Load 讀取報告
func (m *Manager) Load() (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var f File
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, ErrReportNotFound
		}
		return f, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if f.SchemaVersion != SchemaVersion {
		return f, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, f.SchemaVersion, SchemaVersion)
	}

	return f, nil
}

// Exists 檢查報告是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 報告檔案路徑
func (m *Manager) Path() string {
	return m.path
}
