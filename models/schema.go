package models

import (
	"time"

	"gorm.io/gorm"
)

// HistoryKind 历史记录类型
type HistoryKind string

const (
	HistoryRestoration HistoryKind = "restoration" // 文本标音
	HistoryExtraction  HistoryKind = "extraction"  // 图片识别 + 标音
)

// HistoryEntry 一次用户操作的历史记录（最新在前，FIFO 截断）
type HistoryEntry struct {
	ID        uint        `gorm:"primaryKey" json:"-"`
	EntryID   string      `gorm:"uniqueIndex;not null" json:"id"`
	Kind      HistoryKind `gorm:"not null" json:"kind"`
	Input     string      `json:"input"`
	Output    string      `json:"output"`
	CreatedAt time.Time   `json:"timestamp"`
}

// AttemptLog 单次上游调用记录
type AttemptLog struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Operation       string    `json:"operation"`
	Model           string    `gorm:"index" json:"model"`
	CredentialIndex int       `json:"credential_index"`
	Class           string    `json:"class"` // success / quota / unavailable / unknown
	ErrorMsg        string    `json:"error_msg,omitempty"`
	Duration        int64     `json:"duration"` // 毫秒
}

// ModelStats 模型统计信息
type ModelStats struct {
	gorm.Model
	ModelName     string  `gorm:"uniqueIndex;not null" json:"model"`
	Success       int     `gorm:"default:0" json:"success"`
	Error         int     `gorm:"default:0" json:"error"`
	QuotaErrors   int     `gorm:"default:0" json:"quota_errors"`
	TotalLatency  float64 `gorm:"default:0" json:"total_latency"` // 毫秒
	TotalRequests int64   `gorm:"default:0" json:"total_requests"`
}

// AvgLatency 平均延迟（毫秒）
func (s ModelStats) AvgLatency() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return s.TotalLatency / float64(s.TotalRequests)
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&HistoryEntry{},
		&AttemptLog{},
		&ModelStats{},
	)
}
