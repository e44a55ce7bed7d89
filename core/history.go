package core

import (
	"context"
	"fmt"
	"tashkeel-gateway/models"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultHistoryLimit 默认保留的历史条数
const DefaultHistoryLimit = 50

// HistoryStore 操作历史（最新在前，超过上限时删除最旧的记录）
type HistoryStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	limit  int
}

func NewHistoryStore(db *gorm.DB, logger *logrus.Logger, limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryStore{db: db, logger: logger, limit: limit}
}

// Limit 返回保留上限
func (h *HistoryStore) Limit() int {
	return h.limit
}

// Append 追加一条记录并截断到上限
func (h *HistoryStore) Append(ctx context.Context, kind models.HistoryKind, input, output string) (models.HistoryEntry, error) {
	entry := models.HistoryEntry{
		EntryID:   uuid.NewString(),
		Kind:      kind,
		Input:     input,
		Output:    output,
		CreatedAt: time.Now(),
	}
	if err := h.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return models.HistoryEntry{}, fmt.Errorf("failed to append history: %w", err)
	}
	h.prune(ctx)
	return entry, nil
}

// List 按时间倒序返回最多 limit 条记录，limit<=0 时返回全部
func (h *HistoryStore) List(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	q := h.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return entries, nil
}

// Clear 清空全部历史
func (h *HistoryStore) Clear(ctx context.Context) error {
	if err := h.db.WithContext(ctx).Where("1 = 1").Delete(&models.HistoryEntry{}).Error; err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	h.logger.Info("🧹 History cleared")
	return nil
}

// prune 严格清理：只保留最新的 limit 条
func (h *HistoryStore) prune(ctx context.Context) {
	var count int64
	h.db.WithContext(ctx).Model(&models.HistoryEntry{}).Count(&count)
	if count <= int64(h.limit) {
		return
	}
	var pivotID uint
	// 第 limit+1 新的记录 ID，比它旧（含）的全部删除
	h.db.WithContext(ctx).Model(&models.HistoryEntry{}).Select("id").Order("id desc").Offset(h.limit).Limit(1).Scan(&pivotID)
	if pivotID == 0 {
		return
	}
	if err := h.db.WithContext(ctx).Where("id <= ?", pivotID).Delete(&models.HistoryEntry{}).Error; err != nil {
		h.logger.Errorf("Failed to prune history: %v", err)
	}
}
