package core

import (
	"context"
	"fmt"
	"sync"
	"tashkeel-gateway/models"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxAttemptLogs 数据库中保留的尝试记录条数
const maxAttemptLogs = 1000

// AsyncAttemptLogger 异步尝试记录器
// 实现 AttemptObserver：搜索循环只做一次非阻塞投递，落库和统计在后台完成
type AsyncAttemptLogger struct {
	db        *gorm.DB
	logChan   chan *models.AttemptLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewAsyncAttemptLogger 创建并启动后台 Worker
func NewAsyncAttemptLogger(db *gorm.DB, logger *logrus.Logger) *AsyncAttemptLogger {
	l := &AsyncAttemptLogger{
		db:        db,
		logChan:   make(chan *models.AttemptLog, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,             // 批量插入大小
		flushTime: 5 * time.Second, // 最长等待时间
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// ObserveAttempt 提交记录到队列
func (l *AsyncAttemptLogger) ObserveAttempt(rec AttemptRecord) {
	entry := &models.AttemptLog{
		CreatedAt:       time.Now(),
		Operation:       rec.Operation,
		Model:           rec.Model,
		CredentialIndex: rec.CredentialIndex,
		Class:           "success",
		Duration:        rec.Duration.Milliseconds(),
	}
	if !rec.Success {
		entry.Class = rec.Class.String()
		entry.ErrorMsg = truncate(rec.Message, 500)
	}

	select {
	case l.logChan <- entry:
	default:
		// 队列满了直接丢弃，不阻塞请求
		l.logger.Warn("Attempt log channel full, dropping record")
	}
}

// Stats 返回各模型的统计
func (l *AsyncAttemptLogger) Stats(ctx context.Context) ([]models.ModelStats, error) {
	var stats []models.ModelStats
	if err := l.db.WithContext(ctx).Order("model_name asc").Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("failed to load model stats: %w", err)
	}
	return stats, nil
}

func (l *AsyncAttemptLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

func (l *AsyncAttemptLogger) workerLoop() {
	var batch []*models.AttemptLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case entry := <-l.logChan:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前把队列里剩余的也取出来
			for {
				select {
				case entry := <-l.logChan:
					batch = append(batch, entry)
				default:
					if len(batch) > 0 {
						l.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush 批量写入并更新统计
func (l *AsyncAttemptLogger) flush(entries []*models.AttemptLog) {
	if len(entries) == 0 {
		return
	}
	l.logger.Debugf("[AttemptLogger] Flushing %d records to DB...", len(entries))

	if err := l.db.CreateInBatches(entries, len(entries)).Error; err != nil {
		l.logger.Errorf("[AttemptLogger] Failed to flush records: %v", err)
	}
	l.prune()

	type statDelta struct {
		Success      int
		Error        int
		Quota        int
		TotalLatency float64
		Requests     int64
	}
	deltas := make(map[string]*statDelta)
	for _, e := range entries {
		d, ok := deltas[e.Model]
		if !ok {
			d = &statDelta{}
			deltas[e.Model] = d
		}
		d.Requests++
		d.TotalLatency += float64(e.Duration)
		switch e.Class {
		case "success":
			d.Success++
		case FailureQuota.String():
			d.Error++
			d.Quota++
		default:
			d.Error++
		}
	}

	for model, d := range deltas {
		var stat models.ModelStats
		err := l.db.Where("model_name = ?", model).First(&stat).Error
		if err == nil {
			stat.Success += d.Success
			stat.Error += d.Error
			stat.QuotaErrors += d.Quota
			stat.TotalLatency += d.TotalLatency
			stat.TotalRequests += d.Requests
			if err := l.db.Save(&stat).Error; err != nil {
				l.logger.Errorf("[AttemptLogger] Failed to update stats for %s: %v", model, err)
			}
			continue
		}
		stat = models.ModelStats{
			ModelName:     model,
			Success:       d.Success,
			Error:         d.Error,
			QuotaErrors:   d.Quota,
			TotalLatency:  d.TotalLatency,
			TotalRequests: d.Requests,
		}
		if err := l.db.Create(&stat).Error; err != nil {
			l.logger.Errorf("[AttemptLogger] Failed to create stats for %s: %v", model, err)
		}
	}
}

// prune 只保留最新的 maxAttemptLogs 条
func (l *AsyncAttemptLogger) prune() {
	var count int64
	l.db.Model(&models.AttemptLog{}).Count(&count)
	if count <= maxAttemptLogs {
		return
	}
	var pivotID uint
	l.db.Model(&models.AttemptLog{}).Select("id").Order("id desc").Offset(maxAttemptLogs).Limit(1).Scan(&pivotID)
	if pivotID > 0 {
		l.db.Where("id <= ?", pivotID).Delete(&models.AttemptLog{})
	}
}

// Close 刷新剩余记录并停止 Worker，可重复调用
func (l *AsyncAttemptLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}

// truncate 按字节截断，退回到完整字符边界
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}
