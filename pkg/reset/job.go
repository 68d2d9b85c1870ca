// 文件: pkg/reset/job.go
// 每日重置: TRIGGERED_TODAY -> ACTIVE，并为每个预警写一条 RESET 变更
//
// 状态迁移和 outbox 写入在同一个事务里，评估服务收到 RESET 后重新布防。

package reset

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"pricealert/pkg/alert"
	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
	"pricealert/pkg/outbox"
	"pricealert/pkg/store"
)

const defaultBatchSize = 500

// Result 一次执行的结果
type Result struct {
	Skipped bool // 没拿到锁
	Scanned int
	Reset   int
}

// Job 每日重置任务
type Job struct {
	db        *gorm.DB
	alerts    *store.AlertRepository
	outbox    *outbox.Repository
	lock      Locker
	batchSize int
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewJob(db *gorm.DB, lock Locker, batchSize int, m *metrics.Metrics) *Job {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Job{
		db:        db,
		alerts:    store.NewAlertRepository(db),
		outbox:    outbox.NewRepository(db),
		lock:      lock,
		batchSize: batchSize,
		metrics:   m,
		now:       time.Now,
	}
}

// Run 执行一次重置
func (j *Job) Run(ctx context.Context) (Result, error) {
	var res Result

	ok, err := j.lock.TryLock(ctx)
	if err != nil {
		return res, err
	}
	if !ok {
		logger.Info("daily reset skipped, lock held by another instance")
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := j.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release daily reset lock failed", zap.Error(err))
		}
	}()

	start := j.now()
	afterID := ""
	for {
		page, err := j.alerts.PageByStatus(ctx, alert.StatusTriggeredToday, afterID, j.batchSize)
		if err != nil {
			return res, err
		}
		if len(page) == 0 {
			break
		}
		res.Scanned += len(page)

		n, err := j.resetPage(ctx, page)
		if err != nil {
			return res, err
		}
		res.Reset += n
		j.metrics.AlertsReset.Add(float64(n))

		afterID = page[len(page)-1].ID
		if len(page) < j.batchSize {
			break
		}
	}

	logger.Info("daily reset completed",
		zap.Int("scanned", res.Scanned),
		zap.Int("reset", res.Reset),
		zap.Duration("elapsed", j.now().Sub(start)))
	return res, nil
}

// resetPage 一页一个事务；逐条条件更新，只有真正迁移的行才发 RESET
func (j *Job) resetPage(ctx context.Context, page []store.AlertRow) (int, error) {
	reset := 0
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reset = 0
		alerts := j.alerts.WithTx(tx)
		msgs := make([]*outbox.Message, 0, len(page))

		for _, row := range page {
			n, err := alerts.ReactivateTriggered(ctx, []string{row.ID})
			if err != nil {
				return err
			}
			if n == 0 {
				// 期间被删除或已经重置
				continue
			}

			change := alert.AlertChange{
				EventType:      alert.ChangeReset,
				AlertID:        row.ID,
				UserID:         row.UserID,
				Symbol:         row.Symbol,
				ThresholdPrice: row.ThresholdPrice,
				Direction:      row.Direction,
				Note:           row.Note,
				Timestamp:      j.now().UTC(),
			}
			msg, err := outbox.NewMessage(outbox.AggregateAlertChange, row.ID, change)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
			reset++
		}
		return j.outbox.CreateWithTx(ctx, tx, msgs...)
	})
	if err != nil {
		return 0, fmt.Errorf("reset page starting at %s: %w", page[0].ID, err)
	}
	return reset, nil
}
