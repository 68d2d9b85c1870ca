// 文件: pkg/notifier/persistence.go
// 触发落库: 第二层 (通知幂等键) + 第三层 (触发日志唯一键) 去重
//
// 同一个 alert 同一个交易日只会留下第一条通知，后到的触发 (重复投递、
// 多实例并发、重置前的残留) 都在这里被吸收，先写入者的价格保留。

package notifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"pricealert/pkg/alert"
	"pricealert/pkg/logger"
	"pricealert/pkg/store"
)

// IDGenerator 通知与日志的主键生成
type IDGenerator interface {
	NextID() string
}

// PersistenceService 通知持久化
type PersistenceService struct {
	db  *gorm.DB
	ids IDGenerator
}

func NewPersistenceService(db *gorm.DB, ids IDGenerator) *PersistenceService {
	return &PersistenceService{db: db, ids: ids}
}

// Persist 一个事务内写通知和触发日志，返回这次是不是第一次落库
//
// fresh 以通知插入是否真的写入了一行为准；触发日志冲突只记日志
func (s *PersistenceService) Persist(ctx context.Context, t alert.AlertTrigger) (fresh bool, err error) {
	notification := &store.NotificationRow{
		ID:             s.ids.NextID(),
		AlertTriggerID: t.TriggerID,
		AlertID:        t.AlertID,
		UserID:         t.UserID,
		Symbol:         t.Symbol,
		ThresholdPrice: t.ThresholdPrice,
		TriggerPrice:   t.TriggerPrice,
		Direction:      t.Direction,
		Note:           t.Note,
		IdempotencyKey: t.IdempotencyKey(),
		CreatedAt:      t.TriggeredAt.UTC(),
	}
	logRow := &store.TriggerLogRow{
		ID:             s.ids.NextID(),
		AlertID:        t.AlertID,
		UserID:         t.UserID,
		Symbol:         t.Symbol,
		ThresholdPrice: t.ThresholdPrice,
		TriggerPrice:   t.TriggerPrice,
		TickTimestamp:  t.TickTimestamp.UTC(),
		TriggeredAt:    t.TriggeredAt.UTC(),
		TradingDate:    t.TradingDate,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := store.NewNotificationRepository(tx).InsertIfAbsent(ctx, notification)
		if err != nil {
			return err
		}
		logged, err := store.NewTriggerLogRepository(tx).InsertIfAbsent(ctx, logRow)
		if err != nil {
			return err
		}
		if inserted != logged {
			logger.Warn("notification and trigger log disagree on duplicate",
				zap.String("alert_id", t.AlertID),
				zap.String("trading_date", t.TradingDate),
				zap.Bool("notification_inserted", inserted),
				zap.Bool("log_inserted", logged))
		}
		fresh = inserted
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("persist trigger %s: %w", t.TriggerID, err)
	}
	return fresh, nil
}
