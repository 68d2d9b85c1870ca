// 文件: pkg/notifier/consumer.go
// alert-triggers 消费者: 落库去重，新通知实时推送

package notifier

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"pricealert/pkg/alert"
	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
)

// TriggerConsumer 触发消费者
type TriggerConsumer struct {
	persistence *PersistenceService
	pusher      Pusher // 可为 nil
	metrics     *metrics.Metrics
	timeout     time.Duration
}

func NewTriggerConsumer(persistence *PersistenceService, pusher Pusher, m *metrics.Metrics) *TriggerConsumer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &TriggerConsumer{
		persistence: persistence,
		pusher:      pusher,
		metrics:     m,
		timeout:     10 * time.Second,
	}
}

// Handle kafka.MessageHandler
// 数据库错误向上返回，由消费者退避重试；重试是安全的，重复会被唯一键吸收
func (c *TriggerConsumer) Handle(topic string, partition int32, offset int64, key, value []byte) error {
	var t alert.AlertTrigger
	if err := json.Unmarshal(value, &t); err != nil {
		logger.Error("decode alert trigger failed",
			zap.Int32("partition", partition),
			zap.Int64("offset", offset),
			zap.Error(err))
		return nil
	}
	if t.AlertID == "" || t.TradingDate == "" {
		logger.Warn("alert trigger missing dedup key, skipped",
			zap.String("trigger_id", t.TriggerID),
			zap.Int64("offset", offset))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Process(ctx, t)
}

// Process 落库并推送
func (c *TriggerConsumer) Process(ctx context.Context, t alert.AlertTrigger) error {
	fresh, err := c.persistence.Persist(ctx, t)
	if err != nil {
		return err
	}

	if !fresh {
		c.metrics.NotificationsDeduplicated.Inc()
		logger.Info("duplicate trigger ignored",
			zap.String("trigger_id", t.TriggerID),
			zap.String("idempotency_key", t.IdempotencyKey()))
		return nil
	}

	c.metrics.NotificationsPersisted.Inc()
	logger.Info("notification persisted",
		zap.String("alert_id", t.AlertID),
		zap.String("user_id", t.UserID),
		zap.String("trading_date", t.TradingDate))

	if c.pusher != nil {
		if err := c.pusher.Push(ctx, t); err != nil {
			logger.Warn("push notification failed", zap.String("alert_id", t.AlertID), zap.Error(err))
		} else {
			c.metrics.NotificationsPushed.Inc()
		}
	}
	return nil
}
