// 文件: pkg/evaluator/change_consumer.go
// 预警变更消费者: 把 alert-changes 上的事件同步到内存索引

package evaluator

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"pricealert/pkg/alert"
	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
)

// AlertChangeConsumer 预警变更消费者
type AlertChangeConsumer struct {
	manager *alert.AlertIndexManager
	metrics *metrics.Metrics
}

func NewAlertChangeConsumer(manager *alert.AlertIndexManager, m *metrics.Metrics) *AlertChangeConsumer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &AlertChangeConsumer{manager: manager, metrics: m}
}

// Apply 应用一条变更，可重放
//
//	CREATED / UPDATED / RESET: 先删后加 (阈值、方向可能变了)
//	DELETED: 删除并留下删除标记，写 outbox 失败的触发不会再被放回
func (c *AlertChangeConsumer) Apply(change alert.AlertChange) error {
	switch change.EventType {
	case alert.ChangeCreated, alert.ChangeUpdated, alert.ChangeReset:
		if !change.Direction.Valid() {
			return fmt.Errorf("%w: %q (alert %s)", alert.ErrInvalidDirection, change.Direction, change.AlertID)
		}
		c.manager.RemoveAlert(change.AlertID, change.Symbol)
		if err := c.manager.AddAlert(change.Entry()); err != nil {
			return fmt.Errorf("add alert %s: %w", change.AlertID, err)
		}
	case alert.ChangeDeleted:
		c.manager.DeleteAlert(change.AlertID, change.Symbol)
	default:
		return fmt.Errorf("unknown alert change type %q", change.EventType)
	}

	c.metrics.ChangesApplied.WithLabelValues(string(change.EventType)).Inc()
	logger.Debug("alert change applied",
		zap.String("event_type", string(change.EventType)),
		zap.String("alert_id", change.AlertID),
		zap.String("symbol", change.Symbol))
	return nil
}

// Handle kafka.MessageHandler
// 坏消息重试也不会成功，记日志后跳过
func (c *AlertChangeConsumer) Handle(topic string, partition int32, offset int64, key, value []byte) error {
	var change alert.AlertChange
	if err := json.Unmarshal(value, &change); err != nil {
		logger.Error("decode alert change failed",
			zap.String("topic", topic),
			zap.Int32("partition", partition),
			zap.Int64("offset", offset),
			zap.Error(err))
		return nil
	}

	if err := c.Apply(change); err != nil {
		logger.Warn("alert change skipped",
			zap.String("alert_id", change.AlertID),
			zap.Int64("offset", offset),
			zap.Error(err))
	}
	return nil
}
