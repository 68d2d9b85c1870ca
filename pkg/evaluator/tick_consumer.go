// 文件: pkg/evaluator/tick_consumer.go
// 行情消费者: 求值 -> 写 outbox -> 异步更新状态
//
// 行情以 symbol 为分区 key，同一 symbol 在一个分区内顺序处理。

package evaluator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"pricealert/pkg/alert"
	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
)

// Scheduler 触发的持久化投递 (由 TriggerScheduler 实现)
type Scheduler interface {
	Schedule(ctx context.Context, triggers []alert.AlertTrigger) error
}

// StatusMarker 第一层去重 (由 AlertStatusUpdater 实现)
type StatusMarker interface {
	MarkTriggeredToday(triggers []alert.AlertTrigger)
}

// MarketTickConsumer 行情消费者
type MarketTickConsumer struct {
	engine    *alert.EvaluationEngine
	scheduler Scheduler
	status    StatusMarker
	metrics   *metrics.Metrics
	timeout   time.Duration
}

func NewMarketTickConsumer(engine *alert.EvaluationEngine, scheduler Scheduler, status StatusMarker, m *metrics.Metrics) *MarketTickConsumer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &MarketTickConsumer{
		engine:    engine,
		scheduler: scheduler,
		status:    status,
		metrics:   m,
		timeout:   10 * time.Second,
	}
}

// Handle kafka.MessageHandler
//
// 返回错误只有一种情况: 触发没能写入 outbox。此时触发已经重新放回索引，
// 消费者重试时同样的行情会再次触发。
func (c *MarketTickConsumer) Handle(topic string, partition int32, offset int64, key, value []byte) error {
	var tick alert.MarketTick
	if err := json.Unmarshal(value, &tick); err != nil {
		c.metrics.TicksSkipped.Inc()
		logger.Warn("decode market tick failed",
			zap.Int32("partition", partition),
			zap.Int64("offset", offset),
			zap.Error(err))
		return nil
	}
	if !tick.IsTick() || tick.Symbol == "" {
		c.metrics.TicksSkipped.Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	_, err := c.Process(ctx, tick)
	return err
}

// Process 处理一笔行情，返回已经成功写入 outbox 的触发
func (c *MarketTickConsumer) Process(ctx context.Context, tick alert.MarketTick) ([]alert.AlertTrigger, error) {
	ts := tick.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	triggers := c.engine.Evaluate(tick.Symbol, tick.Price, ts)
	c.metrics.TicksProcessed.Inc()
	if len(triggers) == 0 {
		return nil, nil
	}

	if err := c.scheduler.Schedule(ctx, triggers); err != nil {
		rearmed := c.engine.Rearm(triggers)
		c.metrics.TriggersRearmed.Add(float64(rearmed))
		logger.Error("schedule triggers failed, alerts rearmed",
			zap.String("symbol", tick.Symbol),
			zap.Int("count", len(triggers)),
			zap.Int("rearmed", rearmed),
			zap.Error(err))
		return nil, err
	}

	c.metrics.AlertsTriggered.Add(float64(len(triggers)))
	for _, t := range triggers {
		logger.Info("alert triggered",
			zap.String("trigger_id", t.TriggerID),
			zap.String("alert_id", t.AlertID),
			zap.String("user_id", t.UserID),
			zap.String("symbol", t.Symbol),
			zap.String("direction", string(t.Direction)),
			zap.String("threshold", t.ThresholdPrice.String()),
			zap.String("price", t.TriggerPrice.String()),
			zap.String("trading_date", t.TradingDate))
	}

	c.status.MarkTriggeredToday(triggers)
	return triggers, nil
}
