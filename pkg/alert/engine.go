package alert

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealert/pkg/logger"
)

// IDGenerator 触发 ID 生成器 (全局唯一、按时间有序)
type IDGenerator interface {
	NextID() string
}

// EvaluationEngine 行情求值引擎
//
// 唯一产生 AlertTrigger 的地方。除了 (委托给索引的) 删除以外没有副作用，
// 不同 symbol 可以并发调用。
type EvaluationEngine struct {
	manager *AlertIndexManager
	ids     IDGenerator
	now     func() time.Time
}

// EngineOption 引擎选项
type EngineOption func(*EvaluationEngine)

// WithClock 替换时钟 (测试用)
func WithClock(now func() time.Time) EngineOption {
	return func(e *EvaluationEngine) { e.now = now }
}

func NewEvaluationEngine(manager *AlertIndexManager, ids IDGenerator, opts ...EngineOption) *EvaluationEngine {
	e := &EvaluationEngine{
		manager: manager,
		ids:     ids,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate 对一笔行情求值
//  1. symbol 没有索引 -> 空 (从没有过预警，不是错误)
//  2. 索引求值，没有触发 -> 空
//  3. 每个触发条目生成一个 AlertTrigger
//
// 返回顺序不保证
func (e *EvaluationEngine) Evaluate(symbol string, newPrice decimal.Decimal, tickTimestamp time.Time) []AlertTrigger {
	idx := e.manager.Get(symbol)
	if idx == nil {
		return nil
	}

	fired, prev := idx.evaluate(newPrice)
	if len(fired) == 0 {
		return nil
	}

	tradingDate := TradingDate(tickTimestamp)
	triggers := make([]AlertTrigger, 0, len(fired))
	for _, entry := range fired {
		trigger, err := e.buildTrigger(entry, newPrice, tickTimestamp, tradingDate)
		if err != nil {
			// 单个条目失败不影响同一笔行情的其他条目
			logger.Error("build alert trigger failed",
				zap.String("alert_id", entry.AlertID),
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		trigger.prev = prev
		triggers = append(triggers, trigger)
	}
	return triggers
}

func (e *EvaluationEngine) buildTrigger(entry AlertEntry, price decimal.Decimal, tickTimestamp time.Time, tradingDate string) (trigger AlertTrigger, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return AlertTrigger{
		TriggerID:      e.ids.NextID(),
		AlertID:        entry.AlertID,
		UserID:         entry.UserID,
		Symbol:         entry.Symbol,
		ThresholdPrice: entry.ThresholdPrice,
		TriggerPrice:   price,
		Direction:      entry.Direction,
		Note:           entry.Note,
		TickTimestamp:  tickTimestamp,
		TriggeredAt:    e.now(),
		TradingDate:    tradingDate,
	}, nil
}

// Rearm 把没能落盘的触发重新放回索引，返回放回的数量
//
// 同一笔行情重放时会再次触发: ABOVE / BELOW 靠阈值本身，CROSS 靠回滚 lastPrice。
// 期间已被 DELETED 事件删除的预警不会放回。
func (e *EvaluationEngine) Rearm(triggers []AlertTrigger) int {
	bySymbol := make(map[string][]AlertTrigger)
	for _, t := range triggers {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	rearmed := 0
	for symbol, group := range bySymbol {
		entries := make([]AlertEntry, 0, len(group))
		for _, t := range group {
			if !t.Direction.Valid() {
				logger.Error("rearm alert failed", zap.String("alert_id", t.AlertID),
					zap.Error(ErrInvalidDirection))
				continue
			}
			entries = append(entries, t.Entry())
		}
		n := e.manager.GetOrCreate(symbol).Rearm(entries, group[0].prev, group[0].TriggerPrice)
		if n < len(group) {
			logger.Info("deleted alerts not rearmed",
				zap.String("symbol", symbol),
				zap.Int("skipped", len(group)-n))
		}
		rearmed += n
	}
	return rearmed
}
