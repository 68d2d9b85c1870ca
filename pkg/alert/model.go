package alert

import (
	"encoding/json"
	"errors"
	"time"
	_ "time/tzdata" // 容器里可能没有 zoneinfo

	"github.com/shopspring/decimal"
)

// =============================================================================
// Topic
// =============================================================================

const (
	TopicMarketTicks   = "market-ticks"
	TopicAlertChanges  = "alert-changes"
	TopicAlertTriggers = "alert-triggers"
)

// TickType 行情消息的类型标识，其余类型 (心跳等) 直接忽略
const TickType = "TICK"

// ExchangeTimezone 交易所所在时区，交易日按此时区切分
const ExchangeTimezone = "America/New_York"

var exchangeLocation = mustLoadLocation(ExchangeTimezone)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// ExchangeLocation 返回交易所时区
func ExchangeLocation() *time.Location {
	return exchangeLocation
}

// TradingDate 行情时间戳在交易所时区下的日历日 (去重分区键)
// 注意：不是处理时的墙钟日期
func TradingDate(tickTimestamp time.Time) string {
	return tickTimestamp.In(exchangeLocation).Format(time.DateOnly)
}

// =============================================================================
// 枚举
// =============================================================================

// ErrInvalidDirection 非法的预警方向
var ErrInvalidDirection = errors.New("alert: invalid direction")

// Direction 预警方向
type Direction string

const (
	DirectionAbove Direction = "ABOVE" // 价格 >= 阈值
	DirectionBelow Direction = "BELOW" // 价格 <= 阈值
	DirectionCross Direction = "CROSS" // 价格从阈值一侧跳到另一侧
)

// Valid 是否为已知方向
func (d Direction) Valid() bool {
	switch d {
	case DirectionAbove, DirectionBelow, DirectionCross:
		return true
	}
	return false
}

func (d Direction) String() string { return string(d) }

// Status 预警在存储中的状态
// ACTIVE -> TRIGGERED_TODAY -> ACTIVE (每日重置)，或 -> DELETED (终态)
type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusTriggeredToday Status = "TRIGGERED_TODAY"
	StatusDeleted        Status = "DELETED"
)

// ChangeType 预警变更事件类型
type ChangeType string

const (
	ChangeCreated ChangeType = "CREATED"
	ChangeUpdated ChangeType = "UPDATED"
	ChangeDeleted ChangeType = "DELETED"
	ChangeReset   ChangeType = "RESET"
)

// =============================================================================
// AlertEntry 索引里的预警 (只保留匹配相关字段)
// =============================================================================

// AlertEntry 不可变值对象
type AlertEntry struct {
	AlertID        string
	UserID         string
	Symbol         string
	ThresholdPrice decimal.Decimal
	Direction      Direction
	Note           string
}

// =============================================================================
// 消息体
// =============================================================================

// MarketTick 行情 (market-ticks)
type MarketTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type,omitempty"`
}

// IsTick 上游用 type 字段区分行情和其他消息，缺省视为行情
func (t MarketTick) IsTick() bool {
	return t.Type == "" || t.Type == TickType
}

// AlertChange 预警生命周期事件 (alert-changes)
type AlertChange struct {
	EventType      ChangeType      `json:"event_type"`
	AlertID        string          `json:"alert_id"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	ThresholdPrice decimal.Decimal `json:"threshold_price"`
	Direction      Direction       `json:"direction"`
	Note           string          `json:"note,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Entry 从事件还原索引条目
func (c AlertChange) Entry() AlertEntry {
	return AlertEntry{
		AlertID:        c.AlertID,
		UserID:         c.UserID,
		Symbol:         c.Symbol,
		ThresholdPrice: c.ThresholdPrice,
		Direction:      c.Direction,
		Note:           c.Note,
	}
}

func (c AlertChange) Topic() string { return TopicAlertChanges }

// Key 按 symbol 分区，保证同一 symbol (也就同一 alert) 的事件有序
func (c AlertChange) Key() string { return c.Symbol }

func (c AlertChange) Value() ([]byte, error) { return json.Marshal(c) }

// AlertTrigger 预警触发事件 (alert-triggers)
type AlertTrigger struct {
	TriggerID      string          `json:"trigger_id"`
	AlertID        string          `json:"alert_id"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	ThresholdPrice decimal.Decimal `json:"threshold_price"`
	TriggerPrice   decimal.Decimal `json:"trigger_price"`
	Direction      Direction       `json:"direction"`
	Note           string          `json:"note,omitempty"`
	TickTimestamp  time.Time       `json:"tick_timestamp"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	TradingDate    string          `json:"trading_date"`

	// 求值前的 lastPrice，只在本进程内给 Rearm 用，不序列化
	prev PriceMark
}

func (t AlertTrigger) Topic() string { return TopicAlertTriggers }

// Key 按用户分区
func (t AlertTrigger) Key() string { return t.UserID }

func (t AlertTrigger) Value() ([]byte, error) { return json.Marshal(t) }

// IdempotencyKey 通知去重键: alertId:tradingDate
func (t AlertTrigger) IdempotencyKey() string {
	return t.AlertID + ":" + t.TradingDate
}

// Entry 触发事件还原为索引条目 (重新布防用)
func (t AlertTrigger) Entry() AlertEntry {
	return AlertEntry{
		AlertID:        t.AlertID,
		UserID:         t.UserID,
		Symbol:         t.Symbol,
		ThresholdPrice: t.ThresholdPrice,
		Direction:      t.Direction,
		Note:           t.Note,
	}
}
