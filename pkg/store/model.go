// 文件: pkg/store/model.go
// 三张业务表的 GORM 模型 (表结构由外部迁移维护，这里只做映射)

package store

import (
	"time"

	"github.com/shopspring/decimal"

	"pricealert/pkg/alert"
)

// =============================================================================
// alerts
// =============================================================================

// AlertRow 用户预警
type AlertRow struct {
	ID             string          `gorm:"column:id;primaryKey;size:26"`
	UserID         string          `gorm:"column:user_id;size:26;index"`
	Symbol         string          `gorm:"column:symbol;size:10;index"`
	ThresholdPrice decimal.Decimal `gorm:"column:threshold_price;type:decimal(18,6)"`
	Direction      alert.Direction `gorm:"column:direction;size:10"`
	Note           string          `gorm:"column:note;size:255"`
	Status         alert.Status    `gorm:"column:status;size:20;index"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (AlertRow) TableName() string { return "alerts" }

// Entry 转成索引条目
func (r AlertRow) Entry() alert.AlertEntry {
	return alert.AlertEntry{
		AlertID:        r.ID,
		UserID:         r.UserID,
		Symbol:         r.Symbol,
		ThresholdPrice: r.ThresholdPrice,
		Direction:      r.Direction,
		Note:           r.Note,
	}
}

// =============================================================================
// notifications
// =============================================================================

// NotificationRow 用户通知，idempotency_key = alertId:tradingDate 唯一
type NotificationRow struct {
	ID             string          `gorm:"column:id;primaryKey;size:26"`
	AlertTriggerID string          `gorm:"column:alert_trigger_id;size:26"`
	AlertID        string          `gorm:"column:alert_id;size:26;index"`
	UserID         string          `gorm:"column:user_id;size:26;index"`
	Symbol         string          `gorm:"column:symbol;size:10"`
	ThresholdPrice decimal.Decimal `gorm:"column:threshold_price;type:decimal(18,6)"`
	TriggerPrice   decimal.Decimal `gorm:"column:trigger_price;type:decimal(18,6)"`
	Direction      alert.Direction `gorm:"column:direction;size:10"`
	Note           string          `gorm:"column:note;size:255"`
	IdempotencyKey string          `gorm:"column:idempotency_key;size:64;uniqueIndex:uk_notifications_idempotency_key"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	Read           bool            `gorm:"column:read"`
}

func (NotificationRow) TableName() string { return "notifications" }

// =============================================================================
// alert_trigger_log
// =============================================================================

// TriggerLogRow 触发审计日志，(alert_id, trading_date) 唯一
type TriggerLogRow struct {
	ID             string          `gorm:"column:id;primaryKey;size:26"`
	AlertID        string          `gorm:"column:alert_id;size:26;uniqueIndex:uk_trigger_log_alert_day,priority:1"`
	UserID         string          `gorm:"column:user_id;size:26"`
	Symbol         string          `gorm:"column:symbol;size:10"`
	ThresholdPrice decimal.Decimal `gorm:"column:threshold_price;type:decimal(18,6)"`
	TriggerPrice   decimal.Decimal `gorm:"column:trigger_price;type:decimal(18,6)"`
	TickTimestamp  time.Time       `gorm:"column:tick_timestamp"`
	TriggeredAt    time.Time       `gorm:"column:triggered_at"`
	TradingDate    string          `gorm:"column:trading_date;size:10;uniqueIndex:uk_trigger_log_alert_day,priority:2"`
}

func (TriggerLogRow) TableName() string { return "alert_trigger_log" }

// AllModels 测试建表用
func AllModels() []any {
	return []any{&AlertRow{}, &NotificationRow{}, &TriggerLogRow{}}
}
