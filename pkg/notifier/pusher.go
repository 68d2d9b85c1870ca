// 文件: pkg/notifier/pusher.go

package notifier

import (
	"context"

	"pricealert/pkg/alert"
)

// Pusher 实时推送 (尽力而为)
type Pusher interface {
	Push(ctx context.Context, t alert.AlertTrigger) error
}

// SubjectPublisher 按 token 发布 JSON，*nats.Publisher 实现了它
type SubjectPublisher interface {
	Publish(token string, data any) error
}

// NotificationPush 推送给客户端的消息体
type NotificationPush struct {
	AlertID        string `json:"alert_id"`
	TriggerID      string `json:"trigger_id"`
	Symbol         string `json:"symbol"`
	Direction      string `json:"direction"`
	ThresholdPrice string `json:"threshold_price"`
	TriggerPrice   string `json:"trigger_price"`
	Note           string `json:"note,omitempty"`
	TradingDate    string `json:"trading_date"`
	TriggeredAt    int64  `json:"triggered_at"` // unix ms
}

// SubjectPusher 推送到 <prefix>.<user_id>
type SubjectPusher struct {
	pub SubjectPublisher
}

func NewSubjectPusher(pub SubjectPublisher) *SubjectPusher {
	return &SubjectPusher{pub: pub}
}

func (p *SubjectPusher) Push(_ context.Context, t alert.AlertTrigger) error {
	return p.pub.Publish(t.UserID, NotificationPush{
		AlertID:        t.AlertID,
		TriggerID:      t.TriggerID,
		Symbol:         t.Symbol,
		Direction:      string(t.Direction),
		ThresholdPrice: t.ThresholdPrice.String(),
		TriggerPrice:   t.TriggerPrice.String(),
		Note:           t.Note,
		TradingDate:    t.TradingDate,
		TriggeredAt:    t.TriggeredAt.UnixMilli(),
	})
}
