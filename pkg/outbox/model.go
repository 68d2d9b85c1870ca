// 文件: pkg/outbox/model.go
// 本地消息表: 与业务写入同事务落库，再由 Relay 异步投递到 Kafka

package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status 消息状态
type Status string

const (
	StatusPending    Status = "pending"    // 待发送
	StatusProcessing Status = "processing" // 已被某个实例认领
	StatusSent       Status = "sent"       // 已发送
	StatusFailed     Status = "failed"     // 超过重试上限
)

// 聚合类型
const (
	AggregateAlertTrigger = "alert_trigger"
	AggregateAlertChange  = "alert_change"
)

// DefaultMaxRetries 默认最大重试次数
const DefaultMaxRetries = 10

// Message outbox_messages 表
type Message struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	MessageID     string `gorm:"size:64;uniqueIndex;not null"`
	Topic         string `gorm:"size:100;not null"`
	PartitionKey  string `gorm:"size:100;not null"`
	Payload       []byte `gorm:"not null"`
	AggregateType string `gorm:"size:50;not null;index:idx_outbox_aggregate"`
	AggregateID   string `gorm:"size:64;not null;index:idx_outbox_aggregate"`
	Status        Status `gorm:"size:20;not null;default:'pending';index:idx_outbox_status_created"`
	RetryCount    int    `gorm:"not null;default:0"`
	MaxRetries    int    `gorm:"not null;default:10"`
	LastError     string `gorm:"size:500"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli;index:idx_outbox_status_created"`
	UpdatedAt     int64  `gorm:"autoUpdateTime:milli"`
	SentAt        int64
}

func (Message) TableName() string { return "outbox_messages" }

// Event 可以写入 outbox 的事件 (与 kafka.Message 同形)
type Event interface {
	Topic() string
	Key() string
	Value() ([]byte, error)
}

// NewMessage 从事件构造待发送消息
func NewMessage(aggregateType, aggregateID string, ev Event) (*Message, error) {
	payload, err := ev.Value()
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", aggregateType, aggregateID, err)
	}
	now := time.Now().UnixMilli()
	return &Message{
		MessageID:     uuid.NewString(),
		Topic:         ev.Topic(),
		PartitionKey:  ev.Key(),
		Payload:       payload,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Status:        StatusPending,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Decode 反序列化消息体
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}
