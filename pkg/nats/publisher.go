// 文件: pkg/nats/publisher.go
// NATS 消息发布者
// 实时推送新通知给在线用户，尽力而为，丢失由通知表兜底

package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pricealert/pkg/logger"
)

// Conn 发布所需的连接能力，*nats.Conn 实现了它
type Conn interface {
	Publish(subj string, data []byte) error
	Drain() error
	Close()
}

// Publisher NATS 发布者
type Publisher struct {
	conn   Conn
	prefix string
}

// NewPublisher 创建发布者，subject = <prefix>.<token>
func NewPublisher(url, prefix string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("pricealert-notifier"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewPublisherWithConn(conn, prefix), nil
}

// NewPublisherWithConn 使用已有连接
func NewPublisherWithConn(conn Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject 拼出完整 subject
func (p *Publisher) Subject(token string) string {
	if p.prefix == "" {
		return token
	}
	return p.prefix + "." + token
}

// Publish 发布 JSON 消息到 <prefix>.<token>
func (p *Publisher) Publish(token string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	return p.PublishRaw(token, bytes)
}

// PublishRaw 发布原始消息
func (p *Publisher) PublishRaw(token string, data []byte) error {
	subject := p.Subject(token)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close 发送完缓冲区后关闭连接
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
