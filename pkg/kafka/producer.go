// 文件: pkg/kafka/producer.go
// 通用 Kafka 生产者
//
// 特点:
// - 同步发送，broker 确认后才返回 (outbox 中继据此标记 sent)
// - 错误返回给调用方，由调用方决定重试
// - 优雅关闭
// - 支持任意消息类型 (通过 Message 接口)

package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"pricealert/pkg/logger"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("kafka: producer is closed")

// =============================================================================
// Message 接口 - 所有消息类型需实现
// =============================================================================

// Message 通用消息接口
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key (相同 key 保证顺序)
	Value() ([]byte, error) // 消息体 (序列化后的数据)
}

// =============================================================================
// Producer 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string      // Kafka broker 地址列表
	RequiredAcks int           // 确认模式: 0=不等待, 1=leader确认, -1=全部确认
	Compression  string        // 压缩方式: none, gzip, snappy, lz4, zstd
	MaxRetries   int           // sarama 内部重试次数
	Timeout      time.Duration // 等待 broker 确认的超时
	Idempotent   bool          // 开启幂等生产者 (要求 acks=-1)
}

// DefaultProducerConfig 默认配置
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:      brokers,
		RequiredAcks: -1,
		Compression:  "snappy",
		MaxRetries:   3,
		Timeout:      10 * time.Second,
	}
}

// SaramaConfig 转换为 sarama 配置
func (cfg ProducerConfig) SaramaConfig() *sarama.Config {
	sc := sarama.NewConfig()

	// 确认模式
	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case 1:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}

	// 压缩方式
	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.MaxRetries > 0 {
		sc.Producer.Retry.Max = cfg.MaxRetries
	}
	if cfg.Timeout > 0 {
		sc.Producer.Timeout = cfg.Timeout
	}
	if cfg.Idempotent {
		sc.Producer.Idempotent = true
		sc.Producer.RequiredAcks = sarama.WaitForAll
		sc.Net.MaxOpenRequests = 1
	}

	// 同步模式必须同时返回成功与失败
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// 相同 key 进同一分区
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	return sc
}

// =============================================================================
// SyncProducer 生产者
// =============================================================================

// SyncProducer 通用 Kafka 同步生产者
type SyncProducer struct {
	producer sarama.SyncProducer
	config   ProducerConfig

	// 统计
	sentCount  atomic.Int64
	errorCount atomic.Int64

	// 生命周期
	closed atomic.Bool
}

// NewSyncProducer 创建同步生产者
func NewSyncProducer(cfg ProducerConfig) (*SyncProducer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, cfg.SaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewSyncProducerFrom(producer, cfg), nil
}

// NewSyncProducerFrom 包装已有的 sarama.SyncProducer
func NewSyncProducerFrom(producer sarama.SyncProducer, cfg ProducerConfig) *SyncProducer {
	return &SyncProducer{producer: producer, config: cfg}
}

// =============================================================================
// 发送接口
// =============================================================================

// Send 发送消息，broker 确认后返回
func (p *SyncProducer) Send(ctx context.Context, msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	return p.Publish(ctx, msg.Topic(), msg.Key(), data)
}

// Publish 发送原始消息
//
// sarama 的同步发送不接受 context，这里只在发送前检查是否已取消，
// 发送本身的超时由 Producer.Timeout 控制
func (p *SyncProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(m)
	if err != nil {
		p.errorCount.Add(1)
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	p.sentCount.Add(1)

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// =============================================================================
// 统计与生命周期
// =============================================================================

// ProducerStats 统计信息
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

// Stats 获取统计信息
func (p *SyncProducer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close 关闭生产者
func (p *SyncProducer) Close() error {
	if p.closed.Swap(true) {
		return nil // 已经关闭
	}
	return p.producer.Close()
}
