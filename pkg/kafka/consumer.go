// 文件: pkg/kafka/consumer.go
// 通用 Kafka 消费者池
//
// 特点:
// - 消费者组支持，一个池 = N 个组成员，各自消费分配到的分区
// - 同一分区内顺序处理 (行情与变更都以 symbol 为 key)
// - 处理失败按退避重试；RetryUntilSuccess 时一直重试且不提交 offset，否则重试耗尽后跳过
// - 优雅关闭: 等待正在处理的消息完成

package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"pricealert/pkg/logger"
)

// =============================================================================
// Consumer 配置
// =============================================================================

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers        []string      // Kafka broker 地址列表
	GroupID        string        // 消费者组 ID
	Topics         []string      // 订阅的 topics
	Concurrency    int           // 组成员数量
	OffsetInitial  int64         // 初始 offset: -1=newest, -2=oldest
	AutoCommit     bool          // 是否自动提交 offset
	HandlerRetries int           // 处理失败后的重试次数
	RetryBackoff   time.Duration // 首次重试间隔，之后翻倍
	MaxBackoff     time.Duration // 重试间隔上限

	// RetryUntilSuccess 处理器返回错误时一直重试到成功或会话结束，
	// 失败的消息不会被标记，重新分配后从它开始重新投递
	RetryUntilSuccess bool
}

// 初始 offset
const (
	OffsetNewest = sarama.OffsetNewest
	OffsetOldest = sarama.OffsetOldest
)

// DefaultConsumerConfig 默认配置
func DefaultConsumerConfig(brokers []string, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topics:         topics,
		Concurrency:    1,
		OffsetInitial:  sarama.OffsetNewest,
		AutoCommit:     true,
		HandlerRetries: 3,
		RetryBackoff:   200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

func (c ConsumerConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = c.OffsetInitial
	sc.Consumer.Offsets.AutoCommit.Enable = c.AutoCommit
	sc.Consumer.Return.Errors = true
	return sc
}

// =============================================================================
// MessageHandler 消息处理器
// =============================================================================

// MessageHandler 消息处理函数
type MessageHandler func(topic string, partition int32, offset int64, key, value []byte) error

// =============================================================================
// Consumer 消费者池
// =============================================================================

// Consumer 通用 Kafka 消费者池
type Consumer struct {
	members []sarama.ConsumerGroup
	config  ConsumerConfig
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者池，此时还未开始消费
func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	members := make([]sarama.ConsumerGroup, 0, cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, cfg.saramaConfig())
		if err != nil {
			for _, m := range members {
				_ = m.Close()
			}
			return nil, fmt.Errorf("create consumer group %s member %d: %w", cfg.GroupID, i, err)
		}
		members = append(members, group)
	}

	return newConsumer(cfg, handler, members), nil
}

func newConsumer(cfg ConsumerConfig, handler MessageHandler, members []sarama.ConsumerGroup) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		members: members,
		config:  cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动所有组成员
func (c *Consumer) Start() {
	for i, member := range c.members {
		c.wg.Add(2)
		go c.consume(i, member)
		go c.drainErrors(member)
	}
	logger.Info("kafka consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics),
		zap.Int("concurrency", len(c.members)))
}

func (c *Consumer) consume(idx int, member sarama.ConsumerGroup) {
	defer c.wg.Done()

	h := &consumerGroupHandler{
		handler:      c.handler,
		retries:      c.config.HandlerRetries,
		backoff:      c.config.RetryBackoff,
		maxBackoff:   c.config.MaxBackoff,
		untilSuccess: c.config.RetryUntilSuccess,
	}
	for {
		// 每次 rebalance 后 Consume 返回，需要重新加入
		if err := member.Consume(c.ctx, c.config.Topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			logger.Error("kafka consume error",
				zap.String("group", c.config.GroupID),
				zap.Int("member", idx),
				zap.Error(err))
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) drainErrors(member sarama.ConsumerGroup) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case err, ok := <-member.Errors():
			if !ok {
				return
			}
			logger.Warn("kafka consumer group error", zap.String("group", c.config.GroupID), zap.Error(err))
		}
	}
}

// Stop 停止消费，等待处理中的消息完成
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for _, m := range c.members {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("kafka consumer stopped", zap.String("group", c.config.GroupID))
	return errors.Join(errs...)
}

// =============================================================================
// Sarama ConsumerGroupHandler 实现
// =============================================================================

type consumerGroupHandler struct {
	handler      MessageHandler
	retries      int
	backoff      time.Duration
	maxBackoff   time.Duration
	untilSuccess bool
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(ctx, msg); err != nil {
				if h.untilSuccess {
					// 只有会话结束才会走到这里，不标记，交给下一个会话重新投递
					logger.Warn("kafka handle interrupted, message left uncommitted",
						zap.String("topic", msg.Topic),
						zap.Int32("partition", msg.Partition),
						zap.Int64("offset", msg.Offset),
						zap.Error(err))
					return nil
				}
				logger.Error("kafka handle error, skipping message",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
			// 标记已处理
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// handle 调用处理器，失败按退避重试，ctx 结束时返回最后一次的错误
func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	backoff := h.backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = h.handler(msg.Topic, msg.Partition, msg.Offset, msg.Key, msg.Value)
		if err == nil || (!h.untilSuccess && attempt >= h.retries) {
			return err
		}
		logger.Warn("kafka handle failed, retrying",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if h.maxBackoff > 0 && backoff > h.maxBackoff {
			backoff = h.maxBackoff
		}
	}
}
