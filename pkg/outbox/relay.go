// 文件: pkg/outbox/relay.go
// Outbox 中继: 轮询 outbox_messages，发送到消息总线，直到确认成功
//
// 发送失败不会被吞掉: 记录到 retry_count/last_error，下轮重试。
// 这是至少一次投递，下游需要自己去重。

package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
)

// Publisher 同步发送，返回 nil 表示 broker 已确认
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayConfig 中继配置
type RelayConfig struct {
	PollInterval     time.Duration // 轮询间隔
	BatchSize        int           // 每批条数
	SendTimeout      time.Duration // 单条发送超时
	CleanupInterval  time.Duration // 清理间隔
	Retention        time.Duration // 已发送消息保留时长
	RecoveryInterval time.Duration // 恢复卡住消息的间隔
	StaleThreshold   time.Duration // processing 超过该时长视为卡住
}

// DefaultRelayConfig 默认配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:     100 * time.Millisecond,
		BatchSize:        100,
		SendTimeout:      10 * time.Second,
		CleanupInterval:  time.Hour,
		Retention:        24 * time.Hour,
		RecoveryInterval: time.Minute,
		StaleThreshold:   5 * time.Minute,
	}
}

// Relay outbox 中继
type Relay struct {
	cfg       RelayConfig
	repo      *Repository
	publisher Publisher
	metrics   *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRelay(cfg RelayConfig, repo *Repository, publisher Publisher, m *metrics.Metrics) *Relay {
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Relay{cfg: cfg, repo: repo, publisher: publisher, metrics: m}
}

// Start 启动发送 / 清理 / 恢复三个循环
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(3)
	go r.loop(ctx, r.cfg.PollInterval, func(ctx context.Context) { r.ProcessBatch(ctx) })
	go r.loop(ctx, r.cfg.CleanupInterval, r.cleanup)
	go r.loop(ctx, r.cfg.RecoveryInterval, r.recoverStale)

	logger.Info("outbox relay started",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize))
}

// Stop 停止并等待当前批次结束
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	logger.Info("outbox relay stopped")
}

func (r *Relay) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ProcessBatch 认领并发送一批消息，返回成功发送的条数
//
// 同一批里某个分区键发送失败后，该键后面的消息不再尝试，直接放回 pending，
// 避免同一个键的消息乱序
func (r *Relay) ProcessBatch(ctx context.Context) int {
	messages, err := r.repo.FetchAndClaim(ctx, r.cfg.BatchSize)
	if err != nil {
		logger.Error("outbox fetch failed", zap.Error(err))
		return 0
	}
	if len(messages) == 0 {
		return 0
	}

	sent := 0
	blocked := make(map[string]bool)
	var deferred []int64

	for _, msg := range messages {
		if blocked[msg.Topic+"/"+msg.PartitionKey] {
			deferred = append(deferred, msg.ID)
			continue
		}

		if err := r.send(ctx, msg); err != nil {
			blocked[msg.Topic+"/"+msg.PartitionKey] = true
			r.metrics.OutboxPublishFailed.WithLabelValues(msg.Topic).Inc()
			logger.Warn("outbox publish failed",
				zap.Int64("id", msg.ID),
				zap.String("message_id", msg.MessageID),
				zap.String("topic", msg.Topic),
				zap.Int("retry_count", msg.RetryCount),
				zap.Error(err))
			if markErr := r.repo.MarkFailed(ctx, msg.ID, err); markErr != nil {
				logger.Error("outbox mark failed error", zap.Error(markErr))
			}
			continue
		}

		sent++
		r.metrics.OutboxPublished.WithLabelValues(msg.Topic).Inc()
		if err := r.repo.MarkSent(ctx, msg.ID); err != nil {
			// 消息已发出，状态会在恢复循环里回到 pending 并重发一次，下游去重
			logger.Error("outbox mark sent error", zap.Int64("id", msg.ID), zap.Error(err))
		}
	}

	if err := r.repo.Release(ctx, deferred); err != nil {
		logger.Error("outbox release error", zap.Error(err))
	}
	return sent
}

func (r *Relay) send(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	return r.publisher.Publish(ctx, msg.Topic, msg.PartitionKey, msg.Payload)
}

func (r *Relay) cleanup(ctx context.Context) {
	before := time.Now().Add(-r.cfg.Retention).UnixMilli()
	deleted, err := r.repo.CleanSent(ctx, before, r.cfg.BatchSize)
	if err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		logger.Info("outbox cleaned sent messages", zap.Int64("count", deleted))
	}

	failed, err := r.repo.CountByStatus(ctx, StatusFailed)
	if err == nil && failed > 0 {
		logger.Warn("outbox has messages that exhausted retries", zap.Int64("count", failed))
	}
}

func (r *Relay) recoverStale(ctx context.Context) {
	recovered, err := r.repo.RecoverStaleProcessing(ctx, r.cfg.StaleThreshold)
	if err != nil {
		logger.Error("outbox recover failed", zap.Error(err))
		return
	}
	if recovered > 0 {
		logger.Info("outbox recovered stale messages", zap.Int64("count", recovered))
	}
}
