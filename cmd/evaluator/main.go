// 评估服务: 预热 -> 行情/变更消费 -> 触发 outbox 中继
package main

import (
	"context"

	"go.uber.org/zap"

	"pricealert/pkg/alert"
	"pricealert/pkg/app"
	"pricealert/pkg/evaluator"
	"pricealert/pkg/executor"
	"pricealert/pkg/idgen"
	"pricealert/pkg/kafka"
	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
	"pricealert/pkg/outbox"
	"pricealert/pkg/store"
)

func main() {
	app.Main(app.NewCommand("evaluator", "Evaluate market ticks against user price alerts", run))
}

func run(ctx context.Context, rt *app.Runtime) error {
	cfg := rt.Config

	ids, err := idgen.New(cfg.Service.NodeID)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close(db)

	// =========================================================================
	// 索引与引擎
	// =========================================================================
	manager := alert.NewAlertIndexManager()
	metrics.RegisterIndexGauges(rt.Registry, manager)
	engine := alert.NewEvaluationEngine(manager, ids)

	warmDB, err := store.OpenWarmup(cfg.Database, cfg.Warmup.MaxOpenConns)
	if err != nil {
		return err
	}
	warmup := evaluator.NewWarmUpService(store.NewAlertRepository(warmDB), manager, cfg.Warmup.BatchSize, rt.Metrics)

	stopMetrics := app.ServeMetrics(rt, warmup.IsReady)
	defer stopMetrics()

	// 预热失败直接退出，消费者从未启动
	loaded, err := warmup.Run(ctx)
	_ = store.Close(warmDB)
	if err != nil {
		logger.Fatal("warm-up failed, refusing to consume ticks", zap.Error(err))
	}
	<-warmup.Ready()

	// =========================================================================
	// 持久化组件
	// =========================================================================
	outboxRepo := outbox.NewRepository(db).WithMaxRetries(cfg.Outbox.MaxRetries)
	scheduler := evaluator.NewTriggerScheduler(outboxRepo)

	pool := executor.New("status-updater", cfg.StatusUpdater.Workers, cfg.StatusUpdater.QueueSize)
	updater := evaluator.NewAlertStatusUpdater(store.NewAlertRepository(db), pool, cfg.StatusUpdater.Timeout, rt.Metrics)

	producerCfg := kafka.DefaultProducerConfig(cfg.Kafka.Brokers)
	producerCfg.RequiredAcks = cfg.Kafka.RequiredAcks
	producerCfg.Compression = cfg.Kafka.Compression
	producerCfg.MaxRetries = cfg.Kafka.MaxRetries
	producerCfg.Timeout = cfg.Kafka.SendTimeout
	producer, err := kafka.NewSyncProducer(producerCfg)
	if err != nil {
		return err
	}
	defer producer.Close()

	relay := outbox.NewRelay(relayConfig(rt), outboxRepo, producer, rt.Metrics)

	// =========================================================================
	// 消费者
	// =========================================================================
	ticks, err := kafka.NewConsumer(tickConsumerConfig(rt),
		evaluator.NewMarketTickConsumer(engine, scheduler, updater, rt.Metrics).Handle)
	if err != nil {
		return err
	}
	changes, err := kafka.NewConsumer(changeConsumerConfig(rt),
		evaluator.NewAlertChangeConsumer(manager, rt.Metrics).Handle)
	if err != nil {
		_ = ticks.Stop()
		return err
	}

	relay.Start(ctx)
	changes.Start()
	ticks.Start()
	logger.Info("evaluator running",
		zap.Int("alerts_loaded", loaded),
		zap.Int("symbols", manager.SymbolCount()))

	<-ctx.Done()
	logger.Info("shutting down")

	// 先停消费者 (处理中的消息完成)，再排空状态更新，最后停中继
	if err := ticks.Stop(); err != nil {
		logger.Warn("stop tick consumer", zap.Error(err))
	}
	if err := changes.Stop(); err != nil {
		logger.Warn("stop change consumer", zap.Error(err))
	}
	pool.Stop()
	relay.Stop()

	stats := producer.Stats()
	logger.Info("evaluator stopped",
		zap.Int64("published", stats.SentCount),
		zap.Int64("publish_errors", stats.ErrorCount),
		zap.Int64("caller_runs", pool.Stats().CallerRuns))
	return nil
}

// tickConsumerConfig 写 outbox 失败的行情一直重试，不提交 offset
func tickConsumerConfig(rt *app.Runtime) kafka.ConsumerConfig {
	k := rt.Config.Kafka
	cfg := consumerConfig(rt, k.TickGroup, k.TickConcurrency, alert.TopicMarketTicks)
	cfg.RetryUntilSuccess = true
	return cfg
}

// changeConsumerConfig 变更事件可重放，新消费者组从最早的 offset 开始，
// 不漏掉预热扫描之后、消费者启动之前产生的事件
func changeConsumerConfig(rt *app.Runtime) kafka.ConsumerConfig {
	k := rt.Config.Kafka
	cfg := consumerConfig(rt, k.ChangeGroup, k.ChangeConcurrency, alert.TopicAlertChanges)
	cfg.OffsetInitial = kafka.OffsetOldest
	return cfg
}

func consumerConfig(rt *app.Runtime, group string, concurrency int, topic string) kafka.ConsumerConfig {
	k := rt.Config.Kafka
	cfg := kafka.DefaultConsumerConfig(k.Brokers, group, []string{topic})
	cfg.Concurrency = concurrency
	cfg.HandlerRetries = k.HandlerRetries
	cfg.RetryBackoff = k.RetryBackoff
	cfg.MaxBackoff = k.MaxRetryBackoff
	return cfg
}

func relayConfig(rt *app.Runtime) outbox.RelayConfig {
	o := rt.Config.Outbox
	return outbox.RelayConfig{
		PollInterval:     o.PollInterval,
		BatchSize:        o.BatchSize,
		SendTimeout:      rt.Config.Kafka.SendTimeout,
		CleanupInterval:  o.CleanupInterval,
		Retention:        o.Retention,
		RecoveryInterval: o.RecoverInterval,
		StaleThreshold:   o.StaleThreshold,
	}
}

