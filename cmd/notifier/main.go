// 通知服务: 消费 alert-triggers，去重落库，实时推送
package main

import (
	"context"

	"go.uber.org/zap"

	"pricealert/pkg/alert"
	"pricealert/pkg/app"
	"pricealert/pkg/config"
	"pricealert/pkg/idgen"
	"pricealert/pkg/kafka"
	"pricealert/pkg/logger"
	"pricealert/pkg/nats"
	"pricealert/pkg/notifier"
	"pricealert/pkg/store"
)

func main() {
	app.Main(app.NewCommand("notifier", "Persist alert triggers as deduplicated user notifications", run))
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

	// 推送是可选的，NATS 不可用不影响落库
	var pusher notifier.Pusher
	if cfg.NATS.URL != "" {
		pub, err := nats.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			logger.Warn("nats unavailable, realtime push disabled", zap.Error(err))
		} else {
			defer pub.Close()
			pusher = notifier.NewSubjectPusher(pub)
		}
	}

	handler := notifier.NewTriggerConsumer(notifier.NewPersistenceService(db, ids), pusher, rt.Metrics)

	k := cfg.Kafka
	consumer, err := kafka.NewConsumer(triggerConsumerConfig(cfg), handler.Handle)
	if err != nil {
		return err
	}

	stopMetrics := app.ServeMetrics(rt, nil)
	defer stopMetrics()

	consumer.Start()
	logger.Info("notifier running", zap.String("group", k.TriggerGroup))

	<-ctx.Done()
	logger.Info("shutting down")
	return consumer.Stop()
}

// triggerConsumerConfig 落库失败 (数据库故障) 一直重试，不提交 offset；
// 坏消息由处理器直接跳过，不会卡住分区
func triggerConsumerConfig(cfg *config.Config) kafka.ConsumerConfig {
	k := cfg.Kafka
	c := kafka.DefaultConsumerConfig(k.Brokers, k.TriggerGroup, []string{alert.TopicAlertTriggers})
	c.Concurrency = k.TriggerConcurrency
	c.HandlerRetries = k.HandlerRetries
	c.RetryBackoff = k.RetryBackoff
	c.MaxBackoff = k.MaxRetryBackoff
	c.RetryUntilSuccess = true
	return c
}
