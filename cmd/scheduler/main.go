// 调度服务: 每日开盘重置已触发预警，并中继 RESET 事件
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pricealert/pkg/app"
	"pricealert/pkg/kafka"
	"pricealert/pkg/logger"
	"pricealert/pkg/outbox"
	"pricealert/pkg/reset"
	"pricealert/pkg/store"
)

const lockKey = "price-alert:lock:daily-reset"

func main() {
	root := app.NewCommand("scheduler", "Daily reset of triggered alerts", serve)

	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Run the daily reset immediately and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return app.Execute(cmd.Context(), configPath, once)
		},
	}
	root.AddCommand(runOnce)
	app.Main(root)
}

type deps struct {
	job     *reset.Job
	relay   *outbox.Relay
	cleanup func()
}

func build(rt *app.Runtime) (*deps, error) {
	cfg := rt.Config

	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		_ = store.Close(db)
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	producerCfg := kafka.DefaultProducerConfig(cfg.Kafka.Brokers)
	producerCfg.RequiredAcks = cfg.Kafka.RequiredAcks
	producerCfg.Compression = cfg.Kafka.Compression
	producerCfg.MaxRetries = cfg.Kafka.MaxRetries
	producerCfg.Timeout = cfg.Kafka.SendTimeout
	producer, err := kafka.NewSyncProducer(producerCfg)
	if err != nil {
		_ = rdb.Close()
		_ = store.Close(db)
		return nil, err
	}

	o := cfg.Outbox
	relay := outbox.NewRelay(outbox.RelayConfig{
		PollInterval:     o.PollInterval,
		BatchSize:        o.BatchSize,
		SendTimeout:      cfg.Kafka.SendTimeout,
		CleanupInterval:  o.CleanupInterval,
		Retention:        o.Retention,
		RecoveryInterval: o.RecoverInterval,
		StaleThreshold:   o.StaleThreshold,
	}, outbox.NewRepository(db).WithMaxRetries(o.MaxRetries), producer, rt.Metrics)

	lock := reset.NewRedisLock(rdb, lockKey, cfg.Reset.LockTTL)
	job := reset.NewJob(db, lock, cfg.Reset.BatchSize, rt.Metrics)

	return &deps{
		job:   job,
		relay: relay,
		cleanup: func() {
			_ = producer.Close()
			_ = rdb.Close()
			_ = store.Close(db)
		},
	}, nil
}

func serve(ctx context.Context, rt *app.Runtime) error {
	d, err := build(rt)
	if err != nil {
		return err
	}
	defer d.cleanup()

	stopMetrics := app.ServeMetrics(rt, nil)
	defer stopMetrics()

	d.relay.Start(ctx)
	defer d.relay.Stop()

	if !rt.Config.Reset.Enabled {
		logger.Info("daily reset disabled, relaying outbox only")
		<-ctx.Done()
		return nil
	}

	loc, err := time.LoadLocation(rt.Config.Reset.Timezone)
	if err != nil {
		return err
	}
	sched, err := reset.NewScheduler(rt.Config.Reset.Cron, loc, d.job, rt.Config.Reset.LockTTL)
	if err != nil {
		return err
	}
	sched.Start()
	logger.Info("scheduler running", zap.String("cron", rt.Config.Reset.Cron), zap.Time("next", sched.Next()))

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
	return nil
}

// once 立即执行一次，并把 RESET 事件发完再退出
func once(ctx context.Context, rt *app.Runtime) error {
	d, err := build(rt)
	if err != nil {
		return err
	}
	defer d.cleanup()

	res, err := d.job.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("daily reset finished", zap.Bool("skipped", res.Skipped), zap.Int("reset", res.Reset))

	for {
		if sent := d.relay.ProcessBatch(ctx); sent == 0 {
			return nil
		}
	}
}
