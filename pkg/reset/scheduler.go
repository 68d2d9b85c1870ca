// 文件: pkg/reset/scheduler.go

package reset

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pricealert/pkg/logger"
)

// DefaultSpec 工作日开盘 09:30 (带秒)
const DefaultSpec = "0 30 9 * * MON-FRI"

// Runner 定时执行的任务
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Scheduler cron 调度，按交易所时区解析表达式
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
}

// NewScheduler spec 为 6 段 cron 表达式
func NewScheduler(spec string, loc *time.Location, runner Runner, timeout time.Duration) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	cl := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("parse reset cron %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.runner.Run(ctx); err != nil {
		logger.Error("daily reset failed", zap.Error(err))
	}
}

// Start 开始调度
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		logger.Info("daily reset scheduled", zap.Time("next", e.Next))
	}
}

// Stop 停止调度并等待正在执行的任务
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next 下一次执行时间
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger 把 cron 的日志转到 zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.S().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.S().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
