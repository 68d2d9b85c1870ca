// 文件: pkg/evaluator/status_updater.go
// 第一层去重: ACTIVE -> TRIGGERED_TODAY 条件更新，异步执行
//
// 只做记录，不影响触发是否发出；失败只记日志，不重试。

package evaluator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pricealert/pkg/alert"
	"pricealert/pkg/executor"
	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
	"pricealert/pkg/store"
)

// AlertStatusUpdater 异步状态更新
type AlertStatusUpdater struct {
	repo    *store.AlertRepository
	pool    *executor.Pool
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewAlertStatusUpdater(repo *store.AlertRepository, pool *executor.Pool, timeout time.Duration, m *metrics.Metrics) *AlertStatusUpdater {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewNop()
	}
	pool.OnCallerRuns = func() { m.StatusUpdateCallerRuns.Inc() }
	return &AlertStatusUpdater{repo: repo, pool: pool, timeout: timeout, metrics: m}
}

// MarkTriggeredToday 为每个触发提交一个条件更新任务
// 队列满时在调用方 goroutine 执行 (对行情消费形成背压)
func (u *AlertStatusUpdater) MarkTriggeredToday(triggers []alert.AlertTrigger) {
	for _, t := range triggers {
		alertID := t.AlertID
		u.pool.Submit(func(ctx context.Context) {
			u.markOne(ctx, alertID)
		})
	}
}

func (u *AlertStatusUpdater) markOne(ctx context.Context, alertID string) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	updated, err := u.repo.MarkTriggeredToday(ctx, alertID)
	if err != nil {
		u.metrics.StatusUpdateErrors.Inc()
		logger.Error("mark alert triggered today failed", zap.String("alert_id", alertID), zap.Error(err))
		return
	}
	if !updated {
		// 已经不是 ACTIVE: 重复投递或并发触发
		u.metrics.StatusUpdateNoop.Inc()
		logger.Debug("alert not active, status unchanged", zap.String("alert_id", alertID))
	}
}
