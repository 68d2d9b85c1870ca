// 文件: pkg/evaluator/warmup.go
// 冷启动预热: 把所有 ACTIVE 预警加载进内存索引
//
// 预热完成前不得消费行情，否则索引不完整会漏触发。
// 走独立的、限制了连接数的只读句柄，不挤占写路径的连接池。

package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pricealert/pkg/alert"
	"pricealert/pkg/logger"
	"pricealert/pkg/metrics"
	"pricealert/pkg/store"
)

const defaultWarmupBatchSize = 1000

// WarmUpService 预热服务
type WarmUpService struct {
	repo      *store.AlertRepository
	manager   *alert.AlertIndexManager
	batchSize int
	metrics   *metrics.Metrics

	ready     chan struct{}
	readyOnce sync.Once
}

// NewWarmUpService repo 应绑定在预热专用的数据库句柄上
func NewWarmUpService(repo *store.AlertRepository, manager *alert.AlertIndexManager, batchSize int, m *metrics.Metrics) *WarmUpService {
	if batchSize <= 0 {
		batchSize = defaultWarmupBatchSize
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &WarmUpService{
		repo:      repo,
		manager:   manager,
		batchSize: batchSize,
		metrics:   m,
		ready:     make(chan struct{}),
	}
}

// Run 按 id 做 keyset 分页扫描 ACTIVE 预警并写入索引
// 成功后关闭 Ready()；失败返回错误，永远不会标记就绪
func (s *WarmUpService) Run(ctx context.Context) (int, error) {
	start := time.Now()
	logger.Info("warm-up started", zap.Int("batch_size", s.batchSize))

	loaded, skipped := 0, 0
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return loaded, fmt.Errorf("warm-up interrupted after %d alerts: %w", loaded, err)
		}

		page, err := s.repo.PageByStatus(ctx, alert.StatusActive, afterID, s.batchSize)
		if err != nil {
			return loaded, fmt.Errorf("warm-up after id %q: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}

		for _, row := range page {
			if err := s.manager.AddAlert(row.Entry()); err != nil {
				// 单条脏数据不阻塞启动
				skipped++
				logger.Warn("warm-up skipped alert",
					zap.String("alert_id", row.ID),
					zap.String("direction", string(row.Direction)),
					zap.Error(err))
				continue
			}
			loaded++
		}
		afterID = page[len(page)-1].ID

		if len(page) < s.batchSize {
			break
		}
	}

	s.metrics.WarmupLoaded.Set(float64(loaded))
	s.readyOnce.Do(func() { close(s.ready) })

	logger.Info("warm-up completed",
		zap.Int("loaded", loaded),
		zap.Int("skipped", skipped),
		zap.Int("symbols", s.manager.SymbolCount()),
		zap.Duration("elapsed", time.Since(start)))
	return loaded, nil
}

// Ready 预热成功后关闭
func (s *WarmUpService) Ready() <-chan struct{} {
	return s.ready
}

// IsReady 是否已完成预热
func (s *WarmUpService) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}
