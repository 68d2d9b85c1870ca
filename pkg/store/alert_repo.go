// 文件: pkg/store/alert_repo.go
// alerts 表: 预热分页扫描、条件状态迁移、每日重置

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pricealert/pkg/alert"
)

// AlertRepository alerts 表仓库
type AlertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// WithTx 绑定到事务
func (r *AlertRepository) WithTx(tx *gorm.DB) *AlertRepository {
	return &AlertRepository{db: tx}
}

// Create 新建预警 (管理接口和测试用)
func (r *AlertRepository) Create(ctx context.Context, row *AlertRow) error {
	return r.db.WithContext(ctx).Create(row).Error
}

// GetByID 按 ID 查询
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*AlertRow, error) {
	var row AlertRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// PageByStatus 按 id 做 keyset 分页: WHERE status = ? AND id > ? ORDER BY id LIMIT ?
// afterID 传空串从头开始；大结果集也不会一次性读进内存
func (r *AlertRepository) PageByStatus(ctx context.Context, status alert.Status, afterID string, limit int) ([]AlertRow, error) {
	var rows []AlertRow
	err := r.db.WithContext(ctx).
		Where("status = ? AND id > ?", status, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("page alerts by status %s: %w", status, err)
	}
	return rows, nil
}

// CountByStatus 按状态计数
func (r *AlertRepository) CountByStatus(ctx context.Context, status alert.Status) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&AlertRow{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// MarkTriggeredToday 条件状态迁移 ACTIVE -> TRIGGERED_TODAY
//
//	UPDATE alerts SET status='TRIGGERED_TODAY' WHERE id=? AND status='ACTIVE'
//
// 返回是否真的更新了一行；0 行表示已被标记过 (重复投递 / 并发触发)，不是错误
func (r *AlertRepository) MarkTriggeredToday(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&AlertRow{}).
		Where("id = ? AND status = ?", id, alert.StatusActive).
		Updates(map[string]any{
			"status":     alert.StatusTriggeredToday,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("mark alert %s triggered today: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ReactivateTriggered 每日重置: 指定 ID 中仍为 TRIGGERED_TODAY 的改回 ACTIVE
func (r *AlertRepository) ReactivateTriggered(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Model(&AlertRow{}).
		Where("id IN ? AND status = ?", ids, alert.StatusTriggeredToday).
		Updates(map[string]any{
			"status":     alert.StatusActive,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("reactivate alerts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Transaction 执行事务
func (r *AlertRepository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}
