// 文件: pkg/store/notification_repo.go
// notifications / alert_trigger_log: 幂等写入 (INSERT ... ON CONFLICT DO NOTHING)

package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// NotificationRepository
// =============================================================================

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// WithTx 绑定到事务
func (r *NotificationRepository) WithTx(tx *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: tx}
}

// InsertIfAbsent 按 idempotency_key 幂等插入
// 冲突时什么都不做，先写入者的价格/内容保留；返回是否真的插入了新行
func (r *NotificationRepository) InsertIfAbsent(ctx context.Context, row *NotificationRow) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if result.Error != nil {
		return false, fmt.Errorf("insert notification %s: %w", row.IdempotencyKey, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ExistsByIdempotencyKey 今天是否已经通知过该预警
func (r *NotificationRepository) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&NotificationRow{}).
		Where("idempotency_key = ?", key).
		Count(&n).Error
	return n > 0, err
}

// GetByIdempotencyKey 按去重键查询
func (r *NotificationRepository) GetByIdempotencyKey(ctx context.Context, key string) (*NotificationRow, error) {
	var row NotificationRow
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListByUser 用户最近的通知
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]NotificationRow, error) {
	var rows []NotificationRow
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// =============================================================================
// TriggerLogRepository
// =============================================================================

type TriggerLogRepository struct {
	db *gorm.DB
}

func NewTriggerLogRepository(db *gorm.DB) *TriggerLogRepository {
	return &TriggerLogRepository{db: db}
}

// WithTx 绑定到事务
func (r *TriggerLogRepository) WithTx(tx *gorm.DB) *TriggerLogRepository {
	return &TriggerLogRepository{db: tx}
}

// InsertIfAbsent 按 (alert_id, trading_date) 幂等插入
func (r *TriggerLogRepository) InsertIfAbsent(ctx context.Context, row *TriggerLogRow) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if result.Error != nil {
		return false, fmt.Errorf("insert trigger log %s/%s: %w", row.AlertID, row.TradingDate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CountFor 某预警某交易日的日志条数 (正常情况下只会是 0 或 1)
func (r *TriggerLogRepository) CountFor(ctx context.Context, alertID, tradingDate string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&TriggerLogRow{}).
		Where("alert_id = ? AND trading_date = ?", alertID, tradingDate).
		Count(&n).Error
	return n, err
}
