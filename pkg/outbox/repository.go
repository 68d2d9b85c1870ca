// 文件: pkg/outbox/repository.go

package outbox

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository outbox 消息仓库
type Repository struct {
	db         *gorm.DB
	maxRetries int
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithMaxRetries 之后写入的消息使用该重试上限
func (r *Repository) WithMaxRetries(n int) *Repository {
	return &Repository{db: r.db, maxRetries: n}
}

func (r *Repository) prepare(msgs []*Message) {
	if r.maxRetries <= 0 {
		return
	}
	for _, m := range msgs {
		m.MaxRetries = r.maxRetries
	}
}

// Create 单独写入一条消息
func (r *Repository) Create(ctx context.Context, msg *Message) error {
	r.prepare([]*Message{msg})
	return r.db.WithContext(ctx).Create(msg).Error
}

// CreateWithTx 在业务事务中写入消息，业务回滚消息也回滚
func (r *Repository) CreateWithTx(ctx context.Context, tx *gorm.DB, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	r.prepare(msgs)
	if err := tx.WithContext(ctx).Create(msgs).Error; err != nil {
		return fmt.Errorf("insert %d outbox messages: %w", len(msgs), err)
	}
	return nil
}

// Transaction 开启事务
func (r *Repository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// FetchAndClaim 原子地取出一批 pending 消息并标记为 processing
// SELECT ... FOR UPDATE SKIP LOCKED，多实例不会认领同一条
func (r *Repository) FetchAndClaim(ctx context.Context, limit int) ([]*Message, error) {
	var messages []*Message

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", StatusPending).
			Order("created_at ASC, id ASC").
			Limit(limit).
			Find(&messages).Error
		if err != nil {
			return fmt.Errorf("select pending messages: %w", err)
		}
		if len(messages) == 0 {
			return nil
		}

		ids := make([]int64, len(messages))
		for i, m := range messages {
			ids[i] = m.ID
		}
		now := time.Now().UnixMilli()
		err = tx.Model(&Message{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": StatusProcessing, "updated_at": now}).Error
		if err != nil {
			return fmt.Errorf("claim messages: %w", err)
		}
		for _, m := range messages {
			m.Status = StatusProcessing
			m.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch and claim outbox: %w", err)
	}
	return messages, nil
}

// MarkSent 标记已发送
func (r *Repository) MarkSent(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     StatusSent,
			"sent_at":    now,
			"updated_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("mark outbox %d sent: %w", id, err)
	}
	return nil
}

// MarkFailed 记一次失败；未到上限回到 pending 等下一轮，否则置为 failed
// status 放在 retry_count 之前赋值: MySQL 的 SET 从左到右生效
func (r *Repository) MarkFailed(ctx context.Context, id int64, cause error) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500]
		}
	}

	err := r.db.WithContext(ctx).Exec(`
		UPDATE outbox_messages
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE ? END,
		    retry_count = retry_count + 1,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?
	`, StatusFailed, StatusPending, errMsg, time.Now().UnixMilli(), id).Error
	if err != nil {
		return fmt.Errorf("mark outbox %d failed: %w", id, err)
	}
	return nil
}

// Release 把已认领但本轮没有尝试发送的消息放回 pending，不计重试
func (r *Repository) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("id IN ? AND status = ?", ids, StatusProcessing).
		Updates(map[string]any{"status": StatusPending, "updated_at": time.Now().UnixMilli()}).Error
	if err != nil {
		return fmt.Errorf("release outbox messages: %w", err)
	}
	return nil
}

// RecoverStaleProcessing 实例崩溃后 processing 的消息不会被释放，超时后放回 pending
func (r *Repository) RecoverStaleProcessing(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("status = ? AND updated_at < ?", StatusProcessing, now.Add(-staleThreshold).UnixMilli()).
		Updates(map[string]any{"status": StatusPending, "updated_at": now.UnixMilli()})
	if result.Error != nil {
		return 0, fmt.Errorf("recover stale outbox messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CleanSent 分批删除 beforeTime (unix ms) 之前发送成功的消息
func (r *Repository) CleanSent(ctx context.Context, beforeTime int64, batchSize int) (int64, error) {
	var total int64
	for {
		var ids []int64
		err := r.db.WithContext(ctx).
			Model(&Message{}).
			Where("status = ? AND sent_at < ?", StatusSent, beforeTime).
			Limit(batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return total, fmt.Errorf("select sent outbox messages: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}

		result := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Message{})
		if result.Error != nil {
			return total, fmt.Errorf("delete sent outbox messages: %w", result.Error)
		}
		total += result.RowsAffected
		if len(ids) < batchSize {
			return total, nil
		}
	}
}

// CountByStatus 按状态计数
func (r *Repository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).Where("status = ?", status).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count outbox %s: %w", status, err)
	}
	return n, nil
}

// ListByAggregate 某个业务对象产生的所有消息
func (r *Repository) ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*Message, error) {
	var msgs []*Message
	err := r.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Order("id ASC").
		Find(&msgs).Error
	return msgs, err
}
