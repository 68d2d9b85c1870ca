// 文件: pkg/evaluator/trigger_scheduler.go

package evaluator

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"pricealert/pkg/alert"
	"pricealert/pkg/outbox"
)

// TriggerScheduler 把触发写入 outbox，由中继异步投递到 alert-triggers
type TriggerScheduler struct {
	repo *outbox.Repository
}

func NewTriggerScheduler(repo *outbox.Repository) *TriggerScheduler {
	return &TriggerScheduler{repo: repo}
}

// Schedule 同一事务写入全部触发，要么都成功要么都不写
func (s *TriggerScheduler) Schedule(ctx context.Context, triggers []alert.AlertTrigger) error {
	if len(triggers) == 0 {
		return nil
	}

	msgs := make([]*outbox.Message, 0, len(triggers))
	for _, t := range triggers {
		msg, err := outbox.NewMessage(outbox.AggregateAlertTrigger, t.AlertID, t)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		return s.repo.CreateWithTx(ctx, tx, msgs...)
	})
	if err != nil {
		return fmt.Errorf("schedule %d triggers: %w", len(triggers), err)
	}
	return nil
}
