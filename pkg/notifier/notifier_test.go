package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricealert/pkg/alert"
	"pricealert/pkg/idgen"
	"pricealert/pkg/metrics"
	"pricealert/pkg/store"
	"pricealert/pkg/store/storetest"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushed []alert.AlertTrigger
	err    error
}

func (p *recordingPusher) Push(_ context.Context, t alert.AlertTrigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.pushed = append(p.pushed, t)
	return nil
}

func trigger(id, price, date string) alert.AlertTrigger {
	ts := time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)
	return alert.AlertTrigger{
		TriggerID:      id,
		AlertID:        "alert-1",
		UserID:         "user-1",
		Symbol:         "AAPL",
		ThresholdPrice: decimal.RequireFromString("150.00"),
		TriggerPrice:   decimal.RequireFromString(price),
		Direction:      alert.DirectionAbove,
		TickTimestamp:  ts,
		TriggeredAt:    ts,
		TradingDate:    date,
	}
}

func TestPersist_FirstWriterWins(t *testing.T) {
	db := storetest.NewDB(t)
	svc := NewPersistenceService(db, idgen.Default())
	ctx := context.Background()

	fresh, err := svc.Persist(ctx, trigger("t1", "151.00", "2024-03-15"))
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = svc.Persist(ctx, trigger("t2", "152.00", "2024-03-15"))
	require.NoError(t, err)
	assert.False(t, fresh)

	row, err := store.NewNotificationRepository(db).GetByIdempotencyKey(ctx, "alert-1:2024-03-15")
	require.NoError(t, err)
	assert.Equal(t, "t1", row.AlertTriggerID)
	assert.True(t, row.TriggerPrice.Equal(decimal.RequireFromString("151.00")))

	n, err := store.NewTriggerLogRepository(db).CountFor(ctx, "alert-1", "2024-03-15")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// 下一个交易日重新计数
	fresh, err = svc.Persist(ctx, trigger("t3", "149.00", "2024-03-18"))
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestPersist_ConcurrentDuplicates(t *testing.T) {
	db := storetest.NewDB(t)
	svc := NewPersistenceService(db, idgen.Default())

	var wg sync.WaitGroup
	var mu sync.Mutex
	freshCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := svc.Persist(context.Background(), trigger("t", "151", "2024-03-15"))
			if err == nil && fresh {
				mu.Lock()
				freshCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, freshCount)
}

func TestTriggerConsumer_Handle(t *testing.T) {
	db := storetest.NewDB(t)
	m := metrics.NewNop()
	pusher := &recordingPusher{}
	c := NewTriggerConsumer(NewPersistenceService(db, idgen.Default()), pusher, m)

	first, err := trigger("t1", "151", "2024-03-15").Value()
	require.NoError(t, err)
	dup, err := trigger("t2", "153", "2024-03-15").Value()
	require.NoError(t, err)

	require.NoError(t, c.Handle(alert.TopicAlertTriggers, 0, 1, []byte("user-1"), first))
	require.NoError(t, c.Handle(alert.TopicAlertTriggers, 0, 2, []byte("user-1"), dup))
	require.NoError(t, c.Handle(alert.TopicAlertTriggers, 0, 3, nil, []byte("not json")))
	require.NoError(t, c.Handle(alert.TopicAlertTriggers, 0, 4, nil, []byte(`{"trigger_id":"x"}`)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsPersisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDeduplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsPushed))
	require.Len(t, pusher.pushed, 1)
	assert.Equal(t, "t1", pusher.pushed[0].TriggerID)
}

func TestTriggerConsumer_PushFailureIsNotAnError(t *testing.T) {
	db := storetest.NewDB(t)
	m := metrics.NewNop()
	c := NewTriggerConsumer(NewPersistenceService(db, idgen.Default()), &recordingPusher{err: errors.New("nats down")}, m)

	require.NoError(t, c.Process(context.Background(), trigger("t1", "151", "2024-03-15")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsPersisted))
	assert.Zero(t, testutil.ToFloat64(m.NotificationsPushed))
}

func TestTriggerConsumer_DatabaseErrorIsRetryable(t *testing.T) {
	db := storetest.NewDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	c := NewTriggerConsumer(NewPersistenceService(db, idgen.Default()), nil, nil)
	value, err := trigger("t1", "151", "2024-03-15").Value()
	require.NoError(t, err)
	require.Error(t, c.Handle(alert.TopicAlertTriggers, 0, 1, nil, value))
}

type fakeSubjectPublisher struct {
	token string
	data  any
}

func (p *fakeSubjectPublisher) Publish(token string, data any) error {
	p.token, p.data = token, data
	return nil
}

func TestSubjectPusher(t *testing.T) {
	pub := &fakeSubjectPublisher{}
	tr := trigger("t1", "151.5", "2024-03-15")
	require.NoError(t, NewSubjectPusher(pub).Push(context.Background(), tr))

	assert.Equal(t, "user-1", pub.token)
	msg, ok := pub.data.(NotificationPush)
	require.True(t, ok)
	assert.Equal(t, "151.5", msg.TriggerPrice)
	assert.Equal(t, "ABOVE", msg.Direction)
	assert.Equal(t, tr.TriggeredAt.UnixMilli(), msg.TriggeredAt)
}
