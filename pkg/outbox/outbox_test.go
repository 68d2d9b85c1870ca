package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pricealert/pkg/store/storetest"
)

type testEvent struct {
	ID  string `json:"id"`
	key string
}

func (e testEvent) Topic() string          { return "alert-triggers" }
func (e testEvent) Key() string            { return e.key }
func (e testEvent) Value() ([]byte, error) { return json.Marshal(e) }

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu      sync.Mutex
	sent    []published
	failKey string
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == p.failKey {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{topic, key, value})
	return nil
}

func setup(t *testing.T) (*gorm.DB, *Repository) {
	db := storetest.NewDB(t, &Message{})
	return db, NewRepository(db)
}

func schedule(t *testing.T, repo *Repository, id, key string) *Message {
	t.Helper()
	msg, err := NewMessage(AggregateAlertTrigger, id, testEvent{ID: id, key: key})
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), msg))
	return msg
}

func TestRepository_CreateWithTxRollsBack(t *testing.T) {
	db, repo := setup(t)
	ctx := context.Background()

	msg, err := NewMessage(AggregateAlertTrigger, "a1", testEvent{ID: "a1", key: "u1"})
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, repo.CreateWithTx(ctx, tx, msg))
		return errors.New("business write failed")
	})
	require.Error(t, err)

	n, err := repo.CountByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRepository_FetchAndClaim(t *testing.T) {
	_, repo := setup(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		schedule(t, repo, id, "u1")
	}

	claimed, err := repo.FetchAndClaim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, m := range claimed {
		require.Equal(t, StatusProcessing, m.Status)
	}

	// 已认领的不会再被取到
	rest, err := repo.FetchAndClaim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "a3", rest[0].AggregateID)

	var ev testEvent
	require.NoError(t, rest[0].Decode(&ev))
	require.Equal(t, "a3", ev.ID)
}

func TestRepository_MarkFailedUntilExhausted(t *testing.T) {
	db, repo := setup(t)
	ctx := context.Background()
	msg := schedule(t, repo, "a1", "u1")
	require.NoError(t, db.Model(&Message{}).Where("id = ?", msg.ID).Update("max_retries", 2).Error)

	require.NoError(t, repo.MarkFailed(ctx, msg.ID, errors.New("boom")))
	var got Message
	require.NoError(t, db.First(&got, msg.ID).Error)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "boom", got.LastError)

	require.NoError(t, repo.MarkFailed(ctx, msg.ID, errors.New("boom again")))
	require.NoError(t, db.First(&got, msg.ID).Error)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 2, got.RetryCount)
}

func TestRepository_RecoverStaleAndClean(t *testing.T) {
	db, repo := setup(t)
	ctx := context.Background()
	stale := schedule(t, repo, "a1", "u1")
	done := schedule(t, repo, "a2", "u1")

	old := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, db.Model(&Message{}).Where("id = ?", stale.ID).
		Updates(map[string]any{"status": StatusProcessing, "updated_at": old}).Error)
	require.NoError(t, db.Model(&Message{}).Where("id = ?", done.ID).
		Updates(map[string]any{"status": StatusSent, "sent_at": old}).Error)

	n, err := repo.RecoverStaleProcessing(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	deleted, err := repo.CleanSent(ctx, time.Now().UnixMilli(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	pending, err := repo.CountByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
}

func TestRelay_ProcessBatch(t *testing.T) {
	_, repo := setup(t)
	ctx := context.Background()
	pub := &fakePublisher{failKey: "u-bad"}
	relay := NewRelay(RelayConfig{BatchSize: 10}, repo, pub, nil)

	schedule(t, repo, "a1", "u1")
	bad1 := schedule(t, repo, "a2", "u-bad")
	bad2 := schedule(t, repo, "a3", "u-bad")
	schedule(t, repo, "a4", "u2")

	sent := relay.ProcessBatch(ctx)
	require.Equal(t, 2, sent)
	require.Len(t, pub.sent, 2)
	require.Equal(t, "u1", pub.sent[0].key)
	require.Equal(t, "u2", pub.sent[1].key)

	// 失败的记一次重试，同键后续消息原样放回
	msgs, err := repo.ListByAggregate(ctx, AggregateAlertTrigger, "a2")
	require.NoError(t, err)
	require.Equal(t, bad1.ID, msgs[0].ID)
	require.Equal(t, StatusPending, msgs[0].Status)
	require.Equal(t, 1, msgs[0].RetryCount)

	msgs, err = repo.ListByAggregate(ctx, AggregateAlertTrigger, "a3")
	require.NoError(t, err)
	require.Equal(t, bad2.ID, msgs[0].ID)
	require.Equal(t, StatusPending, msgs[0].Status)
	require.Zero(t, msgs[0].RetryCount)

	// broker 恢复后按顺序补发
	pub.failKey = ""
	require.Equal(t, 2, relay.ProcessBatch(ctx))
	require.Equal(t, "u-bad", pub.sent[2].key)
	require.JSONEq(t, `{"id":"a2"}`, string(pub.sent[2].value))
	require.JSONEq(t, `{"id":"a3"}`, string(pub.sent[3].value))

	sentCount, err := repo.CountByStatus(ctx, StatusSent)
	require.NoError(t, err)
	require.EqualValues(t, 4, sentCount)
	require.Zero(t, relay.ProcessBatch(ctx))
}

func TestRelay_StartStop(t *testing.T) {
	_, repo := setup(t)
	pub := &fakePublisher{}
	relay := NewRelay(RelayConfig{PollInterval: 10 * time.Millisecond}, repo, pub, nil)
	schedule(t, repo, "a1", "u1")

	relay.Start(context.Background())
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)
	relay.Stop()
}

func TestRepository_WithMaxRetries(t *testing.T) {
	db, repo := setup(t)
	repo = repo.WithMaxRetries(1)
	msg := schedule(t, repo, "a1", "u1")

	require.NoError(t, repo.MarkFailed(context.Background(), msg.ID, errors.New("boom")))
	var got Message
	require.NoError(t, db.First(&got, msg.ID).Error)
	require.Equal(t, 1, got.MaxRetries)
	require.Equal(t, StatusFailed, got.Status)
}
