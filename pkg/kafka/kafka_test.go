package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tickMessage struct {
	Symbol string `json:"symbol"`
}

func (m tickMessage) Topic() string          { return "market-ticks" }
func (m tickMessage) Key() string            { return m.Symbol }
func (m tickMessage) Value() ([]byte, error) { return json.Marshal(m) }

func TestSyncProducer_Publish(t *testing.T) {
	cfg := DefaultProducerConfig(nil)
	mock := mocks.NewSyncProducer(t, cfg.SaramaConfig())
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"symbol":"AAPL"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	mock.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := NewSyncProducerFrom(mock, cfg)
	require.NoError(t, p.Send(context.Background(), tickMessage{Symbol: "AAPL"}))

	err := p.Publish(context.Background(), "alert-triggers", "u1", []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.SentCount)
	assert.EqualValues(t, 1, stats.ErrorCount)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), "t", "k", nil), ErrProducerClosed)
}

func TestSyncProducer_CanceledContext(t *testing.T) {
	cfg := DefaultProducerConfig(nil)
	mock := mocks.NewSyncProducer(t, cfg.SaramaConfig())
	p := NewSyncProducerFrom(mock, cfg)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "t", "k", nil), context.Canceled)
}

func TestProducerConfig_SaramaConfig(t *testing.T) {
	cfg := DefaultProducerConfig([]string{"localhost:9092"})
	sc := cfg.SaramaConfig()
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, sc.Producer.Compression)
	assert.True(t, sc.Producer.Return.Successes)

	cfg.RequiredAcks = 1
	cfg.Compression = "none"
	sc = cfg.SaramaConfig()
	assert.Equal(t, sarama.WaitForLocal, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionNone, sc.Producer.Compression)

	cfg.Idempotent = true
	sc = cfg.SaramaConfig()
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
}

func TestConsumerGroupHandler_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	h := &consumerGroupHandler{
		retries: 3,
		backoff: time.Millisecond,
		handler: func(topic string, partition int32, offset int64, key, value []byte) error {
			if calls.Add(1) < 3 {
				return errors.New("db unavailable")
			}
			return nil
		},
	}

	err := h.handle(context.Background(), &sarama.ConsumerMessage{Topic: "alert-triggers", Value: []byte("{}")})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestConsumerGroupHandler_GivesUp(t *testing.T) {
	var calls atomic.Int32
	h := &consumerGroupHandler{
		retries: 2,
		backoff: time.Millisecond,
		handler: func(topic string, partition int32, offset int64, key, value []byte) error {
			calls.Add(1)
			return errors.New("poison")
		},
	}

	err := h.handle(context.Background(), &sarama.ConsumerMessage{Topic: "alert-triggers"})
	require.EqualError(t, err, "poison")
	assert.EqualValues(t, 3, calls.Load())
}

func TestConsumerGroupHandler_StopsRetryOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	h := &consumerGroupHandler{
		retries: 5,
		backoff: time.Hour,
		handler: func(topic string, partition int32, offset int64, key, value []byte) error {
			calls.Add(1)
			return errors.New("db unavailable")
		},
	}

	require.Error(t, h.handle(ctx, &sarama.ConsumerMessage{}))
	assert.EqualValues(t, 1, calls.Load())
}

func TestDefaultConsumerConfig(t *testing.T) {
	cfg := DefaultConsumerConfig([]string{"b:9092"}, "g", []string{"market-ticks"})
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, sarama.OffsetNewest, cfg.OffsetInitial)
	assert.False(t, cfg.RetryUntilSuccess)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)

	sc := cfg.saramaConfig()
	assert.True(t, sc.Consumer.Offsets.AutoCommit.Enable)
	assert.True(t, sc.Consumer.Return.Errors)
}

// =============================================================================
// ConsumeClaim 提交语义
// =============================================================================

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(offsets ...int64) *fakeClaim {
	c := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(offsets))}
	for _, o := range offsets {
		c.messages <- &sarama.ConsumerMessage{Topic: "alert-triggers", Offset: o}
	}
	close(c.messages)
	return c
}

func TestConsumeClaim_PersistentErrorIsNeverMarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	h := &consumerGroupHandler{
		retries:      1,
		backoff:      time.Millisecond,
		maxBackoff:   2 * time.Millisecond,
		untilSuccess: true,
		handler: func(topic string, partition int32, offset int64, key, value []byte) error {
			// 远超 retries 仍在重试，之后模拟再均衡结束会话
			if calls.Add(1) == 20 {
				cancel()
			}
			return errors.New("db unavailable")
		},
	}
	session := &fakeSession{ctx: ctx}

	require.NoError(t, h.ConsumeClaim(session, newClaim(7, 8)))
	assert.GreaterOrEqual(t, calls.Load(), int32(20))
	assert.Empty(t, session.marked)
}

func TestConsumeClaim_RetryUntilSuccessMarksAfterRecovery(t *testing.T) {
	var calls atomic.Int32
	h := &consumerGroupHandler{
		backoff:      time.Millisecond,
		untilSuccess: true,
		handler: func(topic string, partition int32, offset int64, key, value []byte) error {
			if offset == 7 && calls.Add(1) < 5 {
				return errors.New("db unavailable")
			}
			return nil
		},
	}
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(session, newClaim(7, 8)))
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, []int64{7, 8}, session.marked)
}

func TestConsumeClaim_SkipsAfterRetriesByDefault(t *testing.T) {
	h := &consumerGroupHandler{
		retries: 1,
		backoff: time.Millisecond,
		handler: func(topic string, partition int32, offset int64, key, value []byte) error {
			if offset == 7 {
				return errors.New("poison")
			}
			return nil
		},
	}
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(session, newClaim(7, 8)))
	assert.Equal(t, []int64{7, 8}, session.marked)
}
