package alert

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NextID() string { return strconv.FormatInt(s.n.Add(1), 10) }

var fixedNow = time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)

func newEngine() (*EvaluationEngine, *AlertIndexManager) {
	m := NewAlertIndexManager()
	e := NewEvaluationEngine(m, &seqIDs{}, WithClock(func() time.Time { return fixedNow }))
	return e, m
}

func TestEvaluationEngine_UnknownSymbol(t *testing.T) {
	e, _ := newEngine()
	require.Empty(t, e.Evaluate("AAPL", d("150"), fixedNow))
}

func TestEvaluationEngine_BuildsTrigger(t *testing.T) {
	e, m := newEngine()
	a := entry("a1", "150.00", DirectionAbove)
	a.Note = "take profit"
	require.NoError(t, m.AddAlert(a))

	tick := time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)
	triggers := e.Evaluate("AAPL", d("155.00"), tick)
	require.Len(t, triggers, 1)

	tr := triggers[0]
	require.Equal(t, "1", tr.TriggerID)
	require.Equal(t, "a1", tr.AlertID)
	require.Equal(t, "u1", tr.UserID)
	require.Equal(t, "AAPL", tr.Symbol)
	require.Equal(t, "150.00", tr.ThresholdPrice.StringFixed(2))
	require.Equal(t, "155.00", tr.TriggerPrice.StringFixed(2))
	require.Equal(t, DirectionAbove, tr.Direction)
	require.Equal(t, "take profit", tr.Note)
	require.Equal(t, tick, tr.TickTimestamp)
	require.Equal(t, fixedNow, tr.TriggeredAt)
	require.Equal(t, "2024-03-15", tr.TradingDate)
	require.Equal(t, "a1:2024-03-15", tr.IdempotencyKey())

	// 单次触发
	require.Empty(t, e.Evaluate("AAPL", d("160.00"), tick))
}

func TestEvaluationEngine_TradingDateUsesExchangeZone(t *testing.T) {
	e, m := newEngine()
	require.NoError(t, m.AddAlert(entry("a1", "1", DirectionAbove)))

	// UTC 已经是 16 号，纽约还是 15 号晚上
	tick := time.Date(2024, 3, 16, 2, 0, 0, 0, time.UTC)
	triggers := e.Evaluate("AAPL", d("2"), tick)
	require.Len(t, triggers, 1)
	require.Equal(t, "2024-03-15", triggers[0].TradingDate)
}

func TestEvaluationEngine_UniqueIDs(t *testing.T) {
	e, m := newEngine()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, m.AddAlert(entry(id, "100", DirectionAbove)))
	}

	triggers := e.Evaluate("AAPL", d("100"), fixedNow)
	require.Len(t, triggers, 3)
	seen := map[string]bool{}
	for _, tr := range triggers {
		require.False(t, seen[tr.TriggerID])
		seen[tr.TriggerID] = true
	}
}

type panicIDs struct{ calls atomic.Int64 }

func (p *panicIDs) NextID() string {
	if p.calls.Add(1) == 1 {
		panic("id source exhausted")
	}
	return "ok"
}

func TestEvaluationEngine_IsolatesEntryFailures(t *testing.T) {
	m := NewAlertIndexManager()
	e := NewEvaluationEngine(m, &panicIDs{})
	require.NoError(t, m.AddAlert(entry("a1", "100", DirectionAbove)))
	require.NoError(t, m.AddAlert(entry("a2", "100", DirectionAbove)))

	triggers := e.Evaluate("AAPL", d("100"), fixedNow)
	require.Len(t, triggers, 1)
	require.Equal(t, "ok", triggers[0].TriggerID)
}

func TestEvaluationEngine_Rearm(t *testing.T) {
	e, m := newEngine()
	require.NoError(t, m.AddAlert(entry("a1", "100", DirectionAbove)))

	triggers := e.Evaluate("AAPL", d("101"), fixedNow)
	require.Len(t, triggers, 1)
	require.Zero(t, m.TotalAlerts())

	require.Equal(t, 1, e.Rearm(triggers))
	require.Equal(t, 1, e.Rearm(triggers))
	require.Equal(t, 1, m.TotalAlerts())
	require.Len(t, e.Evaluate("AAPL", d("101"), fixedNow), 1)
}

func TestEvaluationEngine_RearmCrossFiresOnReplay(t *testing.T) {
	e, m := newEngine()
	require.NoError(t, m.AddAlert(entry("c1", "155", DirectionCross)))
	require.NoError(t, m.AddAlert(entry("a1", "158", DirectionAbove)))

	require.Empty(t, e.Evaluate("AAPL", d("150"), fixedNow))
	triggers := e.Evaluate("AAPL", d("160"), fixedNow)
	require.Len(t, triggers, 2)

	require.Equal(t, 2, e.Rearm(triggers))
	replay := e.Evaluate("AAPL", d("160"), fixedNow)
	require.Len(t, replay, 2)
	require.Zero(t, m.TotalAlerts())
}

func TestEvaluationEngine_RearmSkipsDeletedAlert(t *testing.T) {
	e, m := newEngine()
	require.NoError(t, m.AddAlert(entry("a1", "100", DirectionAbove)))

	triggers := e.Evaluate("AAPL", d("101"), fixedNow)
	require.Len(t, triggers, 1)

	m.DeleteAlert("a1", "AAPL")
	require.Zero(t, e.Rearm(triggers))
	require.Zero(t, m.TotalAlerts())
	require.Empty(t, e.Evaluate("AAPL", d("101"), fixedNow))
}

func TestEvaluationEngine_ConcurrentSymbols(t *testing.T) {
	e, m := newEngine()
	symbols := []string{"AAPL", "MSFT", "TSLA", "NVDA"}
	for _, s := range symbols {
		for i := 0; i < 50; i++ {
			a := entry(s+strconv.Itoa(i), strconv.Itoa(100+i), DirectionAbove)
			a.Symbol = s
			require.NoError(t, m.AddAlert(a))
		}
	}

	var wg sync.WaitGroup
	counts := make([]int, len(symbols))
	for i, s := range symbols {
		wg.Add(1)
		go func(i int, s string) {
			defer wg.Done()
			for p := 100; p < 150; p++ {
				for _, tr := range e.Evaluate(s, d(strconv.Itoa(p)), fixedNow) {
					if tr.Symbol == s {
						counts[i]++
					}
				}
			}
		}(i, s)
	}
	wg.Wait()

	for _, c := range counts {
		require.Equal(t, 50, c)
	}
}
