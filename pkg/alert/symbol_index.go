package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// tombstoneTTL 删除标记的保留时间，只需覆盖 "求值 -> 写 outbox 失败 -> Rearm" 这段窗口
const tombstoneTTL = time.Hour

// =============================================================================
// SymbolAlertIndex 单个交易对的预警索引
// =============================================================================
//
// 每个方向一组阈值桶，互不重叠: 一个预警只会出现在其中一组里，
// 并且只在"上次插入后还没触发过"期间存在。
//
// 锁约定:
//   - AddAlert / RemoveAlert / DeleteAlert / Evaluate / Rearm 互斥 (写锁)
//   - Size / IsEmpty / LastPrice 只读 (读锁)，不阻塞其他读
//   - 不同 symbol 的索引完全独立

// SymbolAlertIndex 单 symbol 索引
type SymbolAlertIndex struct {
	symbol string

	mu    sync.RWMutex
	above *thresholdBuckets
	below *thresholdBuckets
	cross *thresholdBuckets

	lastPrice    decimal.Decimal
	hasLastPrice bool

	// alertID -> 删除时间，Rearm 不会放回已删除的预警
	deleted map[string]time.Time
}

// NewSymbolAlertIndex 创建空索引
func NewSymbolAlertIndex(symbol string) *SymbolAlertIndex {
	return &SymbolAlertIndex{
		symbol:  symbol,
		above:   newThresholdBuckets(),
		below:   newThresholdBuckets(),
		cross:   newThresholdBuckets(),
		deleted: make(map[string]time.Time),
	}
}

// Symbol 交易对
func (idx *SymbolAlertIndex) Symbol() string {
	return idx.symbol
}

func (idx *SymbolAlertIndex) bucketsFor(d Direction) *thresholdBuckets {
	switch d {
	case DirectionAbove:
		return idx.above
	case DirectionBelow:
		return idx.below
	case DirectionCross:
		return idx.cross
	}
	return nil
}

// AddAlert 按方向插入，相同阈值追加到同一个桶
func (idx *SymbolAlertIndex) AddAlert(entry AlertEntry) error {
	buckets := idx.bucketsFor(entry.Direction)
	if buckets == nil {
		return fmt.Errorf("%w: %q (alert %s)", ErrInvalidDirection, entry.Direction, entry.AlertID)
	}

	idx.mu.Lock()
	delete(idx.deleted, entry.AlertID)
	buckets.insert(entry)
	idx.mu.Unlock()
	return nil
}

// RemoveAlert 从三个方向里删除该 alertID 的所有条目
// 不存在时是 no-op，返回是否删掉了东西
func (idx *SymbolAlertIndex) RemoveAlert(alertID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.removeLocked(alertID)
}

func (idx *SymbolAlertIndex) removeLocked(alertID string) bool {
	removed := idx.above.remove(alertID)
	removed += idx.below.remove(alertID)
	removed += idx.cross.remove(alertID)
	return removed > 0
}

// DeleteAlert 删除并留下删除标记
// 与 RemoveAlert 的区别: 之后的 Rearm 会跳过该预警，直到它被 AddAlert 重新加入
func (idx *SymbolAlertIndex) DeleteAlert(alertID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := idx.removeLocked(alertID)
	now := time.Now()
	for id, at := range idx.deleted {
		if now.Sub(at) > tombstoneTTL {
			delete(idx.deleted, id)
		}
	}
	idx.deleted[alertID] = now
	return removed
}

// Evaluate 用新价格求值，返回触发的预警 (同时从索引中移除)
//
//	ABOVE: threshold <= newPrice
//	BELOW: threshold >= newPrice
//	CROSS: min(last, new) < threshold < max(last, new)，需要已知上一次价格且价格有变化
//
// 无论是否触发，最后都把 lastPrice 更新为 newPrice
func (idx *SymbolAlertIndex) Evaluate(newPrice decimal.Decimal) []AlertEntry {
	fired, _ := idx.evaluate(newPrice)
	return fired
}

// evaluate 同 Evaluate，另外返回求值前的价格状态，供 Rearm 回滚
func (idx *SymbolAlertIndex) evaluate(newPrice decimal.Decimal) ([]AlertEntry, PriceMark) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prev := PriceMark{Price: idx.lastPrice, Known: idx.hasLastPrice}

	fired := idx.above.popAtMost(newPrice)
	fired = append(fired, idx.below.popAtLeast(newPrice)...)

	if idx.hasLastPrice && !idx.lastPrice.Equal(newPrice) {
		lo, hi := idx.lastPrice, newPrice
		if hi.LessThan(lo) {
			lo, hi = hi, lo
		}
		fired = append(fired, idx.cross.popBetween(lo, hi)...)
	}

	idx.lastPrice = newPrice
	idx.hasLastPrice = true
	return fired, prev
}

// PriceMark 某次求值前的 lastPrice
type PriceMark struct {
	Price decimal.Decimal
	Known bool
}

// Rearm 把一次求值弹出的条目放回索引，返回实际放回的数量
//
// 已 DeleteAlert 的条目跳过。只要 lastPrice 仍停在 applied (之后没有别的价格)，
// 就回滚为 prev，同一笔行情重放时 CROSS 能再次触发。
func (idx *SymbolAlertIndex) Rearm(entries []AlertEntry, prev PriceMark, applied decimal.Decimal) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rearmed := 0
	for _, entry := range entries {
		if _, gone := idx.deleted[entry.AlertID]; gone {
			continue
		}
		buckets := idx.bucketsFor(entry.Direction)
		if buckets == nil {
			continue
		}
		// 先删后加，期间变更事件已重新加入时不会出现两份
		idx.removeLocked(entry.AlertID)
		buckets.insert(entry)
		rearmed++
	}

	if rearmed > 0 && idx.hasLastPrice && idx.lastPrice.Equal(applied) {
		idx.lastPrice = prev.Price
		idx.hasLastPrice = prev.Known
	}
	return rearmed
}

// Size 三个方向的预警总数
func (idx *SymbolAlertIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.above.count + idx.below.count + idx.cross.count
}

// IsEmpty 是否没有任何预警
func (idx *SymbolAlertIndex) IsEmpty() bool {
	return idx.Size() == 0
}

// LastPrice 最近一次求值的价格
func (idx *SymbolAlertIndex) LastPrice() (decimal.Decimal, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastPrice, idx.hasLastPrice
}

// Thresholds 某个方向上的阈值 (升序)，排查问题用
func (idx *SymbolAlertIndex) Thresholds(d Direction) []decimal.Decimal {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	buckets := idx.bucketsFor(d)
	if buckets == nil {
		return nil
	}
	out := make([]decimal.Decimal, 0, buckets.length)
	buckets.forEach(func(t decimal.Decimal, _ []AlertEntry) bool {
		out = append(out, t)
		return true
	})
	return out
}
