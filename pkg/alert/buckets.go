package alert

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 阈值桶 (跳表实现)
// =============================================================================
//
// 按阈值升序排列，每个节点是一个"桶"，存放相同阈值的所有预警:
//
// Level 2:  Head ──────────────► 150.00 ─────────────────────► nil
// Level 1:  Head ──► 148.50 ───► 150.00 ──────────► 155.25 ──► nil
// Level 0:  Head ──► 148.50 ───► 150.00 ──► 152.00 ► 155.25 ──► nil
//                   [a1]        [a2,a3]    [a4]     [a5]
//
// 触发查询都是区间查询:
//   ABOVE: (-inf, price]   前缀
//   BELOW: [price, +inf)   后缀，直接按路径截断
//   CROSS: (lo, hi)        开区间
//
// 本身不加锁，由 SymbolAlertIndex 负责同步。

const (
	bucketMaxLevel = 32
	bucketP        = 0.25
)

type bucketNode struct {
	threshold decimal.Decimal
	entries   []AlertEntry
	next      []*bucketNode
}

type thresholdBuckets struct {
	head   *bucketNode
	height int
	length int // 桶数量
	count  int // 预警数量
}

func newThresholdBuckets() *thresholdBuckets {
	return &thresholdBuckets{
		head:   &bucketNode{next: make([]*bucketNode, bucketMaxLevel)},
		height: 1,
	}
}

func randomHeight() int {
	h := 1
	for rand.Float64() < bucketP && h < bucketMaxLevel {
		h++
	}
	return h
}

// findWithPath 查找阈值对应的桶，同时记录每层前驱
func (b *thresholdBuckets) findWithPath(threshold decimal.Decimal) (*bucketNode, [bucketMaxLevel]*bucketNode) {
	var path [bucketMaxLevel]*bucketNode
	curr := b.head
	for i := b.height - 1; i >= 0; i-- {
		for curr.next[i] != nil && curr.next[i].threshold.LessThan(threshold) {
			curr = curr.next[i]
		}
		path[i] = curr
	}

	target := curr.next[0]
	if target != nil && target.threshold.Equal(threshold) {
		return target, path
	}
	return nil, path
}

// insert 追加到对应阈值的桶，桶不存在则创建
func (b *thresholdBuckets) insert(entry AlertEntry) {
	existing, path := b.findWithPath(entry.ThresholdPrice)
	b.count++
	if existing != nil {
		existing.entries = append(existing.entries, entry)
		return
	}

	h := randomHeight()
	if h > b.height {
		for i := b.height; i < h; i++ {
			path[i] = b.head
		}
		b.height = h
	}

	node := &bucketNode{
		threshold: entry.ThresholdPrice,
		entries:   []AlertEntry{entry},
		next:      make([]*bucketNode, h),
	}
	for i := 0; i < h; i++ {
		node.next[i] = path[i].next[i]
		path[i].next[i] = node
	}
	b.length++
}

// deleteBucket 删除整个桶
func (b *thresholdBuckets) deleteBucket(threshold decimal.Decimal) *bucketNode {
	target, path := b.findWithPath(threshold)
	if target == nil {
		return nil
	}
	for i := 0; i < b.height; i++ {
		if path[i].next[i] != target {
			break
		}
		path[i].next[i] = target.next[i]
	}
	b.shrink()

	b.length--
	b.count -= len(target.entries)
	return target
}

func (b *thresholdBuckets) shrink() {
	for b.height > 1 && b.head.next[b.height-1] == nil {
		b.height--
	}
}

// remove 全量扫描删除指定 alertID，空桶一并删除
// O(n)，删除远少于求值，可以接受
func (b *thresholdBuckets) remove(alertID string) int {
	removed := 0
	var emptied []decimal.Decimal

	for n := b.head.next[0]; n != nil; n = n.next[0] {
		kept := n.entries[:0]
		for _, e := range n.entries {
			if e.AlertID == alertID {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		// 清掉尾部引用
		for i := len(kept); i < len(n.entries); i++ {
			n.entries[i] = AlertEntry{}
		}
		n.entries = kept
		if len(kept) == 0 {
			emptied = append(emptied, n.threshold)
		}
	}

	b.count -= removed
	for _, t := range emptied {
		b.deleteBucket(t)
	}
	return removed
}

// popAtMost 弹出阈值 <= price 的所有预警 (前缀)
func (b *thresholdBuckets) popAtMost(price decimal.Decimal) []AlertEntry {
	return b.popWhile(b.head.next[0], func(t decimal.Decimal) bool {
		return t.LessThanOrEqual(price)
	})
}

// popAtLeast 弹出阈值 >= price 的所有预警 (后缀)
// 后缀一定到表尾，按查找路径把每层截断即可
func (b *thresholdBuckets) popAtLeast(price decimal.Decimal) []AlertEntry {
	_, path := b.findWithPath(price)
	first := path[0].next[0]
	if first == nil {
		return nil
	}

	var fired []AlertEntry
	for n := first; n != nil; n = n.next[0] {
		fired = append(fired, n.entries...)
		b.length--
	}
	for i := 0; i < b.height; i++ {
		path[i].next[i] = nil
	}
	b.shrink()
	b.count -= len(fired)
	return fired
}

// popBetween 弹出 lo < 阈值 < hi 的所有预警 (两端都是开区间)
func (b *thresholdBuckets) popBetween(lo, hi decimal.Decimal) []AlertEntry {
	if !lo.LessThan(hi) {
		return nil
	}
	curr := b.head
	for i := b.height - 1; i >= 0; i-- {
		for curr.next[i] != nil && curr.next[i].threshold.LessThanOrEqual(lo) {
			curr = curr.next[i]
		}
	}
	return b.popWhile(curr.next[0], func(t decimal.Decimal) bool {
		return t.LessThan(hi)
	})
}

// popWhile 从 start 开始顺序收集满足条件的桶并删除
func (b *thresholdBuckets) popWhile(start *bucketNode, cond func(decimal.Decimal) bool) []AlertEntry {
	var fired []AlertEntry
	var hit []decimal.Decimal
	for n := start; n != nil && cond(n.threshold); n = n.next[0] {
		fired = append(fired, n.entries...)
		hit = append(hit, n.threshold)
	}
	for _, t := range hit {
		b.deleteBucket(t)
	}
	return fired
}

// forEach 升序遍历所有桶，fn 返回 false 停止
func (b *thresholdBuckets) forEach(fn func(threshold decimal.Decimal, entries []AlertEntry) bool) {
	for n := b.head.next[0]; n != nil; n = n.next[0] {
		if !fn(n.threshold, n.entries) {
			return
		}
	}
}
