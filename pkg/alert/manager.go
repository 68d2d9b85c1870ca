package alert

import (
	"sync"
)

// AlertIndexManager symbol -> SymbolAlertIndex 的并发注册表
// map 本身用读写锁保护；求值只在拿到索引后对单个 symbol 加锁，不存在跨 symbol 的全局锁
type AlertIndexManager struct {
	mu      sync.RWMutex
	indices map[string]*SymbolAlertIndex
}

func NewAlertIndexManager() *AlertIndexManager {
	return &AlertIndexManager{
		indices: make(map[string]*SymbolAlertIndex),
	}
}

// GetOrCreate 获取索引，首次引用时原子地创建空索引
func (m *AlertIndexManager) GetOrCreate(symbol string) *SymbolAlertIndex {
	m.mu.RLock()
	idx, ok := m.indices[symbol]
	m.mu.RUnlock()
	if ok {
		return idx
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// double check
	if idx, ok = m.indices[symbol]; ok {
		return idx
	}
	idx = NewSymbolAlertIndex(symbol)
	m.indices[symbol] = idx
	return idx
}

// Get 获取索引，不存在返回 nil
func (m *AlertIndexManager) Get(symbol string) *SymbolAlertIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indices[symbol]
}

// AddAlert 插入到对应 symbol 的索引
func (m *AlertIndexManager) AddAlert(entry AlertEntry) error {
	if !entry.Direction.Valid() {
		return ErrInvalidDirection
	}
	return m.GetOrCreate(entry.Symbol).AddAlert(entry)
}

// RemoveAlert symbol 或 alert 不存在时 no-op
func (m *AlertIndexManager) RemoveAlert(alertID, symbol string) bool {
	idx := m.Get(symbol)
	if idx == nil {
		return false
	}
	return idx.RemoveAlert(alertID)
}

// DeleteAlert 删除并留下删除标记 (DELETED 事件用)，见 SymbolAlertIndex.DeleteAlert
func (m *AlertIndexManager) DeleteAlert(alertID, symbol string) bool {
	idx := m.Get(symbol)
	if idx == nil {
		return false
	}
	return idx.DeleteAlert(alertID)
}

// TotalAlerts 所有 symbol 的预警总数 (最终一致，仅用于观测)
func (m *AlertIndexManager) TotalAlerts() int {
	total := 0
	for _, idx := range m.snapshot() {
		total += idx.Size()
	}
	return total
}

// SymbolCount 已创建索引的 symbol 数
func (m *AlertIndexManager) SymbolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.indices)
}

// Clear 清空全部状态 (测试 / 全量重载)
func (m *AlertIndexManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indices = make(map[string]*SymbolAlertIndex)
}

func (m *AlertIndexManager) snapshot() []*SymbolAlertIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SymbolAlertIndex, 0, len(m.indices))
	for _, idx := range m.indices {
		out = append(out, idx)
	}
	return out
}
