// 文件: pkg/executor/pool.go
// 有界任务池
//
// 固定数量 worker + 有界队列。队列满时由提交方自己执行任务 (caller-runs)，
// 突发流量下用背压代替无界内存增长。

package executor

import (
	"context"
	"sync"
	"sync/atomic"
)

// Task 任务
type Task func(ctx context.Context)

// Pool 有界任务池
type Pool struct {
	name  string
	queue chan Task
	ctx   context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	// OnCallerRuns 队列满、任务在提交方执行时回调 (可选，用于计数)
	OnCallerRuns func()

	submitted  atomic.Int64
	callerRuns atomic.Int64
}

// New 创建并启动任务池
func New(name string, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		task(p.ctx)
	}
}

// Submit 提交任务；队列满或已关闭时在当前 goroutine 执行
func (p *Pool) Submit(task Task) {
	p.submitted.Add(1)

	p.mu.RLock()
	if !p.stopped {
		select {
		case p.queue <- task:
			p.mu.RUnlock()
			return
		default:
		}
	}
	p.mu.RUnlock()

	p.callerRuns.Add(1)
	if p.OnCallerRuns != nil {
		p.OnCallerRuns()
	}
	task(p.ctx)
}

// Stop 不再接收新任务，等待队列中的任务执行完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// PoolStats 统计
type PoolStats struct {
	Name       string
	Submitted  int64
	CallerRuns int64
	Queued     int
}

// Stats 获取统计
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:       p.name,
		Submitted:  p.submitted.Load(),
		CallerRuns: p.callerRuns.Load(),
		Queued:     len(p.queue),
	}
}
