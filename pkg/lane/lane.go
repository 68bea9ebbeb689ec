// 文件: pkg/lane/lane.go
// 参与者串行通道 (per-participant lane)
//
// 【职责】
// 同一参与者的所有状态写入 (组合、持仓、订单、成交、决策记录) 必须串行，
// 不同参与者之间完全并行。lane 就是这条串行边界。
//
// 【设计】
// - 容量为 1 的 channel 充当可带 ctx 取消的互斥锁
// - TryAcquire 用于决策 tick 的重叠检测: 上一轮未结束时新 tick 直接丢弃
// - 决策轮在模型调用期间主动释放 lane，执行阶段重新获取 (见 decision 包)

package lane

import (
	"context"
	"sync"
)

// Lane 单个参与者的串行通道
type Lane struct {
	ch chan struct{}
}

func newLane() *Lane {
	return &Lane{ch: make(chan struct{}, 1)}
}

// Acquire 阻塞获取，ctx 取消时返回其错误
func (l *Lane) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire 非阻塞获取，占用中返回 false
func (l *Lane) TryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release 释放
// 未持有时 Release 是编程错误，直接 panic 暴露
func (l *Lane) Release() {
	select {
	case <-l.ch:
	default:
		panic("lane: release without acquire")
	}
}

// =============================================================================
// Registry - 按参与者 ID 索引的 lane 集合
// =============================================================================

// Registry lane 注册表，按 key 惰性创建
type Registry struct {
	mu    sync.Mutex
	lanes map[string]*Lane
}

func NewRegistry() *Registry {
	return &Registry{lanes: make(map[string]*Lane)}
}

// Get 获取某个 key 的 lane，不存在则创建
func (r *Registry) Get(key string) *Lane {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lanes[key]
	if !ok {
		l = newLane()
		r.lanes[key] = l
	}
	return l
}

// Drop 删除某个 key (参与者终态后清理)
func (r *Registry) Drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lanes, key)
}
