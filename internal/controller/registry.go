package controller

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry 以 id 管理多个 consumer，它们共享同一个 Store/Downloader，但互不共享内存状态。
type Registry struct {
	template Options

	mu        sync.RWMutex
	consumers map[string]*Consumer
	closed    bool
}

// NewRegistry 使用 opts 作为每个 consumer 的模板（ID 字段会被覆盖）。
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Downloader == nil {
		return nil, errors.New("downloader is required")
	}
	return &Registry{
		template:  opts,
		consumers: make(map[string]*Consumer),
	}, nil
}

// Create 创建 consumer 并处理初始 source。
func (r *Registry) Create(ctx context.Context, src Source) (*Consumer, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrDestroyed
	}

	opts := r.template
	opts.ID = uuid.NewString()
	consumer, err := New(ctx, opts, src)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		consumer.Destroy()
		return nil, ErrDestroyed
	}
	r.consumers[consumer.ID()] = consumer
	r.mu.Unlock()
	return consumer, nil
}

// Get 查找 consumer。
func (r *Registry) Get(id string) (*Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	consumer, ok := r.consumers[id]
	return consumer, ok
}

// Update 对指定 consumer 应用新的 source，返回处理后的快照。
func (r *Registry) Update(ctx context.Context, id string, src Source) (State, error) {
	consumer, ok := r.Get(id)
	if !ok {
		return State{}, ErrUnknownConsumer
	}
	err := consumer.SetSource(ctx, src)
	return consumer.Snapshot(), err
}

// Destroy 销毁并移除 consumer，不存在时返回 false。
func (r *Registry) Destroy(id string) bool {
	r.mu.Lock()
	consumer, ok := r.consumers[id]
	delete(r.consumers, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	consumer.Destroy()
	return true
}

// Len 返回存活的 consumer 数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

// IDs 返回排序后的 consumer id 列表，供诊断接口使用。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.consumers))
	for id := range r.consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close 销毁全部 consumer 并等待其传输退出。
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	consumers := make([]*Consumer, 0, len(r.consumers))
	for _, consumer := range r.consumers {
		consumers = append(consumers, consumer)
	}
	r.consumers = make(map[string]*Consumer)
	r.mu.Unlock()

	for _, consumer := range consumers {
		consumer.Destroy()
	}
	for _, consumer := range consumers {
		consumer.Wait()
	}
}
