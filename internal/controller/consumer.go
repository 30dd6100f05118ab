// Package controller drives the cache for a single consumer: every source change
// derives the cache key, serves a local hit directly, or hands a miss to the
// fetch coordinator and folds its events back into an observable State.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/fetch"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/metrics"
)

// Options 汇总 consumer 的依赖与默认策略。
type Options struct {
	Store      cache.Store
	Downloader fetch.Downloader
	Logger     *logrus.Logger
	Metrics    *metrics.Recorder
	// Policy 在 Source.Policy 为空时生效。
	Policy cachekey.Policy
	// Background 在 Source.Background 为空时生效。
	Background bool
	// ID 为空时自动生成 uuid。
	ID string
}

// Consumer 对应一个渲染实例，同一时间至多持有一个下载任务和一个缓存文件。
type Consumer struct {
	id      string
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Recorder
	coord   *fetch.Coordinator

	mu        sync.Mutex
	state     State
	job       *fetch.JobHandle
	destroyed bool
	subs      map[uint64]func(State)
	nextSub   uint64
}

// New 创建 consumer 并立即处理初始 source。失败时 consumer 会被销毁。
func New(ctx context.Context, opts Options, src Source) (*Consumer, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Downloader == nil {
		return nil, errors.New("downloader is required")
	}
	logger := logging.OrDiscard(opts.Logger)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	c := &Consumer{
		id:      id,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		state:   State{Cacheable: true, ContentLength: -1},
		subs:    make(map[uint64]func(State)),
	}
	coord, err := fetch.NewCoordinator(fetch.Options{
		Downloader: opts.Downloader,
		Store:      opts.Store,
		Logger:     logger,
		Metrics:    opts.Metrics,
		Listener:   c.handleEvent,
		Owner:      id,
	})
	if err != nil {
		return nil, err
	}
	c.coord = coord
	c.metrics.ConsumerCreated()

	if err := c.SetSource(ctx, src); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

// ID 返回 consumer 标识。
func (c *Consumer) ID() string {
	return c.id
}

// Snapshot 返回当前状态副本。
func (c *Consumer) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe 注册状态变更回调，返回取消函数。回调在锁外执行，可能乱序到达，以 Version 为准。
func (c *Consumer) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || fn == nil {
		return func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// SetSource 处理一次 source 变化。ErrInvalidLocator 不会改变状态；
// ErrDirectoryCreate 保留之前的缓存状态。
func (c *Consumer) SetSource(ctx context.Context, src Source) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	changed, err := c.applyLocked(ctx, src)
	snapshot := c.state
	subs := c.subscribersLocked(changed)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return err
}

// Destroy 取消活跃任务并停止通知。已写入磁盘的缓存文件保留给其他 consumer 复用。
func (c *Consumer) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	uri := c.state.URI
	c.coord.CancelActive()
	c.clearJobLocked()
	c.subs = nil
	c.mu.Unlock()

	c.metrics.ConsumerDestroyed()
	c.logger.WithFields(logging.ConsumerFields(c.id, uri, "", "")).Debug("consumer_destroyed")
}

// Wait 等待该 consumer 发起的所有传输 goroutine 退出。
func (c *Consumer) Wait() {
	c.coord.Wait()
}

func (c *Consumer) applyLocked(ctx context.Context, src Source) (bool, error) {
	if !src.IsRemote() {
		c.state.URI = src.URI
		c.state.IsRemote = false
		c.state.Partition = ""
		c.state.Key = ""
		c.bumpLocked()
		return true, nil
	}

	policy := c.opts.Policy
	if src.Policy != nil {
		policy = *src.Policy
	}
	derived, err := cachekey.Derive(src.URI, policy)
	if err != nil {
		c.logger.WithFields(logging.ConsumerFields(c.id, src.URI, "", "")).WithError(err).Warn("invalid_locator")
		return false, err
	}
	locator := cache.Locator{Partition: derived.Partition, Key: derived.Key}
	dest, err := c.opts.Store.Path(locator)
	if err != nil {
		return false, fmt.Errorf("%w: %v", cachekey.ErrInvalidLocator, err)
	}
	fields := logging.ConsumerFields(c.id, src.URI, locator.Partition, locator.Key)

	// 同一个键正在下载：保持现有任务，不重新拉取。
	if c.job != nil && c.job.Destination == dest {
		c.setLocatorLocked(src.URI, locator)
		c.bumpLocked()
		return true, nil
	}

	entry, err := c.opts.Store.Lookup(ctx, locator)
	switch {
	case err == nil:
		c.metrics.ObserveLookup(metrics.LookupHit)
		if c.job != nil {
			c.coord.Cancel(*c.job)
			c.clearJobLocked()
		}
		c.setLocatorLocked(src.URI, locator)
		c.state.Cacheable = true
		c.state.CachedPath = entry.FilePath
		c.state.BytesWritten = entry.SizeBytes
		c.state.ContentLength = entry.SizeBytes
		c.state.LastError = ""
		c.bumpLocked()
		c.logger.WithFields(fields).Debug("cache_hit")
		return true, nil
	case errors.Is(err, cache.ErrCorruptEntry):
		c.metrics.ObserveLookup(metrics.LookupCorrupt)
		c.logger.WithFields(fields).WithError(err).Warn("cache_entry_corrupt")
	case errors.Is(err, cache.ErrNotFound):
		c.metrics.ObserveLookup(metrics.LookupMiss)
	default:
		return false, err
	}

	// 以下失败都不改动 state，渲染方继续使用之前的缓存。
	if _, err := c.opts.Store.EnsurePartitionDir(locator.Partition); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("cache_dir_failed")
		return false, err
	}

	var supersedes string
	if c.state.CachedPath != "" && c.state.CachedPath != dest {
		supersedes = c.state.CachedPath
	}

	background := c.opts.Background
	if src.Background != nil {
		background = *src.Background
	}
	// Start 会先取代当前任务，失败时旧任务保持不变。
	handle, err := c.coord.Start(ctx, fetch.StartRequest{
		URL:         src.URI,
		Locator:     locator,
		Destination: dest,
		Background:  background,
		Supersedes:  supersedes,
	})
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("fetch_start_failed")
		return false, err
	}

	c.job = &handle
	c.setLocatorLocked(src.URI, locator)
	c.state.CachedPath = ""
	c.state.Downloading = true
	c.state.ActiveJobID = handle.ID
	c.state.BytesWritten = 0
	c.state.ContentLength = -1
	c.state.LastError = ""
	c.bumpLocked()
	c.logger.WithFields(fields).WithField("job_id", handle.ID).Debug("cache_miss_fetch")
	return true, nil
}

func (c *Consumer) handleEvent(ev fetch.Event) {
	c.mu.Lock()
	if c.destroyed || c.job == nil || c.job.Generation != ev.Job.Generation {
		c.mu.Unlock()
		return
	}

	switch ev.Type {
	case fetch.EventBegin:
		c.state.Downloading = true
		c.state.ActiveJobID = ev.Job.ID
		c.state.ContentLength = ev.ContentLength
	case fetch.EventProgress:
		c.state.BytesWritten = ev.BytesWritten
		c.state.ContentLength = ev.ContentLength
	case fetch.EventCompleted:
		c.clearJobLocked()
		c.state.Cacheable = true
		c.state.CachedPath = ev.Entry.FilePath
		c.state.BytesWritten = ev.Entry.SizeBytes
	case fetch.EventNotFound, fetch.EventFailed:
		c.clearJobLocked()
		c.state.Cacheable = false
		c.state.CachedPath = ""
		if ev.Err != nil {
			c.state.LastError = ev.Err.Error()
		}
	}
	c.bumpLocked()
	snapshot := c.state
	subs := c.subscribersLocked(true)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (c *Consumer) setLocatorLocked(uri string, locator cache.Locator) {
	c.state.URI = uri
	c.state.IsRemote = true
	c.state.Partition = locator.Partition
	c.state.Key = locator.Key
}

func (c *Consumer) clearJobLocked() {
	c.job = nil
	c.state.Downloading = false
	c.state.ActiveJobID = ""
}

func (c *Consumer) bumpLocked() {
	c.state.Version++
}

func (c *Consumer) subscribersLocked(changed bool) []func(State) {
	if !changed || len(c.subs) == 0 {
		return nil
	}
	out := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		out = append(out, fn)
	}
	return out
}
