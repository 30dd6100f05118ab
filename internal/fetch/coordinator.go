package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/metrics"
)

// Options 汇总 Coordinator 的依赖。
type Options struct {
	Downloader Downloader
	Store      cache.Store
	Logger     *logrus.Logger
	Metrics    *metrics.Recorder
	Listener   Listener
	// Owner 用于日志区分 consumer。
	Owner string
}

// Coordinator 为单个 consumer 维护至多一个活跃下载任务。所有回调都携带任务
// generation，若已被新任务取代则直接丢弃，不会改写较新任务的状态。
type Coordinator struct {
	downloader Downloader
	store      cache.Store
	logger     *logrus.Logger
	metrics    *metrics.Recorder
	listener   Listener
	owner      string

	mu         sync.Mutex
	generation uint64
	active     *job
	state      State
	closed     bool

	wg sync.WaitGroup
}

type job struct {
	handle JobHandle
	// staging 是本任务独占的暂存文件，成功后才 rename 到 handle.Destination。
	staging  string
	cancel   context.CancelFunc
	state    State
	written  int64
	total    int64
	bodyDone bool
	notFound bool
}

// NewCoordinator 构造 Coordinator，Downloader 与 Store 必填。
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Downloader == nil {
		return nil, errors.New("downloader is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	logger := logging.OrDiscard(opts.Logger)
	return &Coordinator{
		downloader: opts.Downloader,
		store:      opts.Store,
		logger:     logger,
		metrics:    opts.Metrics,
		listener:   opts.Listener,
		owner:      opts.Owner,
		state:      StateIdle,
	}, nil
}

// Start 取消当前任务（若有），清理被取代的缓存文件，然后异步启动新的传输。
// 正文先写入分区目录下的暂存文件，完整后才出现在 Destination。
// 传输不继承 ctx 的取消，只能通过 Cancel/Close 终止。
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (JobHandle, error) {
	if req.URL == "" || req.Destination == "" {
		return JobHandle{}, errors.New("url and destination are required")
	}
	staging, err := c.store.Stage(req.Locator)
	if err != nil {
		return JobHandle{}, fmt.Errorf("%w: %v", ErrTransfer, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.store.Purge(staging)
		return JobHandle{}, ErrClosed
	}
	if prev := c.active; prev != nil {
		c.abortLocked(prev)
		c.jobLogger(prev.handle).Info("fetch_superseded")
	}
	if req.Supersedes != "" && req.Supersedes != req.Destination {
		c.store.Purge(req.Supersedes)
	}

	c.generation++
	handle := JobHandle{
		ID:          uuid.NewString(),
		Generation:  c.generation,
		URL:         req.URL,
		Destination: req.Destination,
		Locator:     req.Locator,
		Background:  req.Background,
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{handle: handle, staging: staging, cancel: cancel, state: StateStarting, total: -1}
	c.active = j
	c.state = StateStarting
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.FetchStarted()
	c.jobLogger(handle).Debug("fetch_start")
	go c.run(jobCtx, j)
	return handle, nil
}

// Cancel 仅当 handle 对应当前活跃任务时生效；不删除已写入的部分文件。
func (c *Coordinator) Cancel(handle JobHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.active
	if j == nil || j.handle.Generation != handle.Generation {
		return false
	}
	c.abortLocked(j)
	return true
}

// CancelActive 取消当前任务（若有），返回被取消的 handle。consumer 销毁时使用，
// 不关心 handle 是否与自己记录的一致。
func (c *Coordinator) CancelActive() (JobHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.active
	if j == nil {
		return JobHandle{}, false
	}
	c.abortLocked(j)
	return j.handle, true
}

// Active 返回当前活跃任务。
func (c *Coordinator) Active() (JobHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return JobHandle{}, false
	}
	return c.active.handle, true
}

// State 返回最近一个任务所处的状态。
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close 取消活跃任务并等待所有传输 goroutine 退出，之后 Start 返回 ErrClosed。
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	if c.active != nil {
		c.abortLocked(c.active)
	}
	c.mu.Unlock()
	c.Wait()
}

// Wait 阻塞直到所有已启动的传输结束（包括已被取代的任务）。
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) abortLocked(j *job) {
	j.cancel()
	j.state = StateCancelled
	if c.active == j {
		c.active = nil
		c.state = StateCancelled
	}
}

func (c *Coordinator) run(ctx context.Context, j *job) {
	defer c.wg.Done()
	gen := j.handle.Generation

	result, err := c.downloader.Download(ctx, Request{
		URL:         j.handle.URL,
		Destination: j.staging,
		Background:  j.handle.Background,
	}, Callbacks{
		Begin: func(status int, contentLength int64) {
			c.onBegin(gen, status, contentLength)
		},
		Progress: func(written, total int64) {
			c.onProgress(gen, written, total)
		},
	})

	var outcome string
	if err != nil {
		outcome = c.onError(j, err)
	} else {
		outcome = c.onComplete(ctx, j, result)
	}
	c.metrics.FetchFinished(outcome, result.BytesWritten)
}

// current 返回 gen 对应的活跃任务，过期返回 nil。调用方需持有锁。
func (c *Coordinator) current(gen uint64) *job {
	if c.active == nil || c.active.handle.Generation != gen {
		return nil
	}
	return c.active
}

func (c *Coordinator) onBegin(gen uint64, status int, contentLength int64) {
	c.mu.Lock()
	j := c.current(gen)
	if j == nil {
		c.mu.Unlock()
		return
	}
	if IsNotFoundStatus(status) {
		j.notFound = true
		c.mu.Unlock()
		return
	}
	j.state = StateInProgress
	j.total = contentLength
	c.state = StateInProgress
	ev := Event{Type: EventBegin, Job: j.handle, StatusCode: status, ContentLength: contentLength}
	c.mu.Unlock()
	c.emit(ev)
}

func (c *Coordinator) onProgress(gen uint64, written, total int64) {
	c.mu.Lock()
	j := c.current(gen)
	if j == nil {
		c.mu.Unlock()
		return
	}
	j.written = written
	j.total = total
	if total >= 0 && written == total {
		j.bodyDone = true
	}
	ev := Event{Type: EventProgress, Job: j.handle, BytesWritten: written, ContentLength: total}
	c.mu.Unlock()
	c.emit(ev)
}

func (c *Coordinator) onComplete(ctx context.Context, j *job, result Result) string {
	c.mu.Lock()
	if c.active != j {
		c.mu.Unlock()
		c.store.Purge(j.staging)
		return metrics.FetchCancelled
	}

	if j.notFound || IsNotFoundStatus(result.StatusCode) {
		c.store.Purge(j.staging)
		c.store.Purge(j.handle.Destination)
		c.finishLocked(j, StateNotFound)
		ev := Event{
			Type:       EventNotFound,
			Job:        j.handle,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("%w: status %d", ErrNotFound, result.StatusCode),
		}
		c.mu.Unlock()
		c.jobLogger(j.handle).WithField("status", result.StatusCode).Warn("fetch_not_found")
		c.emit(ev)
		return metrics.FetchNotFound
	}

	entry, err := c.store.Finalize(ctx, j.staging, j.handle.Locator)
	if err != nil {
		c.store.Purge(j.staging)
		c.finishLocked(j, StateFailed)
		ev := Event{
			Type:         EventFailed,
			Job:          j.handle,
			StatusCode:   result.StatusCode,
			BytesWritten: result.BytesWritten,
			Err:          fmt.Errorf("%w: finalize: %v", ErrTransfer, err),
		}
		c.mu.Unlock()
		c.jobLogger(j.handle).WithError(err).Warn("fetch_finalize_failed")
		c.emit(ev)
		return metrics.FetchFailed
	}

	c.finishLocked(j, StateCompleted)
	ev := Event{
		Type:          EventCompleted,
		Job:           j.handle,
		StatusCode:    result.StatusCode,
		BytesWritten:  result.BytesWritten,
		ContentLength: j.total,
		Entry:         entry,
	}
	c.mu.Unlock()
	c.jobLogger(j.handle).WithFields(logrus.Fields{
		"status": result.StatusCode,
		"bytes":  result.BytesWritten,
	}).Info("fetch_completed")
	c.emit(ev)
	return metrics.FetchCompleted
}

func (c *Coordinator) onError(j *job, err error) string {
	c.mu.Lock()
	stillActive := c.active == j
	if stillActive {
		c.finishLocked(j, StateFailed)
	}
	c.mu.Unlock()
	c.store.Purge(j.staging)

	if !stillActive {
		return metrics.FetchCancelled
	}

	if !errors.Is(err, ErrTransfer) {
		err = fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	c.jobLogger(j.handle).WithError(err).Warn("fetch_failed")
	c.emit(Event{Type: EventFailed, Job: j.handle, Err: err})
	return metrics.FetchFailed
}

func (c *Coordinator) finishLocked(j *job, state State) {
	j.state = state
	j.cancel()
	c.active = nil
	c.state = state
}

func (c *Coordinator) emit(ev Event) {
	if c.listener != nil {
		c.listener(ev)
	}
}

func (c *Coordinator) jobLogger(handle JobHandle) *logrus.Entry {
	return c.logger.WithFields(logging.FetchFields(c.owner, handle.ID, handle.URL, handle.Locator.Partition, handle.Locator.Key))
}
