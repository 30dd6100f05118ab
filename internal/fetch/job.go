package fetch

import (
	"errors"
	"net/http"

	"github.com/any-hub/any-cache/internal/cache"
)

var (
	// ErrTransfer 表示网络或 IO 失败导致传输中断。
	ErrTransfer = errors.New("transfer failed")
	// ErrNotFound 表示上游返回 403/404，没有可缓存的资源。
	ErrNotFound = errors.New("remote asset not found")
	// ErrClosed 表示 Coordinator 已关闭，不再接受新任务。
	ErrClosed = errors.New("fetch coordinator closed")
)

// IsNotFoundStatus 403 与 404 是唯一被视为“资源不存在”的状态码。
func IsNotFoundStatus(status int) bool {
	return status == http.StatusNotFound || status == http.StatusForbidden
}

// State 是单个 consumer 的下载状态机。
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateNotFound   State = "not_found"
	StateCancelled  State = "cancelled"
)

// JobHandle 标识一次下载任务。Generation 单调递增，用于丢弃过期回调。
type JobHandle struct {
	ID          string        `json:"id"`
	Generation  uint64        `json:"generation"`
	URL         string        `json:"url"`
	Destination string        `json:"destination"`
	Locator     cache.Locator `json:"locator"`
	Background  bool          `json:"background"`
}

// StartRequest 是 Coordinator.Start 的入参。
type StartRequest struct {
	URL         string
	Locator     cache.Locator
	Destination string
	Background  bool
	// Supersedes 是该 consumer 之前持有的缓存文件，与 Destination 不同时会在任务启动前删除。
	Supersedes string
}

// EventType 区分 Coordinator 发给拥有者的通知。
type EventType string

const (
	EventBegin     EventType = "begin"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventNotFound  EventType = "not_found"
	EventFailed    EventType = "failed"
)

// Event 只会针对当前活跃任务发出；过期 generation 的回调在 Coordinator 内部被丢弃。
type Event struct {
	Type          EventType
	Job           JobHandle
	StatusCode    int
	BytesWritten  int64
	ContentLength int64
	Entry         *cache.Entry
	Err           error
}

// Terminal reports whether the event ends the job.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventNotFound, EventFailed:
		return true
	default:
		return false
	}
}

// Listener 接收事件；在 Coordinator 锁外调用。
type Listener func(Event)
