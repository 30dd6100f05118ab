package controller

import (
	"errors"
	"net/url"
	"strings"

	"github.com/any-hub/any-cache/internal/cachekey"
)

var (
	// ErrDestroyed 表示 consumer 已销毁。
	ErrDestroyed = errors.New("consumer destroyed")
	// ErrUnknownConsumer 表示 registry 中没有该 id。
	ErrUnknownConsumer = errors.New("consumer not found")
)

// Source 是渲染层传入的资源引用。URI 为空或不是 http(s) 时视为本地资源。
type Source struct {
	URI string `json:"uri"`
	// Policy 为 nil 时使用 Options.Policy。
	Policy *cachekey.Policy `json:"query_params,omitempty"`
	// Background 为 nil 时使用 Options.Background。
	Background *bool `json:"background,omitempty"`
}

// IsRemote 判断是否需要走缓存：只有带 host 的 http/https URL 才算远程资源。
func (s Source) IsRemote() bool {
	raw := strings.TrimSpace(s.URI)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		// 形似远程但无法解析，交给 Derive 返回 ErrInvalidLocator。
		lower := strings.ToLower(raw)
		return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// State 是暴露给渲染层的快照。Version 每次变化递增，订阅方可据此丢弃乱序通知。
type State struct {
	URI           string `json:"uri"`
	IsRemote      bool   `json:"is_remote"`
	Partition     string `json:"partition,omitempty"`
	Key           string `json:"key,omitempty"`
	Cacheable     bool   `json:"cacheable"`
	CachedPath    string `json:"cached_path,omitempty"`
	Downloading   bool   `json:"downloading"`
	ActiveJobID   string `json:"active_job_id,omitempty"`
	BytesWritten  int64  `json:"bytes_written"`
	ContentLength int64  `json:"content_length"`
	LastError     string `json:"last_error,omitempty"`
	Version       uint64 `json:"version"`
}

// Renderable reports whether the rendering layer can display the cached file.
func (s State) Renderable() bool {
	return s.IsRemote && s.Cacheable && s.CachedPath != ""
}
