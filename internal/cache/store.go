package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理远程资源的磁盘缓存。磁盘布局遵循：
//
//	<root>/<partition>/<key[.ext]>    # 下载得到的正文
//
// partition 通常是资源 URL 的 host，key 由 cachekey 包派生。
type Store interface {
	// Root 返回缓存根目录的绝对路径。
	Root() string

	// Path 返回条目应当落盘的绝对路径，不访问文件系统。
	Path(locator Locator) (string, error)

	// Lookup 仅在文件存在且非空时返回条目。空文件或无法 stat 的文件会被清理，
	// 并返回 ErrCorruptEntry；文件不存在返回 ErrNotFound。
	Lookup(ctx context.Context, locator Locator) (*Entry, error)

	// Open 在 Lookup 命中后打开正文，便于 HTTP 层直接流式返回。
	Open(ctx context.Context, locator Locator) (*ReadResult, error)

	// EnsurePartitionDir 创建分区目录并标记为不参与备份。
	EnsurePartitionDir(partition string) (string, error)

	// Stage 在分区目录下创建一个以 .partial- 开头的暂存文件，下载写入其中，
	// 完成后由 Finalize 原子地 rename 到目标路径，未完成的正文不会被 Lookup 看到。
	Stage(locator Locator) (string, error)

	// Finalize 在下载成功后确认正文；若 path 不是目标路径则先 rename 过去。
	Finalize(ctx context.Context, path string, locator Locator) (*Entry, error)

	// Purge 尽力删除文件，任何错误都会被吞掉。
	Purge(path string)
}

// Locator 唯一定位一个缓存条目（分区 + 键）。
type Locator struct {
	Partition string
	Key       string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorruptEntry 表示路径上存在空文件或不可读文件，已被清理。
	ErrCorruptEntry = errors.New("corrupt cache entry")
	// ErrDirectoryCreate 表示无法创建分区目录，本次下载无法继续。
	ErrDirectoryCreate = errors.New("cache directory create failed")
)

// IsMiss reports whether err means the caller should fetch the asset.
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorruptEntry)
}
