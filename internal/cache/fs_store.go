package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const cacheDirTagName = "CACHEDIR.TAG"

// stagePrefix 标记未完成的下载；派生出的键是十六进制摘要，不会与之冲突。
const stagePrefix = ".partial-"

// cacheDirTag 遵循 Cache Directory Tagging Specification，备份工具会跳过该目录。
const cacheDirTag = "Signature: 8a477f597d28d172789f06886806bc55\n" +
	"# This file is a cache directory tag created by any-cache.\n" +
	"# For information about cache directory tags, see:\n" +
	"#\thttps://bford.info/cachedir/\n"

// NewStore 以 basePath 为根目录构建磁盘缓存，所有 consumer 复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	if err := writeCacheDirTag(abs); err != nil {
		return nil, fmt.Errorf("write cache dir tag: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一路径上的 purge/finalize，其余操作依赖文件系统自身的原子性。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Root() string {
	return s.basePath
}

func (s *fileStore) Path(locator Locator) (string, error) {
	return s.entryPath(locator)
}

func (s *fileStore) Lookup(ctx context.Context, locator Locator) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		s.Purge(filePath)
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if info.IsDir() {
		s.purgeDir(filePath)
		return nil, fmt.Errorf("%w: %s is a directory", ErrCorruptEntry, filePath)
	}
	if !info.Mode().IsRegular() || info.Size() <= 0 {
		s.Purge(filePath)
		return nil, fmt.Errorf("%w: %s", ErrCorruptEntry, filePath)
	}

	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Open(ctx context.Context, locator Locator) (*ReadResult, error) {
	entry, err := s.Lookup(ctx, locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ReadResult{Entry: *entry, Reader: f}, nil
}

func (s *fileStore) EnsurePartitionDir(partition string) (string, error) {
	dir, err := s.partitionDir(partition)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDirectoryCreate, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDirectoryCreate, err)
	}
	if err := excludeFromBackup(dir); err != nil {
		return "", fmt.Errorf("%w: exclude from backup: %v", ErrDirectoryCreate, err)
	}
	return dir, nil
}

func (s *fileStore) Stage(locator Locator) (string, error) {
	target, err := s.entryPath(locator)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), stagePrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close staging file: %w", err)
	}
	return name, nil
}

func (s *fileStore) Finalize(ctx context.Context, path string, locator Locator) (*Entry, error) {
	target, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	unlock := s.lockPath(target)
	if filepath.Clean(path) != target {
		if err := ctx.Err(); err != nil {
			unlock()
			return nil, err
		}
		if err := os.Rename(path, target); err != nil {
			unlock()
			s.Purge(path)
			return nil, fmt.Errorf("promote staged download: %w", err)
		}
	}
	unlock()

	return s.Lookup(ctx, locator)
}

func (s *fileStore) Purge(path string) {
	if path == "" {
		return
	}
	unlock := s.lockPath(filepath.Clean(path))
	defer unlock()
	if _, err := os.Lstat(path); err != nil {
		return
	}
	_ = os.Remove(path)
}

// purgeDir 只用于 entryPath 已校验过的路径。
func (s *fileStore) purgeDir(path string) {
	unlock := s.lockPath(filepath.Clean(path))
	defer unlock()
	_ = os.RemoveAll(path)
}

func (s *fileStore) lockPath(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) partitionDir(partition string) (string, error) {
	if err := validSegment(partition); err != nil {
		return "", fmt.Errorf("partition: %w", err)
	}
	return filepath.Join(s.basePath, partition), nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	dir, err := s.partitionDir(locator.Partition)
	if err != nil {
		return "", err
	}
	if err := validSegment(locator.Key); err != nil {
		return "", fmt.Errorf("key: %w", err)
	}
	return filepath.Join(dir, locator.Key), nil
}

func validSegment(seg string) error {
	if seg == "" {
		return errors.New("required")
	}
	if seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) || strings.ContainsRune(seg, 0) {
		return fmt.Errorf("invalid path segment %q", seg)
	}
	return nil
}

func writeCacheDirTag(root string) error {
	tagPath := filepath.Join(root, cacheDirTagName)
	if _, err := os.Stat(tagPath); err == nil {
		return nil
	}
	return os.WriteFile(tagPath, []byte(cacheDirTag), 0o644)
}
