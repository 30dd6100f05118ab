package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreLookupHit(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: "cdn.example.com", Key: "abc.jpg"}
	path := writeEntry(t, store, locator, "payload")

	entry, err := store.Lookup(context.Background(), locator)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if entry.FilePath != path {
		t.Fatalf("expected path %s, got %s", path, entry.FilePath)
	}
	if entry.SizeBytes != int64(len("payload")) {
		t.Fatalf("size mismatch: %d", entry.SizeBytes)
	}
}

func TestStoreLookupMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Lookup(context.Background(), Locator{Partition: "cdn.example.com", Key: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !IsMiss(err) {
		t.Fatalf("not found should count as miss")
	}
}

func TestStoreLookupPurgesEmptyFile(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: "cdn.example.com", Key: "empty.png"}
	path := writeEntry(t, store, locator, "")

	_, err := store.Lookup(context.Background(), locator)
	if !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("expected ErrCorruptEntry, got %v", err)
	}
	if !IsMiss(err) {
		t.Fatalf("corrupt entry should count as miss")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("empty file should be purged, stat err=%v", statErr)
	}
}

func TestStoreLookupPurgesDirectories(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: "ghcr.io", Key: "v2"}

	path, err := store.Path(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(path, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Lookup(context.Background(), locator); !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("expected ErrCorruptEntry for directory, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("directory should be purged, stat err=%v", statErr)
	}
}

func TestStoreOpenStreamsBody(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: "cdn.example.com", Key: "body.txt"}
	writeEntry(t, store, locator, "hello")

	result, err := store.Open(context.Background(), locator)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer result.Reader.Close()
	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestStoreEnsurePartitionDir(t *testing.T) {
	store := newTestStore(t)
	dir, err := store.EnsurePartitionDir("cdn.example.com:8443")
	if err != nil {
		t.Fatalf("ensure error: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("partition dir missing: %v", err)
	}
	if filepath.Dir(dir) != store.Root() {
		t.Fatalf("partition should live under root, got %s", dir)
	}

	if _, err := store.EnsurePartitionDir("../escape"); !errors.Is(err, ErrDirectoryCreate) {
		t.Fatalf("expected ErrDirectoryCreate, got %v", err)
	}
}

func TestStoreEnsurePartitionDirFailsOnFile(t *testing.T) {
	store := newTestStore(t)
	blocker := filepath.Join(store.Root(), "blocked.example")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := store.EnsurePartitionDir("blocked.example"); !errors.Is(err, ErrDirectoryCreate) {
		t.Fatalf("expected ErrDirectoryCreate, got %v", err)
	}
}

func TestStoreFinalizeInPlace(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: "cdn.example.com", Key: "direct.jpg"}
	path := writeEntry(t, store, locator, "jpeg")

	entry, err := store.Finalize(context.Background(), path, locator)
	if err != nil {
		t.Fatalf("finalize error: %v", err)
	}
	if entry.FilePath != path {
		t.Fatalf("finalize should keep path, got %s", entry.FilePath)
	}
}

func TestStoreFinalizePromotesStagedFile(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: "cdn.example.com", Key: "staged.jpg"}
	if _, err := store.EnsurePartitionDir(locator.Partition); err != nil {
		t.Fatalf("ensure error: %v", err)
	}
	staged := filepath.Join(t.TempDir(), "download.part")
	if err := os.WriteFile(staged, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	entry, err := store.Finalize(context.Background(), staged, locator)
	if err != nil {
		t.Fatalf("finalize error: %v", err)
	}
	target, _ := store.Path(locator)
	if entry.FilePath != target {
		t.Fatalf("expected promoted path %s, got %s", target, entry.FilePath)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("staged file should be moved, stat err=%v", err)
	}
}

func TestStoreStageIsInvisibleUntilFinalized(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: "cdn.example.com", Key: "staged.png"}
	if _, err := store.EnsurePartitionDir(locator.Partition); err != nil {
		t.Fatalf("ensure error: %v", err)
	}

	first, err := store.Stage(locator)
	if err != nil {
		t.Fatalf("stage error: %v", err)
	}
	second, err := store.Stage(locator)
	if err != nil {
		t.Fatalf("stage error: %v", err)
	}
	if first == second {
		t.Fatalf("each stage call should return a distinct file")
	}
	target, _ := store.Path(locator)
	if filepath.Dir(first) != filepath.Dir(target) || !strings.HasPrefix(filepath.Base(first), stagePrefix) {
		t.Fatalf("staging file should be a hidden sibling of %s, got %s", target, first)
	}
	if err := os.WriteFile(first, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := store.Lookup(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("staged body must not be visible, got %v", err)
	}

	if _, err := store.Finalize(context.Background(), first, locator); err != nil {
		t.Fatalf("finalize error: %v", err)
	}
	if _, err := store.Lookup(context.Background(), locator); err != nil {
		t.Fatalf("finalized body should hit: %v", err)
	}
	store.Purge(second)
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Fatalf("unused staging file should be purgeable")
	}
}

func TestStoreStageRequiresPartitionDir(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Stage(Locator{Partition: "absent.example", Key: "x.png"}); err == nil {
		t.Fatalf("stage without partition dir should fail")
	}
}

func TestStoreFinalizeRejectsEmptyDownload(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Partition: "cdn.example.com", Key: "empty.jpg"}
	path := writeEntry(t, store, locator, "")

	if _, err := store.Finalize(context.Background(), path, locator); !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("expected ErrCorruptEntry, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("empty download should be purged")
	}
}

func TestStorePurgeIsBestEffort(t *testing.T) {
	store := newTestStore(t)
	store.Purge("")
	store.Purge(filepath.Join(store.Root(), "nope", "missing"))

	locator := Locator{Partition: "cdn.example.com", Key: "gone.png"}
	path := writeEntry(t, store, locator, "data")
	store.Purge(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("purge should delete file")
	}
}

func TestStorePathRejectsBadSegments(t *testing.T) {
	store := newTestStore(t)
	bad := []Locator{
		{Partition: "", Key: "k"},
		{Partition: "h", Key: ""},
		{Partition: "..", Key: "k"},
		{Partition: "h", Key: "a/b"},
	}
	for _, locator := range bad {
		if _, err := store.Path(locator); err == nil {
			t.Fatalf("expected error for %+v", locator)
		}
	}
}

func TestNewStoreWritesCacheDirTag(t *testing.T) {
	store := newTestStore(t)
	data, err := os.ReadFile(filepath.Join(store.Root(), cacheDirTagName))
	if err != nil {
		t.Fatalf("tag missing: %v", err)
	}
	if len(data) < 43 || string(data[:43]) != "Signature: 8a477f597d28d172789f06886806bc55" {
		t.Fatalf("unexpected tag content %q", data)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func writeEntry(t *testing.T, store Store, locator Locator, body string) string {
	t.Helper()
	if _, err := store.EnsurePartitionDir(locator.Partition); err != nil {
		t.Fatalf("ensure partition: %v", err)
	}
	path, err := store.Path(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	return path
}
