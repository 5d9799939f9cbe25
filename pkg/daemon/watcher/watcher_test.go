package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/hindsight/pkg/hindsight/filter"
)

type call struct {
	op   string
	path string
	from string
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
}

func (h *recordingHandler) HandleFile(_ context.Context, path string) {
	h.add(call{op: "file", path: path})
}

func (h *recordingHandler) HandleRename(_ context.Context, oldPath, newPath string) {
	h.add(call{op: "rename", path: newPath, from: oldPath})
}

func (h *recordingHandler) HandleRemove(_ context.Context, path string) {
	h.add(call{op: "remove", path: path})
}

func (h *recordingHandler) add(c call) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c)
}

func (h *recordingHandler) snapshot() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func (h *recordingHandler) count(op, path string) int {
	n := 0
	for _, c := range h.snapshot() {
		if c.op == op && c.path == path {
			n++
		}
	}
	return n
}

const (
	testDebounce = 50 * time.Millisecond
	testWindow   = 100 * time.Millisecond
	waitFor      = 3 * time.Second
	tick         = 10 * time.Millisecond
)

func startWatcher(t *testing.T, recursive bool) (*Watcher, *recordingHandler, string) {
	t.Helper()
	f, err := filter.New(".jsonl", filter.WithIgnore("**/*.tmp"))
	require.NoError(t, err)

	h := &recordingHandler{}
	w, err := New(h, Options{Debounce: testDebounce, RenameWindow: testWindow, Recursive: recursive, Filter: f})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Watch(dir))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w, h, dir
}

func TestWatchTracksSubdirectories(t *testing.T) {
	h := &recordingHandler{}
	w, err := New(h, Options{Recursive: true})
	require.NoError(t, err)
	defer w.Close()

	dir := t.TempDir()
	sub := filepath.Join(dir, "project", "sessions")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	require.NoError(t, w.Watch(dir))
	watching := w.Watching()
	assert.Contains(t, watching, sub)
	assert.Len(t, watching, 3)
}

func TestWatchNonRecursive(t *testing.T) {
	w, err := New(&recordingHandler{}, Options{})
	require.NoError(t, err)
	defer w.Close()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, w.Watch(dir))
	assert.Len(t, w.Watching(), 1)
}

func TestWatchErrors(t *testing.T) {
	w, err := New(&recordingHandler{}, Options{})
	require.NoError(t, err)

	assert.Error(t, w.Watch("/nonexistent/path/that/does/not/exist"))

	file := filepath.Join(t.TempDir(), "a.jsonl")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, w.Watch(file))

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Watch(t.TempDir()), ErrClosed)
	assert.NoError(t, w.Close())
}

func TestWritesAreDebounced(t *testing.T) {
	_, h, dir := startWatcher(t, true)
	path := filepath.Join(dir, "s1.jsonl")

	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.WriteString(`{"uuid":"x"}` + "\n")
		require.NoError(t, err)
		time.Sleep(testDebounce / 5)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return h.count("file", path) == 1 }, waitFor, tick)
	time.Sleep(3 * testDebounce)
	assert.Equal(t, 1, h.count("file", path))
}

func TestNonMatchingFilesIgnored(t *testing.T) {
	_, h, dir := startWatcher(t, true)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.jsonl.tmp"), []byte("x"), 0o644))
	marker := filepath.Join(dir, "marker.jsonl")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	require.Eventually(t, func() bool { return h.count("file", marker) == 1 }, waitFor, tick)
	assert.Len(t, h.snapshot(), 1)
}

func TestRenameIsPaired(t *testing.T) {
	_, h, dir := startWatcher(t, true)
	oldPath := filepath.Join(dir, "a.jsonl")
	newPath := filepath.Join(dir, "b.jsonl")

	require.NoError(t, os.WriteFile(oldPath, []byte("x\n"), 0o644))
	require.Eventually(t, func() bool { return h.count("file", oldPath) == 1 }, waitFor, tick)

	require.NoError(t, os.Rename(oldPath, newPath))
	require.Eventually(t, func() bool { return h.count("rename", newPath) == 1 }, waitFor, tick)

	for _, c := range h.snapshot() {
		if c.op == "rename" {
			assert.Equal(t, oldPath, c.from)
		}
	}
	time.Sleep(2 * testWindow)
	assert.Zero(t, h.count("remove", oldPath))
}

func TestTempFileRenamedIntoPlace(t *testing.T) {
	_, h, dir := startWatcher(t, true)
	tmp := filepath.Join(dir, "s.jsonl.tmp")
	final := filepath.Join(dir, "s.jsonl")

	require.NoError(t, os.WriteFile(tmp, []byte("x\n"), 0o644))
	require.NoError(t, os.Rename(tmp, final))

	require.Eventually(t, func() bool { return h.count("rename", final) == 1 }, waitFor, tick)
}

func TestMoveOutOfTreeIsRemove(t *testing.T) {
	_, h, dir := startWatcher(t, true)
	path := filepath.Join(dir, "a.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	require.Eventually(t, func() bool { return h.count("file", path) == 1 }, waitFor, tick)

	require.NoError(t, os.Rename(path, filepath.Join(t.TempDir(), "a.jsonl")))
	require.Eventually(t, func() bool { return h.count("remove", path) == 1 }, waitFor, tick)
}

func TestUnrelatedCreateDoesNotClaimRename(t *testing.T) {
	_, h, dir := startWatcher(t, true)
	oldPath := filepath.Join(dir, "a.jsonl")
	newPath := filepath.Join(dir, "b.jsonl")
	require.NoError(t, os.WriteFile(oldPath, []byte("a\n"), 0o644))
	require.Eventually(t, func() bool { return h.count("file", oldPath) == 1 }, waitFor, tick)

	require.NoError(t, os.Rename(oldPath, filepath.Join(t.TempDir(), "a.jsonl")))
	require.NoError(t, os.WriteFile(newPath, []byte("b\n"), 0o644))

	require.Eventually(t, func() bool {
		return h.count("remove", oldPath) == 1 && h.count("file", newPath) == 1
	}, waitFor, tick)
	assert.Zero(t, h.count("rename", newPath))
}

func TestRemove(t *testing.T) {
	_, h, dir := startWatcher(t, true)
	path := filepath.Join(dir, "a.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	require.Eventually(t, func() bool { return h.count("file", path) == 1 }, waitFor, tick)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return h.count("remove", path) == 1 }, waitFor, tick)
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	w, h, dir := startWatcher(t, true)
	sub := filepath.Join(dir, "project")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool {
		for _, p := range w.Watching() {
			if p == sub {
				return true
			}
		}
		return false
	}, waitFor, tick)

	path := filepath.Join(sub, "s.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	require.Eventually(t, func() bool { return h.count("file", path) == 1 }, waitFor, tick)
}

func TestCloseCancelsPendingWork(t *testing.T) {
	h := &recordingHandler{}
	w, err := New(h, Options{Debounce: time.Hour, Recursive: true})
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, w.Watch(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte("x\n"), 0o644))
	require.Eventually(t, func() bool { return w.Pending() == 1 }, waitFor, tick)

	require.NoError(t, w.Close())
	assert.Zero(t, w.Pending())
	assert.Empty(t, h.snapshot())
}

func TestIsSubPath(t *testing.T) {
	assert.True(t, isSubPath("/a/b", "/a"))
	assert.False(t, isSubPath("/ab", "/a"))
	assert.False(t, isSubPath("/a", "/a"))
}
