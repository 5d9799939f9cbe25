package indexer_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/hindsight/pkg/daemon/indexer"
	"github.com/jamesainslie/hindsight/pkg/daemon/store"
	"github.com/jamesainslie/hindsight/pkg/hindsight/filter"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

type recorder struct {
	files   []string
	removed []string
}

func (r *recorder) HandleFile(_ context.Context, path string)   { r.files = append(r.files, path) }
func (r *recorder) HandleRemove(_ context.Context, path string) { r.removed = append(r.removed, path) }

func createTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	for _, d := range []string{"a", "b", "a/nested", ".git/objects"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	files := map[string]int{
		"top.jsonl":            10,
		"a/one.jsonl":          100,
		"a/notes.txt":          5,
		"a/nested/two.jsonl":   50,
		"b/three.jsonl":        20,
		".git/objects/x.jsonl": 1,
	}
	for name, size := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), make([]byte, size), 0o644))
	}
	return root
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.BackendBolt, filepath.Join(t.TempDir(), "state.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFilter(t *testing.T) *filter.Filter {
	t.Helper()
	f, err := filter.New(".jsonl", filter.WithIgnore("**/.git/**"))
	require.NoError(t, err)
	return f
}

func TestScanDispatchesUnknownFiles(t *testing.T) {
	root := createTestTree(t)
	idx := indexer.New(openStore(t), newFilter(t), true)

	rec := &recorder{}
	var progress int
	res, err := idx.Scan(context.Background(), root, rec, func(indexer.Progress) { progress++ })
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.FilesMatched)
	assert.Equal(t, int64(4), res.Dispatched)
	assert.Positive(t, progress)

	sort.Strings(rec.files)
	assert.Equal(t, []string{
		filepath.Join(root, "a/nested/two.jsonl"),
		filepath.Join(root, "a/one.jsonl"),
		filepath.Join(root, "b/three.jsonl"),
		filepath.Join(root, "top.jsonl"),
	}, rec.files)
}

func TestScanDispatchesRecordedFiles(t *testing.T) {
	root := createTestTree(t)
	s := openStore(t)

	// Recorded at its current size.
	require.NoError(t, s.Put(&types.FileState{Path: filepath.Join(root, "a/one.jsonl"), LastOffset: 100, FileSize: 100}))
	// Recorded smaller than on disk.
	require.NoError(t, s.Put(&types.FileState{Path: filepath.Join(root, "b/three.jsonl"), LastOffset: 5, FileSize: 5}))
	// Recorded but deleted since.
	gone := filepath.Join(root, "a/gone.jsonl")
	require.NoError(t, s.Put(&types.FileState{Path: gone, LastOffset: 1, FileSize: 1}))

	rec := &recorder{}
	res, err := indexer.New(s, newFilter(t), true).Scan(context.Background(), root, rec, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.Dispatched)
	assert.Contains(t, rec.files, filepath.Join(root, "a/one.jsonl"))
	assert.Contains(t, rec.files, filepath.Join(root, "b/three.jsonl"))
	assert.Equal(t, []string{gone}, rec.removed)
	assert.Equal(t, int64(1), res.Pruned)
}

func TestScanDispatchesSameSizeRewrite(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "s.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n"), 0o644))

	s := openStore(t)
	require.NoError(t, s.Put(&types.FileState{Path: path, LastOffset: 8, FileSize: 8, PartialHash: "old"}))

	// Same length, different bytes.
	require.NoError(t, os.WriteFile(path, []byte("{\"b\":2}\n"), 0o644))

	rec := &recorder{}
	res, err := indexer.New(s, newFilter(t), true).Scan(context.Background(), root, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, rec.files)
	assert.Equal(t, int64(1), res.Dispatched)
}

func TestScanNonRecursive(t *testing.T) {
	root := createTestTree(t)
	s := openStore(t)
	nested := filepath.Join(root, "a/one.jsonl")
	require.NoError(t, s.Put(&types.FileState{Path: filepath.Join(root, "a/missing.jsonl"), LastOffset: 1, FileSize: 1}))

	rec := &recorder{}
	res, err := indexer.New(s, newFilter(t), false).Scan(context.Background(), root, rec, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(root, "top.jsonl")}, rec.files)
	assert.NotContains(t, rec.files, nested)
	assert.Empty(t, rec.removed, "nested state is out of scope")
	assert.Equal(t, int64(0), res.Pruned)
}

func TestScanCancelled(t *testing.T) {
	root := createTestTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	_, err := indexer.New(openStore(t), newFilter(t), true).Scan(ctx, root, rec, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.files)
}
