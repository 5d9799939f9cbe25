package tree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/hindsight/pkg/hindsight/tree"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

func TestBuild(t *testing.T) {
	t.Run("aggregates progress up the tree", func(t *testing.T) {
		files := []types.FileState{
			{Path: "/logs/proj/a.jsonl", LastOffset: 100, FileSize: 100, LastLine: 2},
			{Path: "/logs/proj/b.jsonl", LastOffset: 50, FileSize: 80, LastLine: 1},
			{Path: "/logs/c.jsonl", LastOffset: 500, FileSize: 500, LastLine: 9},
		}

		root := tree.Build("/logs", files)

		require.NotNil(t, root)
		assert.Equal(t, "logs", root.Name)
		assert.True(t, root.IsDir)
		assert.Equal(t, uint64(650), root.Ingested)
		assert.Equal(t, uint64(680), root.Size)
		assert.Equal(t, uint64(12), root.Records)
		assert.Equal(t, 3, root.Files)
		assert.Equal(t, 1, root.Pending)
		assert.False(t, root.Caught())
	})

	t.Run("creates intermediate directories", func(t *testing.T) {
		files := []types.FileState{
			{Path: "/logs/a/b/deep.jsonl", LastOffset: 10, FileSize: 10},
		}

		root := tree.Build("/logs/", files)

		require.Len(t, root.Children, 1)
		a := root.Children[0]
		assert.Equal(t, "/logs/a", a.Path)
		assert.True(t, a.IsDir)
		require.Len(t, a.Children, 1)
		b := a.Children[0]
		assert.Equal(t, "/logs/a/b", b.Path)
		require.Len(t, b.Children, 1)
		assert.Equal(t, "deep.jsonl", b.Children[0].Name)
		assert.Equal(t, 3, b.Children[0].Depth())
		assert.True(t, b.Caught())
	})

	t.Run("skips files outside root", func(t *testing.T) {
		files := []types.FileState{
			{Path: "/elsewhere/x.jsonl", FileSize: 10},
			{Path: "/logs-other/y.jsonl", FileSize: 10},
			{Path: "/logs/z.jsonl", FileSize: 10},
		}

		root := tree.Build("/logs", files)

		require.Len(t, root.Children, 1)
		assert.Equal(t, "z.jsonl", root.Children[0].Name)
	})

	t.Run("sorts by size with directories first on ties", func(t *testing.T) {
		files := []types.FileState{
			{Path: "/logs/small.jsonl", FileSize: 10},
			{Path: "/logs/big.jsonl", FileSize: 1000},
			{Path: "/logs/dir/x.jsonl", FileSize: 10},
		}

		root := tree.Build("/logs", files)

		require.Len(t, root.Children, 3)
		assert.Equal(t, "big.jsonl", root.Children[0].Name)
		assert.Equal(t, "dir", root.Children[1].Name)
		assert.Equal(t, "small.jsonl", root.Children[2].Name)
	})
}

func TestFlatten(t *testing.T) {
	files := []types.FileState{
		{Path: "/logs/d/a.jsonl", FileSize: 20},
		{Path: "/logs/b.jsonl", FileSize: 10},
	}

	nodes := tree.Build("/logs", files).Flatten()

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"logs", "d", "a.jsonl", "b.jsonl"}, names)
}

func TestEmpty(t *testing.T) {
	root := tree.Build("/logs", nil)
	assert.Empty(t, root.Children)
	assert.Zero(t, root.Files)
	assert.True(t, root.Caught())
}
