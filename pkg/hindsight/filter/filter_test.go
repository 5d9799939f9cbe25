package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchExtension(t *testing.T) {
	f, err := New(".jsonl")
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"/logs/a.jsonl", true},
		{"/logs/A.JSONL", true},
		{"/logs/a.json", false},
		{"/logs/a.jsonl.tmp", false},
		{"/logs/jsonl", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.path))
		})
	}
}

func TestExtensionWithoutDot(t *testing.T) {
	f, err := New("jsonl")
	require.NoError(t, err)
	assert.Equal(t, ".jsonl", f.Extension())
	assert.True(t, f.Match("/x/y.jsonl"))
}

func TestIgnorePatterns(t *testing.T) {
	f, err := New(".jsonl", WithIgnore("**/.git/**", "/logs/archive/*"))
	require.NoError(t, err)

	assert.False(t, f.Match("/repo/.git/objects/a.jsonl"))
	assert.False(t, f.Match("/logs/archive/old.jsonl"))
	assert.True(t, f.Match("/logs/archive/deeper/new.jsonl"))
	assert.True(t, f.Match("/logs/current.jsonl"))
	assert.True(t, f.SkipDir("/repo/.git"))
	assert.False(t, f.SkipDir("/logs"))
	assert.Equal(t, []string{"**/.git/**", "/logs/archive/*"}, f.Patterns())
}

func TestInvalidPattern(t *testing.T) {
	_, err := New(".jsonl", WithIgnore("[oops"))
	assert.Error(t, err)
}

func TestMatchRename(t *testing.T) {
	f, err := New(".jsonl")
	require.NoError(t, err)

	assert.True(t, f.MatchRename("/a.tmp", "/a.jsonl"))
	assert.True(t, f.MatchRename("/a.jsonl", "/a.bak"))
	assert.False(t, f.MatchRename("/a.tmp", "/a.bak"))
}
