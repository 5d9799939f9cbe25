package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestHashFileMatchesSHA256(t *testing.T) {
	content := []byte("hello, hindsight\n")
	path := writeFile(t, t.TempDir(), "a.jsonl", content)

	got, err := Default().HashFile(path)
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), got.String())
	assert.Len(t, got.String(), 64)
}

func TestIdenticalContentDifferentPaths(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte(`{"type":"user"}`+"\n"), 10000)
	a := writeFile(t, dir, "a.jsonl", content)
	b := writeFile(t, dir, "renamed.jsonl", content)

	for _, algo := range []string{"sha256", "blake3"} {
		t.Run(algo, func(t *testing.T) {
			h, err := New(algo)
			require.NoError(t, err)

			da, err := h.HashFile(a)
			require.NoError(t, err)
			db, err := h.HashFile(b)
			require.NoError(t, err)

			assert.Equal(t, da, db)
			assert.Equal(t, h.HashBytes(content), da)
		})
	}
}

func TestHashPrefix(t *testing.T) {
	content := []byte("line one\nline two\nline three\n")
	path := writeFile(t, t.TempDir(), "p.jsonl", content)
	h := Default()

	got, err := h.HashPrefix(path, 9)
	require.NoError(t, err)
	assert.Equal(t, h.HashBytes(content[:9]), got)

	zero, err := h.HashPrefix(path, 0)
	require.NoError(t, err)
	assert.Equal(t, h.HashBytes(nil), zero)

	// Beyond EOF hashes the whole file.
	all, err := h.HashPrefix(path, 1<<20)
	require.NoError(t, err)
	whole, err := h.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, whole, all)
}

func TestHashPrefixSpansChunks(t *testing.T) {
	content := bytes.Repeat([]byte("x"), ChunkSize*3+17)
	path := writeFile(t, t.TempDir(), "big.jsonl", content)
	h := Default()

	upTo := uint64(ChunkSize*2 + 5)
	got, err := h.HashPrefix(path, upTo)
	require.NoError(t, err)
	assert.Equal(t, h.HashBytes(content[:upTo]), got)
}

func TestHashErrors(t *testing.T) {
	dir := t.TempDir()
	h := Default()

	_, err := h.HashFile(filepath.Join(dir, "missing.jsonl"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.HashPrefix(filepath.Join(dir, "missing.jsonl"), 10)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.HashFile(dir)
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	_, err := New("md5")
	assert.Error(t, err)

	h, err := New("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, h.Algorithm())

	h, err = New("BLAKE3")
	require.NoError(t, err)
	assert.Equal(t, BLAKE3, h.Algorithm())
}

func TestAlgorithmsDiffer(t *testing.T) {
	s, _ := New("sha256")
	b, _ := New("blake3")
	content := []byte("same bytes")
	assert.NotEqual(t, s.HashBytes(content), b.HashBytes(content))
	assert.Len(t, b.HashBytes(content).String(), 64)
}
