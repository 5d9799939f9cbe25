package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jamesainslie/hindsight/pkg/hindsight/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(session, typ string, n int) string {
	return fmt.Sprintf(`{"sessionId":%q,"type":%q,"uuid":"u-%d","timestamp":"2026-01-02T03:04:%02dZ","message":{"role":%q}}`+"\n",
		session, typ, n, n, typ)
}

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for _, l := range lines {
		_, err := f.WriteString(l)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func newParser() *JSONL {
	return NewJSONL(hasher.Default())
}

func TestParseFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1), rec("s1", "assistant", 2))

	res, err := newParser().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "s1", res.Conversation.SessionID)
	assert.Len(t, res.Conversation.Messages, 2)
	assert.Equal(t, uint64(2), res.LastLine)
	assert.Equal(t, res.FileSize, res.LastOffset)
	assert.Equal(t, "user", res.Conversation.Messages[0].Role)
	assert.Equal(t, "assistant", res.Conversation.Messages[1].Role)
	assert.Equal(t, uint64(2), res.Conversation.Messages[1].Line)
	assert.False(t, res.Conversation.StartedAt.IsZero())

	whole, err := hasher.Default().HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, whole, res.PartialHash)
}

func TestParseFullIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1), rec("s1", "assistant", 2), rec("s1", "user", 3))
	p := newParser()

	first, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	second, err := p.Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, first.Conversation.Messages, second.Conversation.Messages)
	assert.Equal(t, first.PartialHash, second.PartialHash)
}

func TestIncrementalMatchesFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1), rec("s1", "assistant", 2))
	p := newParser()
	ctx := context.Background()

	before, err := p.Parse(ctx, path)
	require.NoError(t, err)

	writeLog(t, path, rec("s1", "user", 3), rec("s1", "assistant", 4))

	inc, err := p.ParseIncremental(ctx, path, before.LastOffset, before.LastLine)
	require.NoError(t, err)
	require.Len(t, inc.Conversation.Messages, 2)
	assert.Equal(t, "u-3", inc.Conversation.Messages[0].UUID)
	assert.Equal(t, uint64(3), inc.Conversation.Messages[0].Line)
	assert.Equal(t, uint64(4), inc.LastLine)

	full, err := p.Parse(ctx, path)
	require.NoError(t, err)
	assert.Len(t, full.Conversation.Messages, len(before.Conversation.Messages)+len(inc.Conversation.Messages))
	assert.Equal(t, full.PartialHash, inc.PartialHash)
	assert.Equal(t, full.LastOffset, inc.LastOffset)
}

func TestIncrementalNothingNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1))
	p := newParser()

	full, err := p.Parse(context.Background(), path)
	require.NoError(t, err)

	inc, err := p.ParseIncremental(context.Background(), path, full.LastOffset, full.LastLine)
	require.NoError(t, err)
	assert.Empty(t, inc.Conversation.Messages)
	assert.Equal(t, full.PartialHash, inc.PartialHash)
}

func TestPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	complete := rec("s1", "user", 1)
	writeLog(t, path, complete, `{"sessionId":"s1","type":"assis`)
	p := newParser()

	res, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, res.Conversation.Messages, 1)
	assert.Equal(t, uint64(len(complete)), res.LastOffset)
	assert.Greater(t, res.FileSize, res.LastOffset)

	// Finishing the record makes it available to the next incremental pass.
	writeLog(t, path, `tant"}`+"\n")
	inc, err := p.ParseIncremental(context.Background(), path, res.LastOffset, res.LastLine)
	require.NoError(t, err)
	require.Len(t, inc.Conversation.Messages, 1)
	assert.Equal(t, "assistant", inc.Conversation.Messages[0].Type)
}

func TestUnterminatedValidLineIsConsumed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1), `{"sessionId":"s1","type":"assistant"}`)

	res, err := newParser().Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, res.Conversation.Messages, 2)
	assert.Equal(t, res.FileSize, res.LastOffset)
}

func TestBlankLinesAdvanceOffsetOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1), "\n", "   \n", rec("s1", "user", 2))

	res, err := newParser().Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, res.Conversation.Messages, 2)
	assert.Equal(t, uint64(2), res.LastLine)
	assert.Equal(t, res.FileSize, res.LastOffset)
}

func TestMalformedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1), "not json at all\n")

	_, err := newParser().Parse(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.Contains(t, err.Error(), "line 2")
}

func TestSessionFallsBackToFileStem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "9f1c-session.jsonl")
	writeLog(t, path, `{"type":"user"}`+"\n")

	res, err := newParser().Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "9f1c-session", res.Conversation.SessionID)
}

func TestOffsetBeyondEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1))

	_, err := newParser().ParseIncremental(context.Background(), path, 1<<20, 0)
	assert.ErrorIs(t, err, ErrOffsetBeyondEOF)
}

func TestParseMissingFile(t *testing.T) {
	_, err := newParser().Parse(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.ErrorIs(t, err, hasher.ErrNotFound)
}

func TestParseCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	writeLog(t, path, rec("s1", "user", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newParser().Parse(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryLookup(t *testing.T) {
	p := newParser()
	reg := NewRegistry(p)

	got, err := reg.Lookup("/x/y.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "jsonl", got.Name())

	_, err = reg.Lookup("/x/y.txt")
	assert.ErrorIs(t, err, ErrNoParser)

	reg.Register(NewJSONL(hasher.Default(), WithExtension(".log")))
	_, err = reg.Lookup("/x/y.log")
	assert.NoError(t, err)
	assert.Equal(t, []string{"jsonl", "jsonl"}, reg.Names())
}

func TestResultState(t *testing.T) {
	r := &Result{LastOffset: 10, LastLine: 2, FileSize: 12, PartialHash: "abc"}
	st := r.State("/p.jsonl")
	assert.Equal(t, "/p.jsonl", st.Path)
	assert.Equal(t, uint64(10), st.LastOffset)
	assert.Equal(t, uint64(12), st.FileSize)
	assert.NoError(t, st.Validate())
}
