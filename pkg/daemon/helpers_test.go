package daemon_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/hindsight/pkg/daemon"
	"github.com/jamesainslie/hindsight/pkg/daemon/broadcaster"
	"github.com/jamesainslie/hindsight/pkg/daemon/store"
	"github.com/jamesainslie/hindsight/pkg/hindsight/catalog"
	"github.com/jamesainslie/hindsight/pkg/hindsight/compress"
	"github.com/jamesainslie/hindsight/pkg/hindsight/filter"
	"github.com/jamesainslie/hindsight/pkg/hindsight/ingest"
	"github.com/jamesainslie/hindsight/pkg/hindsight/pipeline"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// stack is a daemon wired to real stores in temp directories.
type stack struct {
	root        string
	store       *store.Store
	catalog     *catalog.Catalog
	broadcaster *broadcaster.Broadcaster
	pipeline    *pipeline.Context
	daemon      *daemon.Daemon
}

func newStack(t *testing.T, tweak func(*daemon.Settings, *pipeline.Config)) *stack {
	t.Helper()
	return newStackWith(t, tweak, nil)
}

// newStackWith is newStack with the orchestrator optionally wrapped.
func newStackWith(t *testing.T, tweak func(*daemon.Settings, *pipeline.Config), wrap func(*ingest.Orchestrator) pipeline.Orchestrator) *stack {
	t.Helper()
	data := t.TempDir()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	st, err := store.Open(store.BackendBolt, filepath.Join(data, "state.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat, err := catalog.Open(filepath.Join(data, "hindsight.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	b := broadcaster.New()
	t.Cleanup(b.Close)

	f, err := filter.New(".jsonl", filter.WithIgnore("**/*.tmp"))
	require.NoError(t, err)

	cfg := pipeline.Config{
		UpdateMode:     types.ModeAppend,
		SkipDuplicates: true,
		RetryBase:      time.Minute,
		MaxRetries:     3,
	}
	settings := daemon.Settings{
		WatchDir:        root,
		Recursive:       true,
		Debounce:        50 * time.Millisecond,
		RenameWindow:    100 * time.Millisecond,
		RetryInterval:   50 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
	if tweak != nil {
		tweak(&settings, &cfg)
	}

	base := ingest.New(cat, ingest.WithRawSnapshots(compress.Zstd))
	var orch pipeline.Orchestrator = base
	if wrap != nil {
		orch = wrap(base)
	}
	p := pipeline.New(cfg, orch, st, pipeline.WithFilter(f), pipeline.WithEvents(b))

	d := daemon.New(settings, p, st, daemon.WithoutSignals())
	t.Cleanup(d.Stop)

	return &stack{root: root, store: st, catalog: cat, broadcaster: b, pipeline: p, daemon: d}
}

// start runs the daemon and waits for the catch-up scan so later writes
// reach the pipeline through the watcher only.
func (s *stack) start(t *testing.T) {
	t.Helper()
	require.NoError(t, s.daemon.Start(context.Background()))
	require.Eventually(t, func() bool { return s.daemon.LastScan() != nil }, waitFor, tick)
}

func record(session, id string) string {
	return fmt.Sprintf(`{"type":"user","uuid":%q,"sessionId":%q,"message":{"role":"user"}}`+"\n", id, session)
}

func (s *stack) write(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(s.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644))
	return path
}

func (s *stack) appendTo(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Join(lines, ""))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// offset returns the stored LastOffset for path, or -1 without state.
func (s *stack) offset(path string) int64 {
	st, err := s.store.Get(path)
	if err != nil {
		return -1
	}
	return int64(st.LastOffset)
}

func (s *stack) messageCount(t *testing.T) int64 {
	t.Helper()
	stats, err := s.catalog.Stats(context.Background())
	require.NoError(t, err)
	return stats.Messages
}

// socketPath returns a short socket path; unix socket paths are limited to
// about a hundred bytes and t.TempDir can exceed that.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}
