package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/hindsight/pkg/daemon"
	"github.com/jamesainslie/hindsight/pkg/hindsight/catalog"
	"github.com/jamesainslie/hindsight/pkg/hindsight/config"
	"github.com/jamesainslie/hindsight/pkg/hindsight/ingest"
	"github.com/jamesainslie/hindsight/pkg/hindsight/pipeline"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestDaemonLifecycle(t *testing.T) {
	s := newStack(t, nil)
	d := s.daemon

	assert.Equal(t, daemon.StateStopped, d.State())
	assert.True(t, closed(d.Done()), "a new daemon is stopped")

	s.start(t)
	assert.Equal(t, daemon.StateRunning, d.State())
	assert.False(t, closed(d.Done()))
	assert.NotEmpty(t, d.Watching())
	assert.False(t, d.StartedAt().IsZero())

	assert.ErrorIs(t, d.Start(context.Background()), daemon.ErrNotStopped)

	done := d.Done()
	d.Stop()
	assert.Equal(t, daemon.StateStopped, d.State())
	assert.True(t, closed(done))
	assert.Empty(t, d.Watching())

	d.Stop()
	assert.Equal(t, daemon.StateStopped, d.State())

	// A stopped daemon can be started again
	s.start(t)
	assert.Equal(t, daemon.StateRunning, d.State())
	d.Stop()
}

func TestDaemonStartFailsWithoutWatchDir(t *testing.T) {
	s := newStack(t, func(set *daemon.Settings, _ *pipeline.Config) {
		set.WatchDir = filepath.Join(t.TempDir(), "missing")
	})

	err := s.daemon.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, daemon.StateStopped, s.daemon.State())
	assert.True(t, closed(s.daemon.Done()))
}

func TestDaemonStopsWhenContextCancelled(t *testing.T) {
	s := newStack(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.daemon.Start(ctx))

	done := s.daemon.Done()
	cancel()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("daemon did not stop after cancel")
	}
	assert.Equal(t, daemon.StateStopped, s.daemon.State())
}

func TestCatchUpScanIngestsExistingFiles(t *testing.T) {
	s := newStack(t, nil)
	a := s.write(t, "project/a.jsonl", record("s-a", "1"), record("s-a", "2"))
	b := s.write(t, "b.jsonl", record("s-b", "1"))

	s.start(t)

	require.Eventually(t, func() bool {
		return s.offset(a) > 0 && s.offset(b) > 0
	}, waitFor, tick)
	assert.Equal(t, int64(3), s.messageCount(t))

	require.Eventually(t, func() bool { return s.daemon.LastScan() != nil }, waitFor, tick)
	assert.Equal(t, int64(2), s.daemon.LastScan().FilesMatched)
}

func TestLiveAppendIsIngestedIncrementally(t *testing.T) {
	s := newStack(t, nil)
	s.start(t)

	path := s.write(t, "live.jsonl", record("s-live", "1"))
	require.Eventually(t, func() bool { return s.offset(path) > 0 }, waitFor, tick)
	first := s.offset(path)

	s.appendTo(t, path, record("s-live", "2"), record("s-live", "3"))
	require.Eventually(t, func() bool { return s.offset(path) > first }, waitFor, tick)

	assert.Equal(t, int64(3), s.messageCount(t))
	stats := s.pipeline.Stats()
	assert.Equal(t, int64(2), stats.Ingested)
}

func TestLiveRenameKeepsState(t *testing.T) {
	s := newStack(t, nil)
	s.start(t)

	oldPath := s.write(t, "old.jsonl", record("s-mv", "1"))
	require.Eventually(t, func() bool { return s.offset(oldPath) > 0 }, waitFor, tick)

	newPath := filepath.Join(s.root, "new.jsonl")
	require.NoError(t, os.Rename(oldPath, newPath))

	require.Eventually(t, func() bool {
		return s.offset(newPath) > 0 && s.offset(oldPath) < 0
	}, waitFor, tick)
	assert.Equal(t, int64(1), s.messageCount(t))
}

// gated blocks Ingest until released.
type gated struct {
	*ingest.Orchestrator
	entered chan struct{}
	gate    chan struct{}
}

func (g *gated) Ingest(ctx context.Context, req ingest.Request) ingest.Outcome {
	g.entered <- struct{}{}
	<-g.gate
	return g.Orchestrator.Ingest(ctx, req)
}

func TestStopLetsInFlightFileFinish(t *testing.T) {
	g := &gated{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	s := newStackWith(t, nil, func(o *ingest.Orchestrator) pipeline.Orchestrator {
		g.Orchestrator = o
		return g
	})
	s.start(t)

	path := s.write(t, "slow.jsonl", record("s-slow", "1"), record("s-slow", "2"))
	select {
	case <-g.entered:
	case <-time.After(waitFor):
		t.Fatal("file never reached ingest")
	}

	done := s.daemon.Done()
	go s.daemon.Stop()
	require.Eventually(t, func() bool { return s.daemon.State() == daemon.StateStopping }, waitFor, tick)
	close(g.gate)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("daemon did not stop")
	}
	assert.Positive(t, s.offset(path))
	assert.Equal(t, int64(2), s.messageCount(t))
	assert.Zero(t, s.pipeline.Retries().Len())
}

func TestRetryLoopExhaustsPermanentFailures(t *testing.T) {
	s := newStack(t, func(_ *daemon.Settings, cfg *pipeline.Config) {
		cfg.RetryBase = 10 * time.Millisecond
		cfg.MaxRetries = 2
	})
	s.start(t)

	path := s.write(t, "broken.jsonl", record("s-x", "1"), "{not json\n")

	require.Eventually(t, func() bool {
		jobs, err := s.catalog.ListJobs(context.Background(), catalog.JobFilter{
			Statuses: []string{catalog.JobExhausted},
		})
		return err == nil && len(jobs) == 1
	}, waitFor, tick)

	assert.Zero(t, s.pipeline.Retries().Len())
	assert.Negative(t, s.offset(path))
	stats := s.pipeline.Stats()
	assert.Equal(t, int64(2), stats.Failures)
	assert.Equal(t, int64(1), stats.Exhausted)
}

func TestPollLoopRescans(t *testing.T) {
	s := newStack(t, func(set *daemon.Settings, _ *pipeline.Config) {
		set.PollInterval = 30 * time.Millisecond
	})
	s.start(t)

	require.Eventually(t, func() bool { return s.daemon.LastScan() != nil }, waitFor, tick)
	first := s.daemon.LastScan()
	require.Eventually(t, func() bool { return s.daemon.LastScan() != first }, waitFor, tick)
}

func TestSettingsFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Watch.Dir = "/data/sessions"
	cfg.Watch.PollInterval = time.Minute

	got := daemon.SettingsFrom(cfg)
	assert.Equal(t, "/data/sessions", got.WatchDir)
	assert.True(t, got.Recursive)
	assert.Equal(t, config.DefaultDebounce, got.Debounce)
	assert.Equal(t, config.DefaultRenameWindow, got.RenameWindow)
	assert.Equal(t, config.DefaultRetryInterval, got.RetryInterval)
	assert.Equal(t, time.Minute, got.PollInterval)
	assert.Equal(t, config.DefaultShutdownTimeout, got.ShutdownTimeout)
}
