package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".claude", "projects"), cfg.Watch.Dir)
	assert.Equal(t, ".jsonl", cfg.Watch.Extension)
	assert.True(t, cfg.Watch.Recursive)
	assert.Equal(t, DefaultDebounce, cfg.Watch.Debounce)
	assert.Equal(t, 300*time.Second, cfg.Retry.BaseInterval)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "append", cfg.Ingest.UpdateMode)
	assert.True(t, cfg.Ingest.SkipDuplicates)
	assert.Equal(t, "badger", cfg.Storage.StateBackend)
	assert.NotEmpty(t, cfg.Storage.StatePath)
	assert.NotEmpty(t, cfg.Daemon.SocketPath)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Daemon.ShutdownTimeout)
}

func TestLoad_FromFile(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".config", "hindsight")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
watch:
  dir: /var/log/agents
  extension: .ndjson
  recursive: false
  debounce: 250ms
retry:
  base_interval: 10s
  max_retries: 5
ingest:
  update_mode: replace
  hash_algorithm: blake3
  compression: lz4
storage:
  state_backend: bolt
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(content), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/log/agents", cfg.Watch.Dir)
	assert.Equal(t, ".ndjson", cfg.Watch.Extension)
	assert.False(t, cfg.Watch.Recursive)
	assert.Equal(t, 250*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 10*time.Second, cfg.Retry.BaseInterval)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, "replace", string(cfg.UpdateMode()))
	assert.Equal(t, "blake3", cfg.Ingest.HashAlgorithm)
	assert.Equal(t, "bolt", cfg.Storage.StateBackend)
	assert.True(t, strings.HasSuffix(cfg.Storage.StatePath, "state.bolt"))
}

func TestLoad_EnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("HINDSIGHT_RETRY_MAX_RETRIES", "7")
	t.Setenv("HINDSIGHT_WATCH_DIR", "/srv/logs")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retry.MaxRetries)
	assert.Equal(t, "/srv/logs", cfg.Watch.Dir)
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	content := `
watch:
  extension: jsonl
ingest:
  update_mode: merge
  compression: gzip
storage:
  state_backend: redis
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	for _, want := range []string{"watch.extension", "ingest.update_mode", "ingest.compression", "storage.state_backend"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Default(t *testing.T) {
	isolate(t)
	assert.NoError(t, Default().Validate())
}

func TestValidate_BadGlobAndTracing(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Watch.Ignore = []string{"[unterminated"}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Protocol = "udp"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch.ignore")
	assert.Contains(t, err.Error(), "tracing.protocol")
}

func TestLoggingOptions(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Logging.Rotation.MaxSize = "1MiB"

	opts, err := cfg.LoggingOptions()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), opts.Rotation.MaxSize)
	assert.Equal(t, cfg.Logging.RecentErrors, opts.RecentSize)

	cfg.Logging.Rotation.MaxSize = "huge"
	_, err = cfg.LoggingOptions()
	assert.Error(t, err)
}

func TestWriteDefault(t *testing.T) {
	home := isolate(t)

	path, err := WriteDefault()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "hindsight", "config.yaml"), path)

	// The written template must load cleanly.
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, cfg.Retry.MaxRetries)

	// A second call leaves the file alone.
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 9\n"), 0o644))
	_, err = WriteDefault()
	require.NoError(t, err)
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retry.MaxRetries)
}

func TestExpandPath(t *testing.T) {
	home := isolate(t)

	got, err := ExpandPath("~/logs")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), got)

	got, err = ExpandPath("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}
