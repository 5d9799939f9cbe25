package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultTemplate = `# hindsight configuration

watch:
  # Directory tree containing agent session logs
  dir: %s
  # Only files with this suffix are ingested
  extension: %s
  recursive: true
  # Quiet period after the last write before a file is processed
  debounce: %s
  # Periodic rescan for missed notifications (0 disables)
  poll_interval: 0s
  # How long a rename waits for its matching create event
  rename_window: %s
  ignore:
    - "**/.git/**"
    - "**/*.tmp"

retry:
  # First retry after base_interval, then 3x, then 9x
  base_interval: %s
  max_retries: %d
  # How often the daemon checks for due retries
  interval: %s

ingest:
  # skip, replace or append
  update_mode: %s
  skip_duplicates: true
  # sha256 or blake3
  hash_algorithm: %s
  # Keep a compressed copy of each file for rename tracking
  store_raw: true
  # none, lz4 or zstd
  compression: %s

storage:
  # badger or bolt
  state_backend: %s
  # Empty paths use $XDG_DATA_HOME/hindsight
  state_path: ""
  database_path: ""

logging:
  level: info
  # Empty means $XDG_STATE_HOME/hindsight/hindsight.log
  path: ""
  rotation:
    max_size: 10MiB
    max_age: 30       # days
    max_backups: 5
    daily: true
  components:
    daemon: info
    watcher: warn
    pipeline: info
    retry: info
  recent_errors: %d

daemon:
  auto_start: true
  socket_path: ""
  pid_path: ""
  status_path: ""
  shutdown_timeout: %s

tracing:
  enabled: false
  endpoint: localhost:4317
  # grpc or http
  protocol: grpc
  service_name: hindsightd
  insecure: true
`

// DefaultYAML renders the commented default configuration.
func DefaultYAML() string {
	return fmt.Sprintf(defaultTemplate,
		DefaultWatchDir, DefaultExtension, DefaultDebounce, DefaultRenameWindow,
		DefaultRetryBase, DefaultMaxRetries, DefaultRetryInterval,
		DefaultUpdateMode, DefaultHashAlgorithm, DefaultCompression,
		DefaultStateBackend, DefaultRecentErrors, DefaultShutdownTimeout,
	)
}

// WriteDefault writes the default config file if none exists and returns its
// path. An existing file is left untouched.
func WriteDefault() (string, error) {
	path, err := ConfigFile()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultYAML()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}
	return path, nil
}
