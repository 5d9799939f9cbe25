package config

import "time"

// Default configuration values.
const (
	// DefaultWatchDir is where Claude Code writes its session logs.
	DefaultWatchDir = "~/.claude/projects"

	// DefaultExtension is the suffix of files the watcher ingests.
	DefaultExtension = ".jsonl"

	DefaultDebounce     = 2 * time.Second
	DefaultRenameWindow = 500 * time.Millisecond

	// DefaultRetryBase gives retries at 5, 15 and 45 minutes.
	DefaultRetryBase     = 300 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 60 * time.Second

	DefaultUpdateMode    = "append"
	DefaultHashAlgorithm = "sha256"
	DefaultCompression   = "zstd"

	DefaultStateBackend = "badger"

	DefaultShutdownTimeout = 5 * time.Second
	DefaultRecentErrors    = 50

	DefaultTracingProtocol = "grpc"
	DefaultServiceName     = "hindsightd"
)

// DefaultIgnore lists glob patterns that are never ingested.
var DefaultIgnore = []string{
	"**/.git/**",
	"**/*.tmp",
}
