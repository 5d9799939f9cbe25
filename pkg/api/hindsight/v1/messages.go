// Package hindsightv1 defines the daemon control-plane API: request and
// response messages, their protobuf Struct wire form and the gRPC service
// descriptor.
package hindsightv1

import (
	"time"

	"github.com/jamesainslie/hindsight/pkg/hindsight/catalog"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
	"github.com/jamesainslie/hindsight/pkg/hindsight/retry"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// GetStatusRequest asks for daemon health.
type GetStatusRequest struct {
	// RecentErrors caps the number of log records returned.
	RecentErrors int `json:"recent_errors,omitempty"`
}

// Counters are pipeline totals since the daemon started.
type Counters struct {
	Ingested   int64 `json:"ingested" yaml:"ingested"`
	Duplicates int64 `json:"duplicates" yaml:"duplicates"`
	Failures   int64 `json:"failures" yaml:"failures"`
	Exhausted  int64 `json:"exhausted" yaml:"exhausted"`
	Renames    int64 `json:"renames" yaml:"renames"`
	Removes    int64 `json:"removes" yaml:"removes"`
	Busy       int64 `json:"busy" yaml:"busy"`
}

// Status describes a running daemon.
type Status struct {
	State         string          `json:"state" yaml:"state"`
	Version       string          `json:"version" yaml:"version"`
	PID           int             `json:"pid" yaml:"pid"`
	StartedAt     time.Time       `json:"started_at" yaml:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds" yaml:"uptime_seconds"`
	MemoryBytes   uint64          `json:"memory_bytes" yaml:"memory_bytes"`
	WatchDir      string          `json:"watch_dir" yaml:"watch_dir"`
	WatchedDirs   int             `json:"watched_dirs" yaml:"watched_dirs"`
	TrackedFiles  int             `json:"tracked_files" yaml:"tracked_files"`
	Retrying      int             `json:"retrying" yaml:"retrying"`
	InFlight      int             `json:"in_flight" yaml:"in_flight"`
	Pending       int             `json:"pending" yaml:"pending"`
	Subscribers   int             `json:"subscribers" yaml:"subscribers"`
	StateBackend  string          `json:"state_backend" yaml:"state_backend"`
	Counters      Counters        `json:"counters" yaml:"counters"`
	Catalog       catalog.Stats   `json:"catalog" yaml:"catalog"`
	RecentErrors  []logging.Entry `json:"recent_errors,omitempty" yaml:"recent_errors,omitempty"`
}

// ListFilesRequest selects tracked files.
type ListFilesRequest struct {
	// Root limits results to paths under it; empty lists everything.
	Root  string `json:"root,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ListFilesResponse carries FileStates ordered by path.
type ListFilesResponse struct {
	Files []types.FileState `json:"files"`
}

// ListRetriesRequest asks for the retry queue.
type ListRetriesRequest struct{}

// ListRetriesResponse carries queued entries ordered by next retry.
type ListRetriesResponse struct {
	Entries    []retry.Entry `json:"entries"`
	MaxRetries uint32        `json:"max_retries"`
}

// ListFailuresRequest selects failure records.
type ListFailuresRequest struct {
	Path string `json:"path,omitempty"`
	// ExhaustedOnly skips first-failure records.
	ExhaustedOnly bool `json:"exhausted_only,omitempty"`
	Limit         int  `json:"limit,omitempty"`
}

// ListFailuresResponse carries failure records, newest first.
type ListFailuresResponse struct {
	Failures []catalog.Job `json:"failures"`
}

// ReprocessRequest asks the daemon to ingest a file from byte zero.
type ReprocessRequest struct {
	Path string `json:"path"`
}

// ReprocessResponse reports the result of a reprocess.
type ReprocessResponse struct {
	Status         string `json:"status" yaml:"status"`
	Change         string `json:"change,omitempty" yaml:"change,omitempty"`
	ConversationID string `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	Added          int64  `json:"added" yaml:"added"`
	Error          string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ShutdownRequest asks the daemon to stop.
type ShutdownRequest struct{}

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct {
	Accepted bool `json:"accepted"`
}

// WatchEventsRequest subscribes to pipeline events.
type WatchEventsRequest struct {
	Root  string   `json:"root,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
}

// Event is a pipeline event on the wire.
type Event = types.Event
