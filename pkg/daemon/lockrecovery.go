package daemon

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jamesainslie/hindsight/pkg/daemon/store"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
)

// Artifacts are the files a daemon leaves behind while running.
type Artifacts struct {
	PIDPath    string
	SocketPath string
	StatusPath string
	// StatePath and StateBackend locate the state store, whose lock file a
	// killed daemon may have left behind.
	StatePath    string
	StateBackend string
}

// RecoverFromStaleDaemon checks for and cleans up stale daemon artifacts.
// Returns nil if cleanup succeeded or wasn't needed.
// Returns ErrDaemonAlreadyRunning if a daemon is actually running.
func RecoverFromStaleDaemon(a Artifacts) error {
	pid, err := ReadPIDFile(a.PIDPath)
	if err != nil {
		// No PID file or invalid PID means nothing to recover
		return nil //nolint:nilerr // intentional: missing/invalid PID file is not an error condition
	}

	if pid != os.Getpid() && IsProcessRunning(pid) {
		return ErrDaemonAlreadyRunning
	}

	log := logging.Get("daemon")
	log.Warn("Cleaning up stale daemon files", "stale_pid", pid)

	for _, p := range []string{a.PIDPath, a.SocketPath, a.StatusPath, lockFile(a)} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Removing stale file", "path", p, "error", err)
		}
	}
	return nil
}

// lockFile returns the directory lock badger leaves in its data directory.
// Bolt holds an flock on the file itself, which the kernel releases.
func lockFile(a Artifacts) string {
	if a.StateBackend != store.BackendBadger || a.StatePath == "" {
		return ""
	}
	return filepath.Join(a.StatePath, "LOCK")
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
