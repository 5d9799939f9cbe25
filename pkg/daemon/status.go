package daemon

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Startup status values.
const (
	StatusReady = "ready"
	StatusError = "error"
)

// StatusFile is written once startup succeeds or fails so that a launcher
// can wait for the outcome without polling the socket.
type StatusFile struct {
	Status  string    `json:"status"`            // "ready" or "error"
	PID     int       `json:"pid,omitempty"`     // Process ID (only for ready status)
	Socket  string    `json:"socket,omitempty"`  // Control socket (only for ready status)
	Version string    `json:"version,omitempty"` // Daemon version (only for ready status)
	Error   string    `json:"error,omitempty"`   // Error message (only for error status)
	Time    time.Time `json:"time"`
}

// WriteStatusReady writes a ready status file.
func WriteStatusReady(path, socket, version string) error {
	return writeStatus(path, &StatusFile{
		Status:  StatusReady,
		PID:     os.Getpid(),
		Socket:  socket,
		Version: version,
		Time:    time.Now(),
	})
}

// WriteStatusError writes an error status file.
func WriteStatusError(path string, err error) error {
	return writeStatus(path, &StatusFile{
		Status: StatusError,
		Error:  err.Error(),
		Time:   time.Now(),
	})
}

// writeStatus replaces path atomically so readers never see a partial file.
func writeStatus(path string, status *StatusFile) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveStatus removes the status file. A missing file is not an error.
func RemoveStatus(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
