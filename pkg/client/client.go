// Package client provides a client for connecting to the hindsightd daemon.
// It wraps the gRPC client with convenience methods and daemon process
// management.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	hindsightv1 "github.com/jamesainslie/hindsight/pkg/api/hindsight/v1"
	"github.com/jamesainslie/hindsight/pkg/hindsight/config"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// ErrNotRunning is returned when the daemon socket does not exist.
var ErrNotRunning = errors.New("daemon is not running")

// Client connects to the hindsightd daemon via gRPC.
type Client struct {
	conn   *grpc.ClientConn
	client hindsightv1.DaemonClient
	health healthpb.HealthClient
}

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // Path to hindsightd binary (auto-discovered if empty)
	Socket string // Unix socket path
	PID    string // PID file path
	Status string // Startup status file path
	Config string // Config file passed to the daemon; empty uses its default search
}

// PathsFrom returns the daemon paths configured in cfg.
func PathsFrom(cfg *config.Config, configFile string) DaemonPaths {
	return DaemonPaths{
		Binary: cfg.Daemon.BinaryPath,
		Socket: cfg.Daemon.SocketPath,
		PID:    cfg.Daemon.PIDPath,
		Status: cfg.Daemon.StatusPath,
		Config: configFile,
	}
}

// withDefaults returns a copy with empty fields filled with defaults.
func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = config.DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = config.DefaultPIDPath()
	}
	if p.Status == "" {
		p.Status = config.DefaultStatusPath()
	}
	return p
}

// Connect establishes a connection to the hindsightd daemon.
// Uses a default timeout of 5 seconds.
func Connect(socketPath string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ConnectWithContext(ctx, socketPath)
}

// ConnectWithContext establishes a connection and confirms the daemon answers
// its health check before returning.
func ConnectWithContext(ctx context.Context, socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: socket not found at %s", ErrNotRunning, socketPath)
	}

	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	c := &Client{
		conn:   conn,
		client: hindsightv1.NewDaemonClient(conn),
		health: healthpb.NewHealthClient(conn),
	}
	if err := c.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return c, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ping checks that the daemon service reports SERVING. It waits for the
// connection to come up until ctx expires.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: hindsightv1.ServiceName},
		grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("daemon is %s", resp.GetStatus())
	}
	return nil
}

// GetStatus returns the daemon's status with up to recentErrors log records.
func (c *Client) GetStatus(ctx context.Context, recentErrors int) (*hindsightv1.Status, error) {
	st, err := c.client.GetStatus(ctx, &hindsightv1.GetStatusRequest{RecentErrors: recentErrors})
	if err != nil {
		return nil, fmt.Errorf("GetStatus RPC failed: %w", err)
	}
	return st, nil
}

// ListFiles returns tracked files under root (everything when empty).
func (c *Client) ListFiles(ctx context.Context, root string, limit int) ([]types.FileState, error) {
	resp, err := c.client.ListFiles(ctx, &hindsightv1.ListFilesRequest{Root: root, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("ListFiles RPC failed: %w", err)
	}
	return resp.Files, nil
}

// ListRetries returns the retry queue and its attempt ceiling.
func (c *Client) ListRetries(ctx context.Context) (*hindsightv1.ListRetriesResponse, error) {
	resp, err := c.client.ListRetries(ctx, &hindsightv1.ListRetriesRequest{})
	if err != nil {
		return nil, fmt.Errorf("ListRetries RPC failed: %w", err)
	}
	return resp, nil
}

// ListFailures returns recorded failures, newest first.
func (c *Client) ListFailures(ctx context.Context, req *hindsightv1.ListFailuresRequest) (*hindsightv1.ListFailuresResponse, error) {
	resp, err := c.client.ListFailures(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ListFailures RPC failed: %w", err)
	}
	return resp, nil
}

// Reprocess asks the daemon to ingest path from the start. A processing
// failure is returned as an error alongside the response.
func (c *Client) Reprocess(ctx context.Context, path string) (*hindsightv1.ReprocessResponse, error) {
	resp, err := c.client.Reprocess(ctx, &hindsightv1.ReprocessRequest{Path: path})
	if err != nil {
		return nil, fmt.Errorf("Reprocess RPC failed: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("reprocess %s: %s", path, resp.Error)
	}
	return resp, nil
}

// Shutdown requests the daemon to shut down gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	resp, err := c.client.Shutdown(ctx, &hindsightv1.ShutdownRequest{})
	if err != nil {
		return fmt.Errorf("Shutdown RPC failed: %w", err)
	}
	if !resp.Accepted {
		return errors.New("shutdown request was not accepted")
	}
	return nil
}

// WatchEvents subscribes to pipeline events under root of the given kinds
// (all when empty). The channel closes when the stream ends or ctx is
// cancelled.
func (c *Client) WatchEvents(ctx context.Context, root string, kinds []types.EventKind) (<-chan types.Event, error) {
	req := &hindsightv1.WatchEventsRequest{Root: root}
	for _, k := range kinds {
		req.Kinds = append(req.Kinds, string(k))
	}

	stream, err := c.client.WatchEvents(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("WatchEvents RPC failed: %w", err)
	}

	events := make(chan types.Event, 100)
	go func() {
		defer close(events)
		for {
			event, err := stream.Recv()
			if err != nil {
				return // Stream closed or error
			}
			select {
			case events <- *event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// EnsureDaemon ensures the daemon is running, starting it if necessary.
// Idempotent: returns nil if daemon is already running.
func EnsureDaemon(paths DaemonPaths) error {
	return StartDaemon(paths)
}

// StartDaemon starts the hindsightd daemon in the background and waits for
// it to report ready.
// Idempotent: returns nil if daemon is already running.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if IsDaemonRunning(paths.PID) {
		return nil // Already running, nothing to do
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find %s: %w", config.DaemonBinary, err)
	}

	// Clean up stale status file before starting
	_ = os.Remove(paths.Status)

	var args []string
	if paths.Config != "" {
		args = append(args, "--config", paths.Config)
	}

	// Use exec.Command (not CommandContext) intentionally: daemon must outlive caller
	cmd := exec.Command(binary, args...) //nolint:gosec // binary path is validated
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// Detach so daemon outlives caller
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	// Poll for the status file, which reports ready or the startup error
	for range 100 {
		time.Sleep(100 * time.Millisecond)

		if status, err := readStatusFile(paths.Status); err == nil {
			switch status.Status {
			case "ready":
				return nil
			case "error":
				return fmt.Errorf("daemon failed to start: %s", status.Error)
			}
		}
	}

	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon stops the daemon gracefully via RPC.
// Idempotent: returns nil if daemon is not running.
func StopDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if !IsDaemonRunning(paths.PID) {
		return nil // Not running, nothing to do
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ConnectWithContext(ctx, paths.Socket)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer client.Close()

	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown daemon: %w", err)
	}

	// Wait for daemon to stop
	for range 40 {
		time.Sleep(250 * time.Millisecond)
		if !IsDaemonRunning(paths.PID) {
			return nil
		}
	}

	return errors.New("daemon did not stop within timeout")
}

// RestartDaemon stops and starts the daemon.
func RestartDaemon(paths DaemonPaths) error {
	if err := StopDaemon(paths); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := StartDaemon(paths); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// resolveBinary finds the hindsightd binary path.
// Priority: configured path > same directory as executable > GOBIN/GOPATH > PATH.
func resolveBinary(configured string) (string, error) {
	// Use configured path if provided
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	// Try same directory as current executable
	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), config.DaemonBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	// Try standard Go binary locations (GOBIN > GOPATH/bin > $HOME/go/bin)
	if goBinPath := config.DefaultBinaryPath(); goBinPath != "" {
		return goBinPath, nil
	}

	// Try PATH
	if path, err := exec.LookPath(config.DaemonBinary); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%s not found", config.DaemonBinary)
}

// IsDaemonRunning checks if the daemon is running based on the PID file.
func IsDaemonRunning(pidPath string) bool {
	pid, err := readPIDFile(pidPath)
	if err != nil || pid <= 0 {
		return false
	}
	err = unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// readPIDFile reads a PID from a file.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// statusFile represents the daemon startup status file.
type statusFile struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
	Socket string `json:"socket,omitempty"`
	Error  string `json:"error,omitempty"`
}

// readStatusFile reads and parses the daemon status file.
func readStatusFile(path string) (*statusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status statusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
