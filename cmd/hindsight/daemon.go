package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/hindsight/pkg/client"
	"github.com/jamesainslie/hindsight/pkg/hindsight/output"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the hindsightd daemon",
	Long: `Manage the hindsightd daemon.

The daemon watches the configured directory, catches up on files that
changed while it was down, and retries failed ingestions in the background.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the hindsightd daemon",
	Long:  `Start the hindsightd daemon in the background and wait until it is ready.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the hindsightd daemon",
	Long:  `Stop the hindsightd daemon gracefully.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the hindsightd daemon",
	Long:  `Stop and start the hindsightd daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	Long:  `Show whether the hindsightd daemon is running and answering its health check.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

func runDaemonStart(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := daemonPaths(cfg)
	if client.IsDaemonRunning(paths.PID) {
		printInfo("Daemon already running")
		return nil
	}

	printVerbose("starting daemon...")
	if err := client.StartDaemon(paths); err != nil {
		return err
	}
	printInfo("Daemon started")
	return nil
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := daemonPaths(cfg)
	if !client.IsDaemonRunning(paths.PID) {
		printInfo("Daemon is not running")
		return nil
	}

	printVerbose("sending shutdown request to %s", paths.Socket)
	if err := client.StopDaemon(paths); err != nil {
		return err
	}
	printInfo("Daemon stopped")
	return nil
}

func runDaemonRestart(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := client.RestartDaemon(daemonPaths(cfg)); err != nil {
		return err
	}
	printInfo("Daemon restarted")
	return nil
}

// daemonState is the result of a liveness probe.
type daemonState struct {
	Running    bool   `json:"running"`
	Responding bool   `json:"responding"`
	PIDFile    string `json:"pid_file"`
	Socket     string `json:"socket"`
	Error      string `json:"error,omitempty"`
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := daemonPaths(cfg)

	st := daemonState{PIDFile: paths.PID, Socket: paths.Socket}
	st.Running = client.IsDaemonRunning(paths.PID)
	if st.Running {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c, err := client.ConnectWithContext(ctx, paths.Socket)
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Responding = true
			_ = c.Close()
		}
	}

	state := "not running"
	switch {
	case st.Responding:
		state = "running"
	case st.Running:
		state = "running (not responding)"
	}
	fields := []output.Field{
		{Label: "Daemon", Value: state},
		{Label: "PID file", Value: st.PIDFile},
		{Label: "Socket", Value: st.Socket},
	}
	if st.Error != "" {
		fields = append(fields, output.Field{Label: "Error", Value: st.Error})
	}
	if err := render(cmd.OutOrStdout(), &output.Document{Data: st, Table: output.Table{Header: fields}}); err != nil {
		return err
	}
	if st.Running && !st.Responding {
		return fmt.Errorf("daemon is not responding on %s", st.Socket)
	}
	return nil
}
