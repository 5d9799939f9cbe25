package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/hindsight/pkg/client"
	"github.com/jamesainslie/hindsight/pkg/hindsight/config"
	"github.com/jamesainslie/hindsight/pkg/hindsight/output"
)

// rpcTimeout bounds a single control-plane call.
const rpcTimeout = 10 * time.Second

var (
	cfgFile      string
	outputFormat string
	verbose      bool
	quiet        bool
	noAutoStart  bool

	rootCmd = &cobra.Command{
		Use:   "hindsight",
		Short: "Incremental ingestion of conversation logs",
		Long: `hindsight inspects and controls hindsightd, the daemon that watches a
directory of JSONL conversation logs and ingests new content into the catalog.

Examples:
  hindsight daemon start       # Start the daemon in the background
  hindsight status             # Daemon health and counters
  hindsight files              # Tracked files and their ingested offsets
  hindsight failures -x        # Files that exhausted their retries
  hindsight reprocess a.jsonl  # Ingest a file again from the start
  hindsight events             # Follow pipeline events
  cat log.jsonl | hindsight ingest -`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: validateOutputFormat,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/hindsight/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: "+strings.Join(output.Available(), ", "))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "minimal output")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-autostart", false, "do not start the daemon when it is not running")
}

func validateOutputFormat(_ *cobra.Command, _ []string) error {
	if !slices.Contains(output.Available(), outputFormat) {
		return fmt.Errorf("unknown output format %q (want one of %s)", outputFormat, strings.Join(output.Available(), ", "))
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		return err
	}
	return nil
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// daemonPaths returns the daemon paths from the loaded config.
func daemonPaths(cfg *config.Config) client.DaemonPaths {
	return client.PathsFrom(cfg, cfgFile)
}

// connect returns a client for the configured daemon, starting it first when
// auto_start is enabled.
func connect(ctx context.Context) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	paths := daemonPaths(cfg)

	if !client.IsDaemonRunning(paths.PID) {
		if !cfg.Daemon.AutoStart || noAutoStart {
			return nil, fmt.Errorf("%w (start with: hindsight daemon start)", client.ErrNotRunning)
		}
		printVerbose("daemon not running, starting it")
		if err := client.EnsureDaemon(paths); err != nil {
			return nil, fmt.Errorf("starting daemon: %w", err)
		}
	}

	printVerbose("connecting to %s", paths.Socket)
	c, err := client.ConnectWithContext(ctx, paths.Socket)
	if err != nil {
		if errors.Is(err, client.ErrNotRunning) {
			return nil, fmt.Errorf("%w (start with: hindsight daemon start)", err)
		}
		return nil, err
	}
	return c, nil
}

// withClient runs fn against a connected client under the RPC timeout.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// render writes doc in the selected output format.
func render(w io.Writer, doc *output.Document) error {
	return output.Write(w, outputFormat, doc)
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf(format+"\n", args...)
	}
}

// printError prints an error message to stderr.
func printError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, output.ErrorStyle.Render(fmt.Sprintf("Error: "+format, args...)))
}
