// Command hindsightd watches a directory of conversation logs and ingests
// new content into the catalog. It serves status and control over a unix
// socket and exits on SIGINT, SIGTERM or a Shutdown request.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/hindsight/pkg/daemon"
	"github.com/jamesainslie/hindsight/pkg/daemon/broadcaster"
	"github.com/jamesainslie/hindsight/pkg/daemon/store"
	"github.com/jamesainslie/hindsight/pkg/hindsight/catalog"
	"github.com/jamesainslie/hindsight/pkg/hindsight/config"
	"github.com/jamesainslie/hindsight/pkg/hindsight/filter"
	"github.com/jamesainslie/hindsight/pkg/hindsight/hasher"
	"github.com/jamesainslie/hindsight/pkg/hindsight/ingest"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
	"github.com/jamesainslie/hindsight/pkg/hindsight/pipeline"
	"github.com/jamesainslie/hindsight/pkg/hindsight/tracing"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configFile  string
		showVersion bool
	)
	cmd := &cobra.Command{
		Use:           "hindsightd",
		Short:         "hindsight ingestion daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Printf("hindsightd %s (commit %s, built %s)\n", version, commit, date)
				return nil
			}
			return run(cmd.Context(), configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/hindsight/config.yaml)")
	cmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "hindsightd: %v\n", err)
		os.Exit(1)
	}
}

// run starts the daemon and blocks until it stops. Startup failures are also
// written to the status file so a launching client can report them.
func run(ctx context.Context, configFile string) (err error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	statusPath := cfg.Daemon.StatusPath
	defer func() {
		if err != nil {
			_ = daemon.WriteStatusError(statusPath, err)
		}
	}()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := config.EnsureDataDir(); err != nil {
		return err
	}

	logOpts, err := cfg.LoggingOptions()
	if err != nil {
		return err
	}
	if err := logging.Init(logOpts); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logging.Close()
	log := logging.Get("daemon")

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Protocol:       cfg.Tracing.Protocol,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("Flushing traces", "error", err)
		}
	}()

	if err := daemon.RecoverFromStaleDaemon(daemon.Artifacts{
		PIDPath:      cfg.Daemon.PIDPath,
		SocketPath:   cfg.Daemon.SocketPath,
		StatusPath:   statusPath,
		StatePath:    cfg.Storage.StatePath,
		StateBackend: cfg.Storage.StateBackend,
	}); err != nil {
		return err
	}
	if err := daemon.WritePIDFile(cfg.Daemon.PIDPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := daemon.RemovePIDFile(cfg.Daemon.PIDPath); err != nil {
			log.Warn("Removing PID file", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	cat, err := catalog.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer cat.Close()

	p, events, err := buildPipeline(cfg, st, cat)
	if err != nil {
		return err
	}
	defer events.Close()

	if n, err := p.Retries().Restore(); err != nil {
		log.Warn("Restoring retry queue", "error", err)
	} else if n > 0 {
		log.Info("Restored retry queue", "entries", n)
	}

	d := daemon.New(daemon.SettingsFrom(cfg), p, st)
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	svc := daemon.NewService(d, st, cat, events, daemon.WithVersion(version))
	srv, err := daemon.NewServer(cfg.Daemon.SocketPath, svc)
	if err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	if err := daemon.WriteStatusReady(statusPath, cfg.Daemon.SocketPath, version); err != nil {
		log.Warn("Writing status file", "error", err)
	}
	log.Info("hindsightd ready", "version", version, "socket", cfg.Daemon.SocketPath, "pid", os.Getpid())

	select {
	case <-d.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("Control server stopped", "error", err)
		}
		d.Stop()
	}

	if err := srv.Close(); err != nil {
		log.Warn("Closing control server", "error", err)
	}
	if err := daemon.RemoveStatus(statusPath); err != nil {
		log.Warn("Removing status file", "error", err)
	}
	log.Info("hindsightd exiting")
	return nil
}

// openStore opens the state store and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.Storage.StateBackend, cfg.Storage.StatePath)
	if err != nil {
		return nil, err
	}
	if !st.NeedsMigration() {
		return st, nil
	}

	log.Info("Migrating state store", "from", st.Version(), "to", store.CurrentSchemaVersion)
	n, err := st.Migrate(ctx, func(p store.MigrationProgress) {
		log.Debug("Migration progress", "done", p.EntriesDone, "total", p.EntriesTotal)
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("migrating state store: %w", err), st.Close())
	}
	log.Info("State store migrated", "migrations", n)
	return st, nil
}

// buildPipeline assembles the pipeline and the broadcaster it publishes to.
func buildPipeline(cfg *config.Config, st *store.Store, cat *catalog.Catalog) (*pipeline.Context, *broadcaster.Broadcaster, error) {
	ingOpts, err := ingest.OptionsFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	h, err := hasher.New(cfg.Ingest.HashAlgorithm)
	if err != nil {
		return nil, nil, err
	}
	f, err := filter.New(cfg.Watch.Extension, filter.WithIgnore(cfg.Watch.Ignore...))
	if err != nil {
		return nil, nil, err
	}

	events := broadcaster.New()
	p := pipeline.New(pipeline.ConfigFrom(cfg), ingest.New(cat, ingOpts...), st,
		pipeline.WithHasher(h),
		pipeline.WithFilter(f),
		pipeline.WithEvents(events),
	)
	return p, events, nil
}
