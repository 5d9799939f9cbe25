package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Watch.Dir == "" {
		add("watch.dir must be set")
	}
	if !strings.HasPrefix(c.Watch.Extension, ".") || len(c.Watch.Extension) < 2 {
		add("watch.extension must start with a dot, got %q", c.Watch.Extension)
	}
	if c.Watch.Debounce < 0 {
		add("watch.debounce must not be negative")
	}
	if c.Watch.PollInterval < 0 {
		add("watch.poll_interval must not be negative")
	}
	if c.Watch.RenameWindow <= 0 {
		add("watch.rename_window must be positive")
	}
	for _, pattern := range c.Watch.Ignore {
		if _, err := glob.Compile(pattern, filepath.Separator); err != nil {
			add("watch.ignore pattern %q: %v", pattern, err)
		}
	}

	if c.Retry.BaseInterval <= 0 {
		add("retry.base_interval must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative")
	}
	if c.Retry.Interval <= 0 {
		add("retry.interval must be positive")
	}

	if _, err := types.ParseUpdateMode(c.Ingest.UpdateMode); err != nil {
		add("ingest.update_mode: %v", err)
	}
	switch strings.ToLower(c.Ingest.HashAlgorithm) {
	case "sha256", "blake3":
	default:
		add("ingest.hash_algorithm must be sha256 or blake3, got %q", c.Ingest.HashAlgorithm)
	}
	switch strings.ToLower(c.Ingest.Compression) {
	case "none", "lz4", "zstd":
	default:
		add("ingest.compression must be none, lz4 or zstd, got %q", c.Ingest.Compression)
	}

	switch c.Storage.StateBackend {
	case "badger", "bolt":
	default:
		add("storage.state_backend must be badger or bolt, got %q", c.Storage.StateBackend)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if c.Logging.ConsoleLevel != "" {
		if _, err := logging.ParseLevel(c.Logging.ConsoleLevel); err != nil {
			add("logging.console_level: %v", err)
		}
	}
	for comp, lvl := range c.Logging.Components {
		if _, err := logging.ParseLevel(lvl); err != nil {
			add("logging.components.%s: %v", comp, err)
		}
	}
	if c.Logging.Rotation.MaxSize != "" {
		if _, err := types.ParseSize(c.Logging.Rotation.MaxSize); err != nil {
			add("logging.rotation.max_size: %v", err)
		}
	}

	if c.Daemon.ShutdownTimeout <= 0 {
		add("daemon.shutdown_timeout must be positive")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "grpc", "http":
		default:
			add("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
		}
		if c.Tracing.Endpoint == "" {
			add("tracing.endpoint must be set when tracing is enabled")
		}
	}

	return errors.Join(errs...)
}

// UpdateMode returns the parsed ingest.update_mode. Call after Validate.
func (c *Config) UpdateMode() types.UpdateMode {
	m, err := types.ParseUpdateMode(c.Ingest.UpdateMode)
	if err != nil {
		return types.ModeAppend
	}
	return m
}

// LoggingOptions converts the logging section into logging.Config.
func (c *Config) LoggingOptions() (logging.Config, error) {
	rotation := logging.RotationConfig{
		MaxSize:    logging.DefaultRotationConfig().MaxSize,
		MaxAge:     c.Logging.Rotation.MaxAge,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		Daily:      c.Logging.Rotation.Daily,
	}
	if c.Logging.Rotation.MaxSize != "" {
		size, err := types.ParseSize(c.Logging.Rotation.MaxSize)
		if err != nil {
			return logging.Config{}, fmt.Errorf("logging.rotation.max_size: %w", err)
		}
		rotation.MaxSize = int64(size)
	}

	return logging.Config{
		Level:        c.Logging.Level,
		Path:         c.Logging.Path,
		Rotation:     rotation,
		Components:   c.Logging.Components,
		ConsoleLevel: c.Logging.ConsoleLevel,
		RecentSize:   c.Logging.RecentErrors,
	}, nil
}
