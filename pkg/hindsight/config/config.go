package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// WatchConfig configures the filesystem watcher.
type WatchConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	Extension    string        `mapstructure:"extension" yaml:"extension"`
	Recursive    bool          `mapstructure:"recursive" yaml:"recursive"`
	Debounce     time.Duration `mapstructure:"debounce" yaml:"debounce"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RenameWindow time.Duration `mapstructure:"rename_window" yaml:"rename_window"`
	Ignore       []string      `mapstructure:"ignore" yaml:"ignore"`
}

// RetryConfig configures the retry queue and its background loop.
type RetryConfig struct {
	BaseInterval time.Duration `mapstructure:"base_interval" yaml:"base_interval"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
}

// IngestConfig configures how parsed content is stored.
type IngestConfig struct {
	UpdateMode     string `mapstructure:"update_mode" yaml:"update_mode"`
	SkipDuplicates bool   `mapstructure:"skip_duplicates" yaml:"skip_duplicates"`
	HashAlgorithm  string `mapstructure:"hash_algorithm" yaml:"hash_algorithm"`
	StoreRaw       bool   `mapstructure:"store_raw" yaml:"store_raw"`
	Compression    string `mapstructure:"compression" yaml:"compression"`
}

// StorageConfig locates the daemon's databases.
type StorageConfig struct {
	StateBackend string `mapstructure:"state_backend" yaml:"state_backend"`
	StatePath    string `mapstructure:"state_path" yaml:"state_path"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size" yaml:"max_size"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Daily      bool   `mapstructure:"daily" yaml:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level        string            `mapstructure:"level" yaml:"level"`
	Path         string            `mapstructure:"path" yaml:"path"`
	Rotation     RotationConfig    `mapstructure:"rotation" yaml:"rotation"`
	Components   map[string]string `mapstructure:"components" yaml:"components"`
	ConsoleLevel string            `mapstructure:"console_level" yaml:"console_level"`
	RecentErrors int               `mapstructure:"recent_errors" yaml:"recent_errors"`
}

// DaemonConfig configures the background daemon.
type DaemonConfig struct {
	AutoStart       bool          `mapstructure:"auto_start" yaml:"auto_start"`
	BinaryPath      string        `mapstructure:"binary_path" yaml:"binary_path"` // hindsightd, auto-discovered if empty
	SocketPath      string        `mapstructure:"socket_path" yaml:"socket_path"`
	PIDPath         string        `mapstructure:"pid_path" yaml:"pid_path"`
	StatusPath      string        `mapstructure:"status_path" yaml:"status_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Protocol    string `mapstructure:"protocol" yaml:"protocol"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
}

// Config is the validated application configuration.
type Config struct {
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Ingest  IngestConfig  `mapstructure:"ingest" yaml:"ingest"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Daemon  DaemonConfig  `mapstructure:"daemon" yaml:"daemon"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// Load reads config.yaml from the config directory, overlays HINDSIGHT_*
// environment variables, fills in defaults and validates the result.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// default locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("HINDSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment
// overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	_ = cfg.resolvePaths()
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watch.dir", DefaultWatchDir)
	v.SetDefault("watch.extension", DefaultExtension)
	v.SetDefault("watch.recursive", true)
	v.SetDefault("watch.debounce", DefaultDebounce)
	v.SetDefault("watch.poll_interval", time.Duration(0))
	v.SetDefault("watch.rename_window", DefaultRenameWindow)
	v.SetDefault("watch.ignore", DefaultIgnore)

	v.SetDefault("retry.base_interval", DefaultRetryBase)
	v.SetDefault("retry.max_retries", DefaultMaxRetries)
	v.SetDefault("retry.interval", DefaultRetryInterval)

	v.SetDefault("ingest.update_mode", DefaultUpdateMode)
	v.SetDefault("ingest.skip_duplicates", true)
	v.SetDefault("ingest.hash_algorithm", DefaultHashAlgorithm)
	v.SetDefault("ingest.store_raw", true)
	v.SetDefault("ingest.compression", DefaultCompression)

	v.SetDefault("storage.state_backend", DefaultStateBackend)
	v.SetDefault("storage.state_path", "")
	v.SetDefault("storage.database_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.rotation.max_size", "10MiB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"daemon":   "info",
		"watcher":  "warn",
		"pipeline": "info",
		"retry":    "info",
	})
	v.SetDefault("logging.console_level", "")
	v.SetDefault("logging.recent_errors", DefaultRecentErrors)

	v.SetDefault("daemon.auto_start", true)
	v.SetDefault("daemon.binary_path", "")
	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.pid_path", "")
	v.SetDefault("daemon.status_path", "")
	v.SetDefault("daemon.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.protocol", DefaultTracingProtocol)
	v.SetDefault("tracing.service_name", DefaultServiceName)
	v.SetDefault("tracing.insecure", true)
}

// resolvePaths expands ~ and fills empty paths with XDG defaults.
func (c *Config) resolvePaths() error {
	var err error
	if c.Watch.Dir, err = ExpandPath(c.Watch.Dir); err != nil {
		return err
	}
	if c.Watch.Dir != "" {
		if abs, err := filepath.Abs(c.Watch.Dir); err == nil {
			c.Watch.Dir = abs
		}
	}

	fill := func(p *string, def string) error {
		if *p == "" {
			*p = def
			return nil
		}
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
		return nil
	}

	for _, f := range []struct {
		p   *string
		def string
	}{
		{&c.Storage.StatePath, DefaultStatePath(c.Storage.StateBackend)},
		{&c.Storage.DatabasePath, DefaultDatabasePath()},
		{&c.Logging.Path, DefaultLogPath()},
		{&c.Daemon.SocketPath, DefaultSocketPath()},
		{&c.Daemon.PIDPath, DefaultPIDPath()},
		{&c.Daemon.StatusPath, DefaultStatusPath()},
	} {
		if err := fill(f.p, f.def); err != nil {
			return err
		}
	}
	return nil
}

// ConfigDir returns $XDG_CONFIG_HOME/hindsight, or ~/.config/hindsight.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "hindsight"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "hindsight"), nil
}

// ConfigFile returns the default config file path.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/hindsight for databases, socket and pid files.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "hindsight")
}

// StateDir returns $XDG_STATE_HOME/hindsight for logs.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "hindsight")
}

// DefaultSocketPath returns the default Unix socket path.
func DefaultSocketPath() string {
	return filepath.Join(DataDir(), "hindsight.sock")
}

// DefaultPIDPath returns the default PID file path.
func DefaultPIDPath() string {
	return filepath.Join(DataDir(), "hindsightd.pid")
}

// DefaultStatusPath returns the default daemon status file path.
func DefaultStatusPath() string {
	return filepath.Join(DataDir(), "hindsightd.status")
}

// DefaultStatePath returns where the per-file state store lives for backend.
func DefaultStatePath(backend string) string {
	if backend == "bolt" {
		return filepath.Join(DataDir(), "state.bolt")
	}
	return filepath.Join(DataDir(), "state")
}

// DefaultDatabasePath returns the default catalog database path.
func DefaultDatabasePath() string {
	return filepath.Join(DataDir(), "hindsight.db")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(StateDir(), "hindsight.log")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}

// DaemonBinary is the daemon executable name.
const DaemonBinary = "hindsightd"

// DefaultBinaryPath looks for hindsightd where `go install` puts it:
// $GOBIN, then $GOPATH/bin, then ~/go/bin. It returns "" when none exists.
func DefaultBinaryPath() string {
	var dirs []string
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		dirs = append(dirs, gobin)
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		for _, p := range filepath.SplitList(gopath) {
			dirs = append(dirs, filepath.Join(p, "bin"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "go", "bin"))
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, DaemonBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
