package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
)

// These tests share the package-level logger registry and must not run in
// parallel.

func TestInit(t *testing.T) {
	validDir := t.TempDir()
	componentsDir := t.TempDir()
	invalidDir := t.TempDir()

	tests := []struct {
		name    string
		cfg     logging.Config
		wantErr bool
	}{
		{
			name: "defaults",
			cfg: logging.Config{
				Level: "info",
				Path:  filepath.Join(validDir, "test.log"),
			},
		},
		{
			name: "component overrides",
			cfg: logging.Config{
				Level: "info",
				Path:  filepath.Join(componentsDir, "components.log"),
				Components: map[string]string{
					"watcher":  "debug",
					"pipeline": "warn",
				},
			},
		},
		{
			name: "invalid level",
			cfg: logging.Config{
				Level: "loud",
				Path:  filepath.Join(invalidDir, "invalid.log"),
			},
			wantErr: true,
		},
		{
			name: "invalid component level",
			cfg: logging.Config{
				Level:      "info",
				Path:       filepath.Join(invalidDir, "invalid.log"),
				Components: map[string]string{"watcher": "chatty"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := logging.Init(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Init() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if closeErr := logging.Close(); closeErr != nil {
					t.Errorf("Close() error = %v", closeErr)
				}
			}
		})
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "write.log")

	if err := logging.Init(logging.Config{Level: "debug", Path: logPath}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	logger := logging.Get("pipeline")
	logger.Info("ingested file", "path", "/tmp/a.jsonl")
	logger.With("session", "s1").Debug("appended")

	if err := logging.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for _, want := range []string{"ingested file", "pipeline", "session=s1"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("log file missing %q, got: %s", want, content)
		}
	}
}

func TestLogLevelsAndOverrides(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "levels.log")

	cfg := logging.Config{
		Level:      "warn",
		Path:       logPath,
		Components: map[string]string{"watcher": "debug"},
	}
	if err := logging.Init(cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	logging.Get("retry").Info("retry info hidden")
	logging.Get("retry").Warn("retry warn shown")
	logging.Get("watcher").Debug("watcher debug shown")

	if err := logging.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(content)
	if strings.Contains(got, "retry info hidden") {
		t.Error("info record written below warn level")
	}
	if !strings.Contains(got, "retry warn shown") {
		t.Error("warn record missing")
	}
	if !strings.Contains(got, "watcher debug shown") {
		t.Error("component override ignored")
	}
}

func TestRecentBuffer(t *testing.T) {
	cfg := logging.Config{
		Level:      "info",
		Path:       filepath.Join(t.TempDir(), "recent.log"),
		RecentSize: 2,
	}
	if err := logging.Init(cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer logging.Close()

	logger := logging.Get("daemon")
	logger.Info("not retained")
	logger.Warn("first", "path", "/a")
	logger.Error("second")
	logger.Error("third")

	recent := logging.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(recent))
	}
	if recent[0].Message != "second" || recent[1].Message != "third" {
		t.Errorf("unexpected entries: %+v", recent)
	}
	if recent[1].Component != "daemon" || recent[1].Level != "error" {
		t.Errorf("unexpected entry metadata: %+v", recent[1])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logging.Level
		wantErr bool
	}{
		{"debug", logging.LevelDebug, false},
		{"INFO", logging.LevelInfo, false},
		{"warning", logging.LevelWarn, false},
		{"error", logging.LevelError, false},
		{"", logging.LevelInfo, false},
		{"trace", logging.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := logging.ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
