package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeConsole(t *testing.T) {
	if err := Initialize(Config{Type: "console", Level: "DEBUG", Format: "text"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := GetLogLevelManager().GetLevel(); got != slog.LevelDebug {
		t.Errorf("Expected level DEBUG, got %s", LevelToString(got))
	}
}

func TestInitializeUnknownLevelDefaultsToInfo(t *testing.T) {
	if err := Initialize(Config{Type: "console", Level: "NOISY", Format: "text"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := GetLogLevelManager().GetLevel(); got != slog.LevelInfo {
		t.Errorf("Expected level INFO, got %s", LevelToString(got))
	}
}

func TestInitializeFileCreatesLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relayd.log")
	if err := Initialize(Config{Type: "file", Level: "INFO", Format: "json", File: path}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected log file to exist: %v", err)
	}
}

func TestInitializeUnopenableFileFails(t *testing.T) {
	// A directory path cannot be opened for writing.
	if err := Initialize(Config{Type: "file", Level: "INFO", Format: "text", File: t.TempDir()}); err == nil {
		t.Fatal("Expected error opening a directory as the log file")
	}
}
