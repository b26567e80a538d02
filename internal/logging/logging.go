package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Config represents the logging configuration
type Config struct {
	Type   string // "console" or "file"
	Level  string // minimum log level
	Format string // "text" or "json"
	File   string // log file path, for type "file"
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "DEBUG", "debug":
		return slog.LevelDebug, nil
	case "INFO", "info":
		return slog.LevelInfo, nil
	case "WARN", "warn", "WARNING", "warning":
		return slog.LevelWarn, nil
	case "ERROR", "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// LogLevelManager manages runtime log level adjustment
type LogLevelManager struct {
	currentLevel slog.Level
	mu           sync.RWMutex
}

var globalLogLevelManager = &LogLevelManager{
	currentLevel: slog.LevelInfo,
}

// GetLogLevelManager returns the global log level manager
func GetLogLevelManager() *LogLevelManager {
	return globalLogLevelManager
}

// SetLevel sets the current log level
func (m *LogLevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLevel = level
	slog.SetLogLoggerLevel(level)
}

// GetLevel returns the current log level
func (m *LogLevelManager) GetLevel() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel
}

// Initialize configures the process-wide slog default from the logging
// configuration. Should be called early in application startup. A log
// file that cannot be created or opened is an error; an unknown level
// falls back to INFO with a warning.
func Initialize(cfg Config) error {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", cfg.Level)
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.Type == "file" && cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create logs directory: %w", err)
			}
		}
		logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, logFile)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
	globalLogLevelManager.SetLevel(level)

	slog.Info("logging initialized",
		"log_level", LevelToString(level),
		"format", cfg.Format,
	)
	return nil
}
