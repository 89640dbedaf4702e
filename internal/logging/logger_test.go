package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
		{"padded", " error ", slog.LevelError},
		{"invalid level", "invalid", slog.LevelInfo},
		{"empty string", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != slog.LevelInfo {
		t.Errorf("Default level = %v, want %v", cfg.Level, slog.LevelInfo)
	}
	if cfg.Format != "json" {
		t.Errorf("Default Format = %q, want json", cfg.Format)
	}
	if cfg.MaxSize != 100 {
		t.Errorf("Default MaxSize = %d, want 100", cfg.MaxSize)
	}
	if cfg.Console != os.Stderr {
		t.Error("Default Console should be stderr")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := NewLogger(Config{Level: slog.LevelInfo, Console: &buf})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer closer.Close()

		logger.Info("imported", "visits", 3)

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("Expected JSON line, got %q: %v", buf.String(), err)
		}
		if entry["msg"] != "imported" {
			t.Errorf("Expected msg 'imported', got %v", entry["msg"])
		}
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := NewLogger(Config{Level: slog.LevelInfo, Format: "text", Console: &buf})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		logger.Info("imported", "visits", 3)
		if !strings.Contains(buf.String(), "visits=3") {
			t.Errorf("Expected text output with visits=3, got %q", buf.String())
		}
	})

	t.Run("level filter", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := NewLogger(Config{Level: slog.LevelWarn, Console: &buf})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		logger.Info("hidden")
		if buf.Len() != 0 {
			t.Errorf("Expected info to be filtered, got %q", buf.String())
		}
	})
}

func TestNewLoggerFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "linkrecall.log")

	logger, closer, err := NewLogger(Config{
		Level:      slog.LevelDebug,
		FilePath:   logFile,
		MaxSize:    10,
		MaxBackups: 3,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("test message")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Log file was not created at %s: %v", logFile, err)
	}
	if !strings.Contains(string(content), "test message") {
		t.Errorf("Log file missing message, got %q", string(content))
	}
}

func TestSetDefault(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	logFile := filepath.Join(t.TempDir(), "test.log")
	closer, err := SetDefault(Config{Level: slog.LevelDebug, FilePath: logFile, MaxSize: 1})
	if err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}
	defer closer.Close()

	slog.Info("test message from default logger")

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Errorf("Log file was not created at %s", logFile)
	}
}
