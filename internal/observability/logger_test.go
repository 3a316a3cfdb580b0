package observability

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"CRITICAL", SlogLevelCritical},
		{"invalid", slog.LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewLoggerDefaultsToStdout(t *testing.T) {
	logger := NewLogger(testConfig(), nil)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be enabled for an INFO config")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug to be disabled for an INFO config")
	}
}
