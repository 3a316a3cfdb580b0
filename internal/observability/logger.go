package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/daimoniac/servicekit/internal/config"
)

// NewLogger creates a slog.Logger writing canonical JSON records to w.
// A nil writer means standard output.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := NewHandler(w, NewFormatter(cfg), ParseLevel(cfg.LogLevel))
	return slog.New(handler)
}

// ParseLevel maps a configured level name onto a slog level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return SlogLevelCritical
	default:
		return slog.LevelInfo
	}
}

// Named returns a logger whose records carry name in the "logger" key
func Named(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(LoggerKey, name)
}

// Exception attaches err's type and stack to a record
func Exception(err error) slog.Attr {
	return slog.Any(ExceptionKey, err)
}

// Args supplies format arguments for the record's message
func Args(args ...interface{}) slog.Attr {
	return slog.Any(ArgsKey, args)
}
