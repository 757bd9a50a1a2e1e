package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogger initializes a global logger with the specified level.
// It configures a JSON handler with source location information.
func InitLogger(level slog.Level) *slog.Logger {
	return newLogger(os.Stdout, level, "json")
}

// SetDefault installs the process-wide logger from config values
// ("debug"/"info"/"warn"/"error", "json"/"text").
func SetDefault(level, format string) *slog.Logger {
	logger := newLogger(os.Stdout, ParseLevel(level), format)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config level string to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}

// NewCallLogger scopes a component logger to one call.
func NewCallLogger(base *slog.Logger, component, callID string) *slog.Logger {
	return NewComponentLogger(base, component).With(slog.String("call_id", callID))
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
