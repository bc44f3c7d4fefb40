package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig defines the configuration for structured logging.
type LogConfig struct {
	Level  string // "DEBUG", "INFO", "WARN" or "ERROR"
	Format string // "json" or "text"
	Output io.Writer
}

// ParseLevel maps a level name onto a slog level. ok is false for unknown names.
func ParseLevel(name string) (level slog.Level, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New builds a logger without touching the process default.
func New(config LogConfig) *slog.Logger {
	level, _ := ParseLevel(config.Level)
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(config.Format)) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// InitLogger initializes the global slog logger with the specified configuration.
func InitLogger(config LogConfig) *slog.Logger {
	logger := New(config)
	slog.SetDefault(logger)

	if _, ok := ParseLevel(config.Level); !ok {
		logger.Warn("invalid log level specified, defaulting to INFO", "specified_level", config.Level)
	}
	switch strings.ToLower(strings.TrimSpace(config.Format)) {
	case "json", "text", "":
	default:
		logger.Warn("invalid log format specified, defaulting to text", "specified_format", config.Format)
	}
	logger.Debug("logger initialized", "level", config.Level, "format", config.Format)
	return logger
}

// NewComponentLogger creates a component-specific logger with context.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", component))
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or the process default logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// "error" becomes "err" so both spellings land in one column.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == "error" {
		a.Key = "err"
	}
	return a
}
