package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName is attached to every log record as the "service" attribute.
const ServiceName = "model-history"

// ParseLevel maps a configured level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewLogger builds a logger writing to w.
//
// format: "json"  → JSONHandler (machine readable; recommended for production)
//
//	anything else → TextHandler (human readable; suitable for local development)
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", ServiceName)
}

// SetupLogger installs a stdout logger built from the configured format and level as the slog
// default, so package-level slog calls anywhere in the service use it, and returns it for
// components that take an explicit *slog.Logger.
func SetupLogger(format, level string) *slog.Logger {
	logger := NewLogger(os.Stdout, format, level)
	slog.SetDefault(logger)
	logger.Info("logger initialised", "format", format, "level", ParseLevel(level).String())
	return logger
}
