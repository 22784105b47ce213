// Package logging configures the process-wide slog handler.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the log destination, level, and format.
type Config struct {
	Type   string // "console" or "file"
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"
	File   string // path, for type "file"
}

// ParseLevel maps a level name to a slog level, defaulting to info.
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

// Setup builds a handler from the config and installs it as the slog
// default. It returns a closer for file-backed logs.
func Setup(config Config) (io.Closer, error) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer
	)

	switch config.Type {
	case "file":
		if config.File == "" {
			return nil, fmt.Errorf("log file path is required for file logging")
		}
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = f
	case "console", "":
		// stdout
	default:
		return nil, fmt.Errorf("unsupported logging type: %s", config.Type)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
	return closer, nil
}
