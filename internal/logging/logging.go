// Package logging builds the process-wide slog handler. Components derive
// their loggers with slog.Default().With("component", ...).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var sensitiveKeys = []string{
	"secret",
	"secret_token",
	"password",
	"token",
	"authorization",
}

// Setup installs the default slog logger according to the configured level
// and format ("text" or "json"). Output goes to stderr so that command
// output on stdout stays clean for MTA pipes.
func Setup(level, format string) error {
	return SetupWithWriter(level, format, os.Stderr)
}

// SetupWithWriter is Setup with an explicit destination, used by tests.
func SetupWithWriter(level, format string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: redactSensitive,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format: %s", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", level)
	}
}

// redactSensitive blanks attribute values whose keys look like credentials.
// Route secrets must never reach the logs.
func redactSensitive(groups []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(key, sk) {
			a.Value = slog.StringValue("[REDACTED]")
			break
		}
	}
	return a
}
