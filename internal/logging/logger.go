// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const fileName = "otelgate.log"

// ParseLevel maps a config level name to a zerolog level. Unknown names
// fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a timestamped JSON logger writing to w.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// DefaultDir is ~/.local/state/otelgate, or "" when the home directory is
// unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "otelgate")
}

// ConfigureRuntime points the global logger, and the standard library
// logger used by dependencies, at dir/otelgate.log. When the file cannot
// be opened it logs to stderr. The returned func closes the file.
func ConfigureRuntime(dir, level string) func() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro

	useStderr := func() func() {
		install(NewLogger(os.Stderr, level))
		return func() {}
	}
	if dir == "" {
		return useStderr()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return useStderr()
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return useStderr()
	}

	install(NewLogger(f, level))
	return func() {
		_ = f.Close()
	}
}

func install(logger zerolog.Logger) {
	log.Logger = logger
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger)
}
