// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where logs go.
type Options struct {
	// DEBUG, INFO, WARN or ERROR.  Empty means INFO.
	Level string

	// Rotated log file.  Empty disables file logging.
	File string

	// Also log to stderr.  MCP stdio servers turn this off since
	// their client may show stderr to the user.
	Stderr bool

	// Force debug level, as for --verbose.
	Verbose bool
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("unknown log level %q", s)
}

// Setup installs a text logger as slog.Default and returns it along
// with a function that closes the log file.
func Setup(o Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(o.Level)
	if err != nil {
		return nil, nil, err
	}
	if o.Verbose {
		level = slog.LevelDebug
	}

	var writers []io.Writer
	closer := func() error { return nil }
	if o.Stderr {
		writers = append(writers, os.Stderr)
	}
	if o.File != "" {
		if err := os.MkdirAll(filepath.Dir(o.File), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "creating log directory")
		}
		lj := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj.Close
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	return l, closer, nil
}
