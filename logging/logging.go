// Package logging builds the slog loggers used by rewind binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LevelTrace is below slog.LevelDebug. Raw engine output is logged at this
// level.
const LevelTrace slog.Level = slog.LevelDebug - 4

// LevelFor maps a -v count to a level: none is info, -v is debug and -vv
// or more is trace.
func LevelFor(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelInfo
	case verbosity == 1:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// New creates a logger writing text, or JSON when asJSON is set, to w.
func New(w io.Writer, verbosity int, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: LevelFor(verbosity), ReplaceAttr: replaceLevel}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenFile creates a timestamped log file under dir. The caller closes it.
func OpenFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, time.Now().Format("2006-01-02T15-04-05")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
