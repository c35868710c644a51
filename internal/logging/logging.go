// Package logging owns the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"

	"github.com/m-mizutani/clog"
	"github.com/m-mizutani/masq"
	"golang.org/x/term"
)

var (
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	mu     sync.RWMutex
)

// Default returns the configured logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetDefault replaces the process logger (also used by tests to silence output).
func SetDefault(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// New builds a logger writing to w. Format is "console" (colored, human readable)
// or "json". Secret-tagged struct fields and DSNs are redacted in both formats.
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	redact := masq.New(
		masq.WithTag("secret"),
		masq.WithFieldName("DSN"),
	)

	switch format {
	case "", "console":
		handler := clog.New(
			clog.WithWriter(w),
			clog.WithLevel(lvl),
			clog.WithColor(isTerminal(w)),
			clog.WithReplaceAttr(redact),
		)
		return slog.New(handler), nil
	case "json":
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       lvl,
			ReplaceAttr: redact,
		})
		return slog.New(handler), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Configure installs a logger for stderr as both the package and slog default.
func Configure(format, level string) error {
	l, err := New(os.Stderr, format, level)
	if err != nil {
		return err
	}
	SetDefault(l)
	slog.SetDefault(l)
	return nil
}

// StdLogger adapts the default logger for APIs that need a *log.Logger
// (chi's request logger).
func StdLogger() *log.Logger {
	return slog.NewLogLogger(Default().Handler(), slog.LevelInfo)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
