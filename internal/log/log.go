// Package log is a small leveled logging wrapper around slog.
//
// Messages are printf-style. Output goes to stderr so it never mixes with
// protocol traffic on stdout (MCP stdio). On a terminal the text handler is
// used, otherwise records are written as JSON.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/term"
)

// Level constants matching slog levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	level slog.LevelVar
	root  atomic.Pointer[slog.Logger]
)

func init() {
	Setup(os.Stderr, "auto")
}

// Setup installs the handler. format is "text", "json" or "auto".
func Setup(w io.Writer, format string) {
	opts := &slog.HandlerOptions{Level: &level}

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			h = slog.NewTextHandler(w, opts)
		} else {
			h = slog.NewJSONHandler(w, opts)
		}
	}
	root.Store(slog.New(h))
}

// SetLevel sets the global log level.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// GetLevel returns the current log level.
func GetLevel() slog.Level {
	return level.Level()
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger carries attributes such as a session id.
type Logger struct {
	l *slog.Logger
}

// With returns a logger that adds the given key/value pairs to every record.
func With(args ...any) *Logger {
	return &Logger{l: root.Load().With(args...)}
}

// With extends the logger with more attributes.
func (lg *Logger) With(args ...any) *Logger {
	return &Logger{l: lg.logger().With(args...)}
}

func (lg *Logger) logger() *slog.Logger {
	if lg == nil || lg.l == nil {
		return root.Load()
	}
	return lg.l
}

func (lg *Logger) log(l slog.Level, format string, args []any) {
	sl := lg.logger()
	if !sl.Enabled(context.Background(), l) {
		return
	}
	sl.Log(context.Background(), l, fmt.Sprintf(format, args...))
}

// Debug logs a debug message.
func (lg *Logger) Debug(format string, args ...any) { lg.log(LevelDebug, format, args) }

// Info logs an info message.
func (lg *Logger) Info(format string, args ...any) { lg.log(LevelInfo, format, args) }

// Warn logs a warning.
func (lg *Logger) Warn(format string, args ...any) { lg.log(LevelWarn, format, args) }

// Error logs an error.
func (lg *Logger) Error(format string, args ...any) { lg.log(LevelError, format, args) }

// Debug logs a debug message on the root logger.
func Debug(format string, args ...any) { (*Logger)(nil).log(LevelDebug, format, args) }

// Info logs an info message on the root logger.
func Info(format string, args ...any) { (*Logger)(nil).log(LevelInfo, format, args) }

// Warn logs a warning on the root logger.
func Warn(format string, args ...any) { (*Logger)(nil).log(LevelWarn, format, args) }

// Error logs an error on the root logger.
func Error(format string, args ...any) { (*Logger)(nil).log(LevelError, format, args) }
