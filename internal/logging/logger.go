package logging

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Logger wraps a charmbracelet logger. Buffer is only set for test loggers.
type Logger struct {
	*log.Logger
	Buffer *bytes.Buffer
}

// New creates a logger writing to w at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	base := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          "filedock",
	})
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	if lvl == log.DebugLevel {
		base.SetReportCaller(true)
	}
	base.SetLevel(lvl)
	return &Logger{Logger: base}
}

// NewTestLogger returns a debug-level logger that captures its output.
func NewTestLogger() *Logger {
	buf := new(bytes.Buffer)
	base := log.New(buf)
	base.SetLevel(log.DebugLevel)
	return &Logger{Logger: base, Buffer: buf}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{Logger: log.New(io.Discard)}
}

// GetOutput returns what a test logger captured so far.
func (l *Logger) GetOutput() string {
	if l == nil || l.Buffer == nil {
		return ""
	}
	return l.Buffer.String()
}

// With returns a child logger carrying keyvals on every line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), Buffer: l.Buffer}
}

type ctxKey string

const loggerKey ctxKey = "filedock.logger"

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the request-scoped logger, or fallback when none is set.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
			return l
		}
	}
	if fallback == nil {
		return Nop()
	}
	return fallback
}
