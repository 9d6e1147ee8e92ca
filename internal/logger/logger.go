package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Init initializes the global logger with timestamp precision to milliseconds.
// The minimum level can be raised via the SIGMESH_LOG environment variable
// (debug, info, warn, error).
func Init() {
	once.Do(func() {
		handler := NewHandler(os.Stdout, levelFromEnv())
		defaultLogger = slog.New(handler)
		slog.SetDefault(defaultLogger)
	})
}

// levelFromEnv maps the SIGMESH_LOG environment variable to a slog level.
// Defaults to debug so that nothing is suppressed unless asked for.
func levelFromEnv() slog.Level {
	switch os.Getenv("SIGMESH_LOG") {
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// Handler is a custom slog handler with precise timestamps.
type Handler struct {
	out io.Writer
	min slog.Level
	mu  sync.Mutex
}

// NewHandler creates a new handler writing to the given writer.
func NewHandler(out io.Writer, min slog.Level) *Handler {
	return &Handler{out: out, min: min}
}

// Enabled reports whether the level passes the minimum level filter.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.min
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	// Format: 2024-01-15 14:30:45.123 [INF] message key=value
	ts := r.Time.Format("2006-01-02 15:04:05.000")
	level := levelString(r.Level)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Write timestamp and level
	fmt.Fprintf(h.out, "%s [%s] %s", ts, level, r.Message)

	// Write attributes
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value)
		return true
	})

	fmt.Fprintln(h.out)

	return nil
}

// WithAttrs returns a new handler with the given attributes.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// WithGroup returns a new handler with the given group.
func (h *Handler) WithGroup(name string) slog.Handler {
	return h
}

// levelString returns a short string for the log level.
func levelString(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "DBG"
	case slog.LevelInfo:
		return "INF"
	case slog.LevelWarn:
		return "WRN"
	case slog.LevelError:
		return "ERR"
	default:
		return "???"
	}
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
