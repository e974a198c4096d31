// Package logger provides a process-wide structured logger used by every
// component of the gateway. It wraps log/slog behind a singleton so that
// packages can log without threading a *slog.Logger through every
// constructor, while tests can still swap the sink out.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newDefault(false))
}

func newDefault(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if unstructuredLogs() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// unstructuredLogs reports whether human-readable (text) logging was
// requested via METAMCP_UNSTRUCTURED_LOGS. Defaults to true so a bare
// `metamcp serve` run on a terminal prints readable lines; CI/production
// deployments set it to "false" to get JSON.
func unstructuredLogs() bool {
	v, ok := os.LookupEnv("METAMCP_UNSTRUCTURED_LOGS")
	if !ok {
		return true
	}
	switch v {
	case "false", "0":
		return false
	default:
		return true
	}
}

// Initialize (re)configures the singleton logger. Debug mode is enabled
// when METAMCP_DEBUG is set to a truthy value or debug is true.
func Initialize(debug bool) {
	if !debug {
		if v := os.Getenv("METAMCP_DEBUG"); v == "true" || v == "1" {
			debug = true
		}
	}
	singleton.Store(newDefault(debug))
}

// Get returns the current process-wide logger.
func Get() *slog.Logger {
	return singleton.Load()
}

// SetForTest installs l as the singleton and returns a restore function.
// Intended for use with t.Cleanup in tests that assert on log output.
func SetForTest(l *slog.Logger) (restore func()) {
	prev := singleton.Load()
	singleton.Store(l)
	return func() { singleton.Store(prev) }
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) { Get().Debug(sprintf(format, args...)) }

// Infof logs at info level.
func Infof(format string, args ...any) { Get().Info(sprintf(format, args...)) }

// Warnf logs at warn level.
func Warnf(format string, args ...any) { Get().Warn(sprintf(format, args...)) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { Get().Error(sprintf(format, args...)) }

// Info logs a plain message at info level.
func Info(msg string) { Get().Info(msg) }

// Warn logs a plain message at warn level.
func Warn(msg string) { Get().Warn(msg) }

// Error logs a plain message at error level.
func Error(msg string) { Get().Error(msg) }

// InfoContext logs at info level with key/value attributes and the given context.
func InfoContext(ctx context.Context, msg string, args ...any) { Get().InfoContext(ctx, msg, args...) }

// WarnContext logs at warn level with key/value attributes and the given context.
func WarnContext(ctx context.Context, msg string, args ...any) { Get().WarnContext(ctx, msg, args...) }

// ErrorContext logs at error level with key/value attributes and the given context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
