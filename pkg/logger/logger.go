// Package logger is the process-wide leveled logger used by the mesh client.
//
// The package keeps the printf-style API (Infof, Debugf, ...) that call sites
// use, and renders every line through a log/slog text handler so a host can
// swap the output (stderr, a rotating file, a test buffer) at runtime.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
)

// Level is the verbosity threshold used by the logger.
//
// Lower values are more verbose.
type Level int32

const (
	// LevelTrace enables extremely verbose logs (every network call, every
	// session transition).
	LevelTrace Level = iota
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
)

// slogLevelTrace sits below slog.LevelDebug.
const slogLevelTrace = slog.Level(-8)

var (
	currentLevel atomic.Int32

	mu      sync.RWMutex
	output  io.Writer = os.Stderr
	slogger *slog.Logger
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	reconfigure()
}

// String returns the upper-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelTrace:
		return slogLevelTrace
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// reconfigure rebuilds the slog handler from the current output and level.
func reconfigure() {
	mu.Lock()
	defer mu.Unlock()

	level := Level(currentLevel.Load())
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: level.slog(),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slogLevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
			}
			return a
		},
	})
	slogger = slog.New(handler)
}

// SetOutput replaces the writer used by the global logger.
func SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	mu.Lock()
	output = w
	mu.Unlock()
	reconfigure()
}

// SetLevel sets the global log level threshold.
func SetLevel(level Level) {
	currentLevel.Store(int32(level))
	reconfigure()
}

// GetLevel returns the current threshold.
func GetLevel() Level {
	return Level(currentLevel.Load())
}

// Enabled reports whether a level would be emitted by the current
// configuration.
func Enabled(level Level) bool {
	return level >= Level(currentLevel.Load())
}

// Slog exposes the underlying structured logger for call sites that want
// key/value attributes.
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func logf(level Level, format string, args ...any) {
	if !Enabled(level) {
		return
	}
	Slog().Log(context.Background(), level.slog(), fmt.Sprintf(format, args...))
}

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) {
	logf(LevelTrace, format, args...)
}

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) {
	logf(LevelDebug, format, args...)
}

// Infof logs at INFO level.
func Infof(format string, args ...any) {
	logf(LevelInfo, format, args...)
}

// Warnf logs at WARN level.
func Warnf(format string, args ...any) {
	logf(LevelWarn, format, args...)
}

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) {
	logf(LevelError, format, args...)
}

// Panic logs a recovered panic value with the current goroutine's stack. It
// is meant to be called from a deferred recover.
func Panic(where string, value any) {
	Slog().Error(fmt.Sprintf("GO PANIC: %s: %v", where, value),
		slog.String("stack", string(debug.Stack())))
}
