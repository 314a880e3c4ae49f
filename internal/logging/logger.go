// Package logging provides structured logging for the tapasco runtime.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with the leveled, key/value call shape the rest of
// the runtime is written against.
type Logger struct {
	zl zerolog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel mirrors zerolog's levels without leaking the dependency into
// callers that only want to pick a verbosity.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration: info level,
// output on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	zl := zerolog.New(output).Level(config.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the process-wide default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) event(level LogLevel) *zerolog.Event {
	switch level {
	case LevelDebug:
		return l.zl.Debug()
	case LevelWarn:
		return l.zl.Warn()
	case LevelError:
		return l.zl.Error()
	default:
		return l.zl.Info()
	}
}

func logKV(e *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { logKV(l.event(LevelDebug), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { logKV(l.event(LevelInfo), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { logKV(l.event(LevelWarn), msg, args) }
func (l *Logger) Error(msg string, args ...any) { logKV(l.event(LevelError), msg, args) }

// WithFields returns a derived logger carrying a fixed set of fields,
// useful for a per-device or per-job logging context.
func (l *Logger) WithFields(args ...any) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, args[i+1])
	}
	return &Logger{zl: ctx.Logger()}
}

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
