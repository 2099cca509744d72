// Package slogger provides structured logging for cascade components.
package slogger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// DefaultLogger discards all output. Components that are not handed a
// logger explicitly stay quiet.
var DefaultLogger Logger = NewDevNullLogger()

// Logger is the logging interface used throughout cascade. It supports
// structured key-value logging and is satisfied by slog-backed loggers.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// With returns a Logger with the given key-value pairs added to every
	// subsequent record.
	With(keysAndValues ...any) Logger
}

// LogLevel represents the minimum log level.
type LogLevel slog.Level

const (
	LevelDebug LogLevel = LogLevel(slog.LevelDebug)
	LevelInfo  LogLevel = LogLevel(slog.LevelInfo)
	LevelWarn  LogLevel = LogLevel(slog.LevelWarn)
	LevelError LogLevel = LogLevel(slog.LevelError)
)

var DefaultLogLevel = LevelInfo

// LevelFromString converts a string to a LogLevel.
func LevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return DefaultLogLevel
	}
}

type contextKey string

const loggerKey contextKey = "cascade.logger"

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger carried by the context, or the default logger.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return DefaultLogger
	}
	logger, ok := ctx.Value(loggerKey).(Logger)
	if !ok {
		return DefaultLogger
	}
	return logger
}

// Slogger implements Logger using slog with a tint handler. Colors are
// disabled when stdout is not a terminal.
type Slogger struct {
	logger *slog.Logger
}

// New returns a Slogger writing to stdout at the given level.
func New(level LogLevel) *Slogger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		TimeFormat: time.Kitchen,
		Level:      slog.Level(level),
	})
	return &Slogger{logger: slog.New(handler)}
}

func (l *Slogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, withCaller(keysAndValues...)...)
}

func (l *Slogger) With(keysAndValues ...any) Logger {
	return &Slogger{logger: l.logger.With(keysAndValues...)}
}

func withCaller(keysAndValues ...any) []any {
	const callerSkip = 2 // skip withCaller and the logging method
	if _, file, line, ok := runtime.Caller(callerSkip); ok {
		return append([]any{"caller", formatCaller(file, line)}, keysAndValues...)
	}
	return keysAndValues
}

// formatCaller keeps the last two path components for readability.
func formatCaller(file string, line int) string {
	parts := strings.Split(file, "/")
	if len(parts) < 2 {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return fmt.Sprintf("%s/%s:%d", parts[len(parts)-2], parts[len(parts)-1], line)
}

// DevNullLogger discards everything.
type DevNullLogger struct{}

func NewDevNullLogger() *DevNullLogger { return &DevNullLogger{} }

func (l *DevNullLogger) Debug(msg string, keysAndValues ...any) {}
func (l *DevNullLogger) Info(msg string, keysAndValues ...any)  {}
func (l *DevNullLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *DevNullLogger) Error(msg string, keysAndValues ...any) {}
func (l *DevNullLogger) With(keysAndValues ...any) Logger       { return l }
