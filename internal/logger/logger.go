package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	defaultLogger *slog.Logger
)

type ctxKey struct{}

// Init initializes the global logger. Every record carries the service name
// so logs from both APIs can share one sink.
func Init(service, level string, json bool) {
	InitWithWriter(os.Stdout, service, level, json)
}

// InitWithWriter is Init with an explicit destination
func InitWithWriter(w io.Writer, service, level string, json bool) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	l := slog.New(handler)
	if service != "" {
		l = l.With("service", service)
	}
	defaultLogger = l
	slog.SetDefault(l)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the default logger
func Get() *slog.Logger {
	if defaultLogger == nil {
		Init("", "info", false)
	}
	return defaultLogger
}

// NewContext returns ctx carrying l for FromContext
func NewContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by NewContext, or the default one
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return Get()
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Fatal logs at error level and exits with status 1
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
