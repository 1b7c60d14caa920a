// Package logger provides structured logging using slog with hostname tracking,
// short source file paths, and request-scoped fields carried in a context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Fields represents structured log fields.
type Fields map[string]any

type ctxKey struct{}

var (
	defaultLogger *slog.Logger
	hostname      string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	defaultLogger = New(os.Stderr, Options{})
}

// Options selects the handler format and minimum level.
type Options struct {
	Format string // "text" or "json"
	Level  slog.Level
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// New creates a new slog logger with hostname and short source paths.
func New(w io.Writer, opts Options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{
		AddSource: true,
		Level:     opts.Level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler).With("instance", hostname)
}

// SetDefault sets the default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

// Default returns the default logger.
func Default() *slog.Logger {
	return defaultLogger
}

// Hostname returns the cached hostname.
func Hostname() string {
	return hostname
}

// WithFields returns a context carrying fields that are added to every log
// line written with that context. Fields already present are kept unless overridden.
func WithFields(ctx context.Context, fields Fields) context.Context {
	merged := Fields{}
	if existing, ok := ctx.Value(ctxKey{}).(Fields); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, ctxKey{}, merged)
}

// FieldString returns the context field key if it is a string, or "".
func FieldString(ctx context.Context, key string) string {
	fields, ok := ctx.Value(ctxKey{}).(Fields)
	if !ok {
		return ""
	}
	s, _ := fields[key].(string) //nolint:errcheck // type assertion, not error
	return s
}

// Info logs an info message with optional fields.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, msg, fields)
}

// Warn logs a warning message with optional fields.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, msg, fields)
}

// Error logs an error message with optional fields.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	log(ctx, slog.LevelError, msg, fields)
}

// Debug logs a debug message with optional fields.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, msg, fields)
}

func log(ctx context.Context, level slog.Level, msg string, fields Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	// Skip runtime.Callers, log, and the exported wrapper so the source
	// attribute points at the caller.
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(attrsFromFields(ctx.Value(ctxKey{}))...)
	r.AddAttrs(attrsFromFields(fields)...)
	_ = defaultLogger.Handler().Handle(ctx, r) //nolint:errcheck // best effort logging
}

// attrsFromFields converts Fields to slog.Attr slice.
func attrsFromFields(v any) []slog.Attr {
	fields, ok := v.(Fields)
	if !ok || len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}
