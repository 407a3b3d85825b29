package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

const (
	TraceKey = "trace_id"
	JobKey   = "job_id"
)

const traceAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

type ctxKey struct{}

// Config mirrors the logger section of the service configuration.
type Config struct {
	Level  string // trace|debug|info|warn|error
	Format string // json|text
	Output string // stdout|stderr|<file path>
}

var (
	std  *logrus.Logger
	once sync.Once
)

// StandardLogger returns the process-wide logger.
func StandardLogger() *logrus.Logger {
	once.Do(func() {
		std = logrus.New()
		std.SetFormatter(&logrus.JSONFormatter{})
	})
	return std
}

// Init applies c to the standard logger. The returned func closes any log file.
func Init(c Config) (func(), error) {
	l := StandardLogger()

	level := logrus.InfoLevel
	if c.Level != "" {
		parsed, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch c.Format {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	cleanup := func() {}
	switch c.Output {
	case "", "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if err := os.MkdirAll(filepath.Dir(c.Output), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(c.Output, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.SetOutput(f)
		cleanup = func() { _ = f.Close() }
	}

	return cleanup, nil
}

// NewTraceID returns a short random id for correlating log lines.
func NewTraceID() string {
	return gonanoid.MustGenerate(traceAlphabet, 16)
}

// WithTraceID stores id in ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// TraceID returns the id stored by WithTraceID, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// EnsureTraceID returns ctx carrying a trace id, generating one when absent.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id := TraceID(ctx); id != "" {
		return ctx, id
	}
	id := NewTraceID()
	return WithTraceID(ctx, id), id
}

func entry(ctx context.Context) *logrus.Entry {
	e := logrus.NewEntry(StandardLogger())
	if ctx == nil {
		return e
	}
	if id := TraceID(ctx); id != "" {
		e = e.WithField(TraceKey, id)
	}
	return e
}

// WithFields returns an entry carrying ctx's trace id plus fields.
func WithFields(ctx context.Context, fields logrus.Fields) *logrus.Entry {
	return entry(ctx).WithFields(fields)
}

func Debugf(ctx context.Context, format string, args ...any) { entry(ctx).Debugf(format, args...) }
func Infof(ctx context.Context, format string, args ...any)  { entry(ctx).Infof(format, args...) }
func Warnf(ctx context.Context, format string, args ...any)  { entry(ctx).Warnf(format, args...) }
func Errorf(ctx context.Context, format string, args ...any) { entry(ctx).Errorf(format, args...) }

// SetOutput redirects the standard logger, mostly for tests.
func SetOutput(w io.Writer) { StandardLogger().SetOutput(w) }
