// pkg/logger/logger.go

// Package logger wraps zap with the conventions shared by the collector:
// one encoder layout for dev and prod, and correlation fields (request id,
// stream, OpenTelemetry trace/span) lifted from the context.
package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// -----------------------------------------------------------------------------
// context keys (неэкспортируемые)
// -----------------------------------------------------------------------------

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	streamKey    contextKey = "stream"
	venueKey     contextKey = "venue"
)

// ContextWithRequestID tags ctx with the id of one pipeline request or
// one HTTP call.
func ContextWithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

// RequestIDFromContext returns the id stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// ContextWithStream tags ctx with a publish destination.
func ContextWithStream(ctx context.Context, stream string) context.Context {
	return context.WithValue(ctx, streamKey, stream)
}

// ContextWithVenue tags ctx with a venue identifier.
func ContextWithVenue(ctx context.Context, venue string) context.Context {
	return context.WithValue(ctx, venueKey, venue)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config описывает, как инициализировать zap-логгер.
// Level   — "debug" | "info" | "warn" | "error" (по умолчанию "info")
// DevMode — true → консольный вывод, иначе JSON с семплингом.
type Config struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

func (c *Config) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c Config) level() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// -----------------------------------------------------------------------------
// Logger
// -----------------------------------------------------------------------------

// Logger — тонкая обёртка над *zap.Logger.
type Logger struct {
	raw *zap.Logger
}

// New строит Logger по Config.
func New(cfg Config) (*Logger, error) {
	cfg.applyDefaults()
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.DevMode {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		// live-потоки шумные: одинаковые сообщения режем после первых 100/с
		zapCfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	zl, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return &Logger{raw: zl}, nil
}

// NewNop discards everything.
func NewNop() *Logger { return &Logger{raw: zap.NewNop()} }

// FromZap wraps an existing zap logger (zaptest/observer in tests).
func FromZap(zl *zap.Logger) *Logger {
	return &Logger{raw: zl.WithOptions(zap.AddCallerSkip(1))}
}

// Sync сбрасывает буферы; ошибка Sync на stdout/stderr не интересна.
func (l *Logger) Sync() { _ = l.raw.Sync() }

// Named создаёт sub-logger с префиксом.
func (l *Logger) Named(name string) *Logger {
	return &Logger{raw: l.raw.Named(name)}
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{raw: l.raw.With(fields...)}
}

// WithContext adds request_id, venue and stream from ctx and, when ctx
// carries a sampled or remote span, its trace_id and span_id. A context
// without any of them returns l itself.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := make([]zap.Field, 0, 5)
	for _, k := range []contextKey{requestIDKey, venueKey, streamKey} {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			fields = append(fields, zap.String(string(k), v))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return l.With(fields...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }
