// pkg/logger/logger_test.go
package logger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

func TestNew_Levels(t *testing.T) {
	for _, lvl := range []string{"", "debug", "info", "warn", "error"} {
		_, err := logger.New(logger.Config{Level: lvl, DevMode: true})
		assert.NoError(t, err, "level %q", lvl)
	}
	_, err := logger.New(logger.Config{Level: "loud"})
	assert.ErrorContains(t, err, `invalid level "loud"`)
}

func TestWithContext_AddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := logger.FromZap(zap.New(core))

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))
	ctx = logger.ContextWithRequestID(ctx, "req-456")
	ctx = logger.ContextWithVenue(ctx, "binance")
	ctx = logger.ContextWithStream(ctx, "binance.ohlcv.BTCUSDT.1m")

	l.WithContext(ctx).Info("test message")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, map[string]interface{}{
		"request_id": "req-456",
		"venue":      "binance",
		"stream":     "binance.ohlcv.BTCUSDT.1m",
		"trace_id":   "4bf92f3577b34da6a3ce929d0e0e4736",
		"span_id":    "00f067aa0ba902b7",
	}, logs.All()[0].ContextMap())
	assert.Equal(t, "req-456", logger.RequestIDFromContext(ctx))
}

func TestWithContext_EmptyContextReturnsSameLogger(t *testing.T) {
	l := logger.NewNop()
	assert.Same(t, l, l.WithContext(context.Background()))
}

func TestNamedAndWith(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := logger.FromZap(zap.New(core)).Named("pipeline").With(zap.String("venue", "okx"))
	l.Debug("dropped by level")
	l.Info("kept")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "pipeline", entry.LoggerName)
	assert.Equal(t, "okx", entry.ContextMap()["venue"])
}
