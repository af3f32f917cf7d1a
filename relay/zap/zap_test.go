//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)

	return &Logger{logger: zap.New(core), atomicLevel: zap.NewAtomicLevelAt(level)}, logs
}

func TestLoggerLogMapsLevels(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), libLog.LevelDebug, "debug")
	logger.Log(context.Background(), libLog.LevelInfo, "info")
	logger.Log(context.Background(), libLog.LevelWarn, "warn")
	logger.Log(context.Background(), libLog.LevelError, "error")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestLoggerLogConvertsFields(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.InfoLevel)

	logger.Log(context.Background(), libLog.LevelInfo, "dispatched",
		libLog.String("tenant_id", "t1"),
		libLog.Int("count", 3),
		libLog.Err(errors.New("boom")),
	)

	require.Equal(t, 1, logs.Len())

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "t1", fields["tenant_id"])
	assert.EqualValues(t, 3, fields["count"])
	assert.Equal(t, "boom", fields["error"])
}

func TestLoggerLogRedactsSensitiveFields(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.InfoLevel)

	logger.Log(context.Background(), libLog.LevelInfo, "broker connected",
		libLog.String("amqp_password", "guest"),
		libLog.String("idempotency_key", "k-1"),
	)

	require.Equal(t, 1, logs.Len())

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["amqp_password"])
	assert.Equal(t, "k-1", fields["idempotency_key"])
}

func TestLoggerLogAppendsTraceIdentifiers(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.InfoLevel)

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.Log(ctx, libLog.LevelInfo, "traced")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.WarnLevel)

	logger.Log(context.Background(), libLog.LevelInfo, "dropped")
	logger.Log(context.Background(), libLog.LevelWarn, "kept")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
	assert.False(t, logger.Enabled(libLog.LevelDebug))
	assert.True(t, logger.Enabled(libLog.LevelError))
}

func TestLoggerWithAndWithGroup(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.InfoLevel)

	child := logger.With(libLog.String("component", "dispatcher"))
	child.Log(context.Background(), libLog.LevelInfo, "hello")

	grouped := logger.WithGroup("outbox")
	grouped.Log(context.Background(), libLog.LevelInfo, "grouped", libLog.String("id", "m1"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "dispatcher", entries[0].ContextMap()["component"])
	assert.Equal(t, map[string]any{"id": "m1"}, entries[1].ContextMap()["outbox"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), libLog.LevelError, "nothing")
		_ = logger.With(libLog.String("k", "v"))
		_ = logger.WithGroup("g")
		_ = logger.Raw()
		_ = logger.Level()
	})

	child := logger.With(libLog.String("k", "v")).WithGroup("g")
	require.NotNil(t, child)
	assert.NotPanics(t, func() {
		child.Log(context.Background(), libLog.LevelInfo, "still quiet")
		assert.False(t, child.Enabled(libLog.LevelDebug))
	})
}

func TestSyncHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, logger.Sync(ctx), context.Canceled)
	require.NoError(t, logger.Sync(context.Background()))
}
