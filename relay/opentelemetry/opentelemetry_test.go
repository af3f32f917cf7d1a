//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTelemetryDisabled(t *testing.T) {
	t.Parallel()

	tl, err := NewTelemetry(context.Background(), TelemetryConfig{
		LibraryName: "relay",
		ServiceName: "relayd",
		Logger:      libLog.NewNop(),
	})
	require.NoError(t, err)
	require.NotNil(t, tl.TracerProvider)
	require.NotNil(t, tl.MeterProvider)
	require.NotNil(t, tl.LoggerProvider)
	require.NoError(t, tl.Shutdown(context.Background()))
}

func TestNewTelemetryValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewTelemetry(context.Background(), TelemetryConfig{})
	require.ErrorIs(t, err, ErrNilTelemetryLogger)

	_, err = NewTelemetry(context.Background(), TelemetryConfig{EnableTelemetry: true, Logger: libLog.NewNop()})
	require.ErrorIs(t, err, ErrMissingCollectorEndpoint)
}

func TestNilTelemetryShutdown(t *testing.T) {
	t.Parallel()

	var tl *Telemetry
	require.NoError(t, tl.Shutdown(context.Background()))
}

func TestHandleSpanError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := provider.Tracer("test").Start(context.Background(), "op")
	HandleSpanError(span, "deliver failed", errors.New("broker down"))
	HandleSpanError(span, "ignored", nil)
	HandleSpanEvent(span, "retry.scheduled")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "deliver failed: broker down", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 2)
	assert.Equal(t, "retry.scheduled", ended[0].Events()[1].Name)

	assert.NotPanics(t, func() { HandleSpanError(nil, "x", errors.New("y")) })
}

func TestQueueHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	propagator := propagation.TraceContext{}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)

	headers := map[string]any{"tenant_id": "t1"}
	for k, v := range carrier {
		headers[k] = v
	}

	restored := trace.SpanContextFromContext(propagator.Extract(context.Background(), mapCarrierFrom(headers)))
	assert.Equal(t, traceID, restored.TraceID())
	assert.Equal(t, "", GetTraceIDFromContext(context.Background()))
	assert.Equal(t, traceID.String(), GetTraceIDFromContext(ctx))
}

func TestPrepareQueueHeadersKeepsBase(t *testing.T) {
	t.Parallel()

	headers := PrepareQueueHeaders(context.Background(), map[string]any{"event_type": "workflow.task.created"})
	assert.Equal(t, "workflow.task.created", headers["event_type"])

	ctx := ExtractTraceContextFromQueueHeaders(context.Background(), map[string]any{"n": 1})
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}

func mapCarrierFrom(headers map[string]any) propagation.MapCarrier {
	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier.Set(k, s)
		}
	}

	return carrier
}
