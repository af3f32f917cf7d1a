package relay

import (
	"context"
	"strings"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "workflow-relay"

type customContextKey string

// CustomContextKey is the context key holding CustomContextKeyValue.
var CustomContextKey = customContextKey("custom_context")

// CustomContextKeyValue holds request-scoped facilities attached to a context.
type CustomContextKeyValue struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   libLog.Logger
}

func customValues(ctx context.Context) *CustomContextKeyValue {
	values, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if values == nil {
		return &CustomContextKeyValue{}
	}

	clone := *values

	return &clone
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger libLog.Logger) context.Context {
	values := customValues(ctx)
	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := customValues(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithHeaderID returns a copy of ctx carrying a correlation ID.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values := customValues(ctx)
	values.HeaderID = headerID

	return context.WithValue(ctx, CustomContextKey, values)
}

// NewLoggerFromContext returns the logger in ctx or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) libLog.Logger {
	logger, _, _ := NewTrackingFromContext(ctx)

	return logger
}

// NewTrackingFromContext returns the logger, tracer and correlation ID in
// ctx. Missing values fall back to a no-op logger, the global tracer and a
// fresh UUID.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (libLog.Logger, trace.Tracer, string) {
	var values *CustomContextKeyValue
	if ctx != nil {
		values, _ = ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	}

	if values == nil {
		values = &CustomContextKeyValue{}
	}

	logger := values.Logger
	if logger == nil {
		logger = libLog.NewNop()
	}

	tracer := values.Tracer
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}

	headerID := strings.TrimSpace(values.HeaderID)
	if headerID == "" {
		headerID = uuid.NewString()
	}

	return logger, tracer, headerID
}
