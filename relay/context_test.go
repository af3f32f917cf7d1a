//go:build unit

package relay

import (
	"context"
	"testing"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTrackingFromContextDefaults(t *testing.T) {
	t.Parallel()

	logger, tracer, headerID := NewTrackingFromContext(context.Background())

	require.NotNil(t, logger)
	require.NotNil(t, tracer)

	_, err := uuid.Parse(headerID)
	require.NoError(t, err)
}

func TestNewTrackingFromContextReturnsStoredValues(t *testing.T) {
	t.Parallel()

	logger := libLog.NewNop()
	tracer := noop.NewTracerProvider().Tracer("test")

	ctx := ContextWithLogger(context.Background(), logger)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithHeaderID(ctx, "req-1")

	gotLogger, gotTracer, headerID := NewTrackingFromContext(ctx)
	assert.Same(t, logger, gotLogger)
	assert.Equal(t, tracer, gotTracer)
	assert.Equal(t, "req-1", headerID)
	assert.Same(t, logger, NewLoggerFromContext(ctx))
}

func TestContextHelpersDoNotMutateParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithHeaderID(context.Background(), "parent")
	child := ContextWithHeaderID(parent, "child")

	_, _, parentID := NewTrackingFromContext(parent)
	_, _, childID := NewTrackingFromContext(child)

	assert.Equal(t, "parent", parentID)
	assert.Equal(t, "child", childID)
}
