package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
)

// Writer performs idempotent inserts keyed by (tenant, idempotency key).
type Writer struct {
	store  MessageWriter
	logger libLog.Logger
	tracer trace.Tracer
}

// NewWriter returns a Writer over store.
func NewWriter(store MessageWriter, logger libLog.Logger, tracer trace.Tracer) (*Writer, error) {
	if nilcheck.Interface(store) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("workflow-relay.noop")
	}

	return &Writer{store: store, logger: logger, tracer: tracer}, nil
}

// TryAdd inserts a pending message. When the tenant already has a message
// with key, it returns that message and existed=true instead of an error.
//
// Pass a context built with ContextWithTx to make the insert part of the
// caller's transaction.
func (writer *Writer) TryAdd(
	ctx context.Context,
	tenantID, eventType string,
	payload []byte,
	key string,
) (msg *Message, existed bool, err error) {
	if writer == nil || writer.store == nil {
		return nil, false, ErrWriterRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := writer.tracer.Start(ctx, "outbox.writer.try_add")
	defer span.End()

	candidate, err := NewMessage(tenantID, eventType, payload, key)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid outbox message", err)

		return nil, false, err
	}

	span.SetAttributes(
		attribute.String("outbox.message.event_type", candidate.EventType),
		attribute.String("tenant.id_hash", hashTenantID(candidate.TenantID)),
	)

	inserted, err := writer.store.Insert(ctx, candidate)
	if err == nil {
		return inserted, false, nil
	}

	if !errors.Is(err, ErrDuplicateKey) {
		libOpentelemetry.HandleSpanError(span, "failed to insert outbox message", err)

		return nil, false, fmt.Errorf("insert outbox message: %w", err)
	}

	existing, err := writer.store.GetByKey(ctx, candidate.TenantID, candidate.IdempotencyKey)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to read existing outbox message", err)

		return nil, false, fmt.Errorf("read existing outbox message: %w", err)
	}

	span.SetAttributes(attribute.Bool("outbox.message.duplicate", true))
	writer.logger.Log(ctx, libLog.LevelDebug, "outbox message already recorded",
		libLog.String("message_id", existing.ID.String()),
		libLog.String("event_type", existing.EventType),
	)

	return existing, true, nil
}
