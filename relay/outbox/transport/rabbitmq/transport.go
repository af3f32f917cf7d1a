// Package rabbitmq delivers outbox messages to an AMQP exchange with
// publisher confirms.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	libRabbitMQ "github.com/LerianStudio/workflow-relay/relay/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Header names set on every published message.
const (
	HeaderTenantID       = "x-tenant-id"
	HeaderEventType      = "x-event-type"
	HeaderOutboxID       = "x-outbox-message-id"
	HeaderIdempotencyKey = "x-idempotency-key"
)

// ErrPublisherRequired is returned when the transport has no publisher.
var ErrPublisherRequired = errors.New("amqp transport requires a confirm publisher")

// Publisher is the confirm-mode publish call of *rabbitmq.ConfirmablePublisher.
type Publisher interface {
	PublishAndWaitConfirm(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error
}

// Option configures a Transport.
type Option func(*Transport)

// WithExchange sets the target exchange. Blank values are ignored.
func WithExchange(exchange string) Option {
	return func(transport *Transport) {
		if strings.TrimSpace(exchange) != "" {
			transport.exchange = exchange
		}
	}
}

// WithMandatory asks the broker to return unroutable messages.
func WithMandatory(mandatory bool) Option {
	return func(transport *Transport) {
		transport.mandatory = mandatory
	}
}

// WithRoutingKey replaces the default routing key, which is the event type.
func WithRoutingKey(fn func(*outbox.Message) string) Option {
	return func(transport *Transport) {
		if fn != nil {
			transport.routingKey = fn
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger libLog.Logger) Option {
	return func(transport *Transport) {
		if !nilcheck.Interface(logger) {
			transport.logger = logger
		}
	}
}

// WithTracer sets the transport tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(transport *Transport) {
		if !nilcheck.Interface(tracer) {
			transport.tracer = tracer
		}
	}
}

// Transport publishes each message as a persistent JSON AMQP message whose
// MessageId is the idempotency key, so consumers can dedupe redeliveries.
type Transport struct {
	publisher  Publisher
	exchange   string
	mandatory  bool
	routingKey func(*outbox.Message) string
	logger     libLog.Logger
	tracer     trace.Tracer
}

var (
	_ outbox.Transport = (*Transport)(nil)
	_ Publisher        = (*libRabbitMQ.ConfirmablePublisher)(nil)
)

// New returns a Transport publishing through publisher.
func New(publisher Publisher, opts ...Option) (*Transport, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	transport := &Transport{
		publisher:  publisher,
		exchange:   "workflow.events",
		routingKey: func(msg *outbox.Message) string { return msg.EventType },
		logger:     libLog.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("workflow-relay.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(transport)
		}
	}

	return transport, nil
}

// Deliver publishes msg and returns once the broker confirmed it.
func (transport *Transport) Deliver(ctx context.Context, msg *outbox.Message) error {
	if transport == nil || nilcheck.Interface(transport.publisher) {
		return ErrPublisherRequired
	}

	if msg == nil {
		return outbox.ErrMessageRequired
	}

	routingKey := transport.routingKey(msg)

	ctx, span := transport.tracer.Start(ctx, "outbox.transport.amqp.deliver", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", transport.exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		attribute.String("messaging.message.id", messageID(msg)),
	)

	if err := transport.publisher.PublishAndWaitConfirm(ctx, transport.exchange, routingKey, transport.mandatory, publishing(ctx, msg)); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to publish outbox message", err)

		return fmt.Errorf("publish %s to exchange %s: %w", msg.EventType, transport.exchange, err)
	}

	transport.logger.Log(ctx, libLog.LevelDebug, "outbox message published",
		libLog.String("message_id", msg.ID.String()),
		libLog.String("exchange", transport.exchange),
		libLog.String("routing_key", routingKey),
	)

	return nil
}

func publishing(ctx context.Context, msg *outbox.Message) amqp.Publishing {
	headers := libOpentelemetry.PrepareQueueHeaders(ctx, map[string]any{
		HeaderTenantID:       msg.TenantID,
		HeaderEventType:      msg.EventType,
		HeaderOutboxID:       msg.ID.String(),
		HeaderIdempotencyKey: msg.IdempotencyKey,
	})

	return amqp.Publishing{
		Headers:      amqp.Table(headers),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID(msg),
		Timestamp:    msg.CreatedAt,
		Type:         msg.EventType,
		AppId:        "workflow-relay",
		Body:         msg.EventData,
	}
}

// messageID falls back to the row ID for legacy rows not yet backfilled.
func messageID(msg *outbox.Message) string {
	if msg.IdempotencyKey != "" {
		return msg.IdempotencyKey
	}

	return msg.ID.String()
}
