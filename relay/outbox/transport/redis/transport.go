// Package redis delivers outbox messages to Redis Streams with XADD.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Stream entry field names.
const (
	FieldMessageID      = "message_id"
	FieldTenantID       = "tenant_id"
	FieldEventType      = "event_type"
	FieldIdempotencyKey = "idempotency_key"
	FieldCreatedAt      = "created_at"
	FieldPayload        = "payload"
)

// DefaultStreamPrefix names streams "outbox:<event type>".
const DefaultStreamPrefix = "outbox"

// ErrClientRequired is returned when the transport has no Redis client.
var ErrClientRequired = errors.New("redis stream transport requires a client")

// StreamClient is the XADD subset of redis.UniversalClient.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// ClientProvider resolves the current client, e.g. (*relay/redis.Client).GetClient.
type ClientProvider func(ctx context.Context) (redis.UniversalClient, error)

// Option configures a Transport.
type Option func(*Transport)

// WithStreamPrefix sets the stream name prefix. Blank values are ignored.
func WithStreamPrefix(prefix string) Option {
	return func(transport *Transport) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			transport.prefix = prefix
		}
	}
}

// WithMaxLen trims each stream to approximately maxLen entries. Zero keeps
// every entry.
func WithMaxLen(maxLen int64) Option {
	return func(transport *Transport) {
		if maxLen > 0 {
			transport.maxLen = maxLen
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

// Transport appends each message to the stream "<prefix>:<event type>". The
// idempotency key travels as an entry field for consumer-side dedupe.
type Transport struct {
	client StreamClient
	prefix string
	maxLen int64
	logger libLog.Logger
	tracer trace.Tracer
}

var _ outbox.Transport = (*Transport)(nil)

// New returns a Transport writing through client.
func New(client StreamClient, opts ...Option) (*Transport, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	transport := &Transport{
		client: client,
		prefix: DefaultStreamPrefix,
		logger: libLog.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("workflow-relay.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(transport)
		}
	}

	return transport, nil
}

// NewFromProvider returns a Transport that resolves its client on every
// delivery, so it follows reconnects of the owning wrapper.
func NewFromProvider(provider ClientProvider, opts ...Option) (*Transport, error) {
	if provider == nil {
		return nil, ErrClientRequired
	}

	return New(providerClient(provider), opts...)
}

type providerClient ClientProvider

func (provider providerClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	client, err := provider(ctx)
	if err != nil {
		cmd := redis.NewStringCmd(ctx, "xadd", a.Stream)
		cmd.SetErr(err)

		return cmd
	}

	return client.XAdd(ctx, a)
}

// StreamName returns the stream msg is appended to.
func (transport *Transport) StreamName(msg *outbox.Message) string {
	return transport.prefix + ":" + msg.EventType
}

// Deliver appends msg to its stream.
func (transport *Transport) Deliver(ctx context.Context, msg *outbox.Message) error {
	if transport == nil || nilcheck.Interface(transport.client) {
		return ErrClientRequired
	}

	if msg == nil {
		return outbox.ErrMessageRequired
	}

	stream := transport.StreamName(msg)

	ctx, span := transport.tracer.Start(ctx, "outbox.transport.redis.deliver", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination.name", stream),
	)

	args := &redis.XAddArgs{
		Stream: stream,
		Values: entryValues(ctx, msg),
	}

	if transport.maxLen > 0 {
		args.MaxLen = transport.maxLen
		args.Approx = true
	}

	entryID, err := transport.client.XAdd(ctx, args).Result()
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to append outbox message to stream", err)

		return fmt.Errorf("xadd %s: %w", stream, err)
	}

	span.SetAttributes(attribute.String("messaging.message.id", entryID))

	transport.logger.Log(ctx, libLog.LevelDebug, "outbox message appended to stream",
		libLog.String("message_id", msg.ID.String()),
		libLog.String("stream", stream),
		libLog.String("entry_id", entryID),
	)

	return nil
}

func entryValues(ctx context.Context, msg *outbox.Message) map[string]any {
	return libOpentelemetry.PrepareQueueHeaders(ctx, map[string]any{
		FieldMessageID:      msg.ID.String(),
		FieldTenantID:       msg.TenantID,
		FieldEventType:      msg.EventType,
		FieldIdempotencyKey: msg.IdempotencyKey,
		FieldCreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldPayload:        string(msg.EventData),
	})
}
