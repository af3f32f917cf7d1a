package outbox

import (
	"context"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
)

// Transport delivers one message to the outside world. Implementations must
// not retry on their own; the dispatcher owns retry scheduling.
type Transport interface {
	Deliver(ctx context.Context, msg *Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg *Message) error

// Deliver calls fn.
func (fn TransportFunc) Deliver(ctx context.Context, msg *Message) error {
	if fn == nil {
		return ErrTransportRequired
	}

	return fn(ctx, msg)
}

// LogTransport writes each message to a logger and reports success. It is
// meant for local runs without a broker.
type LogTransport struct {
	logger libLog.Logger
}

// NewLogTransport returns a LogTransport. A nil logger discards output.
func NewLogTransport(logger libLog.Logger) *LogTransport {
	if logger == nil {
		logger = libLog.NewNop()
	}

	return &LogTransport{logger: logger}
}

// Deliver logs msg metadata.
func (transport *LogTransport) Deliver(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrMessageRequired
	}

	transport.logger.Log(ctx, libLog.LevelInfo, "outbox message delivered",
		libLog.String("message_id", msg.ID.String()),
		libLog.String("tenant_id", msg.TenantID),
		libLog.String("event_type", msg.EventType),
		libLog.String("idempotency_key", msg.IdempotencyKey),
		libLog.Int("payload_bytes", len(msg.EventData)),
	)

	return nil
}
