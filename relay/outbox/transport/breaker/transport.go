// Package breaker guards an outbox transport with a circuit breaker so a
// failing broker is not hammered while it recovers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/workflow-relay/relay/circuitbreaker"
	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects deliveries. Its
	// text matches the dispatcher's always-transient markers.
	ErrCircuitOpen = errors.New("transport circuit breaker open")
	// ErrNextRequired is returned when no transport is wrapped.
	ErrNextRequired = errors.New("breaker transport requires a wrapped transport")
	// ErrServiceNameRequired is returned when the breaker has no service name.
	ErrServiceNameRequired = errors.New("breaker transport requires a service name")
)

// Transport forwards deliveries to next through a named breaker.
type Transport struct {
	next    outbox.Transport
	manager circuitbreaker.Manager
	service string
}

var _ outbox.Transport = (*Transport)(nil)

// New registers service on manager with cfg and returns a Transport
// wrapping next.
func New(next outbox.Transport, manager circuitbreaker.Manager, service string, cfg circuitbreaker.Config) (*Transport, error) {
	if nilcheck.Interface(next) {
		return nil, ErrNextRequired
	}

	if nilcheck.Interface(manager) {
		return nil, circuitbreaker.ErrManagerRequired
	}

	service = strings.TrimSpace(service)
	if service == "" {
		return nil, ErrServiceNameRequired
	}

	manager.GetOrCreate(service, cfg)

	return &Transport{next: next, manager: manager, service: service}, nil
}

// Service returns the breaker name.
func (transport *Transport) Service() string {
	return transport.service
}

func (transport *Transport) Deliver(ctx context.Context, msg *outbox.Message) error {
	if transport == nil || nilcheck.Interface(transport.next) || nilcheck.Interface(transport.manager) {
		return ErrNextRequired
	}

	if msg == nil {
		return outbox.ErrMessageRequired
	}

	_, err := transport.manager.Execute(transport.service, func() (any, error) {
		return nil, transport.next.Deliver(ctx, msg)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}

	return err
}
