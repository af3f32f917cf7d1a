package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventHandler handles one message in-process.
type EventHandler func(ctx context.Context, msg *Message) error

// HandlerRegistry is a Transport that delivers messages to in-process
// handlers. A handler registered for "workflow.task" also receives
// "workflow.task.created" unless a more specific handler exists, the same
// prefix rule the admin eventType filter applies.
type HandlerRegistry struct {
	mu     sync.RWMutex
	routes map[string]EventHandler
}

var _ Transport = (*HandlerRegistry)(nil)

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{routes: map[string]EventHandler{}}
}

// Register binds handler to eventType and its dotted descendants.
func (registry *HandlerRegistry) Register(eventType string, handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	route := strings.TrimSpace(eventType)

	switch {
	case route == "":
		return ErrEventTypeRequired
	case handler == nil:
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.routes == nil {
		registry.routes = map[string]EventHandler{}
	}

	if _, taken := registry.routes[route]; taken {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, route)
	}

	registry.routes[route] = handler

	return nil
}

// Deliver runs the most specific handler for msg.EventType. A message with no
// matching route fails with ErrHandlerNotRegistered, which the default
// classifier treats as poison.
func (registry *HandlerRegistry) Deliver(ctx context.Context, msg *Message) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if msg == nil {
		return ErrMessageRequired
	}

	eventType := strings.TrimSpace(msg.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	handler, ok := registry.lookup(eventType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}

	return handler(ctx, msg)
}

func (registry *HandlerRegistry) lookup(eventType string) (EventHandler, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	for route := eventType; route != ""; {
		if handler, ok := registry.routes[route]; ok {
			return handler, true
		}

		cut := strings.LastIndexByte(route, '.')
		if cut < 0 {
			break
		}

		route = route[:cut]
	}

	return nil, false
}
