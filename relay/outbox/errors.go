package outbox

import "errors"

var (
	ErrMessageRequired          = errors.New("outbox message is required")
	ErrRepositoryRequired       = errors.New("outbox repository is required")
	ErrTransportRequired        = errors.New("outbox transport is required")
	ErrWriterRequired           = errors.New("outbox writer is required")
	ErrDispatcherRequired       = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning        = errors.New("outbox dispatcher is already running")
	ErrBackfillWorkerRequired   = errors.New("outbox backfill worker is required")
	ErrBackfillWorkerRunning    = errors.New("outbox backfill worker is already running")
	ErrTenantIDRequired         = errors.New("tenant id is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrPayloadRequired          = errors.New("outbox message payload is required")
	ErrPayloadTooLarge          = errors.New("outbox message payload exceeds maximum allowed size")
	ErrPayloadNotJSON           = errors.New("outbox message payload must be valid JSON (stored as JSONB)")
	ErrEntityRequired           = errors.New("domain entity is required")
	ErrEntityIDRequired         = errors.New("domain entity id is required")
	ErrDuplicateKey             = errors.New("outbox message with this idempotency key already exists")
	ErrMessageNotFound          = errors.New("outbox message not found")
	ErrStateTransitionConflict  = errors.New("outbox message state changed concurrently")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrHandlerNotRegistered     = errors.New("event handler is not registered")
	ErrInvalidStatus            = errors.New("invalid outbox status")
	ErrInvalidQuery             = errors.New("invalid outbox query")
	ErrInvalidSchedule          = errors.New("invalid backfill schedule")
	ErrTransportPanic           = errors.New("outbox transport panicked")
)
