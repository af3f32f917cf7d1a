// Package outbox implements the workflow relay's transactional outbox.
//
// Domain code publishes events through Publisher inside its own database
// transaction; each event is keyed deterministically so retries and
// concurrent writers collapse onto a single row. Dispatcher polls eligible
// rows, hands them to a Transport and records success, scheduled retry,
// give-up or dead-letter. MetricsProvider, HealthCheck and WriteText expose
// the dispatcher's health; BackfillWorker repairs legacy rows that predate
// idempotency keys; AdminQuery is the read-only inspection surface.
//
// Storage adapters live in the memory and postgres subpackages.
package outbox
