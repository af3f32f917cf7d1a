// Package bootstrap is the relay's composition root. It reads the
// environment, connects Postgres, Redis and the broker, and wires the outbox
// dispatcher, backfill worker and admin HTTP server into one process.
package bootstrap
