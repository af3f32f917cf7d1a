// Package memory provides a concurrency-safe in-memory outbox store for tests
// and local runs. It enforces the same uniqueness, eligibility and
// terminal-state guards as the postgres store.
package memory
