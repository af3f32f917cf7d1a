// Package postgres owns the relay's PostgreSQL connections and schema
// migrations.
//
// Client opens a primary pool and an optional read replica behind a
// dbresolver.DB; writes and claims go to the primary, admin listings may be
// served by the replica. Migrator applies the outbox schema with
// golang-migrate, from a directory or an embedded filesystem.
package postgres
