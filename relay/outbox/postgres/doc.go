// Package postgres stores outbox messages in PostgreSQL.
//
// The schema lives in the top-level migrations package. Claims lock rows with
// FOR UPDATE SKIP LOCKED and lease them through next_retry_at, so several
// dispatchers can share one table. Writes join the caller's transaction when
// the context carries one (see outbox.ContextWithTx).
package postgres
