// Package cron parses schedules for background workers such as the outbox
// key backfill. It wraps robfig/cron with UTC evaluation, a one-second floor
// for "@every" intervals and error returns instead of zero times.
package cron
