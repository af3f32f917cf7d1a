// Package security detects sensitive field names and redacts their values
// from free text before it is persisted or logged.
//
// The outbox error sanitizer and the zap logger both use it, so a credential
// that leaks into a broker error never reaches the outbox table or the logs.
package security
