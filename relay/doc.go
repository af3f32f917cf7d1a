// Package relay holds the process-level plumbing shared by the workflow relay:
// a Launcher for long-running apps and context helpers for request-scoped
// logger, tracer and correlation ID.
//
//	ctx = relay.ContextWithLogger(ctx, logger)
//	ctx = relay.ContextWithTracer(ctx, tracer)
//	ctx = relay.ContextWithHeaderID(ctx, requestID)
//
// The transactional outbox itself lives in the outbox subpackage.
package relay
