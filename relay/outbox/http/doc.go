// Package http exposes the outbox admin surface over fiber: the message
// listing, Prometheus-style metrics, the health report and readiness.
package http
