// Package opentelemetry wires OTLP exporters for traces, metrics and logs and
// provides span and propagation helpers used by the relay.
//
// NewTelemetry runs in disabled mode when export is turned off so callers keep
// working against real SDK providers without a collector.
package opentelemetry
