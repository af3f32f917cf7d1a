// Package zap adapts go.uber.org/zap to the relay log.Logger interface.
//
// Every logger built by New tees into an OpenTelemetry log bridge so relay
// output correlates with the spans opened by the dispatcher.
package zap
