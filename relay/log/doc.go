// Package log defines the logging interface and typed logging fields used
// across relay packages.
//
// Adapters (such as the zap package) implement Logger so the dispatcher,
// stores and transports log the same way regardless of backend.
package log
