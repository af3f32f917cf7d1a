// Package runtime recovers panics in goroutines and handlers, logs them with
// a stack trace, records them on the active span and forwards them to an
// optional PanicReporter.
package runtime
