// Package errgroup runs the relay's long-lived components side by side.
//
// The first component error cancels the shared context and is returned by
// Wait. A panicking component is recovered, logged and reported as
// ErrPanicRecovered instead of crashing the process.
package errgroup
