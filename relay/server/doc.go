// Package server runs the relay's admin HTTP server and coordinates an
// ordered graceful shutdown of everything started alongside it.
package server
