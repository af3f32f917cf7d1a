// Package circuitbreaker provides per-service circuit breakers over
// sony/gobreaker and a health checker that resets open breakers once their
// service answers a probe again.
package circuitbreaker
