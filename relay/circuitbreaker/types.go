package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrBreakerNotFound is returned by Execute for a service without a breaker.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
	// ErrInvalidHealthCheckInterval indicates that the health check interval must be positive.
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	// ErrInvalidHealthCheckTimeout indicates that the health check timeout must be positive.
	ErrInvalidHealthCheckTimeout = errors.New("circuitbreaker: health check timeout must be positive")
	// ErrManagerRequired is returned when a health checker is built without a manager.
	ErrManagerRequired = errors.New("circuitbreaker: manager is required")
)

// Manager owns one circuit breaker per service name.
type Manager interface {
	// GetOrCreate returns the service's breaker, creating it with config on first use.
	GetOrCreate(serviceName string, config Config) CircuitBreaker
	// Execute runs fn through the service's breaker.
	Execute(serviceName string, fn func() (any, error)) (any, error)
	GetState(serviceName string) State
	GetCounts(serviceName string) Counts
	// IsHealthy reports whether the breaker is closed.
	IsHealthy(serviceName string) bool
	// Reset replaces the breaker with a fresh closed one.
	Reset(serviceName string)
	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker is a single breaker.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config holds circuit breaker settings.
type Config struct {
	MaxRequests         uint32        // requests allowed while half-open
	Interval            time.Duration // closed-state window after which counts reset
	Timeout             time.Duration // open-state duration before half-open
	ConsecutiveFailures uint32        // consecutive failures that trip the breaker
	FailureRatio        float64       // failure ratio that trips the breaker
	MinRequests         uint32        // requests required before the ratio applies
}

// State is a breaker state.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts are a breaker's request statistics for the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return convertGobreakerState(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	return convertCounts(cb.breaker.Counts())
}

// HealthChecker probes services whose breaker is not closed and resets the
// breaker when the probe succeeds.
type HealthChecker interface {
	Register(serviceName string, healthCheckFn HealthCheckFunc)
	Start()
	Stop()
	GetHealthStatus() map[string]string
	StateChangeListener
}

// HealthCheckFunc probes a service.
type HealthCheckFunc func(ctx context.Context) error

// StateChangeListener is notified when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(serviceName string, from State, to State)
}

func convertGobreakerState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
