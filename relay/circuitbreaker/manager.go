package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
	"github.com/sony/gobreaker"
)

type manager struct {
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    libLog.Logger
}

// NewManager returns an empty breaker manager. A nil logger discards output.
func NewManager(logger libLog.Logger) Manager {
	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	return &manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

func (m *manager) GetOrCreate(serviceName string, config Config) CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return &circuitBreaker{breaker: breaker}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[serviceName]; exists {
		return &circuitBreaker{breaker: breaker}
	}

	breaker = gobreaker.NewCircuitBreaker(m.settings(serviceName, config))
	m.breakers[serviceName] = breaker
	m.configs[serviceName] = config

	m.logger.Log(context.Background(), libLog.LevelInfo, "created circuit breaker", libLog.String("service", serviceName))

	return &circuitBreaker{breaker: breaker}
}

func (m *manager) settings(serviceName string, config Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= config.ConsecutiveFailures {
				return true
			}

			if counts.Requests == 0 || counts.Requests < config.MinRequests || config.FailureRatio <= 0 {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			m.handleStateChange(serviceName, from, to)
		},
	}
}

func (m *manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w for service %s (call GetOrCreate first)", ErrBreakerNotFound, serviceName)
	}

	result, err := breaker.Execute(fn)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		m.logger.Log(context.Background(), libLog.LevelWarn, "circuit breaker open, request rejected", libLog.String("service", serviceName))

		return nil, fmt.Errorf("service %s is currently unavailable (circuit breaker open): %w", serviceName, err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		m.logger.Log(context.Background(), libLog.LevelWarn, "circuit breaker half-open, too many probe requests", libLog.String("service", serviceName))

		return nil, fmt.Errorf("service %s is recovering (circuit breaker open for probes): %w", serviceName, err)
	}

	return result, err
}

func (m *manager) GetState(serviceName string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertGobreakerState(breaker.State())
}

func (m *manager) GetCounts(serviceName string) Counts {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	return convertCounts(breaker.Counts())
}

func (m *manager) IsHealthy(serviceName string) bool {
	return m.GetState(serviceName) == StateClosed
}

func (m *manager) Reset(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[serviceName]; !exists {
		return
	}

	config, ok := m.configs[serviceName]
	if !ok {
		delete(m.breakers, serviceName)

		return
	}

	m.breakers[serviceName] = gobreaker.NewCircuitBreaker(m.settings(serviceName, config))

	m.logger.Log(context.Background(), libLog.LevelInfo, "circuit breaker reset", libLog.String("service", serviceName))
}

func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		m.logger.Log(context.Background(), libLog.LevelWarn, "ignoring nil circuit breaker state change listener")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

// handleStateChange runs inside gobreaker's lock; listeners are notified
// asynchronously so they may call back into the manager.
func (m *manager) handleStateChange(serviceName string, from gobreaker.State, to gobreaker.State) {
	level := libLog.LevelInfo
	if to == gobreaker.StateOpen {
		level = libLog.LevelWarn
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		libLog.String("service", serviceName),
		libLog.String("from", from.String()),
		libLog.String("to", to.String()),
	)

	fromState := convertGobreakerState(from)
	toState := convertGobreakerState(to)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		runtime.SafeGo(m.logger, "circuitbreaker.state_change_listener", runtime.KeepRunning, func() {
			listener.OnStateChange(serviceName, fromState, toState)
		})
	}
}
