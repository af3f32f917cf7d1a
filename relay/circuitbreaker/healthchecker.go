package circuitbreaker

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
)

type healthChecker struct {
	manager        Manager
	services       map[string]HealthCheckFunc
	interval       time.Duration
	checkTimeout   time.Duration
	logger         libLog.Logger
	stopChan       chan struct{}
	stopOnce       sync.Once
	immediateCheck chan string
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

// NewHealthChecker returns a checker that probes unhealthy services every
// interval, bounding each probe by checkTimeout. Register it on the manager
// with RegisterStateChangeListener to probe as soon as a breaker opens.
func NewHealthChecker(manager Manager, interval, checkTimeout time.Duration, logger libLog.Logger) (HealthChecker, error) {
	if nilcheck.Interface(manager) {
		return nil, ErrManagerRequired
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	return &healthChecker{
		manager:        manager,
		services:       make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         logger,
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, 10),
	}, nil
}

func (hc *healthChecker) Register(serviceName string, healthCheckFn HealthCheckFunc) {
	if healthCheckFn == nil {
		return
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.services[serviceName] = healthCheckFn
}

func (hc *healthChecker) Start() {
	hc.wg.Add(1)

	runtime.SafeGo(hc.logger, "circuitbreaker.health_check_loop", runtime.KeepRunning, hc.healthCheckLoop)
}

func (hc *healthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
	hc.wg.Wait()
}

func (hc *healthChecker) healthCheckLoop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.performHealthChecks()
		case serviceName := <-hc.immediateCheck:
			hc.checkServiceHealth(serviceName)
		case <-hc.stopChan:
			return
		}
	}
}

func (hc *healthChecker) performHealthChecks() {
	hc.mu.RLock()
	services := maps.Clone(hc.services)
	hc.mu.RUnlock()

	for serviceName := range services {
		hc.checkServiceHealth(serviceName)
	}
}

func (hc *healthChecker) GetHealthStatus() map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]string, len(hc.services))

	for serviceName := range hc.services {
		status[serviceName] = string(hc.manager.GetState(serviceName))
	}

	return status
}

// OnStateChange schedules an immediate probe when a breaker opens.
func (hc *healthChecker) OnStateChange(serviceName string, _ State, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediateCheck <- serviceName:
	default:
		hc.logger.Log(context.Background(), libLog.LevelWarn, "immediate health check queue full, waiting for next interval",
			libLog.String("service", serviceName))
	}
}

func (hc *healthChecker) checkServiceHealth(serviceName string) {
	hc.mu.RLock()
	healthCheckFn, exists := hc.services[serviceName]
	hc.mu.RUnlock()

	if !exists || hc.manager.IsHealthy(serviceName) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	err := healthCheckFn(ctx)

	cancel()

	if err != nil {
		hc.logger.Log(ctx, libLog.LevelWarn, "service still unhealthy",
			libLog.String("service", serviceName), libLog.Duration("retry_in", hc.interval), libLog.Err(err))

		return
	}

	hc.logger.Log(ctx, libLog.LevelInfo, "service recovered, resetting circuit breaker", libLog.String("service", serviceName))
	hc.manager.Reset(serviceName)
}
