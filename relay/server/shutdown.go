package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	"github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
	"github.com/gofiber/fiber/v2"
)

var (
	// ErrNoServersConfigured indicates no HTTP server was configured.
	ErrNoServersConfigured = errors.New("no servers configured: use WithHTTPServer()")
	// ErrShutdownHookFailed wraps the errors returned by shutdown hooks.
	ErrShutdownHookFailed = errors.New("shutdown hook failed")
)

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// ServerManager serves the fiber admin app and, on shutdown, stops the HTTP
// server, runs the registered hooks in order, flushes telemetry and syncs the
// logger.
type ServerManager struct {
	httpServer         *fiber.App
	telemetry          *opentelemetry.Telemetry
	logger             log.Logger
	httpAddress        string
	hooks              []shutdownHook
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownErr        error
	shutdownTimeout    time.Duration
	startupErrors      chan error
}

var _ libCommons.App = (*ServerManager)(nil)

// NewServerManager returns a manager. A nil logger discards output and a nil
// telemetry is skipped on shutdown.
func NewServerManager(telemetry *opentelemetry.Telemetry, logger log.Logger) *ServerManager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &ServerManager{
		telemetry:       telemetry,
		logger:          logger,
		serversStarted:  make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer configures the HTTP server.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithShutdownChannel replaces OS signal handling with ch.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds the whole shutdown sequence. Defaults to 30 seconds.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// WithShutdownHook registers fn to run after the HTTP server stopped, for
// example the dispatcher's Shutdown. Hooks run in registration order.
func (sm *ServerManager) WithShutdownHook(name string, fn func(ctx context.Context) error) *ServerManager {
	if fn != nil {
		sm.hooks = append(sm.hooks, shutdownHook{name: strings.TrimSpace(name), fn: fn})
	}

	return sm
}

// ServersStarted is closed once the server goroutine was launched. It does not
// mean the socket is bound.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// Run makes the manager a launcher app that blocks until shutdown.
func (sm *ServerManager) Run(_ *libCommons.Launcher) error {
	return sm.StartWithGracefulShutdownWithError()
}

// StartWithGracefulShutdownWithError starts the server and blocks until an OS
// signal, the shutdown channel or a startup failure. It returns the startup
// or shutdown-hook error, if any.
func (sm *ServerManager) StartWithGracefulShutdownWithError() error {
	return sm.StartContext(context.Background())
}

// StartContext is StartWithGracefulShutdownWithError that also shuts down
// when ctx is cancelled.
func (sm *ServerManager) StartContext(ctx context.Context) error {
	if sm.httpServer == nil {
		return ErrNoServersConfigured
	}

	if ctx == nil {
		ctx = context.Background()
	}

	sm.startServers()

	signals := make(chan os.Signal, 1)
	if sm.shutdownChan == nil {
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)
	}

	var startupErr error

	select {
	case <-ctx.Done():
	case <-signals:
	case <-sm.shutdownChan:
	case startupErr = <-sm.startupErrors:
		sm.logger.Log(ctx, log.LevelError, "server startup failed", log.Err(startupErr))
	}

	sm.logger.Log(ctx, log.LevelInfo, "gracefully shutting down")

	return errors.Join(startupErr, sm.executeShutdown())
}

func (sm *ServerManager) startServers() {
	if sm.serversStarted == nil {
		sm.serversStarted = make(chan struct{})
	}

	runtime.SafeGoWithContextAndComponent(
		context.Background(),
		sm.logger,
		"server",
		"start_http_server",
		runtime.KeepRunning,
		func(ctx context.Context) {
			sm.logger.Log(ctx, log.LevelInfo, "starting HTTP server", log.String("address", sm.httpAddress))

			if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
				select {
				case sm.startupErrors <- fmt.Errorf("HTTP server: %w", err):
				default:
				}
			}
		},
	)

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

// executeShutdown runs once; later calls return the first result.
func (sm *ServerManager) executeShutdown() error {
	sm.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()

		if sm.httpServer != nil {
			sm.logger.Log(ctx, log.LevelInfo, "shutting down HTTP server")

			if err := sm.httpServer.ShutdownWithContext(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "HTTP server shutdown failed", log.Err(err))
			}
		}

		var hookErrs []error

		for _, hook := range sm.hooks {
			sm.logger.Log(ctx, log.LevelInfo, "running shutdown hook", log.String("hook", hook.name))

			if err := hook.fn(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "shutdown hook failed", log.String("hook", hook.name), log.Err(err))
				hookErrs = append(hookErrs, fmt.Errorf("%w: %s: %w", ErrShutdownHookFailed, hook.name, err))
			}
		}

		// Telemetry goes last so the hooks' spans and metrics are exported.
		if sm.telemetry != nil {
			if err := sm.telemetry.Shutdown(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "telemetry shutdown failed", log.Err(err))
			}
		}

		if err := sm.logger.Sync(ctx); err != nil {
			sm.logger.Log(ctx, log.LevelError, "failed to sync logger", log.Err(err))
		}

		sm.logger.Log(ctx, log.LevelInfo, "graceful shutdown completed")

		sm.shutdownErr = errors.Join(hookErrs...)
	})

	return sm.shutdownErr
}
