package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrDuplicateApp is returned when two apps share a name.
	ErrDuplicateApp = errors.New("app name already registered")
	// ErrConfigFailed is returned when launcher options collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
	// ErrAppPanicked marks an app that panicked instead of returning.
	ErrAppPanicked = errors.New("app panicked")
)

// App is a long-running component started by a Launcher, such as the outbox
// dispatcher, the backfill worker or the HTTP server.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger libLog.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers app under name. Registration errors surface from RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

type namedApp struct {
	name string
	app  App
}

// Launcher runs a set of apps concurrently and waits for all of them. Apps
// start in registration order.
type Launcher struct {
	Logger       libLog.Logger
	apps         []namedApp
	configErrors []error
}

// Add registers an app.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	name := strings.TrimSpace(appName)

	switch {
	case name == "":
		return ErrEmptyApp
	case a == nil:
		return ErrNilApp
	}

	for _, existing := range l.apps {
		if existing.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateApp, name)
		}
	}

	l.apps = append(l.apps, namedApp{name: name, app: a})

	return nil
}

// Run is RunWithError that logs instead of returning.
func (l *Launcher) Run() {
	if err := l.RunWithError(); err != nil && l != nil && l.Logger != nil {
		l.Logger.Log(context.Background(), libLog.LevelError, "launcher error", libLog.Err(err))
	}
}

// RunWithError starts every registered app in its own goroutine and blocks
// until all of them return. The result joins every app error; a panicking
// app is reported as ErrAppPanicked without taking the others down.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		appErrs []error
	)

	record := func(err error) {
		mu.Lock()
		appErrs = append(appErrs, err)
		mu.Unlock()
	}

	l.Logger.Log(context.Background(), libLog.LevelInfo, "starting apps", libLog.Int("count", len(l.apps)))

	wg.Add(len(l.apps))

	for _, entry := range l.apps {
		runtime.SafeGoWithContextAndComponent(
			context.Background(),
			l.Logger,
			"launcher",
			"run_app_"+entry.name,
			runtime.KeepRunning,
			func(ctx context.Context) {
				returned := false

				defer func() {
					if !returned {
						record(fmt.Errorf("app %q: %w", entry.name, ErrAppPanicked))
					}

					wg.Done()
				}()

				l.Logger.Log(ctx, libLog.LevelInfo, "app starting", libLog.String("app", entry.name))

				err := entry.app.Run(l)
				returned = true

				if err != nil {
					l.Logger.Log(ctx, libLog.LevelError, "app error", libLog.String("app", entry.name), libLog.Err(err))
					record(fmt.Errorf("app %q: %w", entry.name, err))
				}

				l.Logger.Log(ctx, libLog.LevelInfo, "app finished", libLog.String("app", entry.name))
			},
		)
	}

	wg.Wait()

	l.Logger.Log(context.Background(), libLog.LevelInfo, "launcher terminated")

	return errors.Join(appErrs...)
}

// NewLauncher creates a Launcher and applies opts in order.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{}

	for _, opt := range opts {
		opt(l)
	}

	return l
}
