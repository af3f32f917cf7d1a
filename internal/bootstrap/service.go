package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/workflow-relay/migrations"
	libCommons "github.com/LerianStudio/workflow-relay/relay"
	"github.com/LerianStudio/workflow-relay/relay/circuitbreaker"
	"github.com/LerianStudio/workflow-relay/relay/errgroup"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libHTTP "github.com/LerianStudio/workflow-relay/relay/net/http"
	"github.com/LerianStudio/workflow-relay/relay/net/http/ratelimit"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	outboxHTTP "github.com/LerianStudio/workflow-relay/relay/outbox/http"
	outboxPostgres "github.com/LerianStudio/workflow-relay/relay/outbox/postgres"
	"github.com/LerianStudio/workflow-relay/relay/outbox/transport/breaker"
	libPostgres "github.com/LerianStudio/workflow-relay/relay/postgres"
	libRedis "github.com/LerianStudio/workflow-relay/relay/redis"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
	"github.com/LerianStudio/workflow-relay/relay/server"
	libZap "github.com/LerianStudio/workflow-relay/relay/zap"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	serviceComponent   = "workflow-relay"
	adminRealm         = "workflow-relay admin"
	transportBreakerID = "outbox-transport"
)

var (
	// ErrStoreRequired is returned by Assemble without an outbox store.
	ErrStoreRequired = errors.New("relay service requires an outbox store")
	// ErrTransportRequired is returned by Assemble without a transport.
	ErrTransportRequired = errors.New("relay service requires a transport")
)

// Components are the connected dependencies Assemble wires together. Init
// builds them from the environment; tests pass in-memory ones.
type Components struct {
	Store     outbox.Repository
	Transport outbox.Transport
	// TransportProbe reports broker reachability to /readyz and to the
	// breaker health checker. Nil means always reachable.
	TransportProbe func(ctx context.Context) error
	TransportName  string
	Logger         libLog.Logger
	Tracer         trace.Tracer
	Telemetry      *libOpentelemetry.Telemetry
	// Redis, when set, shares rate-limit counters and the backfill lock
	// across replicas.
	Redis     *libRedis.Client
	Readiness []outboxHTTP.ReadinessCheck
	closers   []namedCloser
}

// Service is the assembled relay process.
type Service struct {
	cfg           Config
	logger        libLog.Logger
	dispatcher    *outbox.Dispatcher
	backfill      *outbox.BackfillWorker
	metrics       *outbox.MetricsProvider
	breakerHealth circuitbreaker.HealthChecker
	app           *fiber.App
	server        *server.ServerManager
}

// Init reads the environment, connects Postgres, applies migrations and
// connects the configured broker.
func Init(ctx context.Context) (*Service, error) {
	cfg, err := ParseEnv()
	if err != nil {
		return nil, err
	}

	logger, err := libZap.New(libZap.Config{
		Environment:     libZap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: serviceComponent,
		ServiceName:     cfg.ServiceName,
		Version:         cfg.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	runtime.SetProductionMode(cfg.IsProduction())

	telemetry, err := libOpentelemetry.NewTelemetry(ctx, libOpentelemetry.TelemetryConfig{
		LibraryName:               serviceComponent,
		ServiceName:               cfg.ServiceName,
		ServiceVersion:            cfg.Version,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.OtelEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	panicReporter, err := runtime.NewMetricPanicReporter(telemetry.MeterProvider.Meter(serviceComponent))
	if err != nil {
		return nil, fmt.Errorf("init panic reporter: %w", err)
	}

	runtime.SetPanicReporter(panicReporter)

	components := Components{
		Logger:    logger,
		Tracer:    telemetry.TracerProvider.Tracer(serviceComponent),
		Telemetry: telemetry,
	}

	if err := connectComponents(ctx, cfg, &components); err != nil {
		closeAll(context.Background(), logger, components.closers)

		return nil, err
	}

	service, err := Assemble(cfg, components)
	if err != nil {
		closeAll(context.Background(), logger, components.closers)

		return nil, err
	}

	return service, nil
}

func connectComponents(ctx context.Context, cfg Config, components *Components) error {
	logger := components.Logger

	pg, err := libPostgres.New(libPostgres.Config{
		PrimaryDSN: cfg.PostgresPrimaryDSN,
		ReplicaDSN: cfg.PostgresReplicaDSN,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}

	if err := pg.Connect(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	components.closers = append(components.closers, namedCloser{name: "postgres", close: func(context.Context) error { return pg.Close() }})
	components.Readiness = append(components.Readiness, outboxHTTP.ReadinessCheck{Name: "postgres", Check: pg.Ping})

	if !cfg.SkipMigrations {
		migrationCfg := libPostgres.MigrationConfig{
			PrimaryDSN:   cfg.PostgresPrimaryDSN,
			DatabaseName: cfg.PostgresDBName,
			Component:    serviceComponent,
			Logger:       logger,
		}

		if cfg.MigrationsPath != "" {
			migrationCfg.MigrationsPath = cfg.MigrationsPath
		} else {
			migrationCfg.FS = migrations.FS
		}

		migrator, err := libPostgres.NewMigrator(migrationCfg)
		if err != nil {
			return fmt.Errorf("init migrator: %w", err)
		}

		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	store, err := outboxPostgres.NewRepository(pg,
		outboxPostgres.WithLogger(logger),
		outboxPostgres.WithTableName(cfg.OutboxTable),
	)
	if err != nil {
		return fmt.Errorf("init outbox repository: %w", err)
	}

	components.Store = store

	if cfg.RedisAddr != "" {
		redisClient, err := libRedis.New(ctx, libRedis.Config{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Options:  libRedis.ConnectionOptions{DB: cfg.RedisDB},
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		components.Redis = redisClient
		components.closers = append(components.closers, namedCloser{name: "redis", close: func(context.Context) error { return redisClient.Close() }})
		components.Readiness = append(components.Readiness, outboxHTTP.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
	}

	broker, err := newBrokerTransport(ctx, cfg, components.Redis, logger, components.Tracer)
	if err != nil {
		return fmt.Errorf("init %s transport: %w", cfg.Transport, err)
	}

	components.Transport = broker.transport
	components.TransportName = broker.name
	components.TransportProbe = broker.probe
	// Broker closers run before the store and redis ones.
	components.closers = append(broker.closers, components.closers...)

	return nil
}

// Assemble wires the dispatcher, the metrics and health pipeline, the backfill
// worker and the admin HTTP server over already-connected components.
func Assemble(cfg Config, components Components) (*Service, error) {
	if components.Store == nil {
		return nil, ErrStoreRequired
	}

	if components.Transport == nil {
		return nil, ErrTransportRequired
	}

	logger := components.Logger
	if logger == nil {
		logger = libLog.NewNop()
	}

	tracer := components.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(serviceComponent)
	}

	transport := components.Transport

	var breakerHealth circuitbreaker.HealthChecker

	if cfg.BreakerEnabled {
		manager := circuitbreaker.NewManager(logger)

		wrapped, err := breaker.New(transport, manager, transportBreakerID, circuitbreaker.TransportConfig())
		if err != nil {
			return nil, fmt.Errorf("wrap transport with circuit breaker: %w", err)
		}

		transport = wrapped

		if components.TransportProbe != nil {
			breakerHealth, err = circuitbreaker.NewHealthChecker(manager, cfg.BreakerHealthInterval, cfg.BreakerProbeTimeout, logger)
			if err != nil {
				return nil, fmt.Errorf("init breaker health checker: %w", err)
			}

			breakerHealth.Register(transportBreakerID, components.TransportProbe)
			manager.RegisterStateChangeListener(breakerHealth)
		}
	}

	metrics, err := outbox.NewMetricsProvider(components.Store, cfg.MetricsWindowSize)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcherOpts := append(cfg.DispatcherOptions(), outbox.WithMetricsProvider(metrics))
	if components.Telemetry != nil && components.Telemetry.MeterProvider != nil {
		dispatcherOpts = append(dispatcherOpts, outbox.WithMeterProvider(components.Telemetry.MeterProvider))
	}

	dispatcher, err := outbox.NewDispatcher(components.Store, transport, logger, tracer, dispatcherOpts...)
	if err != nil {
		return nil, fmt.Errorf("init outbox dispatcher: %w", err)
	}

	var backfillOpts []outbox.BackfillOption

	if components.Redis != nil {
		locks, err := libRedis.NewLockManager(components.Redis, cfg.BackfillLockTTL)
		if err != nil {
			return nil, fmt.Errorf("init backfill lock: %w", err)
		}

		backfillOpts = append(backfillOpts, outbox.WithBackfillLocker(&redisBackfillLocker{locks: locks}, outbox.DefaultBackfillLockKey))
	}

	backfill, err := outbox.NewBackfillWorker(components.Store, cfg.BackfillConfig(), logger, tracer, backfillOpts...)
	if err != nil {
		return nil, fmt.Errorf("init backfill worker: %w", err)
	}

	query, err := outbox.NewAdminQuery(components.Store, tracer)
	if err != nil {
		return nil, fmt.Errorf("init admin query: %w", err)
	}

	handlerOpts := []outboxHTTP.Option{
		outboxHTTP.WithHealthCheck(outbox.NewHealthCheck(cfg.HealthThresholds())),
		outboxHTTP.WithReadinessTimeout(cfg.ReadinessTimeout),
		outboxHTTP.WithProductionMode(cfg.IsProduction()),
	}

	for _, check := range components.Readiness {
		handlerOpts = append(handlerOpts, outboxHTTP.WithReadinessCheck(check.Name, check.Check))
	}

	if components.TransportProbe != nil {
		name := components.TransportName
		if name == "" {
			name = "transport"
		}

		handlerOpts = append(handlerOpts, outboxHTTP.WithReadinessCheck(name, components.TransportProbe))
	}

	if breakerHealth != nil {
		handlerOpts = append(handlerOpts, outboxHTTP.WithBreakerStatus(breakerHealth.GetHealthStatus))
	}

	handler, err := outboxHTTP.NewHandler(query, metrics, handlerOpts...)
	if err != nil {
		return nil, fmt.Errorf("init admin handler: %w", err)
	}

	app := newFiberApp(cfg, components, logger, tracer, handler)

	serverManager := server.NewServerManager(components.Telemetry, logger).
		WithHTTPServer(app, cfg.HTTPAddress).
		WithShutdownTimeout(cfg.ShutdownTimeout).
		WithShutdownHook("outbox-dispatcher", dispatcher.Shutdown).
		WithShutdownHook("outbox-backfill", backfill.Shutdown)

	if breakerHealth != nil {
		serverManager.WithShutdownHook("breaker-health-checker", func(context.Context) error {
			breakerHealth.Stop()

			return nil
		})
	}

	for _, closer := range components.closers {
		serverManager.WithShutdownHook(closer.name, closer.close)
	}

	return &Service{
		cfg:           cfg,
		logger:        logger,
		dispatcher:    dispatcher,
		backfill:      backfill,
		metrics:       metrics,
		breakerHealth: breakerHealth,
		app:           app,
		server:        serverManager,
	}, nil
}

func newFiberApp(cfg Config, components Components, logger libLog.Logger, tracer trace.Tracer, handler *outboxHTTP.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               serviceComponent,
		DisableStartupMessage: true,
		ErrorHandler:          libHTTP.FiberErrorHandler,
	})

	probePaths := []string{outboxHTTP.HealthPath, outboxHTTP.ReadyPath, outboxHTTP.MetricsPath, "/ping"}

	var limiterStorage fiber.Storage
	if components.Redis != nil {
		limiterStorage = ratelimit.NewRedisStorage(components.Redis)
	}

	app.Use(libHTTP.WithTelemetry(tracer))
	app.Use(libHTTP.WithHTTPLogging(libHTTP.WithCustomLogger(logger), libHTTP.WithSkipPaths(probePaths...)))
	app.Use(ratelimit.New(ratelimit.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
		Storage:    limiterStorage,
		SkipPaths:  probePaths,
	}))

	if cfg.AdminUser != "" {
		app.Use(outboxHTTP.MessagesPath, libHTTP.WithBasicAuth(libHTTP.FixedBasicAuthFunc(cfg.AdminUser, cfg.AdminPassword), adminRealm))
	}

	app.Get("/ping", libHTTP.Ping)
	app.Get("/version", libHTTP.Version(cfg.Version))

	handler.Register(app)

	return app
}

// App returns the admin HTTP app.
func (service *Service) App() *fiber.App {
	return service.app
}

// Dispatcher returns the outbox dispatcher.
func (service *Service) Dispatcher() *outbox.Dispatcher {
	return service.dispatcher
}

// Run starts every component under a Launcher and blocks until the HTTP
// server receives a termination signal and the shutdown hooks finish.
func (service *Service) Run() error {
	service.startBreakerHealth()

	launcher := libCommons.NewLauncher(
		libCommons.WithLogger(service.logger),
		libCommons.RunApp("outbox-dispatcher", service.dispatcher),
		libCommons.RunApp("outbox-backfill", service.backfill),
		libCommons.RunApp("admin-http", service.server),
	)

	return launcher.RunWithError()
}

// RunContext runs every component until ctx is cancelled or one of them
// fails, then shuts the whole process down.
func (service *Service) RunContext(ctx context.Context) error {
	service.startBreakerHealth()

	group, groupCtx := errgroup.WithContext(ctx, service.logger)

	group.Go("outbox-dispatcher", func(ctx context.Context) error {
		return service.dispatcher.RunContext(ctx, nil)
	})

	group.Go("outbox-backfill", func(ctx context.Context) error {
		return service.backfill.RunContext(ctx, nil)
	})

	group.Go("admin-http", service.server.StartContext)

	err := group.Wait()

	service.logger.Log(groupCtx, libLog.LevelInfo, "relay stopped")

	return err
}

func (service *Service) startBreakerHealth() {
	if service.breakerHealth != nil {
		service.breakerHealth.Start()
	}
}

func closeAll(ctx context.Context, logger libLog.Logger, closers []namedCloser) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, closer := range closers {
		if err := closer.close(ctx); err != nil {
			logger.Log(ctx, libLog.LevelWarn, "failed to release dependency", libLog.String("dependency", closer.name), libLog.Err(err))
		}
	}
}
