package bootstrap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/outbox"
	libZap "github.com/LerianStudio/workflow-relay/relay/zap"
	"github.com/caarlos0/env/v11"
)

// Transport names accepted by TRANSPORT.
const (
	TransportAMQP  = "amqp"
	TransportRedis = "redis"
	TransportLog   = "log"
)

var (
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid relay configuration")
)

// Config is the relay process configuration, read from the environment.
type Config struct {
	EnvName  string `env:"RELAY_ENV"    envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL"    envDefault:"info"`
	Version  string `env:"RELAY_VERSION" envDefault:"dev"`

	ServiceName       string `env:"OTEL_SERVICE_NAME"               envDefault:"workflow-relay"`
	OtelEndpoint      string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnableTelemetry   bool   `env:"ENABLE_TELEMETRY"                envDefault:"false"`
	TenantMetricAttrs bool   `env:"OUTBOX_TENANT_METRIC_ATTRIBUTES" envDefault:"false"`

	HTTPAddress      string        `env:"HTTP_ADDRESS"         envDefault:":8080"`
	AdminUser        string        `env:"ADMIN_BASIC_AUTH_USER"`
	AdminPassword    string        `env:"ADMIN_BASIC_AUTH_PASSWORD"`
	RateLimitMax     int           `env:"HTTP_RATE_LIMIT_MAX"    envDefault:"120"`
	RateLimitWindow  time.Duration `env:"HTTP_RATE_LIMIT_WINDOW" envDefault:"1m"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"       envDefault:"30s"`
	ReadinessTimeout time.Duration `env:"READINESS_TIMEOUT"      envDefault:"2s"`

	PostgresPrimaryDSN string `env:"POSTGRES_PRIMARY_DSN"`
	PostgresReplicaDSN string `env:"POSTGRES_REPLICA_DSN"`
	PostgresDBName     string `env:"POSTGRES_DB_NAME"     envDefault:"workflow"`
	MigrationsPath     string `env:"MIGRATIONS_PATH"`
	SkipMigrations     bool   `env:"SKIP_MIGRATIONS"      envDefault:"false"`

	OutboxTable                  string        `env:"OUTBOX_TABLE"                      envDefault:"outbox_messages"`
	OutboxBatchSize              int           `env:"OUTBOX_BATCH_SIZE"                 envDefault:"50"`
	OutboxMaxRetries             int           `env:"OUTBOX_MAX_RETRIES"                envDefault:"10"`
	OutboxBaseRetryDelaySeconds  int           `env:"OUTBOX_BASE_RETRY_DELAY_SECONDS"   envDefault:"5"`
	OutboxMaxRetryDelay          time.Duration `env:"OUTBOX_MAX_RETRY_DELAY"            envDefault:"15m"`
	OutboxUseExponentialBackoff  bool          `env:"OUTBOX_USE_EXPONENTIAL_BACKOFF"    envDefault:"true"`
	OutboxJitterRatio            float64       `env:"OUTBOX_JITTER_RATIO"               envDefault:"0.2"`
	OutboxMaxErrorTextLength     int           `env:"OUTBOX_MAX_ERROR_TEXT_LENGTH"      envDefault:"512"`
	OutboxUseDeadLetterOnGiveUp  bool          `env:"OUTBOX_USE_DEAD_LETTER_ON_GIVE_UP" envDefault:"false"`
	OutboxDeadLetterPoison       bool          `env:"OUTBOX_DEAD_LETTER_POISON"         envDefault:"true"`
	OutboxNonTransientMarkers    []string      `env:"OUTBOX_NON_TRANSIENT_MARKERS"      envSeparator:","`
	OutboxAlwaysTransientMarkers []string      `env:"OUTBOX_ALWAYS_TRANSIENT_MARKERS"   envSeparator:","`
	OutboxEarlyDeadLetterRetries int           `env:"OUTBOX_EARLY_DEAD_LETTER_RETRIES"  envDefault:"0"`
	OutboxDispatchInterval       time.Duration `env:"OUTBOX_DISPATCH_INTERVAL"          envDefault:"2s"`
	OutboxClaimLease             time.Duration `env:"OUTBOX_CLAIM_LEASE"                envDefault:"1m"`

	HealthBacklogWarn           int64         `env:"HEALTH_BACKLOG_WARN"             envDefault:"1000"`
	HealthBacklogUnhealthy      int64         `env:"HEALTH_BACKLOG_UNHEALTHY"        envDefault:"10000"`
	HealthFailureRatioWarn      float64       `env:"HEALTH_FAILURE_RATIO_WARN"       envDefault:"0.1"`
	HealthFailureRatioUnhealthy float64       `env:"HEALTH_FAILURE_RATIO_UNHEALTHY"  envDefault:"0.5"`
	HealthOldestAgeWarn         time.Duration `env:"HEALTH_OLDEST_AGE_WARN"          envDefault:"5m"`
	HealthOldestAgeUnhealthy    time.Duration `env:"HEALTH_OLDEST_AGE_UNHEALTHY"     envDefault:"30m"`
	MetricsWindowSize           int           `env:"METRICS_WINDOW_SIZE"             envDefault:"20"`

	BackfillEnabled   bool          `env:"BACKFILL_ENABLED"    envDefault:"true"`
	BackfillBatchSize int           `env:"BACKFILL_BATCH_SIZE" envDefault:"100"`
	BackfillInterval  time.Duration `env:"BACKFILL_INTERVAL"   envDefault:"1m"`
	BackfillCron      string        `env:"BACKFILL_CRON"`
	BackfillLockTTL   time.Duration `env:"BACKFILL_LOCK_TTL"   envDefault:"5m"`

	Transport         string `env:"TRANSPORT"           envDefault:"log"`
	AMQPURL           string `env:"AMQP_URL"`
	AMQPExchange      string `env:"AMQP_EXCHANGE"       envDefault:"workflow.events"`
	RedisAddr         string `env:"REDIS_ADDR"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	RedisDB           int    `env:"REDIS_DB"            envDefault:"0"`
	RedisStreamPrefix string `env:"REDIS_STREAM_PREFIX" envDefault:"outbox"`
	RedisStreamMaxLen int64  `env:"REDIS_STREAM_MAXLEN" envDefault:"0"`

	BreakerEnabled        bool          `env:"BREAKER_ENABLED"         envDefault:"true"`
	BreakerHealthInterval time.Duration `env:"BREAKER_HEALTH_INTERVAL" envDefault:"15s"`
	BreakerProbeTimeout   time.Duration `env:"BREAKER_PROBE_TIMEOUT"   envDefault:"5s"`
}

// ParseEnv loads Config from the process environment and validates it.
func ParseEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cross-field requirements env tags cannot express.
func (cfg Config) Validate() error {
	switch libZap.Environment(cfg.EnvName) {
	case libZap.EnvironmentProduction, libZap.EnvironmentStaging, libZap.EnvironmentUAT,
		libZap.EnvironmentDevelopment, libZap.EnvironmentLocal:
	default:
		return fmt.Errorf("%w: RELAY_ENV %q", ErrInvalidConfig, cfg.EnvName)
	}

	if strings.TrimSpace(cfg.PostgresPrimaryDSN) == "" {
		return fmt.Errorf("%w: POSTGRES_PRIMARY_DSN is required", ErrInvalidConfig)
	}

	switch cfg.Transport {
	case TransportAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return fmt.Errorf("%w: AMQP_URL is required for the amqp transport", ErrInvalidConfig)
		}
	case TransportRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for the redis transport", ErrInvalidConfig)
		}
	case TransportLog:
	default:
		return fmt.Errorf("%w: TRANSPORT %q", ErrInvalidConfig, cfg.Transport)
	}

	if (cfg.AdminUser == "") != (cfg.AdminPassword == "") {
		return fmt.Errorf("%w: ADMIN_BASIC_AUTH_USER and ADMIN_BASIC_AUTH_PASSWORD must be set together", ErrInvalidConfig)
	}

	if cfg.EnableTelemetry && strings.TrimSpace(cfg.OtelEndpoint) == "" {
		return fmt.Errorf("%w: OTEL_EXPORTER_OTLP_ENDPOINT is required when telemetry is enabled", ErrInvalidConfig)
	}

	if cfg.OutboxJitterRatio < 0 || cfg.OutboxJitterRatio > 1 {
		return fmt.Errorf("%w: OUTBOX_JITTER_RATIO must be within [0, 1]", ErrInvalidConfig)
	}

	return nil
}

// IsProduction reports whether error details must stay out of logs.
func (cfg Config) IsProduction() bool {
	return libZap.Environment(cfg.EnvName) == libZap.EnvironmentProduction
}

// DispatcherOptions maps the OUTBOX_* settings onto dispatcher options.
func (cfg Config) DispatcherOptions() []outbox.DispatcherOption {
	opts := []outbox.DispatcherOption{
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithDispatchInterval(cfg.OutboxDispatchInterval),
		outbox.WithMaxRetries(cfg.OutboxMaxRetries),
		outbox.WithBaseRetryDelay(time.Duration(cfg.OutboxBaseRetryDelaySeconds) * time.Second),
		outbox.WithExponentialBackoff(cfg.OutboxUseExponentialBackoff),
		outbox.WithJitterRatio(cfg.OutboxJitterRatio),
		outbox.WithMaxRetryDelay(cfg.OutboxMaxRetryDelay),
		outbox.WithMaxErrorTextLength(cfg.OutboxMaxErrorTextLength),
		outbox.WithDeadLetterOnGiveUp(cfg.OutboxUseDeadLetterOnGiveUp),
		outbox.WithDeadLetterPoison(cfg.OutboxDeadLetterPoison),
		outbox.WithEarlyDeadLetterRetries(cfg.OutboxEarlyDeadLetterRetries),
		outbox.WithClaimLease(cfg.OutboxClaimLease),
		outbox.WithTenantMetricAttributes(cfg.TenantMetricAttrs),
	}

	if len(cfg.OutboxNonTransientMarkers) > 0 {
		opts = append(opts, outbox.WithNonTransientMarkers(cfg.OutboxNonTransientMarkers...))
	}

	if len(cfg.OutboxAlwaysTransientMarkers) > 0 {
		opts = append(opts, outbox.WithAlwaysTransientMarkers(cfg.OutboxAlwaysTransientMarkers...))
	}

	return opts
}

// HealthThresholds maps the HEALTH_* settings.
func (cfg Config) HealthThresholds() outbox.HealthThresholds {
	return outbox.HealthThresholds{
		BacklogWarn:           cfg.HealthBacklogWarn,
		BacklogUnhealthy:      cfg.HealthBacklogUnhealthy,
		FailureRatioWarn:      cfg.HealthFailureRatioWarn,
		FailureRatioUnhealthy: cfg.HealthFailureRatioUnhealthy,
		OldestAgeWarn:         cfg.HealthOldestAgeWarn,
		OldestAgeUnhealthy:    cfg.HealthOldestAgeUnhealthy,
	}
}

// BackfillConfig maps the BACKFILL_* settings.
func (cfg Config) BackfillConfig() outbox.BackfillConfig {
	return outbox.BackfillConfig{
		Enabled:   cfg.BackfillEnabled,
		BatchSize: cfg.BackfillBatchSize,
		Interval:  cfg.BackfillInterval,
		Schedule:  strings.TrimSpace(cfg.BackfillCron),
	}
}
