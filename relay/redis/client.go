package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/backoff"
	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNilClient is returned when a redis client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

const (
	maxPoolSize = 1000

	// reconnectBackoffCap is the maximum delay between reconnect attempts.
	reconnectBackoffCap = 30 * time.Second
)

// Config defines Redis client topology, auth, TLS, and connection settings.
// Exactly one of Address (standalone), Addresses with MasterName (sentinel),
// or Addresses alone (cluster) must be set.
type Config struct {
	Address    string
	Addresses  []string
	MasterName string
	Password   string `json:"-"`
	TLS        *TLSConfig
	Options    ConnectionOptions
	Logger     libLog.Logger
}

// TLSConfig configures TLS validation for Redis connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// ConnectionOptions configures protocol, timeouts, pools, and retries.
type ConnectionOptions struct {
	DB              int
	Protocol        int
	PoolSize        int
	MinIdleConns    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Client wraps a redis.UniversalClient and reconnects lazily after Close or a
// failed connect.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	logger libLog.Logger
	client redis.UniversalClient

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// New validates cfg, connects to Redis, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    normalized,
		logger: normalized.Logger,
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect establishes a Redis connection, replacing any existing one.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to connect to redis", err)

		return err
	}

	return nil
}

// GetClient returns the connected client, reconnecting on demand. Reconnect
// attempts after failures are rate limited with exponential backoff.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := min(backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts), reconnectBackoffCap)

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.reconnect")
	defer span.End()

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++

		libOpentelemetry.HandleSpanError(span, "Failed to reconnect redis", err)

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// IsConnected reports whether a client is currently held.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil
}

// Ping checks the connection round trip.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// Close closes the underlying Redis client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeClientLocked()
}

func (c *Client) connectLocked(ctx context.Context) error {
	if nilcheck.Interface(c.logger) {
		c.logger = libLog.NewNop()
	}

	c.logger.Log(ctx, libLog.LevelInfo, "connecting to redis")

	if c.client != nil {
		if err := c.closeClientLocked(); err != nil {
			c.logger.Log(ctx, libLog.LevelWarn, "close before connect failed", libLog.Err(err))
		}
	}

	opts, err := buildUniversalOptions(c.cfg)
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	rdb := redis.NewUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, libLog.LevelError, "redis ping failed", libLog.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logger.Log(ctx, libLog.LevelInfo, "connected to redis in cluster mode")
	default:
		c.logger.Log(ctx, libLog.LevelInfo, "connected to redis")
	}

	if c.cfg.TLS == nil {
		c.logger.Log(ctx, libLog.LevelWarn, "redis connection established without TLS")
	}

	return nil
}

func (c *Client) closeClientLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	if err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}

	return nil
}

func buildUniversalOptions(cfg Config) (*redis.UniversalOptions, error) {
	o := cfg.Options
	opts := &redis.UniversalOptions{
		Password:        cfg.Password,
		DB:              o.DB,
		Protocol:        o.Protocol,
		PoolSize:        o.PoolSize,
		MinIdleConns:    o.MinIdleConns,
		ReadTimeout:     o.ReadTimeout,
		WriteTimeout:    o.WriteTimeout,
		DialTimeout:     o.DialTimeout,
		PoolTimeout:     o.PoolTimeout,
		MaxRetries:      o.MaxRetries,
		MinRetryBackoff: o.MinRetryBackoff,
		MaxRetryBackoff: o.MaxRetryBackoff,
		MasterName:      cfg.MasterName,
	}

	switch {
	case strings.TrimSpace(cfg.Address) != "":
		opts.Addrs = []string{cfg.Address}
	default:
		opts.Addrs = cfg.Addresses
	}

	// go-redis silently falls back to localhost:6379 on empty Addrs.
	if len(opts.Addrs) == 0 {
		return nil, configError("no topology configured: at least one address is required")
	}

	if cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("redis: TLS config: %w", err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = libLog.NewNop()
	}

	normalizeConnectionOptionsDefaults(&cfg.Options)

	if cfg.TLS != nil && cfg.TLS.MinVersion < tls.VersionTLS12 {
		cfg.TLS.MinVersion = tls.VersionTLS12
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func normalizeConnectionOptionsDefaults(options *ConnectionOptions) {
	if options.PoolSize == 0 {
		options.PoolSize = 10
	}

	if options.PoolSize > maxPoolSize {
		options.PoolSize = maxPoolSize
	}

	if options.ReadTimeout == 0 {
		options.ReadTimeout = 3 * time.Second
	}

	if options.WriteTimeout == 0 {
		options.WriteTimeout = 3 * time.Second
	}

	if options.DialTimeout == 0 {
		options.DialTimeout = 5 * time.Second
	}

	if options.PoolTimeout == 0 {
		options.PoolTimeout = 2 * time.Second
	}

	if options.MaxRetries == 0 {
		options.MaxRetries = 3
	}

	if options.MinRetryBackoff == 0 {
		options.MinRetryBackoff = 8 * time.Millisecond
	}

	if options.MaxRetryBackoff == 0 {
		options.MaxRetryBackoff = 1 * time.Second
	}
}

func validateConfig(cfg Config) error {
	hasAddress := strings.TrimSpace(cfg.Address) != ""

	switch {
	case hasAddress && len(cfg.Addresses) > 0:
		return configError("exactly one topology must be configured")
	case !hasAddress && len(cfg.Addresses) == 0:
		return configError("at least one address is required")
	case hasAddress && cfg.MasterName != "":
		return configError("sentinel master name requires sentinel addresses")
	}

	for _, address := range cfg.Addresses {
		if strings.TrimSpace(address) == "" {
			return configError("addresses cannot be empty")
		}
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("decode CA cert: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("adding CA cert failed")
	}

	tlsConfig := &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.MinVersion == tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig, nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
