package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNotConnected is returned when the client is used before Connect.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrMissingPrimaryDSN is returned by New when Config.PrimaryDSN is empty.
	ErrMissingPrimaryDSN = errors.New("postgres primary DSN is required")

	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config configures a Client. ReplicaDSN defaults to PrimaryDSN.
type Config struct {
	PrimaryDSN         string
	ReplicaDSN         string
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	Logger             libLog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = libLog.NewNop()
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

// Client manages the primary and replica pools.
type Client struct {
	cfg     Config
	mu      sync.RWMutex
	primary *sql.DB
	replica *sql.DB
	db      dbresolver.DB
}

// New validates cfg and returns an unconnected Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, ErrMissingPrimaryDSN
	}

	return &Client{cfg: cfg.withDefaults()}, nil
}

// Connect opens both pools and pings them through the resolver. Calling
// Connect on a connected client replaces the existing pools.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before database connection: %w", err)
	}

	logger := c.cfg.Logger

	if c.db != nil {
		if err := c.closeLocked(); err != nil {
			logger.Log(ctx, libLog.LevelWarn, "failed to close previous connection before reconnect",
				libLog.String("error", sanitizeSensitiveError(err)))
		}
	}

	logger.Log(ctx, libLog.LevelInfo, "connecting to primary and replica databases")

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("connect to primary database: %s", sanitizeSensitiveError(err))
	}

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()

		return fmt.Errorf("connect to replica database: %s", sanitizeSensitiveError(err))
	}

	resolver, err := createResolverFn(primary, replica)
	if err != nil {
		_ = primary.Close()
		_ = replica.Close()

		return err
	}

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		logger.Log(ctx, libLog.LevelError, "failed to ping database", libLog.String("error", sanitizeSensitiveError(err)))

		return fmt.Errorf("ping database: %s", sanitizeSensitiveError(err))
	}

	c.primary, c.replica, c.db = primary, replica, resolver

	logger.Log(ctx, libLog.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the primary/replica resolver.
//
//nolint:ireturn
func (c *Client) Resolver(_ context.Context) (dbresolver.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.db == nil {
		return nil, ErrNotConnected
	}

	return c.db, nil
}

// Primary returns the primary pool. Outbox writes and claims must use it.
func (c *Client) Primary() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// IsConnected reports whether Connect succeeded and Close has not run since.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.db != nil
}

// Ping checks the primary pool.
func (c *Client) Ping(ctx context.Context) error {
	db, err := c.Primary()
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping primary: %s", sanitizeSensitiveError(err))
	}

	return nil
}

// Close releases both pools.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.db == nil {
		return nil
	}

	// dbresolver closes every underlying pool.
	err := c.db.Close()
	c.db, c.primary, c.replica = nil, nil, nil

	return err
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}
