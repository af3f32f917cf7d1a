package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

var (
	// ErrMigrationDirty reports a schema left dirty by a failed migration.
	ErrMigrationDirty = errors.New("migration failed: dirty database version")
	// ErrMissingMigrations is returned when neither a path nor an FS is set.
	ErrMissingMigrations = errors.New("migrations path or filesystem is required")

	dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// MigrationConfig configures a Migrator. FS takes precedence over
// MigrationsPath.
type MigrationConfig struct {
	PrimaryDSN           string
	DatabaseName         string
	SchemaName           string
	MigrationsPath       string
	FS                   fs.FS
	Component            string
	AllowMultiStatements bool
	Logger               libLog.Logger
}

// Migrator applies up migrations against the primary database.
type Migrator struct {
	cfg MigrationConfig
}

// NewMigrator validates cfg.
func NewMigrator(cfg MigrationConfig) (*Migrator, error) {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, ErrMissingPrimaryDSN
	}

	if err := validateDBName(cfg.DatabaseName); err != nil {
		return nil, err
	}

	if cfg.FS == nil && strings.TrimSpace(cfg.MigrationsPath) == "" {
		return nil, ErrMissingMigrations
	}

	if cfg.SchemaName == "" {
		cfg.SchemaName = "public"
	}

	if cfg.Logger == nil {
		cfg.Logger = libLog.NewNop()
	}

	return &Migrator{cfg: cfg}, nil
}

// Up applies every pending migration. An up-to-date schema and an empty
// migrations directory are not errors.
func (m *Migrator) Up(ctx context.Context) error {
	logger := m.cfg.Logger.With(libLog.String("component", m.cfg.Component))

	db, err := dbOpenFn("pgx", m.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("open migration connection: %s", sanitizeSensitiveError(err))
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migration connection: %s", sanitizeSensitiveError(err))
	}

	instance, err := m.newMigrate(db)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, libLog.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		return err
	}

	if err := instance.Up(); err != nil {
		return classifyMigrationError(ctx, logger, err)
	}

	logger.Log(ctx, libLog.LevelInfo, "migrations applied")

	return nil
}

func (m *Migrator) newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MultiStatementEnabled: m.cfg.AllowMultiStatements,
		DatabaseName:          m.cfg.DatabaseName,
		SchemaName:            m.cfg.SchemaName,
	})
	if err != nil {
		return nil, fmt.Errorf("create postgres migration driver: %w", err)
	}

	var src source.Driver

	if m.cfg.FS != nil {
		src, err = iofs.New(m.cfg.FS, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}

		instance, err := migrate.NewWithInstance("iofs", src, m.cfg.DatabaseName, driver)
		if err != nil {
			return nil, fmt.Errorf("create migration instance: %w", err)
		}

		return instance, nil
	}

	sourceURL, err := migrationsURL(m.cfg.MigrationsPath)
	if err != nil {
		return nil, err
	}

	instance, err := migrate.NewWithDatabaseInstance(sourceURL, m.cfg.DatabaseName, driver)
	if err != nil {
		return nil, fmt.Errorf("create migration instance: %w", err)
	}

	return instance, nil
}

func classifyMigrationError(ctx context.Context, logger libLog.Logger, err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Log(ctx, libLog.LevelInfo, "no new migrations found")

		return nil
	}

	if errors.Is(err, os.ErrNotExist) {
		logger.Log(ctx, libLog.LevelWarn, "no migration files found, skipping migration step")

		return nil
	}

	var dirtyErr migrate.ErrDirty
	if errors.As(err, &dirtyErr) {
		logger.Log(ctx, libLog.LevelError, "migration left a dirty version", libLog.Int("version", dirtyErr.Version))

		return fmt.Errorf("%w %d", ErrMigrationDirty, dirtyErr.Version)
	}

	logger.Log(ctx, libLog.LevelError, "migration failed", libLog.String("error", sanitizeSensitiveError(err)))

	return fmt.Errorf("migration failed: %w", err)
}

func migrationsURL(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(absPath)}

	return u.String(), nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}
