//go:build unit

package postgres

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresPrimaryDSN(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PrimaryDSN: "  "})
	require.ErrorIs(t, err, ErrMissingPrimaryDSN)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{PrimaryDSN: "postgres://relay@localhost/relay"}.withDefaults()

	assert.Equal(t, cfg.PrimaryDSN, cfg.ReplicaDSN)
	assert.Equal(t, defaultMaxOpenConns, cfg.MaxOpenConnections)
	assert.Equal(t, defaultMaxIdleConns, cfg.MaxIdleConnections)
	assert.Equal(t, defaultConnMaxLifetime, cfg.ConnMaxLifetime)
	assert.Equal(t, defaultConnMaxIdleTime, cfg.ConnMaxIdleTime)
	assert.NotNil(t, cfg.Logger)

	custom := Config{PrimaryDSN: "a", ReplicaDSN: "b", MaxOpenConnections: 3, ConnMaxLifetime: time.Minute}.withDefaults()
	assert.Equal(t, "b", custom.ReplicaDSN)
	assert.Equal(t, 3, custom.MaxOpenConnections)
	assert.Equal(t, time.Minute, custom.ConnMaxLifetime)
}

func TestClientBeforeConnect(t *testing.T) {
	t.Parallel()

	client, err := New(Config{PrimaryDSN: "postgres://localhost/relay"})
	require.NoError(t, err)

	assert.False(t, client.IsConnected())

	_, err = client.Primary()
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Resolver(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)

	require.ErrorIs(t, client.Ping(context.Background()), ErrNotConnected)
	require.NoError(t, client.Close())
}

func TestConnectHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	client, err := New(Config{PrimaryDSN: "postgres://localhost/relay"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, client.Connect(ctx), context.Canceled)
}

func TestSanitizeSensitiveError(t *testing.T) {
	t.Parallel()

	assert.Empty(t, sanitizeSensitiveError(nil))

	got := sanitizeSensitiveError(errors.New("dial postgres://relay:s3cret@db:5432/relay password=s3cret failed"))
	assert.NotContains(t, got, "s3cret")
	assert.Contains(t, got, "://***@")
	assert.Contains(t, got, "password=***")
}

func TestValidateDBName(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateDBName("relay_db"))
	require.Error(t, validateDBName("1relay"))
	require.Error(t, validateDBName("relay;drop"))
	require.Error(t, validateDBName(""))
}

func TestMigrationsURL(t *testing.T) {
	t.Parallel()

	u, err := migrationsURL("migrations")
	require.NoError(t, err)
	assert.Regexp(t, `^file://.*/migrations$`, u)

	_, err = migrationsURL("../secrets")
	require.Error(t, err)
}

func TestNewMigratorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewMigrator(MigrationConfig{DatabaseName: "relay", MigrationsPath: "migrations"})
	require.ErrorIs(t, err, ErrMissingPrimaryDSN)

	_, err = NewMigrator(MigrationConfig{PrimaryDSN: "dsn", DatabaseName: "bad name", MigrationsPath: "migrations"})
	require.Error(t, err)

	_, err = NewMigrator(MigrationConfig{PrimaryDSN: "dsn", DatabaseName: "relay"})
	require.ErrorIs(t, err, ErrMissingMigrations)

	migrator, err := NewMigrator(MigrationConfig{
		PrimaryDSN:   "dsn",
		DatabaseName: "relay",
		FS:           fstest.MapFS{"000001_x.up.sql": {Data: []byte("SELECT 1;")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "public", migrator.cfg.SchemaName)
	assert.NotNil(t, migrator.cfg.Logger)
}
