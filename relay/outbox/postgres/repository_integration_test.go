//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/workflow-relay/migrations"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	libPostgres "github.com/LerianStudio/workflow-relay/relay/postgres"
)

type integrationRepoFixture struct {
	ctx       context.Context
	client    *libPostgres.Client
	primaryDB *sql.DB
	repo      *Repository
}

// integrationDSN prefers OUTBOX_POSTGRES_DSN and falls back to a container.
func integrationDSN(t *testing.T) string {
	t.Helper()

	if dsn := strings.TrimSpace(os.Getenv("OUTBOX_POSTGRES_DSN")); dsn != "" {
		return dsn
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("relay"),
		tcpostgres.WithUsername("relay"),
		tcpostgres.WithPassword("relay"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

func newIntegrationRepoFixture(t *testing.T) *integrationRepoFixture {
	t.Helper()

	dsn := integrationDSN(t)
	ctx := context.Background()

	migrator, err := libPostgres.NewMigrator(libPostgres.MigrationConfig{
		PrimaryDSN:   dsn,
		DatabaseName: "relay",
		FS:           migrations.FS,
		Component:    "outbox",
	})
	require.NoError(t, err)
	require.NoError(t, migrator.Up(ctx))

	client, err := libPostgres.New(libPostgres.Config{PrimaryDSN: dsn})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("cleanup: client close: %v", err)
		}
	})

	primaryDB, err := client.Primary()
	require.NoError(t, err)

	_, err = primaryDB.ExecContext(ctx, "TRUNCATE outbox_messages")
	require.NoError(t, err)

	repo, err := NewRepository(client)
	require.NoError(t, err)

	return &integrationRepoFixture{ctx: ctx, client: client, primaryDB: primaryDB, repo: repo}
}

func (fx *integrationRepoFixture) insert(t *testing.T, tenantID, key string) *outbox.Message {
	t.Helper()

	msg, err := outbox.NewMessage(tenantID, outbox.EventTaskCreated, []byte(`{"ok":true}`), key)
	require.NoError(t, err)

	stored, err := fx.repo.Insert(fx.ctx, msg)
	require.NoError(t, err)

	return stored
}

func (fx *integrationRepoFixture) get(t *testing.T, id uuid.UUID) *outbox.Message {
	t.Helper()

	row := fx.primaryDB.QueryRowContext(fx.ctx, "SELECT "+messageColumns+" FROM outbox_messages WHERE id = $1", id)

	msg, err := scanMessage(row)
	require.NoError(t, err)

	return msg
}

func TestRepository_IntegrationInsertDedupesPerTenant(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	first := fx.insert(t, "tenant-a", "k-1")
	fx.insert(t, "tenant-b", "k-1")

	dup, err := outbox.NewMessage("tenant-a", outbox.EventTaskCreated, []byte(`{}`), "k-1")
	require.NoError(t, err)

	_, err = fx.repo.Insert(fx.ctx, dup)
	require.ErrorIs(t, err, outbox.ErrDuplicateKey)

	found, err := fx.repo.GetByKey(fx.ctx, "tenant-a", "k-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.JSONEq(t, `{"ok":true}`, string(found.EventData))

	fx.insert(t, "tenant-a", "")
	fx.insert(t, "tenant-a", "")

	_, err = fx.repo.GetByKey(fx.ctx, "tenant-a", "missing")
	require.ErrorIs(t, err, outbox.ErrMessageNotFound)
}

func TestRepository_IntegrationConcurrentWritersCreateOneRow(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	writer, err := outbox.NewWriter(fx.repo, nil, nil)
	require.NoError(t, err)

	const callers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, existed, err := writer.TryAdd(fx.ctx, "tenant-a", outbox.EventInstanceStarted, []byte(`{}`), "race-key")
			if !assert.NoError(t, err) {
				return
			}

			if !existed {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	var count int
	require.NoError(t, fx.primaryDB.QueryRowContext(fx.ctx, "SELECT COUNT(*) FROM outbox_messages").Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, created)
}

func TestRepository_IntegrationInsertJoinsCallerTransaction(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)

	msg, err := outbox.NewMessage("tenant-a", outbox.EventTaskCreated, []byte(`{}`), "tx-key")
	require.NoError(t, err)

	_, err = fx.repo.Insert(outbox.ContextWithTx(fx.ctx, tx), msg)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = fx.repo.GetByKey(fx.ctx, "tenant-a", "tx-key")
	require.ErrorIs(t, err, outbox.ErrMessageNotFound)
}

func TestRepository_IntegrationRepeatableReadSnapshot(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tx.Rollback() })

	var before int
	require.NoError(t, tx.QueryRowContext(fx.ctx, "SELECT COUNT(*) FROM outbox_messages").Scan(&before))
	require.Zero(t, before)

	committed := fx.insert(t, "tenant-a", "late-key")
	txCtx := outbox.ContextWithTx(fx.ctx, tx)

	found, err := fx.repo.GetByKey(txCtx, "tenant-a", "late-key")
	require.NoError(t, err)
	assert.Equal(t, committed.ID, found.ID)

	writer, err := outbox.NewWriter(fx.repo, nil, nil)
	require.NoError(t, err)

	_, _, err = writer.TryAdd(txCtx, "tenant-a", outbox.EventTaskCreated, []byte(`{}`), "late-key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, outbox.ErrMessageNotFound)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40001", pgErr.Code)
}

func TestRepository_IntegrationClaimLeasesAndSkipsLocked(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	older := fx.insert(t, "tenant-a", "k-1")
	newer := fx.insert(t, "tenant-a", "k-2")
	now := time.Now().UTC().Add(time.Second)

	claimed, err := fx.repo.ClaimEligible(fx.ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, older.ID, claimed[0].ID)
	assert.Equal(t, newer.ID, claimed[1].ID)

	again, err := fx.repo.ClaimEligible(fx.ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	expired, err := fx.repo.ClaimEligible(fx.ctx, now.Add(2*time.Minute), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, older.ID, expired[0].ID)

	tx, err := fx.primaryDB.BeginTx(fx.ctx, nil)
	require.NoError(t, err)

	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Errorf("cleanup: tx rollback: %v", err)
		}
	}()

	_, err = tx.ExecContext(fx.ctx, "SELECT id FROM outbox_messages WHERE id = $1 FOR UPDATE", newer.ID)
	require.NoError(t, err)

	locked, err := fx.repo.ClaimEligible(fx.ctx, now.Add(time.Hour), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, older.ID, locked[0].ID)
}

func TestRepository_IntegrationStateTransitions(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	msg := fx.insert(t, "tenant-a", "k-1")
	failedAt := time.Now().UTC().Truncate(time.Microsecond)
	next := failedAt.Add(time.Minute)

	require.NoError(t, fx.repo.MarkFailed(fx.ctx, msg.ID, outbox.Failure{
		PreviousRetryCount: 0, RetryCount: 1, Error: "timeout", FailedAt: failedAt, NextRetryAt: &next,
	}))

	stored := fx.get(t, msg.ID)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "timeout", stored.Error)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, next.Equal(*stored.NextRetryAt))

	err := fx.repo.MarkFailed(fx.ctx, msg.ID, outbox.Failure{PreviousRetryCount: 0, RetryCount: 1, FailedAt: failedAt})
	require.ErrorIs(t, err, outbox.ErrStateTransitionConflict)

	require.NoError(t, fx.repo.MarkFailed(fx.ctx, msg.ID, outbox.Failure{
		PreviousRetryCount: 1, RetryCount: 2, Error: "schema mismatch", FailedAt: failedAt, Terminal: true, DeadLetter: true,
	}))

	stored = fx.get(t, msg.ID)
	assert.True(t, stored.IsProcessed)
	assert.True(t, stored.DeadLetter)
	assert.Nil(t, stored.NextRetryAt)

	require.ErrorIs(t, fx.repo.MarkDelivered(fx.ctx, msg.ID, failedAt), outbox.ErrStateTransitionConflict)
	require.ErrorIs(t, fx.repo.MarkDelivered(fx.ctx, uuid.New(), failedAt), outbox.ErrMessageNotFound)

	delivered := fx.insert(t, "tenant-a", "k-2")
	require.NoError(t, fx.repo.MarkDelivered(fx.ctx, delivered.ID, failedAt))

	stored = fx.get(t, delivered.ID)
	assert.True(t, stored.IsProcessed)
	assert.False(t, stored.DeadLetter)
	assert.Empty(t, stored.Error)
}

func TestRepository_IntegrationBacklogAndKeyBackfill(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	legacy := fx.insert(t, "tenant-a", "")
	fx.insert(t, "tenant-a", "k-1")

	stats, err := fx.repo.Backlog(fx.ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	require.NotNil(t, stats.OldestCreatedAt)

	missing, err := fx.repo.ListMissingKey(fx.ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, legacy.ID, missing[0].ID)

	require.ErrorIs(t, fx.repo.AssignKey(fx.ctx, legacy.ID, "k-1"), outbox.ErrDuplicateKey)
	require.NoError(t, fx.repo.AssignKey(fx.ctx, legacy.ID, "fresh"))
	require.ErrorIs(t, fx.repo.AssignKey(fx.ctx, legacy.ID, "other"), outbox.ErrStateTransitionConflict)

	worker, err := outbox.NewBackfillWorker(fx.repo, outbox.DefaultBackfillConfig(), nil, nil)
	require.NoError(t, err)

	assigned, err := worker.RunAll(fx.ctx)
	require.NoError(t, err)
	assert.Zero(t, assigned)
}

func TestRepository_IntegrationQuery(t *testing.T) {
	fx := newIntegrationRepoFixture(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, eventType := range []string{outbox.EventTaskCreated, outbox.EventTaskAssigned, outbox.EventInstanceStarted} {
		msg, err := outbox.NewMessage("tenant-a", eventType, []byte(`{}`), eventType)
		require.NoError(t, err)

		msg.CreatedAt = base.Add(time.Duration(i) * time.Minute)

		_, err = fx.repo.Insert(fx.ctx, msg)
		require.NoError(t, err)
	}

	query, err := outbox.NewAdminQuery(fx.repo, nil)
	require.NoError(t, err)

	result, err := query.Query(fx.ctx, outbox.QueryFilter{EventType: "workflow.task"})
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, outbox.EventTaskAssigned, result.Items[0].EventType)
	assert.Equal(t, int64(2), result.TotalCount)

	result, err = query.Query(fx.ctx, outbox.QueryFilter{EventType: "workflow.*.started"})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	result, err = query.Query(fx.ctx, outbox.QueryFilter{PageSize: 1, Page: 3})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, outbox.EventTaskCreated, result.Items[0].EventType)
	assert.Equal(t, 3, result.TotalPages)

	result, err = query.Query(fx.ctx, outbox.QueryFilter{Status: outbox.StatusPending, StaleSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalCount)
}
