//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/workflow-relay/relay/outbox"
	libPostgres "github.com/LerianStudio/workflow-relay/relay/postgres"
)

func newTestClient(t *testing.T) *libPostgres.Client {
	t.Helper()

	client, err := libPostgres.New(libPostgres.Config{PrimaryDSN: "postgres://localhost:5432/relay"})
	require.NoError(t, err)

	return client
}

func TestNewRepository_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewRepository(newTestClient(t), WithTableName(`outbox"; DROP TABLE users; --`))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	repo, err := NewRepository(newTestClient(t), WithTableName(" "), WithTransactionTimeout(-time.Second), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultTableName, repo.tableName)
	assert.Equal(t, defaultTransactionTimeout, repo.transactionTimeout)

	repo, err = NewRepository(newTestClient(t), WithTableName("relay.outbox_messages"), WithTransactionTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"relay"."outbox_messages"`, repo.table())
	assert.Equal(t, time.Second, repo.transactionTimeout)
}

func TestRepository_UninitializedAndArgumentErrors(t *testing.T) {
	t.Parallel()

	var nilRepo *Repository

	ctx := context.Background()

	_, err := nilRepo.Insert(ctx, &outbox.Message{})
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	_, err = nilRepo.GetByKey(ctx, "t", "k")
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	_, err = nilRepo.ClaimEligible(ctx, time.Now(), 10, time.Minute)
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	require.ErrorIs(t, nilRepo.MarkDelivered(ctx, uuid.New(), time.Now()), ErrRepositoryNotInitialized)
	require.ErrorIs(t, nilRepo.MarkFailed(ctx, uuid.New(), outbox.Failure{}), ErrRepositoryNotInitialized)
	require.ErrorIs(t, nilRepo.AssignKey(ctx, uuid.New(), "k"), ErrRepositoryNotInitialized)

	_, err = nilRepo.Backlog(ctx, time.Now())
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	_, err = nilRepo.ListMissingKey(ctx, 10)
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	_, _, err = nilRepo.Query(ctx, outbox.QueryFilter{})
	require.ErrorIs(t, err, ErrRepositoryNotInitialized)

	repo, err := NewRepository(newTestClient(t))
	require.NoError(t, err)

	_, err = repo.Insert(ctx, nil)
	require.ErrorIs(t, err, outbox.ErrMessageRequired)

	_, err = repo.GetByKey(ctx, "tenant-a", " ")
	require.ErrorIs(t, err, outbox.ErrMessageNotFound)

	_, err = repo.ClaimEligible(ctx, time.Now(), 0, time.Minute)
	require.ErrorIs(t, err, ErrLimitMustBePositive)

	_, err = repo.ListMissingKey(ctx, 0)
	require.ErrorIs(t, err, ErrLimitMustBePositive)

	require.ErrorIs(t, repo.MarkDelivered(ctx, uuid.Nil, time.Now()), ErrIDRequired)
	require.ErrorIs(t, repo.MarkFailed(ctx, uuid.Nil, outbox.Failure{}), ErrIDRequired)
	require.ErrorIs(t, repo.AssignKey(ctx, uuid.Nil, "k"), ErrIDRequired)
	require.ErrorIs(t, repo.AssignKey(ctx, uuid.New(), " "), outbox.ErrInvalidQuery)
}

func TestRepository_NotConnectedSurfacesError(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository(newTestClient(t))
	require.NoError(t, err)

	_, err = repo.Insert(context.Background(), &outbox.Message{TenantID: "t", EventType: "e", EventData: []byte(`{}`)})
	require.ErrorIs(t, err, libPostgres.ErrNotConnected)

	_, err = repo.Backlog(context.Background(), time.Now())
	require.ErrorIs(t, err, libPostgres.ErrNotConnected)

	lookupErr := errors.New("primary down")
	repo.primaryDBLookup = func(context.Context) (*sql.DB, error) { return nil, lookupErr }

	require.ErrorIs(t, repo.MarkDelivered(context.Background(), uuid.New(), time.Now()), lookupErr)
}

func TestValidateIdentifier(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateIdentifier("outbox_messages"))
	require.NoError(t, validateIdentifier("tenant_01"))

	invalid := []string{
		"",
		"123table",
		"outbox-messages",
		"public.outbox",
		`outbox"; DROP TABLE users; --`,
		"outbox messages",
		strings.Repeat("a", 64),
	}

	for _, candidate := range invalid {
		require.ErrorIs(t, validateIdentifier(candidate), ErrInvalidIdentifier, candidate)
	}

	require.NoError(t, validateIdentifierPath("public.outbox_messages"))
	require.Error(t, validateIdentifierPath("public."))
	require.Error(t, validateIdentifierPath(`public."outbox"`))
}

func TestQuoteIdentifier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"outbox_messages"`, quoteIdentifier("outbox_messages"))
	assert.Equal(t, `"a""b"`, quoteIdentifier(`a"b`))
	assert.Equal(t, `"ab"`, quoteIdentifier("a\x00b"))
	assert.Equal(t, `"public"."out""box"`, quoteIdentifierPath(`public.out"box`))
}

func TestMarkFailedStatement(t *testing.T) {
	t.Parallel()

	repo := &Repository{tableName: defaultTableName}
	id := uuid.New()
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := failedAt.Add(time.Minute)

	query, args := repo.markFailedStatement(id, outbox.Failure{
		PreviousRetryCount: 2, RetryCount: 3, Error: "boom", FailedAt: failedAt, NextRetryAt: &next,
	})
	assert.Contains(t, query, "next_retry_at = $6")
	assert.NotContains(t, query, "is_processed = TRUE")
	assert.Contains(t, query, "retry_count = $5")
	assert.Equal(t, []any{3, sql.NullString{String: "boom", Valid: true}, failedAt, id, 2, &next}, args)

	query, args = repo.markFailedStatement(id, outbox.Failure{
		PreviousRetryCount: 0, RetryCount: 1, FailedAt: failedAt, Terminal: true, DeadLetter: true,
	})
	assert.Contains(t, query, "is_processed = TRUE")
	assert.Contains(t, query, "dead_letter = $6")
	assert.Equal(t, sql.NullString{}, args[1])
	assert.Equal(t, true, args[5])
}

func TestBuildQueryWhere(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	minRetry, hasError := 1, true

	where, args, err := buildQueryWhere(outbox.QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, where)
	assert.Empty(t, args)

	filter := outbox.QueryFilter{
		TenantID:     "tenant-a",
		Status:       outbox.StatusFailed,
		EventType:    "workflow.task_x",
		MinCreatedAt: &created,
		MinRetry:     &minRetry,
		HasError:     &hasError,
		StaleSeconds: 60,
		Now:          created.Add(time.Hour),
	}.Normalize()

	where, args, err = buildQueryWhere(filter)
	require.NoError(t, err)

	assert.Equal(t, " WHERE "+pendingCondition+" AND retry_count > 0"+
		" AND tenant_id = $1"+
		" AND (event_type = $2 OR event_type LIKE $3)"+
		" AND (error IS NOT NULL AND error <> '')"+
		" AND created_at >= $4"+
		" AND retry_count >= $5"+
		" AND "+pendingCondition+" AND created_at < $6", where)
	assert.Equal(t, []any{"tenant-a", "workflow.task_x", `workflow.task\_x.%`, created, 1, created.Add(59 * time.Minute)}, args)

	where, args, err = buildQueryWhere(outbox.QueryFilter{EventType: "workflow.*.created", Status: outbox.StatusDeadLetter})
	require.NoError(t, err)
	assert.Equal(t, " WHERE dead_letter = TRUE AND event_type ~ $1", where)
	assert.Equal(t, []any{`^workflow\.[^/]*\.created$`}, args)

	_, _, err = buildQueryWhere(outbox.QueryFilter{EventType: "workflow.[*"})
	require.ErrorIs(t, err, outbox.ErrInvalidQuery)
}

func TestGlobToRegexAgreesWithPathMatch(t *testing.T) {
	t.Parallel()

	patterns := []string{
		"workflow.*",
		"workflow.task.?reated",
		"workflow.[it]*.created",
		"workflow.[^i]*",
		"workflow.[a-m]ask.*",
		`workflow.\*`,
		"*.completed",
		"a+b(c)|d",
	}

	inputs := []string{
		"workflow.task.created",
		"workflow.instance.completed",
		"workflow.definition.published",
		"workflow.*",
		"a+b(c)|d",
		"workflow/task",
	}

	for _, pattern := range patterns {
		expr, err := globToRegex(pattern)
		require.NoError(t, err, pattern)

		compiled := regexp.MustCompile(expr)

		for _, input := range inputs {
			want, err := path.Match(pattern, input)
			require.NoError(t, err)

			assert.Equal(t, want, compiled.MatchString(input), fmt.Sprintf("pattern %q input %q", pattern, input))
		}
	}

	for _, bad := range []string{"[", "[]", "a[b", `a\`, "[a-]"} {
		_, err := globToRegex(bad)
		require.ErrorIs(t, err, path.ErrBadPattern, bad)
	}
}

func TestEscapeLike(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `100\%\_done\\`, escapeLike(`100%_done\`))
	assert.Equal(t, "workflow.task", escapeLike("workflow.task"))
}

type fakeRow struct {
	values []any
	err    error
}

func (row fakeRow) Scan(dest ...any) error {
	if row.err != nil {
		return row.err
	}

	for i, value := range row.values {
		switch target := dest[i].(type) {
		case *uuid.UUID:
			*target = value.(uuid.UUID)
		case *string:
			*target = value.(string)
		case *[]byte:
			*target = value.([]byte)
		case *time.Time:
			*target = value.(time.Time)
		case *int:
			*target = value.(int)
		case *bool:
			*target = value.(bool)
		case *sql.NullTime:
			*target = value.(sql.NullTime)
		case *sql.NullString:
			*target = value.(sql.NullString)
		default:
			return fmt.Errorf("unexpected scan target %T", target)
		}
	}

	return nil
}

func TestScanMessage(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	sp := time.FixedZone("BRT", -3*60*60)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, sp)

	msg, err := scanMessage(fakeRow{values: []any{
		id, "tenant-a", outbox.EventTaskCreated, []byte(`{}`), "k-1", created, created, 2,
		sql.NullTime{Time: created.Add(time.Minute), Valid: true},
		sql.NullString{String: "boom", Valid: true},
		sql.NullTime{},
		false, false,
	}})
	require.NoError(t, err)

	assert.Equal(t, id, msg.ID)
	assert.Equal(t, time.UTC, msg.CreatedAt.Location())
	assert.True(t, created.Equal(msg.CreatedAt))
	require.NotNil(t, msg.NextRetryAt)
	assert.True(t, created.Add(time.Minute).Equal(*msg.NextRetryAt))
	assert.Equal(t, "boom", msg.Error)
	assert.Nil(t, msg.ProcessedAt)

	_, err = scanMessage(fakeRow{err: sql.ErrNoRows})
	require.ErrorIs(t, err, sql.ErrNoRows)

	_, err = scanMessage(fakeRow{err: errors.New("bad column")})
	require.ErrorContains(t, err, "scanning outbox message: bad column")
}

func TestMapUniqueViolation(t *testing.T) {
	t.Parallel()

	err := mapUniqueViolation(fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: "outbox_messages_tenant_key_uidx"}))
	require.ErrorIs(t, err, outbox.ErrDuplicateKey)
	require.ErrorContains(t, err, "outbox_messages_tenant_key_uidx")

	other := &pgconn.PgError{Code: "40001"}
	require.Equal(t, error(other), mapUniqueViolation(other))
}

type fakeResult struct {
	rows int64
	err  error
}

func (result fakeResult) LastInsertId() (int64, error) { return 0, nil }

func (result fakeResult) RowsAffected() (int64, error) { return result.rows, result.err }

func TestRowsAffected(t *testing.T) {
	t.Parallel()

	_, err := rowsAffected(nil)
	require.ErrorIs(t, err, outbox.ErrStateTransitionConflict)

	rows, err := rowsAffected(fakeResult{rows: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)

	_, err = rowsAffected(fakeResult{err: errors.New("driver")})
	require.ErrorContains(t, err, "rows affected: driver")
}

func TestNormalizedInsertValues(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &outbox.Message{TenantID: " tenant-a ", EventType: " e ", IdempotencyKey: " k ", UpdatedAt: now.Add(-time.Hour)}

	values := normalizedInsertValues(msg, now)
	assert.NotEqual(t, uuid.Nil, values.ID)
	assert.Equal(t, "tenant-a", values.TenantID)
	assert.Equal(t, "e", values.EventType)
	assert.Equal(t, "k", values.IdempotencyKey)
	assert.Equal(t, now, values.CreatedAt)
	assert.Equal(t, now, values.UpdatedAt)
	assert.Equal(t, uuid.Nil, msg.ID, "input is not modified")
}

func TestUUIDArrayAndNullString(t *testing.T) {
	t.Parallel()

	a, b := uuid.New(), uuid.New()
	assert.Equal(t, "{"+a.String()+","+b.String()+"}", uuidArray([]uuid.UUID{a, b}))
	assert.Equal(t, "{}", uuidArray(nil))

	assert.Equal(t, sql.NullString{}, nullString(""))
	assert.Equal(t, sql.NullString{String: "x", Valid: true}, nullString("x"))
}
