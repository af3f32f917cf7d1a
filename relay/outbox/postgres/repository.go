package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/LerianStudio/workflow-relay/relay/outbox"
	libPostgres "github.com/LerianStudio/workflow-relay/relay/postgres"
)

const (
	maxSQLIdentifierLength = 63
	uniqueViolationCode    = "23505"
	defaultTableName       = "outbox_messages"
	pendingCondition       = "is_processed = FALSE AND dead_letter = FALSE"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrNoPrimaryDB              = errors.New("no primary database configured")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")
	identifierPattern           = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout   = 30 * time.Second
	messageColumns              = "id, tenant_id, event_type, event_data, idempotency_key, created_at, updated_at, " +
		"retry_count, next_retry_at, error, processed_at, is_processed, dead_letter"
)

type Option func(*Repository)

func WithLogger(logger libLog.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

// WithTableName overrides the table. Schema-qualified names are accepted.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox messages in PostgreSQL.
type Repository struct {
	client             *libPostgres.Client
	primaryDBLookup    func(context.Context) (*sql.DB, error)
	logger             libLog.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(client *libPostgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client:             client,
		logger:             libLog.NewNop(),
		tableName:          defaultTableName,
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Insert stores msg. A tenant key collision returns outbox.ErrDuplicateKey.
func (repo *Repository) Insert(ctx context.Context, msg *outbox.Message) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if msg == nil {
		return nil, outbox.ErrMessageRequired
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.insert_outbox_message")
	defer span.End()

	values := normalizedInsertValues(msg, time.Now().UTC())

	result, err := withTxOrExisting(repo, ctx, func(tx *sql.Tx) (*outbox.Message, error) {
		query := "INSERT INTO " + repo.table() + " (" + messageColumns + ") " +
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) " +
			"ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING " +
			"RETURNING " + messageColumns

		row := tx.QueryRowContext(ctx, query,
			values.ID,
			values.TenantID,
			values.EventType,
			values.EventData,
			values.IdempotencyKey,
			values.CreatedAt,
			values.UpdatedAt,
			values.RetryCount,
			values.NextRetryAt,
			nullString(values.Error),
			values.ProcessedAt,
			values.IsProcessed,
			values.DeadLetter,
		)

		inserted, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrDuplicateKey
		}

		return inserted, err
	})
	if err != nil {
		err = mapUniqueViolation(err)
		if errors.Is(err, outbox.ErrDuplicateKey) {
			return nil, err
		}

		libOpentelemetry.HandleSpanError(span, "failed to insert outbox message", err)
		logSanitizedError(repo.logger, ctx, "failed to insert outbox message", err)

		return nil, fmt.Errorf("inserting outbox message: %w", err)
	}

	return result, nil
}

// GetByKey reads from the primary so a message inserted concurrently by a
// racing writer is visible. Inside a caller transaction a miss is re-read
// outside it, since a REPEATABLE READ snapshot hides rows committed after it
// was taken.
func (repo *Repository) GetByKey(ctx context.Context, tenantID, key string) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimSpace(key)

	if key == "" {
		return nil, outbox.ErrMessageNotFound
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_outbox_message_by_key")
	defer span.End()

	reader, err := repo.primaryReader(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return nil, err
	}

	query := "SELECT " + messageColumns + " FROM " + repo.table() + " WHERE tenant_id = $1 AND idempotency_key = $2"

	msg, err := scanMessage(reader.QueryRowContext(ctx, query, tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		if _, inTx := outbox.TxFromContext(ctx); inTx {
			msg, err = repo.getByKeyOutsideTx(ctx, query, tenantID, key)
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbox.ErrMessageNotFound
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to get outbox message", err)
		logSanitizedError(repo.logger, ctx, "failed to get outbox message", err)

		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return msg, nil
}

// ClaimEligible locks up to limit eligible rows, skipping rows other
// dispatchers hold, and leases them by pushing next_retry_at forward.
// Returned messages carry the pre-lease NextRetryAt.
func (repo *Repository) ClaimEligible(
	ctx context.Context,
	now time.Time,
	limit int,
	lease time.Duration,
) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_outbox_messages")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, func(tx *sql.Tx) ([]*outbox.Message, error) {
		table := repo.table()
		selectEligible := "SELECT " + messageColumns + " FROM " + table +
			" WHERE " + pendingCondition + " AND (next_retry_at IS NULL OR next_retry_at <= $1)" +
			" ORDER BY created_at, id LIMIT $2 FOR UPDATE SKIP LOCKED"

		messages, err := queryMessages(ctx, tx, selectEligible, []any{now, limit}, limit, "claiming eligible messages")
		if err != nil || len(messages) == 0 || lease <= 0 {
			return messages, err
		}

		ids := make([]uuid.UUID, 0, len(messages))
		for _, msg := range messages {
			ids = append(ids, msg.ID)
		}

		leaseQuery := "UPDATE " + table + " SET next_retry_at = $1 WHERE id = ANY($2::uuid[])"

		if _, err := tx.ExecContext(ctx, leaseQuery, now.Add(lease), uuidArray(ids)); err != nil {
			return nil, fmt.Errorf("leasing claimed messages: %w", err)
		}

		return messages, nil
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to claim outbox messages", err)
		logSanitizedError(repo.logger, ctx, "failed to claim outbox messages", err)

		return nil, fmt.Errorf("claiming outbox messages: %w", err)
	}

	slices.SortStableFunc(result, func(a, b *outbox.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return result, nil
}

// MarkDelivered marks a pending message processed.
func (repo *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_delivered")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, func(tx *sql.Tx) (struct{}, error) {
		query := "UPDATE " + repo.table() +
			" SET is_processed = TRUE, processed_at = $1, next_retry_at = NULL, error = NULL, updated_at = $1" +
			" WHERE id = $2 AND " + pendingCondition

		result, err := tx.ExecContext(ctx, query, at, id)
		if err != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", err)
		}

		return struct{}{}, repo.ensureTransition(ctx, tx, result, id)
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to mark outbox message delivered", err)
		logSanitizedError(repo.logger, ctx, "failed to mark outbox message delivered", err)

		return fmt.Errorf("marking outbox message delivered: %w", err)
	}

	return nil
}

// MarkFailed applies failure when the row is still pending with
// failure.PreviousRetryCount.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, failure outbox.Failure) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, func(tx *sql.Tx) (struct{}, error) {
		query, args := repo.markFailedStatement(id, failure)

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", err)
		}

		return struct{}{}, repo.ensureTransition(ctx, tx, result, id)
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to mark outbox message failed", err)
		logSanitizedError(repo.logger, ctx, "failed to mark outbox message failed", err)

		return fmt.Errorf("marking outbox message failed: %w", err)
	}

	return nil
}

func (repo *Repository) markFailedStatement(id uuid.UUID, failure outbox.Failure) (string, []any) {
	guard := " WHERE id = $4 AND retry_count = $5 AND " + pendingCondition

	if failure.Terminal {
		query := "UPDATE " + repo.table() +
			" SET retry_count = $1, error = $2, updated_at = $3, is_processed = TRUE, processed_at = $3," +
			" next_retry_at = NULL, dead_letter = $6" + guard

		return query, []any{
			failure.RetryCount, nullString(failure.Error), failure.FailedAt, id, failure.PreviousRetryCount, failure.DeadLetter,
		}
	}

	query := "UPDATE " + repo.table() +
		" SET retry_count = $1, error = $2, updated_at = $3, next_retry_at = $6" + guard

	return query, []any{
		failure.RetryCount, nullString(failure.Error), failure.FailedAt, id, failure.PreviousRetryCount, failure.NextRetryAt,
	}
}

// Backlog counts pending messages and finds the oldest one.
func (repo *Repository) Backlog(ctx context.Context, _ time.Time) (outbox.BacklogStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return outbox.BacklogStats{}, ErrRepositoryNotInitialized
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_backlog")
	defer span.End()

	reader, err := repo.reader(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve database", err)

		return outbox.BacklogStats{}, err
	}

	var (
		stats  outbox.BacklogStats
		oldest sql.NullTime
	)

	query := "SELECT COUNT(*), MIN(created_at) FROM " + repo.table() + " WHERE " + pendingCondition
	if err := reader.QueryRowContext(ctx, query).Scan(&stats.Pending, &oldest); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to read outbox backlog", err)
		logSanitizedError(repo.logger, ctx, "failed to read outbox backlog", err)

		return outbox.BacklogStats{}, fmt.Errorf("reading outbox backlog: %w", err)
	}

	if oldest.Valid {
		createdAt := oldest.Time.UTC()
		stats.OldestCreatedAt = &createdAt
	}

	return stats, nil
}

// ListMissingKey returns up to limit messages without a key, oldest first.
func (repo *Repository) ListMissingKey(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_missing_key")
	defer span.End()

	reader, err := repo.primaryReader(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve primary database", err)

		return nil, err
	}

	query := "SELECT " + messageColumns + " FROM " + repo.table() +
		" WHERE idempotency_key = '' ORDER BY created_at, id LIMIT $1"

	messages, err := queryMessages(ctx, reader, query, []any{limit}, limit, "listing messages without key")
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list outbox messages without key", err)
		logSanitizedError(repo.logger, ctx, "failed to list outbox messages without key", err)

		return nil, err
	}

	return messages, nil
}

// AssignKey sets key only while the row's key is still empty.
func (repo *Repository) AssignKey(ctx context.Context, id uuid.UUID, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return outbox.ErrInvalidQuery
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.assign_outbox_key")
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, func(tx *sql.Tx) (struct{}, error) {
		query := "UPDATE " + repo.table() + " SET idempotency_key = $1, updated_at = $2 WHERE id = $3 AND idempotency_key = ''"

		result, err := tx.ExecContext(ctx, query, key, time.Now().UTC(), id)
		if err != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", mapUniqueViolation(err))
		}

		return struct{}{}, repo.ensureTransition(ctx, tx, result, id)
	})
	if err != nil {
		if errors.Is(err, outbox.ErrStateTransitionConflict) || errors.Is(err, outbox.ErrDuplicateKey) {
			return err
		}

		libOpentelemetry.HandleSpanError(span, "failed to assign outbox key", err)
		logSanitizedError(repo.logger, ctx, "failed to assign outbox key", err)

		return fmt.Errorf("assigning outbox key: %w", err)
	}

	return nil
}

// Query serves the admin listing. filter must already be normalized.
func (repo *Repository) Query(ctx context.Context, filter outbox.QueryFilter) ([]*outbox.Message, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, 0, ErrRepositoryNotInitialized
	}

	_, tracer, _ := libCommons.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.query_outbox_messages")
	defer span.End()

	where, args, err := buildQueryWhere(filter)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "invalid outbox query", err)

		return nil, 0, err
	}

	reader, err := repo.reader(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to resolve database", err)

		return nil, 0, err
	}

	var total int64

	countQuery := "SELECT COUNT(*) FROM " + repo.table() + where
	if err := reader.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to count outbox messages", err)
		logSanitizedError(repo.logger, ctx, "failed to count outbox messages", err)

		return nil, 0, fmt.Errorf("counting outbox messages: %w", err)
	}

	pageArgs := append(slices.Clone(args), filter.PageSize, filter.Offset())
	pageQuery := "SELECT " + messageColumns + " FROM " + repo.table() + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	messages, err := queryMessages(ctx, reader, pageQuery, pageArgs, filter.PageSize, "querying outbox messages")
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to query outbox messages", err)
		logSanitizedError(repo.logger, ctx, "failed to query outbox messages", err)

		return nil, 0, err
	}

	return messages, total, nil
}

// ensureTransition turns a zero-row update into ErrMessageNotFound or
// ErrStateTransitionConflict.
func (repo *Repository) ensureTransition(ctx context.Context, tx *sql.Tx, result sql.Result, id uuid.UUID) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows > 0 {
		return nil
	}

	var exists bool

	query := "SELECT EXISTS (SELECT 1 FROM " + repo.table() + " WHERE id = $1)"
	if err := tx.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking outbox message: %w", err)
	}

	if !exists {
		return outbox.ErrMessageNotFound
	}

	return outbox.ErrStateTransitionConflict
}

func (repo *Repository) getByKeyOutsideTx(ctx context.Context, query, tenantID, key string) (*outbox.Message, error) {
	primaryDB, err := repo.primaryDB(ctx)
	if err != nil {
		return nil, err
	}

	return scanMessage(primaryDB.QueryRowContext(ctx, query, tenantID, key))
}

func withTxOrExisting[T any](
	repo *Repository,
	ctx context.Context,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx, ok := outbox.TxFromContext(ctx); ok {
		return fn(tx)
	}

	primaryDB, err := repo.primaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

func (repo *Repository) table() string {
	return quoteIdentifierPath(repo.tableName)
}

func (repo *Repository) primaryDB(ctx context.Context) (*sql.DB, error) {
	if repo == nil {
		return nil, ErrConnectionRequired
	}

	if repo.primaryDBLookup != nil {
		return repo.primaryDBLookup(ctx)
	}

	return resolvePrimaryDB(ctx, repo.client)
}

func (repo *Repository) primaryReader(ctx context.Context) (queryer, error) {
	if tx, ok := outbox.TxFromContext(ctx); ok {
		return tx, nil
	}

	return repo.primaryDB(ctx)
}

func (repo *Repository) reader(ctx context.Context) (queryer, error) {
	if repo.primaryDBLookup != nil {
		return repo.primaryReader(ctx)
	}

	return resolveReader(ctx, repo.client)
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if err := validateIdentifier(trimmed); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func logSanitizedError(logger libLog.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, libLog.LevelError, message, libLog.String("error", outbox.SanitizeErrorText(err.Error(), 0)))
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %s", outbox.ErrDuplicateKey, pgErr.ConstraintName)
	}

	return err
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, outbox.ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

func normalizedInsertValues(msg *outbox.Message, now time.Time) *outbox.Message {
	values := msg.Clone()

	if values.ID == uuid.Nil {
		values.ID = uuid.New()
	}

	values.TenantID = strings.TrimSpace(values.TenantID)
	values.EventType = strings.TrimSpace(values.EventType)
	values.IdempotencyKey = strings.TrimSpace(values.IdempotencyKey)

	if values.CreatedAt.IsZero() {
		values.CreatedAt = now
	}

	if values.UpdatedAt.IsZero() || values.UpdatedAt.Before(values.CreatedAt) {
		values.UpdatedAt = values.CreatedAt
	}

	return values
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

// uuidArray renders ids as a postgres array literal for a uuid[] parameter.
func uuidArray(ids []uuid.UUID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}

	return "{" + strings.Join(parts, ",") + "}"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (*outbox.Message, error) {
	var (
		msg         outbox.Message
		nextRetryAt sql.NullTime
		errorText   sql.NullString
		processedAt sql.NullTime
	)

	if err := scanner.Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.EventType,
		&msg.EventData,
		&msg.IdempotencyKey,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.RetryCount,
		&nextRetryAt,
		&errorText,
		&processedAt,
		&msg.IsProcessed,
		&msg.DeadLetter,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()

	if nextRetryAt.Valid {
		next := nextRetryAt.Time.UTC()
		msg.NextRetryAt = &next
	}

	if errorText.Valid {
		msg.Error = errorText.String
	}

	if processedAt.Valid {
		processed := processedAt.Time.UTC()
		msg.ProcessedAt = &processed
	}

	return &msg, nil
}

func queryMessages(
	ctx context.Context,
	reader queryer,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.Message, error) {
	rows, err := reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	messages := make([]*outbox.Message, 0, limit)

	for rows.Next() {
		msg, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return messages, nil
}
