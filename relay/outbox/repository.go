package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Failure describes the outcome of one failed delivery attempt.
//
// PreviousRetryCount guards the write: a store applies the failure only if
// the row still has that retry count and is not terminal, so each attempt
// increments RetryCount exactly once.
type Failure struct {
	PreviousRetryCount int
	RetryCount         int
	Error              string
	FailedAt           time.Time
	NextRetryAt        *time.Time
	Terminal           bool
	DeadLetter         bool
}

// BacklogStats summarizes pending messages.
type BacklogStats struct {
	Pending         int64
	OldestCreatedAt *time.Time
}

// MessageWriter persists new messages.
type MessageWriter interface {
	// Insert stores msg. It returns ErrDuplicateKey when (TenantID,
	// IdempotencyKey) already exists with a non-empty key.
	Insert(ctx context.Context, msg *Message) (*Message, error)
	// GetByKey returns ErrMessageNotFound when no row matches.
	GetByKey(ctx context.Context, tenantID, key string) (*Message, error)
}

// DispatchStore is what the dispatcher needs from storage.
type DispatchStore interface {
	// ClaimEligible returns up to limit eligible messages, oldest first, and
	// pushes their NextRetryAt to now+lease so no other dispatcher selects
	// them until the lease expires.
	ClaimEligible(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Message, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, failure Failure) error
}

// BacklogReader reports pending message statistics.
type BacklogReader interface {
	Backlog(ctx context.Context, now time.Time) (BacklogStats, error)
}

// KeyBackfiller repairs rows stored without an idempotency key.
type KeyBackfiller interface {
	ListMissingKey(ctx context.Context, limit int) ([]*Message, error)
	// AssignKey sets key only while the row's key is still empty. It returns
	// ErrStateTransitionConflict otherwise.
	AssignKey(ctx context.Context, id uuid.UUID, key string) error
}

// MessageQuerier serves read-only admin listings. Filters arrive normalized.
type MessageQuerier interface {
	Query(ctx context.Context, filter QueryFilter) ([]*Message, int64, error)
}

// Repository is the full storage contract implemented by the memory and
// postgres stores.
type Repository interface {
	MessageWriter
	DispatchStore
	BacklogReader
	KeyBackfiller
	MessageQuerier
}

type txContextKey struct{}

// ContextWithTx returns a context carrying the caller's transaction. SQL
// stores write through it so the message commits or rolls back together with
// the business change.
//
// The transaction is expected to run at READ COMMITTED. Under REPEATABLE READ
// or SERIALIZABLE, a duplicate key committed by another writer after the
// snapshot was taken makes PostgreSQL reject the insert with a serialization
// failure (SQLSTATE 40001), and the caller must retry the whole transaction.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction set by ContextWithTx.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	if ctx == nil {
		return nil, false
	}

	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)

	return tx, ok && tx != nil
}
