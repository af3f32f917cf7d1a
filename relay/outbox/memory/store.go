package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/workflow-relay/relay/outbox"
	"github.com/LerianStudio/workflow-relay/relay/pointers"
)

type tenantKey struct {
	tenantID string
	key      string
}

// Store keeps messages in memory. Returned messages are copies.
type Store struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*outbox.Message
	order []uuid.UUID
	keys  map[tenantKey]uuid.UUID
	now   func() time.Time
}

var _ outbox.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		rows: make(map[uuid.UUID]*outbox.Message),
		keys: make(map[tenantKey]uuid.UUID),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Insert stores a copy of msg.
func (store *Store) Insert(_ context.Context, msg *outbox.Message) (*outbox.Message, error) {
	if msg == nil {
		return nil, outbox.ErrMessageRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if msg.IdempotencyKey != "" {
		if _, exists := store.keys[tenantKey{msg.TenantID, msg.IdempotencyKey}]; exists {
			return nil, outbox.ErrDuplicateKey
		}
	}

	row := msg.Clone()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}

	if row.CreatedAt.IsZero() {
		row.CreatedAt = store.now()
	}

	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}

	store.rows[row.ID] = row
	store.order = append(store.order, row.ID)

	if row.IdempotencyKey != "" {
		store.keys[tenantKey{row.TenantID, row.IdempotencyKey}] = row.ID
	}

	return row.Clone(), nil
}

// GetByKey returns the tenant's message with key.
func (store *Store) GetByKey(_ context.Context, tenantID, key string) (*outbox.Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	id, ok := store.keys[tenantKey{strings.TrimSpace(tenantID), strings.TrimSpace(key)}]
	if !ok || key == "" {
		return nil, outbox.ErrMessageNotFound
	}

	return store.rows[id].Clone(), nil
}

// Get returns a message by ID.
func (store *Store) Get(_ context.Context, id uuid.UUID) (*outbox.Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	row, ok := store.rows[id]
	if !ok {
		return nil, outbox.ErrMessageNotFound
	}

	return row.Clone(), nil
}

// Update overwrites a stored message. Tests use it to force states such as a
// past NextRetryAt.
func (store *Store) Update(_ context.Context, msg *outbox.Message) error {
	if msg == nil {
		return outbox.ErrMessageRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.rows[msg.ID]; !ok {
		return outbox.ErrMessageNotFound
	}

	store.rows[msg.ID] = msg.Clone()

	return nil
}

// Len returns the number of stored messages.
func (store *Store) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return len(store.rows)
}

// ClaimEligible returns eligible messages in insertion order and leases them.
func (store *Store) ClaimEligible(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*outbox.Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	candidates := make([]*outbox.Message, 0)

	for _, id := range store.order {
		if row := store.rows[id]; row.IsEligible(now) {
			candidates = append(candidates, row)
		}
	}

	slices.SortStableFunc(candidates, func(a, b *outbox.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*outbox.Message, 0, len(candidates))

	for _, row := range candidates {
		out := row.Clone()

		if lease > 0 {
			leaseUntil := now.Add(lease)
			row.NextRetryAt = &leaseUntil
		}

		claimed = append(claimed, out)
	}

	return claimed, nil
}

// MarkDelivered marks a pending message processed.
func (store *Store) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	row, err := store.pendingRow(id)
	if err != nil {
		return err
	}

	processedAt := at
	row.IsProcessed = true
	row.ProcessedAt = &processedAt
	row.NextRetryAt = nil
	row.Error = ""
	row.UpdatedAt = at

	return nil
}

// MarkFailed applies failure when the message is pending with the expected
// retry count.
func (store *Store) MarkFailed(_ context.Context, id uuid.UUID, failure outbox.Failure) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	row, err := store.pendingRow(id)
	if err != nil {
		return err
	}

	if row.RetryCount != failure.PreviousRetryCount {
		return outbox.ErrStateTransitionConflict
	}

	row.RetryCount = failure.RetryCount
	row.Error = failure.Error
	row.UpdatedAt = failure.FailedAt

	if failure.Terminal {
		processedAt := failure.FailedAt
		row.IsProcessed = true
		row.ProcessedAt = &processedAt
		row.DeadLetter = failure.DeadLetter
		row.NextRetryAt = nil

		return nil
	}

	row.NextRetryAt = pointers.Clone(failure.NextRetryAt)

	return nil
}

func (store *Store) pendingRow(id uuid.UUID) (*outbox.Message, error) {
	row, ok := store.rows[id]
	if !ok {
		return nil, outbox.ErrMessageNotFound
	}

	if !row.IsPending() {
		return nil, outbox.ErrStateTransitionConflict
	}

	return row, nil
}

// Backlog counts pending messages and finds the oldest one.
func (store *Store) Backlog(_ context.Context, _ time.Time) (outbox.BacklogStats, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var stats outbox.BacklogStats

	for _, row := range store.rows {
		if !row.IsPending() {
			continue
		}

		stats.Pending++

		if stats.OldestCreatedAt == nil || row.CreatedAt.Before(*stats.OldestCreatedAt) {
			stats.OldestCreatedAt = pointers.Clone(&row.CreatedAt)
		}
	}

	return stats, nil
}

// ListMissingKey returns up to limit messages without a key, oldest first.
func (store *Store) ListMissingKey(_ context.Context, limit int) ([]*outbox.Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	out := make([]*outbox.Message, 0)

	for _, id := range store.order {
		if limit > 0 && len(out) >= limit {
			break
		}

		if row := store.rows[id]; row.IdempotencyKey == "" {
			out = append(out, row.Clone())
		}
	}

	return out, nil
}

// AssignKey sets key on a message that still has none.
func (store *Store) AssignKey(_ context.Context, id uuid.UUID, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return outbox.ErrInvalidQuery
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	row, ok := store.rows[id]
	if !ok {
		return outbox.ErrMessageNotFound
	}

	if row.IdempotencyKey != "" {
		return outbox.ErrStateTransitionConflict
	}

	index := tenantKey{row.TenantID, key}
	if _, exists := store.keys[index]; exists {
		return outbox.ErrDuplicateKey
	}

	row.IdempotencyKey = key
	row.UpdatedAt = store.now()
	store.keys[index] = id

	return nil
}

// Query filters, orders by CreatedAt descending then ID, and pages.
func (store *Store) Query(_ context.Context, filter outbox.QueryFilter) ([]*outbox.Message, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	matched := make([]*outbox.Message, 0)

	for _, row := range store.rows {
		if filter.Matches(row) {
			matched = append(matched, row)
		}
	}

	slices.SortFunc(matched, func(a, b *outbox.Message) int {
		if cmp := b.CreatedAt.Compare(a.CreatedAt); cmp != 0 {
			return cmp
		}

		return strings.Compare(a.ID.String(), b.ID.String())
	})

	total := int64(len(matched))
	start := max(0, min(filter.Offset(), len(matched)))
	end := len(matched)

	if filter.PageSize > 0 {
		end = min(start+filter.PageSize, len(matched))
	}

	page := make([]*outbox.Message, 0, end-start)
	for _, row := range matched[start:end] {
		page = append(page, row.Clone())
	}

	return page, total, nil
}
