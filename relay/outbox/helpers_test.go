//go:build unit

package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fakeStore struct {
	mu sync.Mutex

	claim            []*Message
	claimErr         error
	claimCalls       int
	claimLimit       int
	claimLease       time.Duration
	claimBlock       <-chan struct{}
	delivered        []uuid.UUID
	markDeliveredErr error
	failures         map[uuid.UUID]Failure
	markFailedErr    error
	writeCtxErr      []error
}

func newFakeStore(messages ...*Message) *fakeStore {
	return &fakeStore{claim: messages, failures: map[uuid.UUID]Failure{}}
}

func (store *fakeStore) ClaimEligible(ctx context.Context, _ time.Time, limit int, lease time.Duration) ([]*Message, error) {
	if store.claimBlock != nil {
		<-store.claimBlock
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.claimCalls++
	store.claimLimit = limit
	store.claimLease = lease

	if store.claimErr != nil {
		return nil, store.claimErr
	}

	out := store.claim
	store.claim = nil

	return out, nil
}

func (store *fakeStore) MarkDelivered(ctx context.Context, id uuid.UUID, _ time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.writeCtxErr = append(store.writeCtxErr, ctx.Err())

	if store.markDeliveredErr != nil {
		return store.markDeliveredErr
	}

	store.delivered = append(store.delivered, id)

	return nil
}

func (store *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, failure Failure) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.writeCtxErr = append(store.writeCtxErr, ctx.Err())

	if store.markFailedErr != nil {
		return store.markFailedErr
	}

	store.failures[id] = failure

	return nil
}

func (store *fakeStore) claimCallCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.claimCalls
}

type fakeBacklog struct {
	stats BacklogStats
	err   error
}

func (backlog fakeBacklog) Backlog(context.Context, time.Time) (BacklogStats, error) {
	return backlog.stats, backlog.err
}

func testMessage(retryCount int) *Message {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	return &Message{
		ID:             uuid.New(),
		TenantID:       "tenant-a",
		EventType:      EventInstanceStarted,
		EventData:      []byte(`{"id":"i-1"}`),
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
		RetryCount:     retryCount,
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
