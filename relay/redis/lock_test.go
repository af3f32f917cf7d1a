//go:build unit

package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(t *testing.T) *LockManager {
	t.Helper()

	client, _ := newTestClient(t)

	manager, err := NewLockManager(client, 5*time.Second)
	require.NoError(t, err)

	return manager
}

func TestNewLockManager_NilClient(t *testing.T) {
	t.Parallel()

	_, err := NewLockManager(nil, 0)
	require.ErrorIs(t, err, ErrNilClient)
}

func TestLockManager_WithLock(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)

	executed := false

	err := manager.WithLock(context.Background(), "relay:test", DefaultLockOptions(), func(context.Context) error {
		executed = true

		return nil
	})
	require.NoError(t, err)
	assert.True(t, executed)

	boom := errors.New("boom")

	err = manager.WithLock(context.Background(), "relay:test", DefaultLockOptions(), func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestLockManager_WithLockSerializes(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)

	opts := DefaultLockOptions()
	opts.Tries = 200
	opts.RetryDelay = 5 * time.Millisecond

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = manager.WithLock(context.Background(), "relay:serial", opts, func(context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}

				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)

				return nil
			})
		}()
	}

	wg.Wait()
	assert.False(t, overlap.Load())
}

func TestLockManager_TryLock(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)
	ctx := context.Background()

	handle, acquired, err := manager.TryLock(ctx, "relay:backfill")
	require.NoError(t, err)
	require.True(t, acquired)

	second, acquired, err := manager.TryLock(ctx, "relay:backfill")
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Nil(t, second)

	require.NoError(t, handle.Unlock(ctx))

	third, acquired, err := manager.TryLock(ctx, "relay:backfill")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, third.Unlock(ctx))
}

func TestLockManager_Validation(t *testing.T) {
	t.Parallel()

	manager := newTestLockManager(t)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	require.ErrorIs(t, manager.WithLock(ctx, " ", DefaultLockOptions(), noop), ErrEmptyLockKey)
	require.ErrorIs(t, manager.WithLock(ctx, "k", DefaultLockOptions(), nil), ErrNilLockFn)
	require.ErrorIs(t, manager.WithLock(ctx, "k", LockOptions{Tries: 1}, noop), ErrLockExpiryInvalid)
	require.ErrorIs(t, manager.WithLock(ctx, "k", LockOptions{Expiry: time.Second}, noop), ErrLockTriesInvalid)
	require.ErrorIs(t, manager.WithLock(ctx, "k", LockOptions{Expiry: time.Second, Tries: 1, RetryDelay: -1}, noop), ErrLockRetryDelayNegative)
	require.ErrorIs(t, manager.WithLock(ctx, "k", LockOptions{Expiry: time.Second, Tries: 1, DriftFactor: 1}, noop), ErrLockDriftFactorInvalid)

	_, _, err := manager.TryLock(ctx, "")
	require.ErrorIs(t, err, ErrEmptyLockKey)

	var nilManager *LockManager

	_, _, err = nilManager.TryLock(ctx, "k")
	require.ErrorIs(t, err, ErrNilLockManager)
	require.ErrorIs(t, nilManager.WithLock(ctx, "k", DefaultLockOptions(), noop), ErrNilLockManager)

	var nilHandle *lockHandle
	require.ErrorIs(t, nilHandle.Unlock(ctx), ErrNilLockHandle)
}

func TestSafeLockKeyForLogs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"relay:backfill"`, safeLockKeyForLogs("relay:backfill"))

	long := safeLockKeyForLogs(string(make([]byte, 300)))
	assert.True(t, len(long) <= 128+len("...(truncated)"))
	assert.Contains(t, long, "...(truncated)")
}
