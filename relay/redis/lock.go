package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

const maxLockTries = 1000

var (
	// ErrNilLockHandle is returned when a nil or uninitialized lock handle is used.
	ErrNilLockHandle = errors.New("lock handle is nil or not initialized")
	// ErrLockNotHeld is returned when unlock is called on a lock that expired or was never held.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrNilLockManager is returned when a method is called on a nil LockManager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockExpiryInvalid is returned when lock expiry is not positive.
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
	// ErrLockTriesInvalid is returned when tries is outside [1, 1000].
	ErrLockTriesInvalid = errors.New("lock tries must be between 1 and 1000")
	// ErrLockRetryDelayNegative is returned when retry delay is negative.
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
	// ErrLockDriftFactorInvalid is returned when drift factor is outside [0, 1).
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
)

// LockHandle is an acquired distributed lock.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LockOptions configures lock acquisition.
type LockOptions struct {
	// Expiry bounds how long a crashed holder can keep the lock.
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultLockOptions returns defaults for operations that finish within seconds.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

func (opts LockOptions) validate() error {
	switch {
	case opts.Expiry <= 0:
		return ErrLockExpiryInvalid
	case opts.Tries < 1 || opts.Tries > maxLockTries:
		return ErrLockTriesInvalid
	case opts.RetryDelay < 0:
		return ErrLockRetryDelayNegative
	case opts.DriftFactor < 0 || opts.DriftFactor >= 1:
		return ErrLockDriftFactorInvalid
	}

	return nil
}

// LockManager provides RedLock-based mutual exclusion across relay instances.
type LockManager struct {
	redsync *redsync.Redsync
	expiry  time.Duration
}

// clientPool resolves the current client per Get, so the pool survives
// reconnects of the wrapper.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// NewLockManager returns a lock manager over conn. expiry sets how long a
// TryLock holder keeps the lock; zero selects the default.
func NewLockManager(conn *Client, expiry time.Duration) (*LockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if _, err := conn.GetClient(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	}

	if expiry <= 0 {
		expiry = DefaultLockOptions().Expiry
	}

	return &LockManager{
		redsync: redsync.New(&clientPool{conn: conn}),
		expiry:  expiry,
	}, nil
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger libLog.Logger
}

// Unlock releases the distributed lock.
func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Log(ctx, libLog.LevelError, "failed to release lock", libLog.Err(err))

		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, libLog.LevelWarn, "lock was not held or already expired")

		return ErrLockNotHeld
	}

	return nil
}

// WithLock runs fn while holding lockKey, retrying acquisition per opts.
// The lock is released when fn returns.
func (dl *LockManager) WithLock(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if dl == nil || dl.redsync == nil {
		return ErrNilLockManager
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if err := opts.validate(); err != nil {
		return err
	}

	logger, tracer, _ := libCommons.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		logger.Log(ctx, libLog.LevelError, "failed to acquire lock", libLog.String("lock_key", safeLockKey), libLog.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to acquire lock", err)

		return fmt.Errorf("failed to acquire lock %s: %w", safeLockKey, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			logger.Log(ctx, libLog.LevelError, "failed to release lock",
				libLog.String("lock_key", safeLockKey), libLog.Bool("unlock_ok", ok), libLog.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Function execution failed", err)

		return fmt.Errorf("distributed lock: function execution: %w", err)
	}

	return nil
}

// TryLock makes a single acquisition attempt. A lock held elsewhere returns
// (nil, false, nil); only unexpected failures return an error.
func (dl *LockManager) TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error) {
	if dl == nil || dl.redsync == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	logger, tracer, _ := libCommons.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(lockKey, redsync.WithExpiry(dl.expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) ||
			strings.Contains(err.Error(), "lock already taken") ||
			strings.Contains(err.Error(), "failed to acquire lock") {
			logger.Log(ctx, libLog.LevelDebug, "lock already held by another process", libLog.String("lock_key", safeLockKey))

			return nil, false, nil
		}

		libOpentelemetry.HandleSpanError(span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeLockKey, err)
	}

	return &lockHandle{mutex: mutex, logger: logger}, true, nil
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safeLockKey := strconv.QuoteToASCII(lockKey)
	if len(safeLockKey) <= maxLockKeyLogLength {
		return safeLockKey
	}

	return safeLockKey[:maxLockKeyLogLength] + "...(truncated)"
}
