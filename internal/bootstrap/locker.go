package bootstrap

import (
	"context"

	"github.com/LerianStudio/workflow-relay/relay/outbox"
	libRedis "github.com/LerianStudio/workflow-relay/relay/redis"
)

// redisBackfillLocker adapts the redsync lock manager to the backfill worker.
type redisBackfillLocker struct {
	locks *libRedis.LockManager
}

var _ outbox.BackfillLocker = (*redisBackfillLocker)(nil)

func (locker *redisBackfillLocker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	handle, acquired, err := locker.locks.TryLock(ctx, key)
	if err != nil || !acquired {
		return nil, false, err
	}

	return handle.Unlock, true, nil
}
