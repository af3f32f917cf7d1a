//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsProvider_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewMetricsProvider(nil, 5)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	provider, err := NewMetricsProvider(fakeBacklog{}, 0)
	require.NoError(t, err)
	assert.Len(t, provider.window, DefaultMetricsWindowSize)
}

func TestMetricsProvider_SnapshotCombinesWindowTotalsAndBacklog(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldest := now.Add(-10 * time.Minute)

	provider, err := NewMetricsProvider(
		fakeBacklog{stats: BacklogStats{Pending: 42, OldestCreatedAt: &oldest}},
		2,
		WithMetricsClock(fixedClock(now)),
	)
	require.NoError(t, err)

	provider.Record(DispatchResult{Processed: 10, Failed: 0, StartedAt: now.Add(-3 * time.Minute)})
	provider.Record(DispatchResult{Processed: 6, Failed: 2, Retried: 1, DeadLettered: 1})
	provider.Record(DispatchResult{Processed: 2, Failed: 2, GaveUp: 2})

	snapshot, err := provider.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, now, snapshot.CapturedAt)
	assert.Equal(t, int64(18), snapshot.TotalProcessed)
	assert.Equal(t, int64(4), snapshot.TotalFailed)
	assert.Equal(t, int64(1), snapshot.TotalRetried)
	assert.Equal(t, int64(1), snapshot.TotalDeadLettered)
	assert.Equal(t, int64(2), snapshot.TotalGaveUp)
	assert.Equal(t, int64(3), snapshot.TotalCycles)

	assert.Equal(t, 2, snapshot.WindowSize)
	assert.Equal(t, 2, snapshot.WindowCycles)
	assert.Equal(t, int64(8), snapshot.WindowProcessed)
	assert.Equal(t, int64(4), snapshot.WindowFailed)
	assert.InDelta(t, 4.0/12.0, snapshot.FailureRatio, 1e-9)

	assert.Equal(t, 2, snapshot.LastCycle.Processed)
	require.NotNil(t, snapshot.LastCycleAt)
	assert.Equal(t, now, *snapshot.LastCycleAt)

	assert.Equal(t, int64(42), snapshot.BacklogSize)
	require.NotNil(t, snapshot.OldestPendingCreatedAt)
	assert.Equal(t, oldest, *snapshot.OldestPendingCreatedAt)
	assert.Equal(t, 10*time.Minute, snapshot.OldestPendingAge)
}

func TestMetricsProvider_EmptyWindowHasZeroRatio(t *testing.T) {
	t.Parallel()

	provider, err := NewMetricsProvider(fakeBacklog{}, 3)
	require.NoError(t, err)

	provider.Record(DispatchResult{})

	snapshot, err := provider.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snapshot.FailureRatio)
	assert.Nil(t, snapshot.OldestPendingCreatedAt)
	assert.Zero(t, snapshot.OldestPendingAge)
}

func TestMetricsProvider_BacklogError(t *testing.T) {
	t.Parallel()

	provider, err := NewMetricsProvider(fakeBacklog{err: errors.New("db down")}, 3)
	require.NoError(t, err)

	_, err = provider.Snapshot(context.Background())
	require.ErrorContains(t, err, "read outbox backlog")

	var nilProvider *MetricsProvider
	require.NotPanics(t, func() { nilProvider.Record(DispatchResult{}) })
}
