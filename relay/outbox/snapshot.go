package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/workflow-relay/relay/pointers"
)

// DefaultMetricsWindowSize is the number of dispatch cycles kept in the
// rolling window.
const DefaultMetricsWindowSize = 20

// Snapshot is a point-in-time view of dispatcher activity and backlog.
type Snapshot struct {
	CapturedAt  time.Time
	LastCycle   DispatchResult
	LastCycleAt *time.Time

	TotalProcessed    int64
	TotalFailed       int64
	TotalDeadLettered int64
	TotalGaveUp       int64
	TotalRetried      int64
	TotalCycles       int64

	WindowSize      int
	WindowCycles    int
	WindowProcessed int64
	WindowFailed    int64
	// FailureRatio is WindowFailed / (WindowProcessed + WindowFailed), zero
	// when the window saw no attempts.
	FailureRatio float64

	BacklogSize            int64
	OldestPendingCreatedAt *time.Time
	OldestPendingAge       time.Duration
}

// MetricsProvider keeps a rolling window of dispatch cycle results and
// combines it with a fresh backlog reading on every Snapshot.
type MetricsProvider struct {
	backlog BacklogReader
	now     func() time.Time

	mu     sync.Mutex
	window []DispatchResult
	next   int
	filled int

	last   DispatchResult
	lastAt *time.Time
	totals Snapshot
}

// MetricsOption configures a MetricsProvider.
type MetricsOption func(*MetricsProvider)

// WithMetricsClock overrides the time source. Used by tests.
func WithMetricsClock(now func() time.Time) MetricsOption {
	return func(provider *MetricsProvider) {
		if now != nil {
			provider.now = now
		}
	}
}

// NewMetricsProvider returns a provider with a window of windowSize cycles.
// A non-positive windowSize uses DefaultMetricsWindowSize.
func NewMetricsProvider(backlog BacklogReader, windowSize int, opts ...MetricsOption) (*MetricsProvider, error) {
	if nilcheck.Interface(backlog) {
		return nil, ErrRepositoryRequired
	}

	if windowSize <= 0 {
		windowSize = DefaultMetricsWindowSize
	}

	provider := &MetricsProvider{
		backlog: backlog,
		now:     func() time.Time { return time.Now().UTC() },
		window:  make([]DispatchResult, windowSize),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}

	return provider, nil
}

// Record adds one cycle result to the window and the running totals.
func (provider *MetricsProvider) Record(result DispatchResult) {
	if provider == nil {
		return
	}

	at := result.StartedAt
	if at.IsZero() {
		at = provider.now()
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()

	provider.window[provider.next] = result
	provider.next = (provider.next + 1) % len(provider.window)

	if provider.filled < len(provider.window) {
		provider.filled++
	}

	provider.last = result
	provider.lastAt = &at

	provider.totals.TotalProcessed += int64(result.Processed)
	provider.totals.TotalFailed += int64(result.Failed)
	provider.totals.TotalDeadLettered += int64(result.DeadLettered)
	provider.totals.TotalGaveUp += int64(result.GaveUp)
	provider.totals.TotalRetried += int64(result.Retried)
	provider.totals.TotalCycles++
}

// Snapshot combines recorded cycles with a fresh backlog query.
func (provider *MetricsProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	if provider == nil {
		return Snapshot{}, ErrRepositoryRequired
	}

	now := provider.now()

	stats, err := provider.backlog.Backlog(ctx, now)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read outbox backlog: %w", err)
	}

	snapshot := provider.cycleSnapshot()
	snapshot.CapturedAt = now
	snapshot.BacklogSize = stats.Pending

	if stats.OldestCreatedAt != nil {
		oldest := *stats.OldestCreatedAt
		snapshot.OldestPendingCreatedAt = &oldest

		if age := now.Sub(oldest); age > 0 {
			snapshot.OldestPendingAge = age
		}
	}

	return snapshot, nil
}

func (provider *MetricsProvider) cycleSnapshot() Snapshot {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	snapshot := provider.totals
	snapshot.LastCycle = provider.last
	snapshot.LastCycleAt = pointers.Clone(provider.lastAt)
	snapshot.WindowSize = len(provider.window)
	snapshot.WindowCycles = provider.filled

	for i := 0; i < provider.filled; i++ {
		snapshot.WindowProcessed += int64(provider.window[i].Processed)
		snapshot.WindowFailed += int64(provider.window[i].Failed)
	}

	if attempts := snapshot.WindowProcessed + snapshot.WindowFailed; attempts > 0 {
		snapshot.FailureRatio = float64(snapshot.WindowFailed) / float64(attempts)
	}

	return snapshot
}
