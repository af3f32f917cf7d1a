package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	"github.com/LerianStudio/workflow-relay/relay/backoff"
	"github.com/LerianStudio/workflow-relay/relay/cron"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
)

const (
	defaultBackfillBatchSize = 100
	defaultBackfillInterval  = time.Minute

	// DefaultBackfillLockKey is the distributed lock guarding one backfill pass.
	DefaultBackfillLockKey = "workflow-relay:outbox:backfill"
)

// BackfillLocker makes a scheduled backfill pass single-instance across
// relay replicas. A busy lock reports acquired=false without error.
type BackfillLocker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}

// BackfillOption configures a BackfillWorker.
type BackfillOption func(*BackfillWorker)

// WithBackfillLocker guards each scheduled pass with locker under key. An
// empty key selects DefaultBackfillLockKey.
func WithBackfillLocker(locker BackfillLocker, key string) BackfillOption {
	return func(worker *BackfillWorker) {
		if nilcheck.Interface(locker) {
			return
		}

		if strings.TrimSpace(key) == "" {
			key = DefaultBackfillLockKey
		}

		worker.locker = locker
		worker.lockKey = key
	}
}

// BackfillConfig controls the key backfill worker.
type BackfillConfig struct {
	Enabled   bool
	BatchSize int
	// Interval between runs when Schedule is empty.
	Interval time.Duration
	// Schedule is an optional cron expression that replaces Interval.
	Schedule string
}

// DefaultBackfillConfig returns an enabled worker running every minute.
func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		Enabled:   true,
		BatchSize: defaultBackfillBatchSize,
		Interval:  defaultBackfillInterval,
	}
}

func (cfg *BackfillConfig) normalize() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBackfillBatchSize
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaultBackfillInterval
	}

	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
}

// BackfillWorker assigns fresh keys to legacy rows stored without one. The
// assigned keys are random: the inputs of the deterministic key are not
// recoverable for those rows.
type BackfillWorker struct {
	store    KeyBackfiller
	cfg      BackfillConfig
	schedule cron.Schedule
	logger   libLog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	locker   BackfillLocker
	lockKey  string

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	runWg      sync.WaitGroup
}

var _ libCommons.App = (*BackfillWorker)(nil)

// NewBackfillWorker validates cfg and returns a worker.
func NewBackfillWorker(
	store KeyBackfiller,
	cfg BackfillConfig,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...BackfillOption,
) (*BackfillWorker, error) {
	if nilcheck.Interface(store) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("workflow-relay.noop")
	}

	cfg.normalize()

	worker := &BackfillWorker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}

	if cfg.Schedule != "" {
		schedule, err := cron.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}

		worker.schedule = schedule
	}

	return worker, nil
}

// RunOnce repairs at most one batch and returns how many rows got a key.
// Rows keyed concurrently by someone else are skipped.
func (worker *BackfillWorker) RunOnce(ctx context.Context) (int, error) {
	if worker == nil || worker.store == nil {
		return 0, ErrBackfillWorkerRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := worker.tracer.Start(ctx, "outbox.backfill.run_once")
	defer span.End()

	messages, err := worker.store.ListMissingKey(ctx, worker.cfg.BatchSize)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list messages without key", err)

		return 0, fmt.Errorf("list messages without key: %w", err)
	}

	assigned := 0

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}

		if msg == nil {
			continue
		}

		err := worker.store.AssignKey(ctx, msg.ID, uuid.NewString())
		if errors.Is(err, ErrStateTransitionConflict) {
			continue
		}

		if err != nil {
			libOpentelemetry.HandleSpanError(span, "failed to assign idempotency key", err)

			return assigned, fmt.Errorf("assign key to message %s: %w", msg.ID, err)
		}

		assigned++
	}

	span.SetAttributes(
		attribute.Int("outbox.backfill.selected", len(messages)),
		attribute.Int("outbox.backfill.assigned", assigned),
	)

	return assigned, nil
}

// RunAll repeats RunOnce until a batch assigns nothing.
func (worker *BackfillWorker) RunAll(ctx context.Context) (int, error) {
	total := 0

	for {
		if ctx != nil && ctx.Err() != nil {
			return total, nil
		}

		assigned, err := worker.RunOnce(ctx)
		total += assigned

		if err != nil {
			return total, err
		}

		if assigned == 0 {
			return total, nil
		}
	}
}

// Run starts the worker loop until Stop is called.
func (worker *BackfillWorker) Run(launcher *libCommons.Launcher) error {
	return worker.RunContext(context.Background(), launcher)
}

// RunContext runs the worker until Stop is called or ctx is cancelled. A
// disabled worker returns immediately.
func (worker *BackfillWorker) RunContext(parentCtx context.Context, launcher *libCommons.Launcher) error {
	if worker == nil || worker.store == nil {
		return ErrBackfillWorkerRequired
	}

	if !worker.cfg.Enabled {
		return nil
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !worker.registerRun(cancel) {
		cancel()

		return ErrBackfillWorkerRunning
	}

	defer worker.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox backfill worker started")
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox backfill worker stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, worker.logger, "outbox", "backfill_run")

	for {
		worker.tick(ctx)

		wait, err := worker.nextWait()
		if err != nil {
			worker.logger.Log(ctx, libLog.LevelError, "outbox backfill schedule has no next run", libLog.Err(err))

			return nil
		}

		select {
		case <-worker.stop:
			return nil
		default:
		}

		// Stop cancels ctx, which also ends the wait.
		if err := backoff.WaitContext(ctx, wait); err != nil {
			return nil
		}
	}
}

func (worker *BackfillWorker) tick(ctx context.Context) {
	worker.runWg.Add(1)
	defer worker.runWg.Done()
	defer runtime.RecoverAndLogWithContext(ctx, worker.logger, "outbox", "backfill_tick")

	if worker.locker != nil {
		unlock, acquired, err := worker.locker.TryLock(ctx, worker.lockKey)
		if err != nil {
			libLog.SafeError(worker.logger, ctx, "outbox backfill lock failed", err, false)

			return
		}

		if !acquired {
			worker.logger.Log(ctx, libLog.LevelDebug, "outbox backfill skipped, another instance holds the lock")

			return
		}

		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				worker.logger.Log(ctx, libLog.LevelWarn, "outbox backfill unlock failed", libLog.Err(err))
			}
		}()
	}

	assigned, err := worker.RunAll(ctx)
	if err != nil {
		libLog.SafeError(worker.logger, ctx, "outbox key backfill failed", err, false)
	}

	if assigned > 0 {
		worker.logger.Log(ctx, libLog.LevelInfo, "outbox keys backfilled", libLog.Int("count", assigned))
	}
}

func (worker *BackfillWorker) nextWait() (time.Duration, error) {
	if worker.schedule == nil {
		return worker.cfg.Interval, nil
	}

	now := worker.now()

	next, err := worker.schedule.Next(now)
	if err != nil {
		return 0, fmt.Errorf("compute next backfill run: %w", err)
	}

	return max(next.Sub(now), 0), nil
}

// Stop signals the worker loop to stop.
func (worker *BackfillWorker) Stop() {
	if worker == nil {
		return
	}

	worker.stopOnce.Do(func() {
		worker.runStateMu.Lock()
		cancel := worker.cancelFunc
		stop := worker.stop
		if stop == nil {
			stop = make(chan struct{})
			worker.stop = stop
		}
		worker.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the worker and waits for the running batch.
func (worker *BackfillWorker) Shutdown(ctx context.Context) error {
	if worker == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	worker.Stop()

	done := make(chan struct{})

	runtime.SafeGo(worker.logger, "outbox.backfill_shutdown_wait", runtime.KeepRunning, func() {
		worker.runWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backfill shutdown: %w", ctx.Err())
	}
}

func (worker *BackfillWorker) registerRun(cancel context.CancelFunc) bool {
	worker.runStateMu.Lock()
	defer worker.runStateMu.Unlock()

	if worker.running {
		return false
	}

	if worker.stop == nil || isClosedSignal(worker.stop) {
		worker.stop = make(chan struct{})
		worker.stopOnce = sync.Once{}
	}

	worker.running = true
	worker.cancelFunc = cancel

	return true
}

func (worker *BackfillWorker) clearRun() {
	worker.runStateMu.Lock()
	defer worker.runStateMu.Unlock()

	worker.running = false
	worker.cancelFunc = nil
}
