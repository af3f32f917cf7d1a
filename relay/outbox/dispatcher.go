package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libCommons "github.com/LerianStudio/workflow-relay/relay"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/workflow-relay/relay/opentelemetry"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
)

const (
	overflowTenantMetricLabel = "_other"
	unknownTenantMetricLabel  = "_unknown"
)

// Dispatcher polls eligible outbox messages, delivers them through a
// Transport and records each outcome.
//
// Delivery is at-least-once: the transport runs before the outcome write, so
// a crash or a failed write between the two leads to redelivery once the
// claim lease expires. Consumers must deduplicate on the idempotency key.
type Dispatcher struct {
	store           DispatchStore
	transport       Transport
	retryClassifier RetryClassifier
	metricsProvider *MetricsProvider
	logger          libLog.Logger
	tracer          trace.Tracer
	cfg             DispatcherConfig
	now             func() time.Time

	tenantMetricKeys map[string]struct{}
	tenantMetricMu   sync.Mutex

	claimFailures   int
	claimFailuresMu sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ libCommons.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	// Claimed is the number of messages selected this cycle.
	Claimed int
	// Processed counts messages delivered and persisted as processed.
	Processed int
	// Failed counts failed delivery attempts, whatever happened next.
	Failed int
	// Retried counts failures scheduled for another attempt.
	Retried int
	// DeadLettered counts failures that ended in dead-letter.
	DeadLettered int
	// GaveUp counts failures that ended as plain terminal failures.
	GaveUp int
	// StateUpdateFailed counts outcomes that could not be persisted.
	StateUpdateFailed int
	StartedAt         time.Time
	Duration          time.Duration
}

type failureOutcome int

const (
	outcomeRetried failureOutcome = iota
	outcomeDeadLettered
	outcomeGaveUp
)

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	store DispatchStore,
	transport Transport,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("workflow-relay.noop")
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	dispatcher := &Dispatcher{
		store:            store,
		transport:        transport,
		logger:           logger,
		tracer:           tracer,
		cfg:              DefaultDispatcherConfig(),
		now:              func() time.Time { return time.Now().UTC() },
		tenantMetricKeys: make(map[string]struct{}),
		stop:             make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.cfg.IncludeTenantMetrics {
		dispatcher.logger.Log(
			context.Background(),
			libLog.LevelWarn,
			fmt.Sprintf(
				"outbox tenant metric attributes enabled; cardinality capped at %d with overflow label %q",
				dispatcher.cfg.MaxTenantMetricDimensions,
				overflowTenantMetricLabel,
			),
		)
	}

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the normalized configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	if dispatcher == nil {
		return DispatcherConfig{}
	}

	return dispatcher.cfg
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *libCommons.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *libCommons.Launcher) error {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.transport == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher started",
			libLog.Duration("interval", dispatcher.cfg.DispatchInterval),
			libLog.Int("batch_size", dispatcher.cfg.BatchSize),
		)
		defer launcher.Logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.tick(ctx, "outbox.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.tick(ctx, "outbox.dispatcher.dispatch_once")
		}
	}
}

func (dispatcher *Dispatcher) tick(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	tickCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(tickCtx, dispatcher.logger, "outbox", "dispatcher_tick")

	dispatcher.DispatchOnce(tickCtx)
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce claims one batch and processes it. Per-message failures are
// recorded on the message and reported in the result, never returned.
// Cancellation is honored between messages, never mid-delivery.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.transport == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	started := dispatcher.now()
	result := DispatchResult{StartedAt: started}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	messages, err := dispatcher.store.ClaimEligible(ctx, started, dispatcher.cfg.BatchSize, dispatcher.cfg.ClaimLease)
	if err != nil {
		dispatcher.handleClaimError(ctx, span, err)
		dispatcher.finishCycle(ctx, span, &result)

		return result
	}

	dispatcher.clearClaimFailures()

	result.Claimed = len(messages)
	if dispatcher.metrics.batchSize != nil {
		dispatcher.metrics.batchSize.Record(ctx, int64(len(messages)))
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}

		if msg == nil {
			continue
		}

		dispatcher.processMessage(ctx, msg, &result)
	}

	dispatcher.finishCycle(ctx, span, &result)

	return result
}

func (dispatcher *Dispatcher) finishCycle(ctx context.Context, span trace.Span, result *DispatchResult) {
	result.Duration = dispatcher.now().Sub(result.StartedAt)

	span.SetAttributes(
		attribute.Int("outbox.dispatch.claimed", result.Claimed),
		attribute.Int("outbox.dispatch.processed", result.Processed),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.retried", result.Retried),
		attribute.Int("outbox.dispatch.dead_lettered", result.DeadLettered),
		attribute.Int("outbox.dispatch.gave_up", result.GaveUp),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)

	if dispatcher.metrics.dispatchLatency != nil {
		dispatcher.metrics.dispatchLatency.Record(ctx, result.Duration.Seconds())
	}

	if dispatcher.metricsProvider != nil {
		dispatcher.metricsProvider.Record(*result)
	}
}

func (dispatcher *Dispatcher) processMessage(ctx context.Context, msg *Message, result *DispatchResult) {
	msgCtx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch.message")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.message.id", msg.ID.String()),
		attribute.String("outbox.message.event_type", msg.EventType),
		attribute.String("tenant.id_hash", hashTenantID(msg.TenantID)),
		attribute.Int("outbox.message.attempt", msg.RetryCount+1),
	)

	deliveryErr := dispatcher.deliver(msgCtx, msg)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(msgCtx), dispatcher.cfg.StateWriteTimeout)
	defer cancel()

	if deliveryErr == nil {
		if err := dispatcher.store.MarkDelivered(writeCtx, msg.ID, dispatcher.now()); err != nil {
			libOpentelemetry.HandleSpanError(span, "failed to persist delivered state", err)
			dispatcher.logger.Log(
				msgCtx,
				libLog.LevelError,
				"outbox message delivered but failed to persist processed state; message may be redelivered",
				libLog.String("message_id", msg.ID.String()),
				libLog.String("error", sanitizeError(err)),
			)
			dispatcher.addCount(msgCtx, dispatcher.metrics.messagesStateFailed, msg.TenantID)

			result.StateUpdateFailed++

			return
		}

		dispatcher.addCount(msgCtx, dispatcher.metrics.messagesDelivered, msg.TenantID)

		result.Processed++

		return
	}

	result.Failed++

	dispatcher.addCount(msgCtx, dispatcher.metrics.messagesFailed, msg.TenantID)

	failure, outcome, class := dispatcher.planFailure(msg, deliveryErr, dispatcher.now())

	span.SetAttributes(
		attribute.String("outbox.failure.class", class.String()),
		attribute.Bool("outbox.failure.terminal", failure.Terminal),
		attribute.Bool("outbox.failure.dead_letter", failure.DeadLetter),
	)
	libOpentelemetry.HandleSpanError(span, "outbox delivery failed", errors.New(failure.Error))

	if err := dispatcher.store.MarkFailed(writeCtx, msg.ID, failure); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to persist failure state", err)
		dispatcher.logger.Log(
			msgCtx,
			libLog.LevelError,
			"failed to persist outbox failure state",
			libLog.String("message_id", msg.ID.String()),
			libLog.String("error", sanitizeError(err)),
		)
		dispatcher.addCount(msgCtx, dispatcher.metrics.messagesStateFailed, msg.TenantID)

		result.StateUpdateFailed++

		return
	}

	fields := []libLog.Field{
		libLog.String("message_id", msg.ID.String()),
		libLog.String("event_type", msg.EventType),
		libLog.Int("retry_count", failure.RetryCount),
		libLog.String("class", class.String()),
		libLog.String("error", failure.Error),
	}

	switch outcome {
	case outcomeDeadLettered:
		result.DeadLettered++

		dispatcher.addCount(msgCtx, dispatcher.metrics.messagesDeadLettered, msg.TenantID)
		dispatcher.logger.Log(msgCtx, libLog.LevelError, "outbox message dead-lettered", fields...)
	case outcomeGaveUp:
		result.GaveUp++

		dispatcher.logger.Log(msgCtx, libLog.LevelError, "outbox message gave up", fields...)
	default:
		result.Retried++

		dispatcher.logger.Log(msgCtx, libLog.LevelWarn, "outbox message scheduled for retry",
			append(fields, libLog.String("next_retry_at", failure.NextRetryAt.Format(time.RFC3339)))...)
	}
}

func (dispatcher *Dispatcher) deliver(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, dispatcher.logger, recovered, "outbox", "transport_deliver")

			err = fmt.Errorf("%w: %v", ErrTransportPanic, recovered)
		}
	}()

	return dispatcher.transport.Deliver(ctx, msg)
}

// planFailure decides what a failed attempt does to msg. MaxRetries is a hard
// cap for every error class; the early threshold and the poison markers do
// not apply to always-transient errors.
func (dispatcher *Dispatcher) planFailure(msg *Message, deliveryErr error, now time.Time) (Failure, failureOutcome, Classification) {
	attempt := msg.RetryCount + 1
	text := redactSensitiveData(deliveryErr.Error())
	class := dispatcher.classify(deliveryErr, text)

	failure := Failure{
		PreviousRetryCount: msg.RetryCount,
		RetryCount:         attempt,
		Error:              SanitizeErrorText(text, dispatcher.cfg.MaxErrorTextLength),
		FailedAt:           now,
	}

	alwaysTransient := class == ClassAlwaysTransient
	early := dispatcher.cfg.EarlyDeadLetterRetries > 0 && attempt >= dispatcher.cfg.EarlyDeadLetterRetries

	switch {
	case !alwaysTransient && (class == ClassNonTransient || early):
		failure.Terminal = true
		failure.DeadLetter = dispatcher.cfg.DeadLetterPoison
	case attempt >= dispatcher.cfg.MaxRetries:
		failure.Terminal = true
		failure.DeadLetter = dispatcher.cfg.UseDeadLetterOnGiveUp
	default:
		next := now.Add(dispatcher.cfg.RetryPolicy.Delay(attempt))
		failure.NextRetryAt = &next

		return failure, outcomeRetried, class
	}

	if failure.DeadLetter {
		return failure, outcomeDeadLettered, class
	}

	return failure, outcomeGaveUp, class
}

func (dispatcher *Dispatcher) classify(err error, text string) Classification {
	class := dispatcher.cfg.Classifier.Classify(text)
	if class != ClassTransient {
		return class
	}

	if !nilcheck.Interface(dispatcher.retryClassifier) && dispatcher.retryClassifier.IsNonRetryable(err) {
		return ClassNonTransient
	}

	return ClassTransient
}

func (dispatcher *Dispatcher) handleClaimError(ctx context.Context, span trace.Span, err error) {
	libOpentelemetry.HandleSpanError(span, "failed to claim outbox messages", err)
	libLog.SafeError(dispatcher.logger, ctx, "failed to claim outbox messages", err, false)

	dispatcher.claimFailuresMu.Lock()
	dispatcher.claimFailures++
	count := dispatcher.claimFailures
	dispatcher.claimFailuresMu.Unlock()

	if count >= dispatcher.cfg.ClaimFailureThreshold {
		dispatcher.logger.Log(ctx, libLog.LevelError, "outbox claim failures exceeded threshold", libLog.Int("count", count))
	}
}

func (dispatcher *Dispatcher) clearClaimFailures() {
	dispatcher.claimFailuresMu.Lock()
	dispatcher.claimFailures = 0
	dispatcher.claimFailuresMu.Unlock()
}

func (dispatcher *Dispatcher) addCount(ctx context.Context, counter metric.Int64Counter, tenantID string) {
	if counter == nil {
		return
	}

	if attr, ok := dispatcher.tenantMetricAttribute(tenantID); ok {
		counter.Add(ctx, 1, metric.WithAttributes(attr))

		return
	}

	counter.Add(ctx, 1)
}

func (dispatcher *Dispatcher) tenantMetricAttribute(tenantID string) (attribute.KeyValue, bool) {
	if !dispatcher.cfg.IncludeTenantMetrics {
		return attribute.KeyValue{}, false
	}

	return attribute.String("tenant", dispatcher.boundedTenantMetricKey(tenantID)), true
}

func (dispatcher *Dispatcher) boundedTenantMetricKey(tenantID string) string {
	if tenantID == "" {
		tenantID = unknownTenantMetricLabel
	}

	dispatcher.tenantMetricMu.Lock()
	defer dispatcher.tenantMetricMu.Unlock()

	if dispatcher.tenantMetricKeys == nil {
		dispatcher.tenantMetricKeys = make(map[string]struct{})
	}

	if _, exists := dispatcher.tenantMetricKeys[tenantID]; exists {
		return tenantID
	}

	if len(dispatcher.tenantMetricKeys) < dispatcher.cfg.MaxTenantMetricDimensions {
		dispatcher.tenantMetricKeys[tenantID] = struct{}{}

		return tenantID
	}

	return overflowTenantMetricLabel
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func hashTenantID(tenantID string) string {
	if tenantID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(tenantID))

	return hex.EncodeToString(sum[:8])
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
