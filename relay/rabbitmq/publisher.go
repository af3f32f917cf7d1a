package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/backoff"
	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher confirm errors.
var (
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrPublisherNotReady      = errors.New("confirmable publisher not initialized")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrRecoveryExhausted      = errors.New("automatic recovery exhausted all attempts")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker ack or nack.
	DefaultConfirmTimeout = 5 * time.Second

	// DefaultMaxRecoveryAttempts is the number of channel recovery attempts before giving up.
	DefaultMaxRecoveryAttempts = 10

	// DefaultRecoveryBackoffInitial is the starting backoff between recovery attempts.
	DefaultRecoveryBackoffInitial = 1 * time.Second

	// DefaultRecoveryBackoffMax caps the backoff between recovery attempts.
	DefaultRecoveryBackoffMax = 30 * time.Second

	// must exceed the number of unconfirmed publishes, which is one
	confirmChannelBuffer = 256
)

// HealthState is the channel health of a ConfirmablePublisher.
type HealthState int

const (
	// HealthStateConnected means the publisher holds a usable channel.
	HealthStateConnected HealthState = iota
	// HealthStateReconnecting means the channel closed and recovery is running.
	HealthStateReconnecting
	// HealthStateDisconnected means the publisher is closed or recovery gave up.
	HealthStateDisconnected
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthStateConnected:
		return "connected"
	case HealthStateReconnecting:
		return "reconnecting"
	case HealthStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ChannelProvider returns a fresh, dedicated channel for recovery.
type ChannelProvider func() (ConfirmableChannel, error)

// HealthCallback is called when the publisher's health changes.
type HealthCallback func(HealthState)

type recoveryConfig struct {
	provider       ChannelProvider
	healthCallback HealthCallback
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// ConfirmableChannel defines the AMQP channel operations needed for confirms.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// ConfirmablePublisher publishes on a channel in confirm mode and waits for
// the broker's ack before returning. Publishes are serialized per instance.
type ConfirmablePublisher struct {
	ch                ConfirmableChannel
	confirms          chan amqp.Confirmation
	closedCh          chan struct{}
	closeOnce         *sync.Once
	done              chan struct{}
	logger            libLog.Logger
	confirmTimeout    time.Duration
	recovery          *recoveryConfig
	mu                sync.RWMutex
	publishMu         sync.Mutex
	health            HealthState
	closed            bool
	shutdown          bool
	recoveryExhausted bool
}

// ConfirmablePublisherOption configures a ConfirmablePublisher.
type ConfirmablePublisherOption func(*ConfirmablePublisher)

// WithLogger sets a structured logger for the publisher.
func WithLogger(logger libLog.Logger) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
// Non-positive values are ignored.
func WithConfirmTimeout(timeout time.Duration) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithAutoRecovery replaces a closed channel with one from provider.
func WithAutoRecovery(provider ChannelProvider) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if provider == nil {
			return
		}

		ensureRecoveryConfig(pub)

		pub.recovery.provider = provider
	}
}

// WithMaxRecoveryAttempts sets maximum consecutive recovery attempts.
func WithMaxRecoveryAttempts(maxAttempts int) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if maxAttempts <= 0 {
			return
		}

		ensureRecoveryConfig(pub)

		pub.recovery.maxAttempts = maxAttempts
	}
}

// WithRecoveryBackoff sets the initial and max backoff durations for recovery.
func WithRecoveryBackoff(initial, maxBackoff time.Duration) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if initial <= 0 || maxBackoff <= 0 || initial > maxBackoff {
			return
		}

		ensureRecoveryConfig(pub)

		pub.recovery.backoffInitial = initial
		pub.recovery.backoffMax = maxBackoff
	}
}

// WithHealthCallback registers a callback for health state changes.
func WithHealthCallback(fn HealthCallback) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if fn == nil {
			return
		}

		ensureRecoveryConfig(pub)

		pub.recovery.healthCallback = fn
	}
}

func ensureRecoveryConfig(pub *ConfirmablePublisher) {
	if pub.recovery != nil {
		return
	}

	pub.recovery = &recoveryConfig{
		maxAttempts:    DefaultMaxRecoveryAttempts,
		backoffInitial: DefaultRecoveryBackoffInitial,
		backoffMax:     DefaultRecoveryBackoffMax,
	}
}

// NewConfirmablePublisher puts ch into confirm mode and wraps it.
func NewConfirmablePublisher(
	ch ConfirmableChannel,
	opts ...ConfirmablePublisherOption,
) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	publisher := &ConfirmablePublisher{
		closedCh:       make(chan struct{}),
		closeOnce:      &sync.Once{},
		done:           make(chan struct{}),
		logger:         libLog.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		health:         HealthStateConnected,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	if err := publisher.attach(ch); err != nil {
		return nil, err
	}

	return publisher, nil
}

// attach switches ch to confirm mode and makes it the active channel.
func (pub *ConfirmablePublisher) attach(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub.mu.Lock()
	if pub.shutdown {
		pub.mu.Unlock()

		return ErrPublisherClosed
	}

	pub.ch = ch
	pub.confirms = confirms
	pub.closedCh = make(chan struct{})
	pub.closeOnce = &sync.Once{}
	pub.closed = false
	pub.recoveryExhausted = false
	done := pub.done
	pub.mu.Unlock()

	runtime.SafeGo(pub.logger, "confirmable-publisher-close-monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			pub.handleChannelClosed(amqpErr)
		case <-done:
		}
	})

	return nil
}

func (pub *ConfirmablePublisher) handleChannelClosed(amqpErr *amqp.Error) {
	pub.mu.Lock()
	if pub.shutdown {
		pub.mu.Unlock()

		return
	}

	pub.closed = true
	pub.ch = nil
	closeOnce, closedCh := pub.closeOnce, pub.closedCh
	hasRecovery := pub.recovery != nil && pub.recovery.provider != nil
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !hasRecovery {
		pub.emitHealthState(HealthStateDisconnected)

		return
	}

	pub.recoverChannel(amqpErr)
}

func (pub *ConfirmablePublisher) recoverChannel(amqpErr *amqp.Error) {
	pub.mu.RLock()
	recovery := pub.recovery
	done := pub.done
	pub.mu.RUnlock()

	pub.emitHealthState(HealthStateReconnecting)

	reason := "unknown"
	if amqpErr != nil {
		reason = sanitizeAMQPErr(amqpErr, "")
	}

	pub.logger.Log(context.Background(), libLog.LevelWarn, "rabbitmq channel closed, starting recovery",
		libLog.String("reason", reason), libLog.Int("max_attempts", recovery.maxAttempts))

	for attempt := range recovery.maxAttempts {
		delay := backoff.ExponentialWithJitter(recovery.backoffInitial, attempt)
		if delay > recovery.backoffMax {
			delay = backoff.FullJitter(recovery.backoffMax)
		}

		timer := time.NewTimer(delay)

		select {
		case <-timer.C:
		case <-done:
			timer.Stop()
			pub.emitHealthState(HealthStateDisconnected)

			return
		}

		newCh, err := recovery.provider()
		if err != nil {
			pub.logger.Log(context.Background(), libLog.LevelWarn, "rabbitmq recovery attempt failed",
				libLog.Int("attempt", attempt+1), libLog.String("error_detail", sanitizeAMQPErr(err, "")))

			continue
		}

		if err := pub.attach(newCh); err != nil {
			if !nilcheck.Interface(newCh) {
				_ = newCh.Close()
			}

			if errors.Is(err, ErrPublisherClosed) {
				return
			}

			pub.logger.Log(context.Background(), libLog.LevelWarn, "rabbitmq recovery attach failed",
				libLog.Int("attempt", attempt+1), libLog.Err(err))

			continue
		}

		pub.logger.Log(context.Background(), libLog.LevelInfo, "rabbitmq channel recovered", libLog.Int("attempt", attempt+1))
		pub.emitHealthState(HealthStateConnected)

		return
	}

	pub.logger.Log(context.Background(), libLog.LevelError, "rabbitmq recovery exhausted, publisher is disconnected",
		libLog.Int("max_attempts", recovery.maxAttempts))

	pub.mu.Lock()
	pub.recoveryExhausted = true
	pub.mu.Unlock()

	pub.emitHealthState(HealthStateDisconnected)
}

func (pub *ConfirmablePublisher) emitHealthState(state HealthState) {
	pub.mu.Lock()
	pub.health = state
	recovery := pub.recovery
	pub.mu.Unlock()

	if recovery == nil || recovery.healthCallback == nil {
		return
	}

	recovery.healthCallback(state)
}

// HealthState returns the publisher's current health.
func (pub *ConfirmablePublisher) HealthState() HealthState {
	if pub == nil {
		return HealthStateDisconnected
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.health
}

// PublishAndWaitConfirm sends msg and blocks until the broker acks it, nacks
// it, the confirm timeout passes, or ctx ends.
func (pub *ConfirmablePublisher) PublishAndWaitConfirm(
	ctx context.Context,
	exchange, routingKey string,
	mandatory bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		recoveryExhausted := pub.recoveryExhausted
		pub.mu.RUnlock()

		if recoveryExhausted {
			return fmt.Errorf("%w: %w", ErrPublisherClosed, ErrRecoveryExhausted)
		}

		return ErrPublisherClosed
	}

	if pub.ch == nil {
		pub.mu.RUnlock()

		return ErrPublisherNotReady
	}

	publishChannel := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := publishChannel.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// A late confirm would be read by the next publish; drop the channel.
		pub.invalidateChannel(publishChannel)
	}

	return err
}

func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// invalidateChannel must be called while holding publishMu.
func (pub *ConfirmablePublisher) invalidateChannel(ch ConfirmableChannel) {
	pub.mu.Lock()
	pub.closed = true
	pub.ch = nil
	closeOnce, closedCh := pub.closeOnce, pub.closedCh
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !nilcheck.Interface(ch) {
		_ = ch.Close()
	}
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close permanently closes the publisher and its channel.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	pub.closed = true
	currentCh := pub.ch
	pub.ch = nil
	close(pub.done)
	closeOnce, closedCh := pub.closeOnce, pub.closedCh
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	var closeErr error

	if !nilcheck.Interface(currentCh) {
		if err := currentCh.Close(); err != nil {
			closeErr = fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	pub.emitHealthState(HealthStateDisconnected)

	return closeErr
}
