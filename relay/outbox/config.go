package outbox

import (
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval          = 2 * time.Second
	defaultBatchSize                 = 50
	defaultMaxRetries                = 10
	defaultClaimLease                = time.Minute
	defaultClaimFailureThreshold     = 3
	defaultStateWriteTimeout         = 5 * time.Second
	defaultMaxTenantMetricDimensions = 1000
)

// DispatcherConfig controls dispatcher polling, retry, dead-letter and
// metric behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of messages claimed per cycle.
	BatchSize int
	// MaxRetries is the total number of failed attempts after which a
	// message is given up, whatever its error class. Always-transient
	// markers only lift the poison markers and EarlyDeadLetterRetries; an
	// always-transient error still becomes terminal at MaxRetries, so a
	// message can never retry forever.
	MaxRetries int
	// RetryPolicy computes NextRetryAt after a retryable failure.
	RetryPolicy RetryPolicy
	// MaxErrorTextLength caps the persisted error text, in runes.
	MaxErrorTextLength int
	// UseDeadLetterOnGiveUp dead-letters messages that exhaust MaxRetries.
	// When false they become plain terminal failures.
	UseDeadLetterOnGiveUp bool
	// DeadLetterPoison dead-letters poison messages. When false they become
	// plain terminal failures.
	DeadLetterPoison bool
	// EarlyDeadLetterRetries ends retries of non always-transient failures
	// after this many attempts. Zero disables the early threshold.
	EarlyDeadLetterRetries int
	// Classifier matches error text against the marker lists.
	Classifier MarkerClassifier
	// ClaimLease is how long a claimed message stays invisible to other
	// dispatchers before its outcome must be written.
	ClaimLease time.Duration
	// ClaimFailureThreshold emits an error log once consecutive claim failures reach this count.
	ClaimFailureThreshold int
	// StateWriteTimeout bounds each outcome write, which survives cancellation of the cycle.
	StateWriteTimeout time.Duration
	// IncludeTenantMetrics enables tenant metric attributes and can increase cardinality.
	IncludeTenantMetrics bool
	// MaxTenantMetricDimensions caps unique tenant labels before falling back to an overflow label.
	MaxTenantMetricDimensions int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:          defaultDispatchInterval,
		BatchSize:                 defaultBatchSize,
		MaxRetries:                defaultMaxRetries,
		RetryPolicy:               DefaultRetryPolicy(),
		MaxErrorTextLength:        DefaultMaxErrorTextLength,
		UseDeadLetterOnGiveUp:     false,
		DeadLetterPoison:          true,
		EarlyDeadLetterRetries:    0,
		Classifier:                DefaultMarkerClassifier(),
		ClaimLease:                defaultClaimLease,
		ClaimFailureThreshold:     defaultClaimFailureThreshold,
		StateWriteTimeout:         defaultStateWriteTimeout,
		IncludeTenantMetrics:      false,
		MaxTenantMetricDimensions: defaultMaxTenantMetricDimensions,
		MeterProvider:             nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	cfg.RetryPolicy.normalize()

	if cfg.MaxErrorTextLength <= 0 {
		cfg.MaxErrorTextLength = defaults.MaxErrorTextLength
	}

	if cfg.EarlyDeadLetterRetries < 0 {
		cfg.EarlyDeadLetterRetries = 0
	}

	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaults.ClaimLease
	}

	if cfg.ClaimFailureThreshold <= 0 {
		cfg.ClaimFailureThreshold = defaults.ClaimFailureThreshold
	}

	if cfg.StateWriteTimeout <= 0 {
		cfg.StateWriteTimeout = defaults.StateWriteTimeout
	}

	if cfg.MaxTenantMetricDimensions <= 0 {
		cfg.MaxTenantMetricDimensions = defaults.MaxTenantMetricDimensions
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the whole configuration. Options applied after it
// still take effect.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithBatchSize sets the maximum messages claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithMaxRetries sets the attempt budget before give-up.
func WithMaxRetries(maxRetries int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxRetries > 0 {
			dispatcher.cfg.MaxRetries = maxRetries
		}
	}
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.RetryPolicy = policy
	}
}

// WithBaseRetryDelay sets the base retry delay.
func WithBaseRetryDelay(delay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if delay > 0 {
			dispatcher.cfg.RetryPolicy.BaseDelay = delay
		}
	}
}

// WithExponentialBackoff toggles exponential backoff.
func WithExponentialBackoff(enabled bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.RetryPolicy.UseExponentialBackoff = enabled
	}
}

// WithJitterRatio sets the retry jitter ratio, clamped to [0, 1].
func WithJitterRatio(ratio float64) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.RetryPolicy.JitterRatio = ratio
	}
}

// WithMaxRetryDelay caps retry delays.
func WithMaxRetryDelay(maxDelay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxDelay >= 0 {
			dispatcher.cfg.RetryPolicy.MaxDelay = maxDelay
		}
	}
}

// WithMaxErrorTextLength sets the persisted error text cap.
func WithMaxErrorTextLength(length int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if length > 0 {
			dispatcher.cfg.MaxErrorTextLength = length
		}
	}
}

// WithDeadLetterOnGiveUp toggles dead-lettering of exhausted messages.
func WithDeadLetterOnGiveUp(enabled bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.UseDeadLetterOnGiveUp = enabled
	}
}

// WithDeadLetterPoison toggles dead-lettering of poison messages.
func WithDeadLetterPoison(enabled bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.DeadLetterPoison = enabled
	}
}

// WithEarlyDeadLetterRetries sets the early give-up threshold. Zero disables it.
func WithEarlyDeadLetterRetries(retries int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if retries >= 0 {
			dispatcher.cfg.EarlyDeadLetterRetries = retries
		}
	}
}

// WithNonTransientMarkers replaces the poison marker list.
func WithNonTransientMarkers(markers ...string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.Classifier.NonTransient = normalizeMarkers(markers)
	}
}

// WithAlwaysTransientMarkers replaces the always-transient marker list.
func WithAlwaysTransientMarkers(markers ...string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.Classifier.AlwaysTransient = normalizeMarkers(markers)
	}
}

// WithClaimLease sets how long claimed messages stay invisible to other dispatchers.
func WithClaimLease(lease time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if lease > 0 {
			dispatcher.cfg.ClaimLease = lease
		}
	}
}

// WithClaimFailureThreshold sets the log threshold for repeated claim failures.
func WithClaimFailureThreshold(threshold int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if threshold > 0 {
			dispatcher.cfg.ClaimFailureThreshold = threshold
		}
	}
}

// WithRetryClassifier adds a typed non-retryable error classifier on top of
// the marker lists.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(classifier) {
			dispatcher.retryClassifier = nil

			return
		}

		dispatcher.retryClassifier = classifier
	}
}

// WithTenantMetricAttributes toggles tenant attributes for dispatcher metrics.
func WithTenantMetricAttributes(enabled bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.IncludeTenantMetrics = enabled
	}
}

// WithMaxTenantMetricDimensions sets the maximum unique tenant labels used in metrics.
func WithMaxTenantMetricDimensions(maxDimensions int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxDimensions > 0 {
			dispatcher.cfg.MaxTenantMetricDimensions = maxDimensions
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}

// WithMetricsProvider records every cycle result into provider.
func WithMetricsProvider(provider *MetricsProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.metricsProvider = provider
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if now != nil {
			dispatcher.now = now
		}
	}
}
