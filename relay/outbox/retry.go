package outbox

import (
	"time"

	"github.com/LerianStudio/workflow-relay/relay/backoff"
)

const (
	defaultBaseRetryDelay = 5 * time.Second
	defaultJitterRatio    = 0.2
	defaultMaxRetryDelay  = 15 * time.Minute
)

// RetryPolicy computes the delay before the next delivery attempt.
type RetryPolicy struct {
	// BaseDelay is the flat delay, or the first delay when exponential.
	BaseDelay time.Duration
	// UseExponentialBackoff doubles the delay on every attempt.
	UseExponentialBackoff bool
	// JitterRatio spreads the delay by plus or minus this fraction. Zero disables jitter.
	JitterRatio float64
	// MaxDelay caps the delay after jitter. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns exponential backoff from five seconds with 20%
// jitter, capped at fifteen minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:             defaultBaseRetryDelay,
		UseExponentialBackoff: true,
		JitterRatio:           defaultJitterRatio,
		MaxDelay:              defaultMaxRetryDelay,
	}
}

func (policy *RetryPolicy) normalize() {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultBaseRetryDelay
	}

	if policy.JitterRatio < 0 {
		policy.JitterRatio = 0
	}

	if policy.JitterRatio > 1 {
		policy.JitterRatio = 1
	}

	if policy.MaxDelay < 0 {
		policy.MaxDelay = 0
	}
}

// Delay returns the wait after the given 1-based failed attempt:
// BaseDelay * 2^(attempt-1) when exponential, BaseDelay otherwise.
func (policy RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := policy.BaseDelay
	if policy.UseExponentialBackoff {
		delay = backoff.Exponential(policy.BaseDelay, attempt-1)
	}

	delay = policy.capDelay(delay)
	delay = backoff.Jitter(delay, policy.JitterRatio)

	return policy.capDelay(delay)
}

func (policy RetryPolicy) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		return policy.MaxDelay
	}

	return delay
}
