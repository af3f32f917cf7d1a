//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_FlatDelay(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{BaseDelay: 3 * time.Second}

	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 3*time.Second, policy.Delay(attempt))
	}
}

func TestRetryPolicy_ExponentialDoubles(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{BaseDelay: time.Second, UseExponentialBackoff: true}

	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
	assert.Equal(t, 4*time.Second, policy.Delay(3))
	assert.Equal(t, 8*time.Second, policy.Delay(4))
}

func TestRetryPolicy_AttemptBelowOneIsFirstAttempt(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{BaseDelay: time.Second, UseExponentialBackoff: true}

	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, time.Second, policy.Delay(-3))
}

func TestRetryPolicy_MaxDelayCaps(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{BaseDelay: time.Second, UseExponentialBackoff: true, JitterRatio: 0.5, MaxDelay: 10 * time.Second}

	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, policy.Delay(20), 10*time.Second)
	}
}

func TestRetryPolicy_JitterStaysWithinRatio(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{BaseDelay: 10 * time.Second, JitterRatio: 0.2}

	for i := 0; i < 200; i++ {
		delay := policy.Delay(1)
		assert.GreaterOrEqual(t, delay, 8*time.Second)
		assert.LessOrEqual(t, delay, 12*time.Second)
	}
}

func TestRetryPolicy_Normalize(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{BaseDelay: -1, JitterRatio: 7, MaxDelay: -time.Second}
	policy.normalize()

	assert.Equal(t, defaultBaseRetryDelay, policy.BaseDelay)
	assert.InDelta(t, 1.0, policy.JitterRatio, 0)
	assert.Equal(t, time.Duration(0), policy.MaxDelay)
}

func TestDefaultRetryPolicy(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()

	assert.Equal(t, 5*time.Second, policy.BaseDelay)
	assert.True(t, policy.UseExponentialBackoff)
	assert.InDelta(t, 0.2, policy.JitterRatio, 1e-9)
	assert.Equal(t, 15*time.Minute, policy.MaxDelay)
}
