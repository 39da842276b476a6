package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelayWithoutJitter(t *testing.T) {
	p := Policy{
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}

	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 40*time.Millisecond, p.Delay(3))
}

func TestPolicyDelayCapsAtMaxDelay(t *testing.T) {
	p := Policy{
		InitialDelay:      1 * time.Second,
		MaxDelay:          3 * time.Second,
		BackoffMultiplier: 10.0,
		Jitter:            false,
	}

	assert.Equal(t, 3*time.Second, p.Delay(5))
}

func TestPolicyDelayMonotonic(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = false
	var prev time.Duration
	for n := 1; n <= 6; n++ {
		d := p.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestPolicyDelayWithJitterStaysInBounds(t *testing.T) {
	p := Policy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	base := 200 * time.Millisecond // delay(2) without jitter
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
	}
}

func TestIsRetryableDefaultHeuristic(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.IsRetryable(errors.New("transient")))
	assert.False(t, p.IsRetryable(&ArgumentError{Message: "bad input"}))
	assert.False(t, p.IsRetryable(&StateError{Message: "bad state"}))
}

func TestIsRetryableNonRetryableSet(t *testing.T) {
	sentinel := errors.New("poison")
	p := DefaultPolicy()
	p.NonRetryable = []error{sentinel}

	assert.False(t, p.IsRetryable(sentinel))
}

func TestIsRetryableAllowList(t *testing.T) {
	allowed := errors.New("allowed")
	other := errors.New("other")
	p := DefaultPolicy()
	p.Retryable = []error{allowed}

	assert.True(t, p.IsRetryable(allowed))
	assert.False(t, p.IsRetryable(other))
}

func TestIsRetryableCustomPredicate(t *testing.T) {
	p := DefaultPolicy()
	p.Predicate = func(err error) bool { return err.Error() == "retry-me" }

	assert.True(t, p.IsRetryable(errors.New("retry-me")))
	assert.False(t, p.IsRetryable(errors.New("do-not-retry")))
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
