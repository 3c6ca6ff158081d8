package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestThreeFailureSchedule pins the canonical schedule: three consecutive
// failures with initial=1000ms, multiplier=2.0, max=30000ms give delays of
// 1000ms, 2000ms, 4000ms.
func TestThreeFailureSchedule(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    1000 * time.Millisecond,
		Max:        30000 * time.Millisecond,
		Multiplier: 2.0,
	})

	var observed []time.Duration
	for i := 0; i < 3; i++ {
		observed = append(observed, b.CurrentDelay())
		b.RecordFailure()
	}
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
	}, observed)
}

func TestDelayCapsAtMax(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	})
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5), "32s clamps to the cap")
	assert.Equal(t, 30*time.Second, b.Delay(6))
}

// TestDelayNonDecreasingAndBounded covers the property: delay(n) ≤ max and
// delay is non-decreasing in n, including counts far past where naive
// multiplication would overflow.
func TestDelayNonDecreasingAndBounded(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 1.7,
	})
	prev := time.Duration(0)
	for _, n := range []int{0, 1, 2, 3, 5, 10, 20, 63, 64, 100, 1000} {
		d := b.Delay(n)
		assert.LessOrEqual(t, d, 30*time.Second, "n=%d", n)
		assert.GreaterOrEqual(t, d, prev, "n=%d", n)
		prev = d
	}
}

func TestJitterStaysWithinBand(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		JitterPct:  20,
	})
	for i := 0; i < 200; i++ {
		d := b.CurrentDelay()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestJitterNeverExceedsMax(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    time.Second,
		Max:        time.Second,
		Multiplier: 2.0,
		JitterPct:  50,
	})
	for i := 0; i < 200; i++ {
		assert.LessOrEqual(t, b.CurrentDelay(), time.Second)
	}
}

func TestResetZeroesSchedule(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2.0})
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, 2, b.Retries())
	require.Equal(t, 4*time.Second, b.CurrentDelay())

	b.Reset()
	assert.Equal(t, 0, b.Retries())
	assert.Equal(t, time.Second, b.CurrentDelay())
}

func TestRetryCapExhaustion(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		MaxRetries: 2,
	})
	assert.True(t, b.ShouldRetry())
	b.RecordFailure()
	assert.True(t, b.ShouldRetry())
	b.RecordFailure()
	assert.True(t, b.ShouldRetry())
	b.RecordFailure()
	assert.False(t, b.ShouldRetry(), "third failure exhausts a cap of two retries")
}

func TestUnlimitedRetriesByDefault(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	for i := 0; i < 1000; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.ShouldRetry())
}

func TestDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	assert.Equal(t, DefaultInitialDelay, b.CurrentDelay())
	b.RecordFailure()
	assert.Equal(t, 2*time.Second, b.CurrentDelay())
}
