package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(maxFailures, probes int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:    maxFailures,
		Cooldown:       cooldown,
		HalfOpenProbes: probes,
	})
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := testBreaker(3, 1, time.Second)

	for i := 0; i < 2; i++ {
		cb.Failure()
		require.NoError(t, cb.Allow())
	}
	cb.Failure()

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := testBreaker(3, 1, time.Second)

	cb.Failure()
	cb.Failure()
	cb.Success()
	cb.Failure()
	cb.Failure()

	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb, clock := testBreaker(1, 2, time.Second)

	cb.Failure()
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	*clock = clock.Add(time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Success()
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := testBreaker(1, 1, time.Second)

	cb.Failure()
	*clock = clock.Add(time.Second)
	require.NoError(t, cb.Allow())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// The cooldown restarts from the half-open failure.
	*clock = clock.Add(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	*clock = clock.Add(500 * time.Millisecond)
	assert.NoError(t, cb.Allow())
}
