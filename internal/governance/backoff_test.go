package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPBackoffEscalates(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewIPBackoff(100*time.Millisecond, time.Second)
	b.now = func() time.Time { return clock }

	assert.True(t, b.Allow("10.0.0.1"))

	b.Failure("10.0.0.1")
	assert.False(t, b.Allow("10.0.0.1"))

	// First penalty is the base duration.
	clock = clock.Add(101 * time.Millisecond)
	assert.True(t, b.Allow("10.0.0.1"))

	// Second failure doubles it.
	b.Failure("10.0.0.1")
	clock = clock.Add(101 * time.Millisecond)
	assert.False(t, b.Allow("10.0.0.1"))
	clock = clock.Add(100 * time.Millisecond)
	assert.True(t, b.Allow("10.0.0.1"))
}

func TestIPBackoffCapsAtMax(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewIPBackoff(100*time.Millisecond, time.Second)
	b.now = func() time.Time { return clock }

	for i := 0; i < 20; i++ {
		b.Failure("10.0.0.1")
	}

	clock = clock.Add(time.Second - time.Millisecond)
	assert.False(t, b.Allow("10.0.0.1"))
	clock = clock.Add(2 * time.Millisecond)
	assert.True(t, b.Allow("10.0.0.1"))
}

func TestIPBackoffSuccessResets(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewIPBackoff(100*time.Millisecond, time.Second)
	b.now = func() time.Time { return clock }

	b.Failure("10.0.0.1")
	b.Failure("10.0.0.1")
	b.Success("10.0.0.1")
	assert.True(t, b.Allow("10.0.0.1"))

	// History is gone, so the next failure starts from the base penalty.
	b.Failure("10.0.0.1")
	clock = clock.Add(101 * time.Millisecond)
	assert.True(t, b.Allow("10.0.0.1"))
}

func TestIPBackoffIsolatesAddresses(t *testing.T) {
	b := NewIPBackoff(time.Second, time.Minute)
	b.Failure("10.0.0.1")
	assert.False(t, b.Allow("10.0.0.1"))
	assert.True(t, b.Allow("10.0.0.2"))
}
