package governance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

func TestRiskScoreObserveAccumulates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rs := NewRiskScore(client, time.Hour)
	ctx := context.Background()

	score, err := rs.Observe(ctx, "u-1", 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 0.01)

	score, err = rs.Observe(ctx, "u-1", 2)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, score, 0.01)

	current, err := rs.Current(ctx, "u-1")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, current, 0.01)
}

func TestRiskScoreDecays(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rs := NewRiskScore(client, 50*time.Millisecond)
	ctx := context.Background()

	score, err := rs.Observe(ctx, "u-1", 4)
	require.NoError(t, err)
	require.InDelta(t, 4.0, score, 0.01)

	time.Sleep(250 * time.Millisecond)

	// The score only falls between observations, never rises.
	current, err := rs.Current(ctx, "u-1")
	require.NoError(t, err)
	assert.Less(t, current, 4.0)
	assert.Less(t, current, 1.0)
	assert.GreaterOrEqual(t, current, 0.0)
}

func TestRiskScoreStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	rs := NewRiskScore(client, time.Hour)
	_, err := rs.Observe(context.Background(), "u-1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestBandBoundaries(t *testing.T) {
	assert.Equal(t, RiskLow, Band(0))
	assert.Equal(t, RiskLow, Band(0.99))
	assert.Equal(t, RiskMedium, Band(1))
	assert.Equal(t, RiskMedium, Band(2.5))
	assert.Equal(t, RiskHigh, Band(3))
	assert.Equal(t, RiskHigh, Band(100))
}
