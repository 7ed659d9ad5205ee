package governance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/domain"
)

func testLimiter(t *testing.T, tiers map[domain.TrustTier]config.TierLimit, riskWeight float64) (*RateLimiter, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRateLimiter(client, RateLimiterOptions{
		Tiers:      tiers,
		RiskWeight: riskWeight,
	})
	return limiter, client, mr
}

func TestRateLimiterBucketExhaustion(t *testing.T) {
	tiers := map[domain.TrustTier]config.TierLimit{
		domain.TierUser: {Capacity: 5, RefillPerSec: 1},
	}
	limiter, _, _ := testLimiter(t, tiers, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		dec, err := limiter.Check(ctx, "u-1", domain.TierUser)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "request %d should pass", i+1)
	}

	dec, err := limiter.Check(ctx, "u-1", domain.TierUser)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Greater(t, dec.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, dec.RetryAfter, 1100*time.Millisecond)

	// One token refills per second. After the wait exactly one more request
	// fits before the bucket is dry again.
	time.Sleep(1100 * time.Millisecond)

	dec, err = limiter.Check(ctx, "u-1", domain.TierUser)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = limiter.Check(ctx, "u-1", domain.TierUser)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestRateLimiterIsolatesUsersAndTiers(t *testing.T) {
	tiers := map[domain.TrustTier]config.TierLimit{
		domain.TierAnon: {Capacity: 1, RefillPerSec: 0.1},
		domain.TierUser: {Capacity: 1, RefillPerSec: 0.1},
	}
	limiter, _, _ := testLimiter(t, tiers, 0)
	ctx := context.Background()

	dec, err := limiter.Check(ctx, "u-1", domain.TierAnon)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = limiter.Check(ctx, "u-1", domain.TierAnon)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	// A different user and a different tier each have their own bucket.
	dec, err = limiter.Check(ctx, "u-2", domain.TierAnon)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = limiter.Check(ctx, "u-1", domain.TierUser)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestRateLimiterUnknownTierIsStrictest(t *testing.T) {
	tiers := map[domain.TrustTier]config.TierLimit{
		domain.TierAnon: {Capacity: 2, RefillPerSec: 0.1},
		domain.TierUser: {Capacity: 20, RefillPerSec: 2},
	}
	limiter, _, _ := testLimiter(t, tiers, 0)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 5; i++ {
		dec, err := limiter.Check(ctx, "u-1", domain.TrustTier("LEGACY"))
		require.NoError(t, err)
		if dec.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestRateLimiterStoreUnreachable(t *testing.T) {
	tiers := map[domain.TrustTier]config.TierLimit{
		domain.TierUser: {Capacity: 5, RefillPerSec: 1},
	}
	limiter, _, mr := testLimiter(t, tiers, 0)
	mr.Close()

	_, err := limiter.Check(context.Background(), "u-1", domain.TierUser)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRateLimiterRiskTightensCapacity(t *testing.T) {
	tiers := map[domain.TrustTier]config.TierLimit{
		domain.TierUser: {Capacity: 10, RefillPerSec: 0.01},
	}
	limiter, client, _ := testLimiter(t, tiers, 1.0)
	ctx := context.Background()

	// score 4 with weight 1 shrinks the effective capacity to
	// floor(10 / (1 + 4)) = 2.
	now := time.Now().UnixMilli()
	require.NoError(t, client.HSet(ctx, riskKeyFor("u-risky"), "score", "4", "updated", now).Err())

	allowed := 0
	for i := 0; i < 10; i++ {
		dec, err := limiter.Check(ctx, "u-risky", domain.TierUser)
		require.NoError(t, err)
		if dec.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)

	// A clean user keeps the full bucket.
	allowed = 0
	for i := 0; i < 12; i++ {
		dec, err := limiter.Check(ctx, "u-clean", domain.TierUser)
		require.NoError(t, err)
		if dec.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestRateLimiterCapacityMonotoneInRisk(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRateLimiter(client, RateLimiterOptions{
		Tiers: map[domain.TrustTier]config.TierLimit{
			domain.TierUser: {Capacity: 12, RefillPerSec: 0.001},
		},
		RiskWeight: 1.0,
	})
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		mr.FlushAll()

		lo := rapid.Float64Range(0, 10).Draw(rt, "lo")
		hi := rapid.Float64Range(lo, 10).Draw(rt, "hi")

		burst := func(user string, score float64) int {
			now := time.Now().UnixMilli()
			err := client.HSet(ctx, riskKeyFor(user),
				"score", fmt.Sprintf("%g", score), "updated", now).Err()
			require.NoError(rt, err)
			allowed := 0
			for i := 0; i < 14; i++ {
				dec, err := limiter.Check(ctx, user, domain.TierUser)
				require.NoError(rt, err)
				if dec.Allowed {
					allowed++
				}
			}
			return allowed
		}

		allowedLo := burst("u-lo", lo)
		allowedHi := burst("u-hi", hi)

		// A higher risk score never buys more throughput, and even the
		// riskiest caller keeps at least one request.
		assert.LessOrEqual(rt, allowedHi, allowedLo)
		assert.GreaterOrEqual(rt, allowedHi, 1)
	})
}
