package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/domain"
)

// tokenBucketScript performs the whole read-refill-decrement-write sequence
// server-side so concurrent requests for the same key cannot race between
// check and decrement. The risk score is decayed and folded into the
// effective capacity inside the same script.
var tokenBucketScript = redis.NewScript(`
local bucket = KEYS[1]
local risk = KEYS[2]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local half_life = tonumber(ARGV[5])
local risk_weight = tonumber(ARGV[6])

local score = 0
local rdata = redis.call("HMGET", risk, "score", "updated")
if rdata[1] then
  score = tonumber(rdata[1])
  local updated = tonumber(rdata[2])
  if half_life > 0 and now > updated then
    score = score * math.pow(0.5, (now - updated) / half_life)
  end
end

local effective = capacity
if risk_weight > 0 and score > 0 then
  effective = math.floor(capacity / (1 + risk_weight * score))
  if effective < 1 then effective = 1 end
end

local tokens = effective
local last = now
local bdata = redis.call("HMGET", bucket, "tokens", "last_refill")
if bdata[1] then
  tokens = tonumber(bdata[1])
  last = tonumber(bdata[2])
end

local elapsed = now - last
if elapsed > 0 then
  tokens = tokens + (elapsed / 1000.0) * rate
end
if tokens > effective then tokens = effective end

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_ms = math.ceil(((1 - tokens) / rate) * 1000)
end

redis.call("HSET", bucket, "tokens", tostring(tokens), "last_refill", now)
redis.call("PEXPIRE", bucket, ttl)

return {allowed, tostring(tokens), retry_ms, tostring(score)}
`)

// Decision reports the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	Risk       float64
}

// RateLimiter is a distributed token bucket keyed by (user, tier). Limits are
// tier-specific and tightened adaptively by the caller's risk score.
type RateLimiter struct {
	client     *redis.Client
	tiers      map[domain.TrustTier]config.TierLimit
	bucketTTL  time.Duration
	riskHalf   time.Duration
	riskWeight float64
	prefix     string
}

// RateLimiterOptions configure construction.
type RateLimiterOptions struct {
	Tiers      map[domain.TrustTier]config.TierLimit
	BucketTTL  time.Duration
	RiskHalf   time.Duration
	RiskWeight float64
}

// NewRateLimiter builds a limiter over the shared store.
func NewRateLimiter(client *redis.Client, opts RateLimiterOptions) *RateLimiter {
	ttl := opts.BucketTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	weight := opts.RiskWeight
	if weight < 0 {
		weight = 0
	}
	return &RateLimiter{
		client:     client,
		tiers:      opts.Tiers,
		bucketTTL:  ttl,
		riskHalf:   opts.RiskHalf,
		riskWeight: weight,
		prefix:     "aegis:rl:",
	}
}

// Check consumes one token from the caller's bucket. A store error is
// returned as-is; the pipeline resolves it fail-closed, never by
// approximating locally.
func (l *RateLimiter) Check(ctx context.Context, userID string, tier domain.TrustTier) (Decision, error) {
	limit, ok := l.tiers[tier]
	if !ok {
		// Unknown tiers get the most restrictive configured limit.
		limit = l.strictestLimit()
	}

	bucketKey := fmt.Sprintf("%s%s:%s", l.prefix, tier, userID)
	riskKey := riskKeyFor(userID)
	now := time.Now().UnixMilli()

	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{bucketKey, riskKey},
		limit.Capacity,
		limit.RefillPerSec,
		now,
		l.bucketTTL.Milliseconds(),
		l.riskHalf.Milliseconds(),
		l.riskWeight,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: rate limit check: %v", domain.ErrStoreUnavailable, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		return Decision{}, fmt.Errorf("%w: rate limit check: malformed reply", domain.ErrStoreUnavailable)
	}

	allowed, _ := vals[0].(int64)
	remaining := parseLuaFloat(vals[1])
	retryMs, _ := vals[2].(int64)
	risk := parseLuaFloat(vals[3])

	return Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
		Risk:       risk,
	}, nil
}

func (l *RateLimiter) strictestLimit() config.TierLimit {
	strictest := config.TierLimit{Capacity: 1, RefillPerSec: 0.1}
	first := true
	for _, limit := range l.tiers {
		if first || limit.Capacity < strictest.Capacity {
			strictest = limit
			first = false
		}
	}
	return strictest
}

func parseLuaFloat(v interface{}) float64 {
	switch typed := v.(type) {
	case string:
		var f float64
		if _, err := fmt.Sscanf(typed, "%g", &f); err == nil {
			return f
		}
	case int64:
		return float64(typed)
	}
	return 0
}
