package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

// riskScript applies exponential half-life decay at read time and folds in an
// optional bump, all inside one atomic script so concurrent observers cannot
// lose updates.
var riskScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local half_life = tonumber(ARGV[2])
local bump = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local score = 0
local updated = now
local data = redis.call("HMGET", key, "score", "updated")
if data[1] then
  score = tonumber(data[1])
  updated = tonumber(data[2])
end

if half_life > 0 and now > updated then
  score = score * math.pow(0.5, (now - updated) / half_life)
end

score = score + bump
if score < 0 then score = 0 end

redis.call("HSET", key, "score", tostring(score), "updated", now)
redis.call("PEXPIRE", key, ttl)

return tostring(score)
`)

// RiskBand buckets a continuous score for policy input.
type RiskBand string

const (
	RiskLow    RiskBand = "low"
	RiskMedium RiskBand = "medium"
	RiskHigh   RiskBand = "high"
)

// Band maps a score onto its policy band. Boundaries follow the bump unit:
// one violation is medium territory, three sustained violations are high.
func Band(score float64) RiskBand {
	switch {
	case score < 1:
		return RiskLow
	case score < 3:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// RiskScore maintains the per-user decaying score in the shared store.
type RiskScore struct {
	client   *redis.Client
	halfLife time.Duration
	ttl      time.Duration
}

// NewRiskScore builds a risk tracker. The record TTL is derived from the
// half-life: after several half-lives the score is effectively zero anyway.
func NewRiskScore(client *redis.Client, halfLife time.Duration) *RiskScore {
	if halfLife <= 0 {
		halfLife = 15 * time.Minute
	}
	return &RiskScore{
		client:   client,
		halfLife: halfLife,
		ttl:      8 * halfLife,
	}
}

// Observe bumps the user's score by amount and returns the new value.
func (r *RiskScore) Observe(ctx context.Context, userID string, amount float64) (float64, error) {
	return r.run(ctx, userID, amount)
}

// Current returns the decayed score without bumping it.
func (r *RiskScore) Current(ctx context.Context, userID string) (float64, error) {
	return r.run(ctx, userID, 0)
}

func (r *RiskScore) run(ctx context.Context, userID string, bump float64) (float64, error) {
	res, err := riskScript.Run(ctx, r.client,
		[]string{riskKeyFor(userID)},
		time.Now().UnixMilli(),
		r.halfLife.Milliseconds(),
		bump,
		r.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: risk score: %v", domain.ErrStoreUnavailable, err)
	}
	text, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("%w: risk score: malformed reply", domain.ErrStoreUnavailable)
	}
	var score float64
	if _, err := fmt.Sscanf(text, "%g", &score); err != nil {
		return 0, fmt.Errorf("%w: risk score: %v", domain.ErrStoreUnavailable, err)
	}
	return score, nil
}

func riskKeyFor(userID string) string {
	return "aegis:risk:" + userID
}
