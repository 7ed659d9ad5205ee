package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisai/aegis-oss/pkg/domain"
	"github.com/aegisai/aegis-oss/pkg/policy"
)

const (
	violationKeyPrefix = "aegis:esc:violations:"
	stateKeyPrefix     = "aegis:esc:state:"
)

// violationScript counts a violation and starts the rolling window on the
// first one, in a single round trip so a crash cannot leave the counter
// without an expiry.
var violationScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// SuspensionRecord is the persisted account state for a non-active user.
type SuspensionRecord struct {
	UserID     string    `json:"user_id"`
	State      string    `json:"state"`
	Reason     string    `json:"reason"`
	Until      time.Time `json:"until,omitempty"`
	Violations int       `json:"violations,omitempty"`
}

// Options configure a Handler.
type Options struct {
	// ViolationWindow is the rolling window violations are counted over.
	ViolationWindow time.Duration
	// SuspensionDuration is how long an automatic suspension lasts.
	SuspensionDuration time.Duration
	// DefaultThreshold is passed to policy, which may override it.
	DefaultThreshold int
	Logger           *slog.Logger
}

// Handler records violations, consults policy for the suspension decision and
// persists account state in the shared store.
type Handler struct {
	client     *redis.Client
	policy     *policy.Engine
	window     time.Duration
	suspension time.Duration
	threshold  int
	log        *slog.Logger
}

// NewHandler builds a Handler. Zero option fields select defaults.
func NewHandler(client *redis.Client, engine *policy.Engine, opts Options) *Handler {
	if opts.ViolationWindow <= 0 {
		opts.ViolationWindow = time.Hour
	}
	if opts.SuspensionDuration <= 0 {
		opts.SuspensionDuration = 24 * time.Hour
	}
	if opts.DefaultThreshold <= 0 {
		opts.DefaultThreshold = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		client:     client,
		policy:     engine,
		window:     opts.ViolationWindow,
		suspension: opts.SuspensionDuration,
		threshold:  opts.DefaultThreshold,
		log:        opts.Logger,
	}
}

// RecordViolation counts one violation against the user and suspends the
// account when policy says the windowed count has crossed the threshold.
// It reports whether the user is now suspended.
func (h *Handler) RecordViolation(ctx context.Context, identity domain.UserIdentity, reason string) (bool, error) {
	record, err := h.Status(ctx, identity.ID)
	if err != nil {
		return true, err
	}
	if record.State == Banned {
		return true, nil
	}

	res, err := violationScript.Run(ctx, h.client,
		[]string{violationKeyPrefix + identity.ID},
		h.window.Milliseconds(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("%w: violation count: %v", domain.ErrStoreUnavailable, err)
	}

	suspend, err := h.policy.ShouldSuspend(ctx, policy.SuspensionInput{
		Tier:       string(identity.Tier),
		Violations: res,
		Threshold:  h.threshold,
	})
	if err != nil {
		// Policy failure resolves to the configured threshold rather than
		// letting violations accumulate unchecked.
		h.log.Error("suspension policy evaluation failed", "error", err, "user_id", identity.ID)
		suspend = res >= h.threshold
	}
	if !suspend {
		return record.State == Suspended, nil
	}

	if err := h.Suspend(ctx, identity.ID, reason, res); err != nil {
		return true, err
	}
	h.log.Warn("user suspended",
		"user_id", identity.ID,
		"violations", res,
		"reason", reason,
		"until", time.Now().Add(h.suspension))
	return true, nil
}

// Suspend moves the account into SUSPENDED for the configured duration and
// resets the violation window.
func (h *Handler) Suspend(ctx context.Context, userID, reason string, violations int) error {
	record, err := h.Status(ctx, userID)
	if err != nil {
		return err
	}
	next, err := Next(record.State, EventSuspend)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(SuspensionRecord{
		UserID:     userID,
		State:      next,
		Reason:     reason,
		Until:      time.Now().Add(h.suspension),
		Violations: violations,
	})
	if err != nil {
		return fmt.Errorf("encode suspension record: %w", err)
	}
	if err := h.client.Set(ctx, stateKeyPrefix+userID, payload, h.suspension).Err(); err != nil {
		return fmt.Errorf("%w: write suspension: %v", domain.ErrStoreUnavailable, err)
	}
	// The counter restarts after reinstatement rather than carrying stale
	// violations into the next window.
	if err := h.client.Del(ctx, violationKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("%w: reset violations: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Reinstate returns a suspended account to active service ahead of expiry.
func (h *Handler) Reinstate(ctx context.Context, userID string) error {
	record, err := h.Status(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := Next(record.State, EventReinstate); err != nil {
		return err
	}
	if err := h.client.Del(ctx, stateKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("%w: clear suspension: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Ban permanently removes the account. There is no automatic path here, only
// operator tooling calls it.
func (h *Handler) Ban(ctx context.Context, userID, reason string) error {
	record, err := h.Status(ctx, userID)
	if err != nil {
		return err
	}
	next, err := Next(record.State, EventBan)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(SuspensionRecord{
		UserID: userID,
		State:  next,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("encode ban record: %w", err)
	}
	if err := h.client.Set(ctx, stateKeyPrefix+userID, payload, 0).Err(); err != nil {
		return fmt.Errorf("%w: write ban: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// IsSuspended reports whether the user may not be served. When the store
// cannot answer, the user counts as suspended.
func (h *Handler) IsSuspended(ctx context.Context, userID string) (bool, error) {
	record, err := h.Status(ctx, userID)
	if err != nil {
		return true, err
	}
	return record.State != Active, nil
}

// Status returns the current account record. An absent key means ACTIVE.
func (h *Handler) Status(ctx context.Context, userID string) (SuspensionRecord, error) {
	payload, err := h.client.Get(ctx, stateKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return SuspensionRecord{UserID: userID, State: Active}, nil
	}
	if err != nil {
		return SuspensionRecord{}, fmt.Errorf("%w: read account state: %v", domain.ErrSuspensionUncertain, err)
	}
	var record SuspensionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return SuspensionRecord{}, fmt.Errorf("%w: decode account state: %v", domain.ErrSuspensionUncertain, err)
	}
	return record, nil
}

// Violations returns the current windowed violation count.
func (h *Handler) Violations(ctx context.Context, userID string) (int, error) {
	count, err := h.client.Get(ctx, violationKeyPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read violations: %v", domain.ErrStoreUnavailable, err)
	}
	return count, nil
}
