// Package pipeline runs the synchronous admission path: every inference
// request passes the full stage chain before it is allowed onto the admitted
// stream, and every denial leaves as a uniform refusal envelope.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisai/aegis-oss/internal/governance"
	"github.com/aegisai/aegis-oss/pkg/domain"
	"github.com/aegisai/aegis-oss/pkg/escalation"
	"github.com/aegisai/aegis-oss/pkg/guardian"
	"github.com/aegisai/aegis-oss/pkg/logging"
	"github.com/aegisai/aegis-oss/pkg/policy"
	"github.com/aegisai/aegis-oss/pkg/privacy"
	"github.com/aegisai/aegis-oss/pkg/streams"
	"github.com/aegisai/aegis-oss/pkg/telemetry"
)

// AskPolicy selects how an unresolved privacy ASK is handled at admission.
type AskPolicy string

const (
	// AskBlock refuses the request until the caller resubmits with a choice.
	AskBlock AskPolicy = "block"
	// AskLog admits the request and queues a privacy follow-up job.
	AskLog AskPolicy = "log"
)

// Request is one admission attempt.
type Request struct {
	Identity      domain.UserIdentity
	Body          string
	ContextID     string
	PrivacyChoice privacy.Choice
	SourceIP      string
}

// Options wire the pipeline's collaborators.
type Options struct {
	Client      *redis.Client
	Limiter     *governance.RateLimiter
	Risk        *governance.RiskScore
	Suspensions *escalation.Handler
	Privacy     *privacy.Engine
	Guardian    *guardian.Engine
	Policy      *policy.Engine
	Producer    *streams.Producer
	SecurityLog *logging.SecurityLog
	Metrics     *telemetry.Metrics
	Hub         *streams.Hub
	Logger      *slog.Logger

	// AskPolicy defaults to AskBlock.
	AskPolicy AskPolicy
	// RiskBump is added to the caller's risk score on each violation.
	RiskBump float64
}

// Pipeline orders the admission stages. Stage order is fixed: cheap and
// non-discretionary checks run before expensive content analysis.
type Pipeline struct {
	client      *redis.Client
	limiter     *governance.RateLimiter
	risk        *governance.RiskScore
	suspensions *escalation.Handler
	privacy     *privacy.Engine
	guardian    *guardian.Engine
	policy      *policy.Engine
	producer    *streams.Producer
	seclog      *logging.SecurityLog
	metrics     *telemetry.Metrics
	hub         *streams.Hub
	log         *slog.Logger
	askPolicy   AskPolicy
	riskBump    float64
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	if opts.AskPolicy != AskLog {
		opts.AskPolicy = AskBlock
	}
	if opts.RiskBump <= 0 {
		opts.RiskBump = 1.0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		client:      opts.Client,
		limiter:     opts.Limiter,
		risk:        opts.Risk,
		suspensions: opts.Suspensions,
		privacy:     opts.Privacy,
		guardian:    opts.Guardian,
		policy:      opts.Policy,
		producer:    opts.Producer,
		seclog:      opts.SecurityLog,
		metrics:     opts.Metrics,
		hub:         opts.Hub,
		log:         opts.Logger,
		askPolicy:   opts.AskPolicy,
		riskBump:    opts.RiskBump,
	}
}

// Evaluate runs the full stage chain. On admission it returns the ticket; on
// denial the StageDecision carries the refusal envelope. A panic anywhere in
// the chain collapses into a SAFETY_UNAVAILABLE denial.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) (admission domain.Admission, decision domain.StageDecision) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic", "panic", r, "user_id", req.Identity.ID)
			decision = p.refuse(ctx, req, "pipeline", domain.Deny(domain.ReasonSafetyUnavailable), "internal panic")
		}
	}()

	if !req.Identity.Valid() {
		return domain.Admission{}, p.refuse(ctx, req, "identity",
			domain.Deny(domain.ReasonSafetyUnavailable), "invalid identity")
	}

	annotateSpan(ctx, req)

	body := req.Body
	stages := []struct {
		name string
		run  func(ctx context.Context) domain.StageDecision
	}{
		{"liveness", p.stageLiveness},
		{"suspension", func(ctx context.Context) domain.StageDecision {
			return p.stageSuspension(ctx, req)
		}},
		{"ratelimit", func(ctx context.Context) domain.StageDecision {
			return p.stageRateLimit(ctx, req)
		}},
		{"privacy", func(ctx context.Context) domain.StageDecision {
			return p.stagePrivacy(ctx, req, body)
		}},
		{"guardian", func(ctx context.Context) domain.StageDecision {
			return p.stageGuardian(ctx, req, body)
		}},
	}

	for _, stage := range stages {
		started := time.Now()
		d := stage.run(ctx)
		p.observeStage(ctx, stage.name, req.Identity, d, time.Since(started))

		switch d.Verdict {
		case domain.VerdictDeny:
			return domain.Admission{}, p.refuse(ctx, req, stage.name, d, "")
		case domain.VerdictMutate:
			body = d.Body
		}
	}

	return p.enqueue(ctx, req, body)
}

// annotateSpan attaches request attributes to the active span, passed through
// the redaction policy so the caller id is hashed and the body never leaves
// the process.
func annotateSpan(ctx context.Context, req Request) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(telemetry.RedactAttributes([]attribute.KeyValue{
		attribute.String("enforcement.user_id", req.Identity.ID),
		attribute.String("enforcement.tier", string(req.Identity.Tier)),
		attribute.String("enforcement.request_text", req.Body),
	})...)
}

func (p *Pipeline) stageLiveness(ctx context.Context) domain.StageDecision {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.client.Ping(pingCtx).Err(); err != nil {
		p.log.Error("store liveness check failed", "error", err)
		return domain.Deny(domain.ReasonSafetyUnavailable)
	}
	return domain.Pass()
}

func (p *Pipeline) stageSuspension(ctx context.Context, req Request) domain.StageDecision {
	suspended, err := p.suspensions.IsSuspended(ctx, req.Identity.ID)
	if err != nil {
		// Uncertain state counts as suspended.
		p.log.Error("suspension check failed", "error", err, "user_id", req.Identity.ID)
		return domain.Deny(domain.ReasonUserSuspended)
	}
	if suspended {
		return domain.Deny(domain.ReasonUserSuspended)
	}
	return domain.Pass()
}

func (p *Pipeline) stageRateLimit(ctx context.Context, req Request) domain.StageDecision {
	dec, err := p.limiter.Check(ctx, req.Identity.ID, req.Identity.Tier)
	if err != nil {
		p.log.Error("rate limit check failed", "error", err, "user_id", req.Identity.ID)
		return domain.Deny(domain.ReasonSafetyUnavailable)
	}
	if !dec.Allowed {
		return domain.DenyRetryAfter(domain.ReasonRateLimited, dec.RetryAfter)
	}
	return domain.Pass()
}

func (p *Pipeline) stagePrivacy(ctx context.Context, req Request, body string) domain.StageDecision {
	mode := privacy.ModeSingular
	if req.ContextID != "" {
		mode = privacy.ModeCollaborative
	}
	result := p.privacy.Process(ctx, privacy.Request{
		Text:      body,
		Mode:      mode,
		ContextID: req.ContextID,
		Choice:    req.PrivacyChoice,
	})

	if p.metrics != nil {
		for _, match := range result.Matches {
			p.metrics.RecordDetection(string(match.Kind), string(match.Action))
		}
	}

	switch {
	case result.Action == privacy.ActionBlock:
		p.recordViolation(ctx, req, "privacy", string(domain.ReasonPrivacyViolation))
		return domain.Deny(domain.ReasonPrivacyViolation)
	case result.RequiresUserInput:
		if p.askPolicy == AskBlock {
			return domain.Deny(domain.ReasonPrivacyChoiceRequired)
		}
		p.queuePrivacyJob(ctx, req, result)
		if result.MaskedText == "" {
			// No safe rendition to forward.
			return domain.Deny(domain.ReasonPrivacyViolation)
		}
		return domain.Mutate(result.MaskedText)
	case result.MaskedText != "":
		return domain.Mutate(result.MaskedText)
	default:
		return domain.Pass()
	}
}

func (p *Pipeline) stageGuardian(ctx context.Context, req Request, body string) domain.StageDecision {
	matches := p.guardian.Evaluate(ctx, body)
	if len(matches) == 0 {
		return domain.Pass()
	}

	band := governance.RiskHigh
	if score, err := p.risk.Current(ctx, req.Identity.ID); err == nil {
		band = governance.Band(score)
	}

	for _, match := range matches {
		if p.metrics != nil {
			p.metrics.RecordGuardianMatch(match.Category, string(match.Severity), string(match.Action))
		}
		block, err := p.policy.ShouldBlock(ctx, policy.EnforcementInput{
			Tier:     string(req.Identity.Tier),
			Category: match.Category,
			Severity: string(match.Severity),
			Action:   string(match.Action),
			RiskBand: string(band),
		})
		if err != nil {
			p.log.Error("enforcement policy evaluation failed", "error", err, "rule", match.RuleID)
			block = true
		}
		if block {
			p.recordViolation(ctx, req, match.Category, match.RuleID)
			return domain.Deny(domain.ReasonContentPolicy)
		}
	}
	return domain.Pass()
}

func (p *Pipeline) enqueue(ctx context.Context, req Request, body string) (domain.Admission, domain.StageDecision) {
	started := time.Now()
	msg := domain.InferenceRequest{
		TicketID:  uuid.NewString(),
		Identity:  req.Identity,
		Body:      body,
		ContextID: req.ContextID,
		Admitted:  time.Now().UTC(),
	}
	id, err := p.producer.Publish(ctx, domain.StreamAdmitted, msg)
	p.observeStage(ctx, "enqueue", req.Identity, domain.Pass(), time.Since(started))
	if err != nil {
		p.log.Error("admitted enqueue failed", "error", err, "user_id", req.Identity.ID)
		return domain.Admission{}, p.refuse(ctx, req, "enqueue",
			domain.Deny(domain.ReasonSafetyUnavailable), "enqueue failed")
	}

	if p.metrics != nil {
		p.metrics.RecordRequest(string(req.Identity.Tier), "admitted")
	}
	if p.hub != nil {
		p.hub.Publish(streams.NewEvent("request.admitted", map[string]string{
			"ticket_id": msg.TicketID,
			"tier":      string(req.Identity.Tier),
		}))
	}
	return domain.Admission{TicketID: msg.TicketID, MessageID: id, Admitted: msg.Admitted}, domain.Pass()
}

// refuse finalises a denial: counters, security log and hub event all key off
// the envelope's support ticket.
func (p *Pipeline) refuse(ctx context.Context, req Request, stage string, d domain.StageDecision, detail string) domain.StageDecision {
	telemetry.RecordRefusal(trace.SpanFromContext(ctx), stage,
		string(d.Refusal.ReasonCode), d.Refusal.SupportTicketID)
	if p.metrics != nil {
		p.metrics.RecordRequest(string(req.Identity.Tier), "refused")
		p.metrics.RecordRefusal(string(d.Refusal.ReasonCode))
	}
	if p.seclog != nil {
		p.seclog.Emit(logging.SecurityEvent{
			Kind:     "refusal",
			Ticket:   d.Refusal.SupportTicketID,
			UserID:   req.Identity.ID,
			Category: stage,
			Detail:   detail,
		})
	}
	if p.hub != nil {
		p.hub.Publish(streams.NewEvent("request.refused", map[string]string{
			"ticket_id": d.Refusal.SupportTicketID,
			"reason":    string(d.Refusal.ReasonCode),
			"stage":     stage,
		}))
	}
	return d
}

func (p *Pipeline) recordViolation(ctx context.Context, req Request, category, detail string) {
	if _, err := p.risk.Observe(ctx, req.Identity.ID, p.riskBump); err != nil {
		p.log.Error("risk bump failed", "error", err, "user_id", req.Identity.ID)
	}
	suspended, err := p.suspensions.RecordViolation(ctx, req.Identity, category)
	if err != nil {
		p.log.Error("violation record failed", "error", err, "user_id", req.Identity.ID)
		return
	}
	if suspended {
		if p.metrics != nil {
			p.metrics.RecordSuspension()
		}
		if p.hub != nil {
			p.hub.Publish(streams.NewEvent("user.suspended", map[string]string{
				"user_id":  req.Identity.ID,
				"category": category,
				"detail":   detail,
			}))
		}
	}
}

func (p *Pipeline) queuePrivacyJob(ctx context.Context, req Request, result privacy.Result) {
	kinds := make([]string, 0, len(result.Matches))
	for _, match := range result.Matches {
		if match.Action == privacy.ActionAsk {
			kinds = append(kinds, string(match.Kind))
		}
	}
	job := domain.PrivacyJob{
		TicketID:  uuid.NewString(),
		UserID:    req.Identity.ID,
		ContextID: req.ContextID,
		Kinds:     kinds,
		QueuedAt:  time.Now().UTC(),
	}
	if _, err := p.producer.Publish(ctx, domain.StreamPrivacyJobs, job); err != nil {
		p.log.Error("privacy job enqueue failed", "error", err, "user_id", req.Identity.ID)
	}
}

func (p *Pipeline) observeStage(ctx context.Context, stage string, identity domain.UserIdentity, d domain.StageDecision, elapsed time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveStage(stage, elapsed)
	}
	outcome := telemetry.OutcomePass
	reason := ""
	switch d.Verdict {
	case domain.VerdictMutate:
		outcome = telemetry.OutcomeMutate
	case domain.VerdictDeny:
		outcome = telemetry.OutcomeDeny
		reason = string(d.Refusal.ReasonCode)
	}
	telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
		Stage:    stage,
		Tier:     string(identity.Tier),
		Outcome:  outcome,
		Reason:   reason,
		Duration: elapsed,
	})
}
