// Package workers runs the asynchronous half of the pipeline: consuming
// admitted requests, invoking the model and post-checking its output before
// anything reaches the response stream.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aegisai/aegis-oss/internal/governance"
	"github.com/aegisai/aegis-oss/pkg/domain"
	"github.com/aegisai/aegis-oss/pkg/escalation"
	"github.com/aegisai/aegis-oss/pkg/guardian"
	"github.com/aegisai/aegis-oss/pkg/policy"
	"github.com/aegisai/aegis-oss/pkg/privacy"
	"github.com/aegisai/aegis-oss/pkg/streams"
	"github.com/aegisai/aegis-oss/pkg/telemetry"
)

// InferenceOptions wire the inference worker's collaborators.
type InferenceOptions struct {
	Invoker     domain.ModelInvoker
	Breaker     *governance.CircuitBreaker
	Guardian    *guardian.Engine
	Privacy     *privacy.Engine
	Policy      *policy.Engine
	Risk        *governance.RiskScore
	Suspensions *escalation.Handler
	Producer    *streams.Producer
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger

	// InvokeTimeout bounds one model call. Zero selects 60s.
	InvokeTimeout time.Duration
	// PostCheckTimeout bounds the output check. Zero selects 5s.
	PostCheckTimeout time.Duration
	// RiskBump is added to the caller's risk score per output violation.
	RiskBump float64
}

// InferenceWorker handles messages from the admitted-requests stream. Output
// is gated exactly like input: nothing reaches the response stream without
// passing the guardian and privacy engines.
type InferenceWorker struct {
	invoker     domain.ModelInvoker
	breaker     *governance.CircuitBreaker
	guardian    *guardian.Engine
	privacy     *privacy.Engine
	policy      *policy.Engine
	risk        *governance.RiskScore
	suspensions *escalation.Handler
	producer    *streams.Producer
	metrics     *telemetry.Metrics
	log         *slog.Logger

	invokeTimeout    time.Duration
	postCheckTimeout time.Duration
	riskBump         float64
}

// NewInferenceWorker builds a worker.
func NewInferenceWorker(opts InferenceOptions) *InferenceWorker {
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 60 * time.Second
	}
	if opts.PostCheckTimeout <= 0 {
		opts.PostCheckTimeout = 5 * time.Second
	}
	if opts.RiskBump <= 0 {
		opts.RiskBump = 1.0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breaker == nil {
		opts.Breaker = governance.NewCircuitBreaker(governance.DefaultCircuitBreakerConfig())
	}
	return &InferenceWorker{
		invoker:          opts.Invoker,
		breaker:          opts.Breaker,
		guardian:         opts.Guardian,
		privacy:          opts.Privacy,
		policy:           opts.Policy,
		risk:             opts.Risk,
		suspensions:      opts.Suspensions,
		producer:         opts.Producer,
		metrics:          opts.Metrics,
		log:              opts.Logger,
		invokeTimeout:    opts.InvokeTimeout,
		postCheckTimeout: opts.PostCheckTimeout,
		riskBump:         opts.RiskBump,
	}
}

// Handle processes one admitted request end to end.
func (w *InferenceWorker) Handle(ctx context.Context, msg domain.StreamMessage) error {
	var req domain.InferenceRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("%w: decode admitted request: %v", domain.ErrPermanentFailure, err)
	}

	output, err := w.invoke(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrInvocationTimeout) {
			// A hung upstream is treated like unsafe output, not retried.
			w.audit(ctx, req, domain.ReasonSafetyUnavailable, "model", "invocation timeout")
			return fmt.Errorf("%w: %v", domain.ErrPermanentFailure, err)
		}
		// Transient upstream failure, leave the message for redelivery.
		return err
	}

	output, err = w.postCheck(ctx, req, output)
	if err != nil {
		if errors.Is(err, errOutputRejected) {
			// Audited and escalated inside postCheck; do not retry.
			return nil
		}
		return err
	}

	if _, err := w.producer.Publish(ctx, domain.StreamResponses, domain.InferenceResponse{
		TicketID:  req.TicketID,
		UserID:    req.Identity.ID,
		Output:    output,
		Completed: time.Now().UTC(),
	}); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.RecordStreamMessage(domain.StreamAdmitted, "completed")
	}
	return nil
}

func (w *InferenceWorker) invoke(ctx context.Context, req domain.InferenceRequest) (string, error) {
	if err := w.breaker.Allow(); err != nil {
		return "", fmt.Errorf("model invocation: %w", err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, w.invokeTimeout)
	defer cancel()

	started := time.Now()
	type invokeResult struct {
		output string
		err    error
	}
	resultCh := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- invokeResult{err: fmt.Errorf("model invoker panic: %v", r)}
			}
		}()
		output, err := w.invoker.Invoke(invokeCtx, req)
		resultCh <- invokeResult{output: output, err: err}
	}()

	var output string
	var err error
	select {
	case res := <-resultCh:
		output, err = res.output, res.err
	case <-invokeCtx.Done():
		err = fmt.Errorf("%w: after %s", domain.ErrInvocationTimeout, w.invokeTimeout)
	}

	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrInvocationTimeout):
		outcome = "timeout"
		w.breaker.Failure()
	case err != nil:
		outcome = "error"
		w.breaker.Failure()
	default:
		w.breaker.Success()
	}
	if w.metrics != nil {
		w.metrics.RecordModelInvocation(outcome, time.Since(started))
	}
	if err != nil {
		w.log.Error("model invocation failed",
			"ticket_id", req.TicketID, "outcome", outcome, "error", err)
		return "", err
	}
	return output, nil
}

// errOutputRejected marks model output that was blocked by the post-check.
var errOutputRejected = errors.New("model output rejected")

// postCheck runs the same engines over model output that admission ran over
// input. The returned text may carry output-side masking.
func (w *InferenceWorker) postCheck(ctx context.Context, req domain.InferenceRequest, output string) (string, error) {
	checkCtx, cancel := context.WithTimeout(ctx, w.postCheckTimeout)
	defer cancel()

	matches := w.guardian.Evaluate(checkCtx, output)
	if checkCtx.Err() != nil {
		// Unverifiable output never ships.
		w.audit(ctx, req, domain.ReasonSafetyUnavailable, "post_check", domain.ErrPostCheckTimeout.Error())
		return "", fmt.Errorf("%w: %w", errOutputRejected, domain.ErrPostCheckTimeout)
	}

	band := governance.RiskHigh
	if score, err := w.risk.Current(checkCtx, req.Identity.ID); err == nil {
		band = governance.Band(score)
	}
	for _, match := range matches {
		block, err := w.policy.ShouldBlock(checkCtx, policy.EnforcementInput{
			Tier:     string(req.Identity.Tier),
			Category: match.Category,
			Severity: string(match.Severity),
			Action:   string(match.Action),
			RiskBand: string(band),
		})
		if err != nil {
			w.log.Error("enforcement policy evaluation failed",
				"error", err, "rule", match.RuleID, "ticket_id", req.TicketID)
			block = true
		}
		if block {
			w.reject(ctx, req, domain.ReasonContentPolicy, match.Category, match.RuleID)
			return "", errOutputRejected
		}
	}

	result := w.privacy.Process(checkCtx, privacy.Request{
		Text:      output,
		Mode:      privacy.ModeSingular,
		ContextID: req.ContextID,
	})
	switch {
	case result.Action == privacy.ActionBlock:
		w.reject(ctx, req, domain.ReasonPrivacyViolation, "privacy", "output disclosure blocked")
		return "", errOutputRejected
	case result.RequiresUserInput:
		// There is no caller to ask on the output path.
		w.reject(ctx, req, domain.ReasonPrivacyViolation, "privacy", "output disclosure requires choice")
		return "", errOutputRejected
	case result.MaskedText != "":
		return result.MaskedText, nil
	default:
		return output, nil
	}
}

// reject audits a policy failure and escalates the violation.
func (w *InferenceWorker) reject(ctx context.Context, req domain.InferenceRequest, reason domain.ReasonCode, category, detail string) {
	w.audit(ctx, req, reason, category, detail)

	if _, err := w.risk.Observe(ctx, req.Identity.ID, w.riskBump); err != nil {
		w.log.Error("risk bump failed", "error", err, "user_id", req.Identity.ID)
	}
	suspended, err := w.suspensions.RecordViolation(ctx, req.Identity, category)
	if err != nil {
		w.log.Error("violation record failed", "error", err, "user_id", req.Identity.ID)
		return
	}
	if suspended && w.metrics != nil {
		w.metrics.RecordSuspension()
	}
}

func (w *InferenceWorker) audit(ctx context.Context, req domain.InferenceRequest, reason domain.ReasonCode, category, detail string) {
	telemetry.RecordRefusal(trace.SpanFromContext(ctx), category, string(reason), req.TicketID)
	event := domain.AuditEvent{
		TicketID:   req.TicketID,
		UserID:     req.Identity.ID,
		Reason:     reason,
		Category:   category,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	if _, err := w.producer.Publish(ctx, domain.StreamAudit, event); err != nil {
		// The audit stream is down; the security log is the fallback trail.
		w.log.Error("audit publish failed",
			"error", err, "ticket_id", req.TicketID, "reason", reason)
	}
	if w.metrics != nil {
		w.metrics.RecordStreamMessage(domain.StreamAdmitted, "rejected")
	}
}
