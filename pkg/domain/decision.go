package domain

import "time"

// StageVerdict classifies the outcome of a single pipeline stage.
type StageVerdict string

const (
	// VerdictPass lets the request continue to the next stage unchanged.
	VerdictPass StageVerdict = "pass"
	// VerdictMutate lets the request continue with a rewritten body.
	VerdictMutate StageVerdict = "mutate"
	// VerdictDeny stops the pipeline and returns the attached refusal.
	VerdictDeny StageVerdict = "deny"
)

// StageDecision is the tagged result threaded through the pipeline instead of
// using errors as control flow. True faults are caught once at the pipeline
// boundary and converted to a SAFETY_UNAVAILABLE deny.
type StageDecision struct {
	Verdict    StageVerdict
	Refusal    RefusalEnvelope
	Body       string
	RetryAfter time.Duration
}

// Pass continues the pipeline unchanged.
func Pass() StageDecision {
	return StageDecision{Verdict: VerdictPass}
}

// Mutate continues the pipeline with a rewritten body.
func Mutate(body string) StageDecision {
	return StageDecision{Verdict: VerdictMutate, Body: body}
}

// Deny stops the pipeline with a refusal for the given reason.
func Deny(code ReasonCode) StageDecision {
	return StageDecision{Verdict: VerdictDeny, Refusal: NewRefusal(code)}
}

// DenyRetryAfter stops the pipeline with a refusal carrying a retry hint.
func DenyRetryAfter(code ReasonCode, retryAfter time.Duration) StageDecision {
	d := Deny(code)
	d.RetryAfter = retryAfter
	return d
}

// Denied reports whether the decision stops the request.
func (d StageDecision) Denied() bool {
	return d.Verdict == VerdictDeny
}

// Admission is the successful outcome of the synchronous path: the request was
// enqueued and a ticket handed back for correlation.
type Admission struct {
	TicketID  string    `json:"ticket_id"`
	MessageID string    `json:"message_id"`
	Admitted  time.Time `json:"admitted"`
}
