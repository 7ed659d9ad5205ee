package domain

import "time"

// Logical stream names. The transport maps these onto durable streams with
// consumer groups, per-message acknowledgement and visibility-timeout
// redelivery.
const (
	StreamAdmitted    = "aegis.admitted"
	StreamResponses   = "aegis.responses"
	StreamAudit       = "aegis.audit"
	StreamPrivacyJobs = "aegis.privacy-jobs"
	StreamDeadLetter  = "aegis.dead-letter"
)

// InferenceRequest is the payload carried on the admitted-requests stream.
// Body is the post-shield text: masking applied by the privacy stage is
// already baked in before enqueue.
type InferenceRequest struct {
	TicketID  string       `json:"ticket_id"`
	Identity  UserIdentity `json:"identity"`
	Body      string       `json:"body"`
	ContextID string       `json:"context_id,omitempty"`
	Admitted  time.Time    `json:"admitted"`
}

// InferenceResponse is the payload published to the approved-responses stream
// after the post-check passes.
type InferenceResponse struct {
	TicketID  string    `json:"ticket_id"`
	UserID    string    `json:"user_id"`
	Output    string    `json:"output"`
	Completed time.Time `json:"completed"`
}

// AuditEvent is the payload published to the audit stream whenever a request
// is refused after admission or a post-check blocks model output.
type AuditEvent struct {
	TicketID   string     `json:"ticket_id"`
	UserID     string     `json:"user_id"`
	Reason     ReasonCode `json:"reason"`
	Category   string     `json:"category,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// PrivacyJob is the payload for asynchronous privacy confirmation work queued
// when the ASK policy admits a request pending user follow-up.
type PrivacyJob struct {
	TicketID  string    `json:"ticket_id"`
	UserID    string    `json:"user_id"`
	ContextID string    `json:"context_id,omitempty"`
	Kinds     []string  `json:"kinds"`
	QueuedAt  time.Time `json:"queued_at"`
}

// StreamMessage is a delivered message as seen by a consumer. DeliveryCount
// counts deliveries within the consumer group; messages past the transport's
// delivery cap are routed to the dead-letter stream instead of reprocessing.
type StreamMessage struct {
	ID            string
	Stream        string
	Payload       []byte
	DeliveryCount int64
}
