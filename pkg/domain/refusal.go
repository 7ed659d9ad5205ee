package domain

import (
	"net/http"

	"github.com/google/uuid"
)

// ReasonCode is the machine-readable classification carried by every denial.
type ReasonCode string

const (
	// ReasonSafetyUnavailable covers infrastructure failure and any internal
	// error the pipeline collapses into the fail-closed path.
	ReasonSafetyUnavailable ReasonCode = "SAFETY_UNAVAILABLE"
	// ReasonUserSuspended covers callers with an active suspension record.
	ReasonUserSuspended ReasonCode = "USER_SUSPENDED"
	// ReasonRateLimited covers token bucket exhaustion and IP backoff.
	ReasonRateLimited ReasonCode = "RATE_LIMITED"
	// ReasonPrivacyViolation covers blocked PII disclosures.
	ReasonPrivacyViolation ReasonCode = "PRIVACY_VIOLATION"
	// ReasonContentPolicy covers guardian rule matches above threshold.
	ReasonContentPolicy ReasonCode = "CONTENT_POLICY"
	// ReasonPrivacyChoiceRequired is returned when detected PII needs an
	// explicit handling choice from the caller before the request can proceed.
	ReasonPrivacyChoiceRequired ReasonCode = "PRIVACY_CHOICE_REQUIRED"
)

// HTTPStatus maps a reason code to its wire status. The mapping is part of the
// stable refusal contract.
func (c ReasonCode) HTTPStatus() int {
	switch c {
	case ReasonSafetyUnavailable:
		return http.StatusServiceUnavailable
	case ReasonUserSuspended:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonPrivacyViolation, ReasonContentPolicy:
		return http.StatusUnprocessableEntity
	case ReasonPrivacyChoiceRequired:
		return http.StatusPreconditionRequired
	default:
		return http.StatusServiceUnavailable
	}
}

// RefusalEnvelope is the single shape every denial takes on the wire.
// Diagnostic detail never rides in the envelope; it is correlated through the
// support ticket id in the security log.
type RefusalEnvelope struct {
	ReasonCode      ReasonCode `json:"reason_code"`
	SupportTicketID string     `json:"support_ticket_id"`
	Message         string     `json:"message"`
}

// refusalMessages keeps user-visible text deliberately generic.
var refusalMessages = map[ReasonCode]string{
	ReasonSafetyUnavailable:     "The safety system is temporarily unavailable. Please retry shortly.",
	ReasonUserSuspended:         "This account cannot submit requests at this time.",
	ReasonRateLimited:           "Request rate exceeded. Please slow down and retry.",
	ReasonPrivacyViolation:      "The request was declined by privacy policy.",
	ReasonContentPolicy:         "The request was declined by content policy.",
	ReasonPrivacyChoiceRequired: "Sensitive data was detected. Confirm how it should be handled and resubmit.",
}

// NewRefusal builds an envelope with a fresh support ticket id.
func NewRefusal(code ReasonCode) RefusalEnvelope {
	msg, ok := refusalMessages[code]
	if !ok {
		code = ReasonSafetyUnavailable
		msg = refusalMessages[ReasonSafetyUnavailable]
	}
	return RefusalEnvelope{
		ReasonCode:      code,
		SupportTicketID: uuid.NewString(),
		Message:         msg,
	}
}
