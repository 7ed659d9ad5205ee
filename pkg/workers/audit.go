package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aegisai/aegis-oss/pkg/domain"
	"github.com/aegisai/aegis-oss/pkg/logging"
	"github.com/aegisai/aegis-oss/pkg/telemetry"
)

// AuditWorker drains the audit stream into the security log and metrics.
type AuditWorker struct {
	seclog  *logging.SecurityLog
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewAuditWorker builds an audit worker.
func NewAuditWorker(seclog *logging.SecurityLog, metrics *telemetry.Metrics, logger *slog.Logger) *AuditWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditWorker{seclog: seclog, metrics: metrics, log: logger}
}

// Handle processes one audit event.
func (w *AuditWorker) Handle(_ context.Context, msg domain.StreamMessage) error {
	var event domain.AuditEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("%w: decode audit event: %v", domain.ErrPermanentFailure, err)
	}

	if w.seclog != nil {
		w.seclog.Emit(logging.SecurityEvent{
			Kind:     "audit",
			Ticket:   event.TicketID,
			UserID:   event.UserID,
			Category: event.Category,
			Detail:   event.Detail,
			At:       event.OccurredAt,
		})
	}
	if w.metrics != nil {
		w.metrics.RecordStreamMessage(domain.StreamAudit, "processed")
		w.metrics.RecordRefusal(string(event.Reason))
	}
	w.log.Info("audit event",
		"ticket_id", event.TicketID,
		"user_id", event.UserID,
		"reason", event.Reason,
		"category", event.Category)
	return nil
}
