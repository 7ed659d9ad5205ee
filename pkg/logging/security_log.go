package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SecurityEvent is a structured security observation. Ticket carries the
// support ticket id so diagnostic detail can be correlated with the generic
// refusal the caller received.
type SecurityEvent struct {
	Kind     string
	Ticket   string
	UserID   string
	Category string
	Detail   string
	TraceID  string
	At       time.Time
}

// SecurityLog writes security events through a bounded queue consumed by a
// dedicated goroutine. Emit never blocks the request path; when the queue is
// full the event is counted as dropped and the caller continues.
type SecurityLog struct {
	logger  *slog.Logger
	queue   chan SecurityEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewSecurityLog starts the writer goroutine. A queueSize of zero selects a
// reasonable default.
func NewSecurityLog(logger *slog.Logger, queueSize int) *SecurityLog {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &SecurityLog{
		logger: logger,
		queue:  make(chan SecurityEvent, queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit enqueues the event without blocking. Returns false when the event was
// dropped because the queue was full.
func (s *SecurityLog) Emit(evt SecurityEvent) bool {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	// The send happens under the mutex so Close cannot close the channel
	// between the closed check and the send. The send never blocks, so the
	// critical section stays short.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return false
	}
	select {
	case s.queue <- evt:
		return true
	default:
		s.dropped++
		return false
	}
}

// Dropped reports how many events were discarded due to queue pressure.
func (s *SecurityLog) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting events and drains the queue until ctx expires.
func (s *SecurityLog) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SecurityLog) run() {
	defer close(s.done)
	for evt := range s.queue {
		s.logger.Info("security_event",
			"kind", evt.Kind,
			"ticket", evt.Ticket,
			"user_id", evt.UserID,
			"category", evt.Category,
			"detail", evt.Detail,
			"trace_id", evt.TraceID,
			"at", evt.At.Format(time.RFC3339Nano),
		)
	}
}
