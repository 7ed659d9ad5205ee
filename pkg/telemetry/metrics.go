package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the enforcement service
type Metrics struct {
	// Admission metrics
	requestsTotal *prometheus.CounterVec
	refusalsTotal *prometheus.CounterVec
	stageLatency  *prometheus.HistogramVec

	// Privacy metrics
	detectionsTotal *prometheus.CounterVec

	// Guardian metrics
	guardianMatches *prometheus.CounterVec

	// Stream metrics
	streamMessages  *prometheus.CounterVec
	deadLetterTotal *prometheus.CounterVec

	// Escalation metrics
	suspensionsTotal prometheus.Counter

	// Model invocation metrics
	modelInvocations *prometheus.CounterVec
	modelLatency     prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all service metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_requests_total",
				Help: "Total number of inference requests by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),

		refusalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_refusals_total",
				Help: "Total number of refusals by reason code",
			},
			[]string{"reason"},
		),

		stageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_stage_duration_seconds",
				Help:    "Pipeline stage latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),

		detectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_privacy_detections_total",
				Help: "Total number of privacy detections by kind and resolved action",
			},
			[]string{"kind", "action"},
		),

		guardianMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_guardian_matches_total",
				Help: "Total number of guardian rule matches by category, severity and action",
			},
			[]string{"category", "severity", "action"},
		),

		streamMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_stream_messages_total",
				Help: "Total number of stream messages processed by stream and result",
			},
			[]string{"stream", "result"},
		),

		deadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_dead_letter_total",
				Help: "Total number of messages routed to the dead-letter stream",
			},
			[]string{"stream"},
		),

		suspensionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_suspensions_total",
				Help: "Total number of automatic account suspensions",
			},
		),

		modelInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_model_invocations_total",
				Help: "Total number of model invocations by outcome",
			},
			[]string{"outcome"},
		),

		modelLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aegis_model_invocation_duration_seconds",
				Help:    "Model invocation latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.refusalsTotal,
		m.stageLatency,
		m.detectionsTotal,
		m.guardianMatches,
		m.streamMessages,
		m.deadLetterTotal,
		m.suspensionsTotal,
		m.modelInvocations,
		m.modelLatency,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one admission decision.
func (m *Metrics) RecordRequest(tier, outcome string) {
	m.requestsTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordRefusal counts one refusal by reason code.
func (m *Metrics) RecordRefusal(reason string) {
	m.refusalsTotal.WithLabelValues(reason).Inc()
}

// ObserveStage records one pipeline stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordDetection counts one privacy detection.
func (m *Metrics) RecordDetection(kind, action string) {
	m.detectionsTotal.WithLabelValues(kind, action).Inc()
}

// RecordGuardianMatch counts one guardian rule match.
func (m *Metrics) RecordGuardianMatch(category, severity, action string) {
	m.guardianMatches.WithLabelValues(category, severity, action).Inc()
}

// RecordStreamMessage counts one handled stream delivery.
func (m *Metrics) RecordStreamMessage(stream, result string) {
	m.streamMessages.WithLabelValues(stream, result).Inc()
}

// RecordDeadLetter counts one dead-lettered message.
func (m *Metrics) RecordDeadLetter(stream string) {
	m.deadLetterTotal.WithLabelValues(stream).Inc()
}

// RecordSuspension counts one automatic suspension.
func (m *Metrics) RecordSuspension() {
	m.suspensionsTotal.Inc()
}

// RecordModelInvocation counts one model call and its latency.
func (m *Metrics) RecordModelInvocation(outcome string, d time.Duration) {
	m.modelInvocations.WithLabelValues(outcome).Inc()
	m.modelLatency.Observe(d.Seconds())
}
