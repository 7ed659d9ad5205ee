// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the enforcement service.
//
// It centralises trace provider setup, applies service resource attributes,
// and offers enrichment helpers that attach enforcement metadata to spans so
// operators can correlate refusals with pipeline behaviour. Span attributes
// pass through a redaction policy before export; request text never leaves
// the process through telemetry.
package telemetry
