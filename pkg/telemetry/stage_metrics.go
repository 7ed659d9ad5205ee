package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	stageMetricsOnce     sync.Once
	stageMetricsInitErr  error
	stageRunCounter      metric.Int64Counter
	stageRefusalCounter  metric.Int64Counter
	stageLatencyRecorder metric.Float64Histogram
)

// StageOutcome classifies one pipeline stage execution.
type StageOutcome string

const (
	OutcomePass    StageOutcome = "pass"
	OutcomeMutate  StageOutcome = "mutate"
	OutcomeDeny    StageOutcome = "deny"
	OutcomeFailure StageOutcome = "failure"
)

// StageMetrics captures the fields needed to record stage telemetry.
type StageMetrics struct {
	Stage    string
	Tier     string
	Outcome  StageOutcome
	Reason   string
	Duration time.Duration
}

// RecordStageMetrics emits counters and histograms that describe pipeline
// stage behaviour through the process meter provider.
func RecordStageMetrics(ctx context.Context, metrics StageMetrics) {
	if err := ensureStageMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", metrics.Stage),
		attribute.String("caller.tier", metrics.Tier),
		attribute.String("stage.outcome", string(metrics.Outcome)),
	}

	stageRunCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		stageLatencyRecorder.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == OutcomeDeny {
		denyAttrs := append(attrs, attribute.String("refusal.reason", metrics.Reason))
		stageRefusalCounter.Add(ctx, 1, metric.WithAttributes(denyAttrs...))
	}
}

func ensureStageMetrics() error {
	stageMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("aegis.pipeline")

		stageRunCounter, stageMetricsInitErr = meter.Int64Counter(
			"aegis.stage.executions_total",
			metric.WithDescription("Pipeline stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if stageMetricsInitErr != nil {
			return
		}

		stageRefusalCounter, stageMetricsInitErr = meter.Int64Counter(
			"aegis.stage.refusals_total",
			metric.WithDescription("Refusals emitted by pipeline stages"),
			metric.WithUnit("{count}"),
		)
		if stageMetricsInitErr != nil {
			return
		}

		stageLatencyRecorder, stageMetricsInitErr = meter.Float64Histogram(
			"aegis.stage.duration_ms",
			metric.WithDescription("Observed stage execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return stageMetricsInitErr
}
