package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records pipeline and backend-invocation measurements.
// All recording is fire-and-forget: instrument creation errors leave
// no-op instruments and recording never affects pipeline outcome.
type Metrics struct {
	invocations   metric.Int64Counter
	invocationDur metric.Float64Histogram
	stageDur      metric.Float64Histogram
	runs          metric.Int64Counter
	deadLetters   metric.Int64Counter
}

// NewMetrics creates instruments on the global meter.
func NewMetrics() *Metrics {
	meter := Meter("youyaku/pipeline")
	inv, _ := meter.Int64Counter("youyaku.backend.invocations",
		metric.WithDescription("Generation backend invocations by stage, tier, and outcome"),
	)
	invDur, _ := meter.Float64Histogram("youyaku.backend.duration",
		metric.WithDescription("Generation backend invocation latency (ms)"),
		metric.WithUnit("ms"),
	)
	stageDur, _ := meter.Float64Histogram("youyaku.stage.duration",
		metric.WithDescription("Pipeline stage latency (ms)"),
		metric.WithUnit("ms"),
	)
	runs, _ := meter.Int64Counter("youyaku.runs",
		metric.WithDescription("Completed pipeline runs by delivery status"),
	)
	dlq, _ := meter.Int64Counter("youyaku.deadletters",
		metric.WithDescription("Dead-letter records appended by error code"),
	)
	return &Metrics{
		invocations:   inv,
		invocationDur: invDur,
		stageDur:      stageDur,
		runs:          runs,
		deadLetters:   dlq,
	}
}

// ObserveInvocation implements the router's observer hook.
func (m *Metrics) ObserveInvocation(stage, tier, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	)
	m.invocations.Add(context.Background(), 1, attrs)
	m.invocationDur.Record(context.Background(), float64(elapsed.Milliseconds()), attrs)
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage string, cached bool, elapsed time.Duration) {
	m.stageDur.Record(context.Background(), float64(elapsed.Milliseconds()),
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.Bool("cached", cached),
		))
}

// ObserveRun records one completed run.
func (m *Metrics) ObserveRun(status string) {
	m.runs.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// ObserveDeadLetter records one appended dead-letter.
func (m *Metrics) ObserveDeadLetter(code string) {
	m.deadLetters.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("code", code)))
}
