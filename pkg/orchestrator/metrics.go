package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the narrow instrumentation surface a VoiceSession depends on.
// Sessions never touch OpenTelemetry types directly — ObserveLatency and
// IncCounter are all a session needs, which keeps session.go testable
// without a meter provider.
type Metrics interface {
	ObserveLatency(stage string, d time.Duration)
	IncCounter(name string)
}

// NoOpMetrics discards everything. Default when no meter provider is wired.
type NoOpMetrics struct{}

func (NoOpMetrics) ObserveLatency(stage string, d time.Duration) {}
func (NoOpMetrics) IncCounter(name string)                       {}

const meterName = "github.com/lokutor-ai/lokutor-telephony-agent"

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// OtelMetrics records voice-session instrumentation through the
// OpenTelemetry Metrics API, with a Prometheus exporter bridge expected to
// be installed on the meter provider passed to NewOtelMetrics (see
// cmd/telephonyagent).
type OtelMetrics struct {
	stageLatency metric.Float64Histogram
	counters     metric.Int64Counter
}

// NewOtelMetrics builds every instrument against mp. Returns an error if
// instrument creation fails.
func NewOtelMetrics(mp metric.MeterProvider) (*OtelMetrics, error) {
	m := mp.Meter(meterName)

	stageLatency, err := m.Float64Histogram("voice_session.stage.duration",
		metric.WithDescription("Latency of a named voice-session pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	counters, err := m.Int64Counter("voice_session.events",
		metric.WithDescription("Count of named voice-session events (barge_in, tool_call, ...)."),
	)
	if err != nil {
		return nil, err
	}

	return &OtelMetrics{stageLatency: stageLatency, counters: counters}, nil
}

// ObserveLatency records d against stage.
func (m *OtelMetrics) ObserveLatency(stage string, d time.Duration) {
	m.stageLatency.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// IncCounter increments the named event counter by one.
func (m *OtelMetrics) IncCounter(name string) {
	m.counters.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", name)))
}
