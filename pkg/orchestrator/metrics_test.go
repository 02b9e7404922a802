package orchestrator

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOtelMetricsRecordsLatencyAndCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewOtelMetrics(mp)
	if err != nil {
		t.Fatalf("NewOtelMetrics failed: %v", err)
	}

	m.ObserveLatency("stt", 120*time.Millisecond)
	m.IncCounter("barge_in")
	m.IncCounter("barge_in")
	m.IncCounter("tool_call")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	var sawHistogram, sawCounter bool
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch metric.Name {
			case "voice_session.stage.duration":
				sawHistogram = true
			case "voice_session.events":
				sawCounter = true
				data, ok := metric.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("expected an int64 sum, got %T", metric.Data)
				}
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				if total != 3 {
					t.Errorf("expected 3 total counted events, got %d", total)
				}
			}
		}
	}

	if !sawHistogram {
		t.Error("expected the stage-duration histogram to be recorded")
	}
	if !sawCounter {
		t.Error("expected the events counter to be recorded")
	}
}

func TestNoOpMetricsDiscardsEverything(t *testing.T) {
	var m NoOpMetrics
	m.ObserveLatency("stt", time.Second)
	m.IncCounter("anything")
}
