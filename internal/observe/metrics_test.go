package observe

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum for %s, got %T", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	met, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	met.RecordResolution(ctx, "activated")
	met.RecordResolution(ctx, "not_found")
	met.RecordActivation(ctx, "stdio", "ok", 0.12)
	met.RecordStoreSave(ctx, nil)
	met.RecordStoreSave(ctx, errors.New("disk full"))
	met.ActiveSpells.Add(ctx, 1)
	met.ActiveSpells.Add(ctx, -1)
	met.ReapedSpells.Add(ctx, 2)
	met.ToolCallDuration.Record(ctx, 0.05)

	metrics := collect(t, reader)

	if got := counterTotal(t, metrics["grimoire.resolutions"]); got != 2 {
		t.Errorf("expected 2 resolutions, got %d", got)
	}
	if got := counterTotal(t, metrics["grimoire.activations"]); got != 1 {
		t.Errorf("expected 1 activation, got %d", got)
	}
	if got := counterTotal(t, metrics["grimoire.store.saves"]); got != 2 {
		t.Errorf("expected 2 store saves, got %d", got)
	}
	if got := counterTotal(t, metrics["grimoire.active_spells"]); got != 0 {
		t.Errorf("expected active spells back at 0, got %d", got)
	}
	if got := counterTotal(t, metrics["grimoire.reaped_spells"]); got != 2 {
		t.Errorf("expected 2 reaped spells, got %d", got)
	}

	hist, ok := metrics["grimoire.activation.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected float64 histogram, got %T", metrics["grimoire.activation.duration"].Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("expected one activation duration sample, got %+v", hist.DataPoints)
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	first := DefaultMetrics()
	if first == nil {
		t.Fatal("expected default metrics")
	}
	if DefaultMetrics() != first {
		t.Error("expected repeated calls to return the same instance")
	}
}
