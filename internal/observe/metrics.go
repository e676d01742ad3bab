// Package observe provides Grimoire's observability primitives: OpenTelemetry
// metric instruments and the provider wiring that exposes them through a
// Prometheus scrape endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Grimoire metrics.
const meterName = "github.com/grimoire-sh/grimoire"

// Metrics holds all OpenTelemetry metric instruments for the gateway. All
// fields are safe for concurrent use.
type Metrics struct {
	// Resolutions counts resolve_intent outcomes. Use with attribute:
	//   attribute.String("tier", "activated"|"multiple_matches"|"weak_matches"|"not_found")
	Resolutions metric.Int64Counter

	// Activations counts spell activation attempts. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("status", "ok"|"error")
	Activations metric.Int64Counter

	// ActivationDuration tracks spell activation latency (spawn + handshake +
	// tool listing).
	ActivationDuration metric.Float64Histogram

	// ToolCallDuration tracks proxied downstream tool call latency.
	ToolCallDuration metric.Float64Histogram

	// ActiveSpells tracks the number of currently active spell servers.
	ActiveSpells metric.Int64UpDownCounter

	// ReapedSpells counts spells killed by the inactivity reaper.
	ReapedSpells metric.Int64Counter

	// StoreSaves counts embedding-store persistence attempts. Use with
	// attribute: attribute.String("status", "ok"|"error")
	StoreSaves metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// process spawns and tool round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Resolutions, err = m.Int64Counter("grimoire.resolutions",
		metric.WithDescription("Total resolve_intent calls by outcome tier."),
	); err != nil {
		return nil, err
	}
	if met.Activations, err = m.Int64Counter("grimoire.activations",
		metric.WithDescription("Total spell activation attempts by transport and status."),
	); err != nil {
		return nil, err
	}
	if met.ActivationDuration, err = m.Float64Histogram("grimoire.activation.duration",
		metric.WithDescription("Latency of spell activation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("grimoire.tool_call.duration",
		metric.WithDescription("Latency of proxied downstream tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpells, err = m.Int64UpDownCounter("grimoire.active_spells",
		metric.WithDescription("Number of currently active spell servers."),
	); err != nil {
		return nil, err
	}
	if met.ReapedSpells, err = m.Int64Counter("grimoire.reaped_spells",
		metric.WithDescription("Total spells killed by the inactivity reaper."),
	); err != nil {
		return nil, err
	}
	if met.StoreSaves, err = m.Int64Counter("grimoire.store.saves",
		metric.WithDescription("Total embedding store save attempts by status."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordResolution records one resolve_intent outcome.
func (m *Metrics) RecordResolution(ctx context.Context, tier string) {
	m.Resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordActivation records one activation attempt with its duration.
func (m *Metrics) RecordActivation(ctx context.Context, transport, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("status", status),
	)
	m.Activations.Add(ctx, 1, attrs)
	m.ActivationDuration.Record(ctx, seconds, attrs)
}

// RecordStoreSave records one embedding-store persistence attempt.
func (m *Metrics) RecordStoreSave(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreSaves.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
