// Package observe provides the observability primitives of qafmux:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and the HTTP
// middleware of the admin server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter installed by [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all OpenTelemetry instruments of the process. All methods are
// safe for concurrent use and tolerate a nil receiver, so components can be
// built without metrics in tests.
type Metrics struct {
	// --- Render pool ---

	// RenderOpens counts physical render streams opened, by "role".
	RenderOpens metric.Int64Counter

	// RenderCloses counts physical render streams closed, by "role".
	RenderCloses metric.Int64Counter

	// RenderOpenFailures counts failed or breaker-rejected opens, by "role".
	RenderOpenFailures metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes, by "name" and
	// "state".
	BreakerTransitions metric.Int64Counter

	// --- Dispatcher ---

	// PayloadsRouted counts engine payloads written to a render stream, by
	// "role".
	PayloadsRouted metric.Int64Counter

	// PayloadBytes counts bytes written to render streams, by "role".
	PayloadBytes metric.Int64Counter

	// PayloadsDropped counts engine payloads not delivered, by "reason".
	PayloadsDropped metric.Int64Counter

	// DispatchDuration tracks how long one routing decision plus write takes.
	DispatchDuration metric.Float64Histogram

	// --- Logical streams ---

	// EngineBackpressure counts EAGAIN results from engine writes, by "role".
	EngineBackpressure metric.Int64Counter

	// WriteReadyWakeups counts write-ready callbacks delivered by the
	// backpressure worker.
	WriteReadyWakeups metric.Int64Counter

	// ActiveStreams tracks logical streams holding a role slot, by "role".
	ActiveStreams metric.Int64UpDownCounter

	// ActiveSessions tracks open routing sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP request processing time, by
	// "method" and "path".
	HTTPRequestDuration metric.Float64Histogram
}

// dispatchBuckets are histogram boundaries (in seconds) sized for the
// sub-millisecond to tens-of-milliseconds range of a single routing pass.
var dispatchBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] using mp. Returns an error
// if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.RenderOpens, err = m.Int64Counter("qafmux.render.opens",
		metric.WithDescription("Render streams opened by role."),
	); err != nil {
		return nil, err
	}
	if met.RenderCloses, err = m.Int64Counter("qafmux.render.closes",
		metric.WithDescription("Render streams closed by role."),
	); err != nil {
		return nil, err
	}
	if met.RenderOpenFailures, err = m.Int64Counter("qafmux.render.open_failures",
		metric.WithDescription("Render stream open failures by role."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("qafmux.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by breaker name and new state."),
	); err != nil {
		return nil, err
	}
	if met.PayloadsRouted, err = m.Int64Counter("qafmux.dispatch.payloads",
		metric.WithDescription("Engine payloads delivered to a render stream by role."),
	); err != nil {
		return nil, err
	}
	if met.PayloadBytes, err = m.Int64Counter("qafmux.dispatch.bytes",
		metric.WithDescription("Bytes delivered to render streams by role."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PayloadsDropped, err = m.Int64Counter("qafmux.dispatch.dropped",
		metric.WithDescription("Engine payloads dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.EngineBackpressure, err = m.Int64Counter("qafmux.stream.backpressure",
		metric.WithDescription("Engine writes rejected with EAGAIN by logical stream role."),
	); err != nil {
		return nil, err
	}
	if met.WriteReadyWakeups, err = m.Int64Counter("qafmux.stream.write_ready",
		metric.WithDescription("Write-ready callbacks delivered after backpressure."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DispatchDuration, err = m.Float64Histogram("qafmux.dispatch.duration",
		metric.WithDescription("Latency of routing and writing one engine payload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(dispatchBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("qafmux.active_streams",
		metric.WithDescription("Logical streams holding a role slot."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("qafmux.active_sessions",
		metric.WithDescription("Open routing sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("qafmux.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func roleAttr(role string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("role", role))
}

// RecordRenderOpen counts a render stream open.
func (m *Metrics) RecordRenderOpen(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.RenderOpens.Add(ctx, 1, roleAttr(role))
}

// RecordRenderClose counts a render stream close.
func (m *Metrics) RecordRenderClose(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.RenderCloses.Add(ctx, 1, roleAttr(role))
}

// RecordRenderOpenFailure counts a failed render stream open.
func (m *Metrics) RecordRenderOpenFailure(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.RenderOpenFailures.Add(ctx, 1, roleAttr(role))
}

// RecordBreakerTransition counts a circuit breaker moving into state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("state", state),
	))
}

// RecordPayload counts one payload of n bytes delivered to a render stream.
func (m *Metrics) RecordPayload(ctx context.Context, role string, n int) {
	if m == nil {
		return
	}
	m.PayloadsRouted.Add(ctx, 1, roleAttr(role))
	m.PayloadBytes.Add(ctx, int64(n), roleAttr(role))
}

// RecordDrop counts a payload the dispatcher did not deliver.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.PayloadsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDispatch records the duration of one routing pass in seconds.
func (m *Metrics) RecordDispatch(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchDuration.Record(ctx, seconds)
}

// RecordBackpressure counts an EAGAIN from the engine.
func (m *Metrics) RecordBackpressure(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.EngineBackpressure.Add(ctx, 1, roleAttr(role))
}

// RecordWriteReady counts a write-ready wakeup.
func (m *Metrics) RecordWriteReady(ctx context.Context) {
	if m == nil {
		return
	}
	m.WriteReadyWakeups.Add(ctx, 1)
}

// AddActiveStreams adjusts the active logical stream gauge for role.
func (m *Metrics) AddActiveStreams(ctx context.Context, role string, delta int64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, delta, roleAttr(role))
}

// AddActiveSessions adjusts the open session gauge.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}
