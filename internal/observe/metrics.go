// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, log redaction, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/theramjad/hyperwhisper-cloud"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks end-to-end transcription latency per
	// provider.
	TranscriptionDuration metric.Float64Histogram

	// CleanupDuration tracks LLM post-processing latency per provider.
	CleanupDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("class", ...)
	ProviderErrors metric.Int64Counter

	// CreditsDeducted accumulates settled credits by account kind.
	CreditsDeducted metric.Float64Counter

	// GateDenials counts pre-flight denials by reason.
	GateDenials metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of live duplex sessions.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// upstream transcription calls, which run much longer than typical API hops.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("hyperwhisper.transcription.duration",
		metric.WithDescription("Latency of one transcription request by provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CleanupDuration, err = m.Float64Histogram("hyperwhisper.cleanup.duration",
		metric.WithDescription("Latency of LLM post-processing by provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("hyperwhisper.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("hyperwhisper.provider.errors",
		metric.WithDescription("Total provider errors by provider and error class."),
	); err != nil {
		return nil, err
	}
	if met.CreditsDeducted, err = m.Float64Counter("hyperwhisper.credits.deducted",
		metric.WithDescription("Total credits settled against balances by account kind."),
	); err != nil {
		return nil, err
	}
	if met.GateDenials, err = m.Int64Counter("hyperwhisper.gate.denials",
		metric.WithDescription("Total pre-flight credit gate denials by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("hyperwhisper.active_streams",
		metric.WithDescription("Number of live duplex transcription sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hyperwhisper.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, class string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("class", class),
		),
	)
}

// RecordDeduction accumulates settled credits for one account kind
// ("licensed" or "trial").
func (m *Metrics) RecordDeduction(ctx context.Context, kind string, credits float64) {
	m.CreditsDeducted.Add(ctx, credits,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordGateDenial records one pre-flight denial.
func (m *Metrics) RecordGateDenial(ctx context.Context, reason string) {
	m.GateDenials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
