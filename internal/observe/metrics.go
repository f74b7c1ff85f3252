// Package observe provides application-wide observability primitives for
// OmniAgent: OpenTelemetry metrics, distributed tracing, structured logging,
// request trace IDs, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all OmniAgent metrics.
const meterName = "github.com/deepknow/omniagent"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMFirstChunk tracks time from LLM dispatch to the first streamed chunk.
	LLMFirstChunk metric.Float64Histogram

	// TurnDuration tracks full turn latency, trigger decision to terminal
	// completion.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts audio frames received on bidirectional streams.
	AudioFrames metric.Int64Counter

	// SessionsCreated counts sessions successfully created.
	SessionsCreated metric.Int64Counter

	// SessionsRejected counts admission failures. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsRejected metric.Int64Counter

	// SessionsClosed counts session terminations. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// RequestErrors counts error responses by business error code. Use with:
	//   attribute.String("code", ...)
	RequestErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks the number of open bidirectional streams.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("omniagent.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstChunk, err = m.Float64Histogram("omniagent.llm.first_chunk",
		metric.WithDescription("Time from LLM dispatch to first streamed chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("omniagent.turn.duration",
		metric.WithDescription("Full turn latency from trigger decision to terminal completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("omniagent.audio.frames",
		metric.WithDescription("Total audio frames received on bidirectional streams."),
	); err != nil {
		return nil, err
	}
	if met.SessionsCreated, err = m.Int64Counter("omniagent.sessions.created",
		metric.WithDescription("Total sessions created."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("omniagent.sessions.rejected",
		metric.WithDescription("Total sessions rejected at admission by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("omniagent.sessions.closed",
		metric.WithDescription("Total sessions closed by reason."),
	); err != nil {
		return nil, err
	}
	if met.RequestErrors, err = m.Int64Counter("omniagent.request.errors",
		metric.WithDescription("Total error responses by business error code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("omniagent.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("omniagent.active_streams",
		metric.WithDescription("Number of open bidirectional streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("omniagent.http.request.duration",
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

// RecordSessionRejected records an admission failure with its reason
// ("capacity", "invalid_config", ...).
func (m *Metrics) RecordSessionRejected(ctx context.Context, reason string) {
	m.SessionsRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSessionClosed records a session termination with its reason
// ("client", "expired", "error", ...).
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordRequestError records an error response with its business error code.
func (m *Metrics) RecordRequestError(ctx context.Context, code string) {
	m.RequestErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}
