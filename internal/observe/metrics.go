// Package observe provides application-wide observability primitives for
// Taylor: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Taylor metrics.
const meterName = "github.com/tampabayelite/taylor"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// LiveConnectDuration tracks the live-session handshake latency.
	LiveConnectDuration metric.Float64Histogram

	// ToolDuration tracks local tool resolution latency.
	ToolDuration metric.Float64Histogram

	// ChatDuration tracks one text-chat exchange including tool rounds.
	ChatDuration metric.Float64Histogram

	// PlaybackLookahead samples how far ahead of the output clock speech is
	// scheduled at each enqueue, in seconds.
	PlaybackLookahead metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// CaptureFrames counts microphone frames sent to the live session.
	CaptureFrames metric.Int64Counter

	// PlaybackInterruptions counts barge-in flushes that discarded audio.
	PlaybackInterruptions metric.Int64Counter

	// TranscriptMessages counts finalized transcript messages. Use with
	// attribute.String("role", ...).
	TranscriptMessages metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CodecErrors counts dropped audio chunks. Use with
	// attribute.String("direction", "inbound"|"outbound").
	CodecErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks open voice and chat sessions. Use with
	// attribute.String("mode", ...).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network and tool latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// lookaheadBuckets covers scheduled speech from a few frames to the
// backpressure bound.
var lookaheadBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LiveConnectDuration, err = m.Float64Histogram("taylor.live.connect.duration",
		metric.WithDescription("Latency of the live session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("taylor.tool.duration",
		metric.WithDescription("Latency of local tool resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("taylor.chat.duration",
		metric.WithDescription("Latency of one text chat exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLookahead, err = m.Float64Histogram("taylor.playback.lookahead",
		metric.WithDescription("Scheduled speech ahead of the output clock at enqueue."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lookaheadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("taylor.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("taylor.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("taylor.capture.frames",
		metric.WithDescription("Total microphone frames sent to the live session."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("taylor.playback.interruptions",
		metric.WithDescription("Total barge-in flushes of scheduled speech."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptMessages, err = m.Int64Counter("taylor.transcript.messages",
		metric.WithDescription("Total finalized transcript messages by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("taylor.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("taylor.codec.errors",
		metric.WithDescription("Total audio chunks dropped by the PCM codec."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("taylor.active_sessions",
		metric.WithDescription("Number of open voice and chat sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("taylor.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordCodecError records a dropped chunk in the given direction.
func (m *Metrics) RecordCodecError(ctx context.Context, direction string) {
	m.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordTranscriptMessage records a finalized transcript message.
func (m *Metrics) RecordTranscriptMessage(ctx context.Context, role string) {
	m.TranscriptMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
