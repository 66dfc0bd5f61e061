// Package observe provides application-wide observability primitives for
// Voxline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Media direction attribute values.
const (
	DirectionInbound  = "inbound"  // telephony → LLM
	DirectionOutbound = "outbound" // LLM → telephony
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscodeDuration tracks per-frame audio transcode latency (μ-law↔PCM16
	// plus resampling), one sample per media frame in either direction.
	TranscodeDuration metric.Float64Histogram

	// ToolDuration tracks wall-clock tool execution latency.
	ToolDuration metric.Float64Histogram

	// CallDuration tracks total call length, recorded once at teardown.
	CallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// MediaFrames counts media frames. Use with attribute:
	//   attribute.String("direction", DirectionInbound|DirectionOutbound)
	MediaFrames metric.Int64Counter

	// MediaBytes counts μ-law payload bytes. Same direction attribute as
	// MediaFrames.
	MediaBytes metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BargeIns counts caller interruptions of in-flight AI speech.
	BargeIns metric.Int64Counter

	// Reconnects counts LLM socket reconnection attempts.
	Reconnects metric.Int64Counter

	// DroppedCacheWrites counts session-cache writes discarded because the
	// async writer queue was full.
	DroppedCacheWrites metric.Int64Counter

	// CallsEnded counts finished calls. Use with attribute:
	//   attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live bridged calls.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for tool
// and HTTP latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// transcodeBuckets covers the per-frame transcode path, which completes in
// well under a millisecond on any modern host.
var transcodeBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

// callDurationBuckets spans typical call lengths up to and past the default
// five-minute ceiling.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 180, 300, 330, 420, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscodeDuration, err = m.Float64Histogram("voxline.transcode.duration",
		metric.WithDescription("Per-frame audio transcode latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transcodeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("voxline.tool.duration",
		metric.WithDescription("Wall-clock tool execution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxline.call.duration",
		metric.WithDescription("Total call length from stream start to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MediaFrames, err = m.Int64Counter("voxline.media.frames",
		metric.WithDescription("Total media frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.MediaBytes, err = m.Int64Counter("voxline.media.bytes",
		metric.WithDescription("Total μ-law payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxline.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxline.barge_ins",
		metric.WithDescription("Total caller interruptions of in-flight AI speech."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxline.llm.reconnects",
		metric.WithDescription("Total LLM socket reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.DroppedCacheWrites, err = m.Int64Counter("voxline.cache.dropped_writes",
		metric.WithDescription("Total session-cache writes dropped by the async writer."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voxline.calls.ended",
		metric.WithDescription("Total finished calls by end reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Number of live bridged calls."),
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

// RecordMediaFrame is a convenience method that counts one media frame and
// its payload bytes in the given direction.
func (m *Metrics) RecordMediaFrame(ctx context.Context, direction string, payloadBytes int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.MediaFrames.Add(ctx, 1, attrs)
	m.MediaBytes.Add(ctx, int64(payloadBytes), attrs)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordCallEnd is a convenience method that counts a finished call by reason
// and records its duration.
func (m *Metrics) RecordCallEnd(ctx context.Context, reason string, duration time.Duration) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.CallDuration.Record(ctx, duration.Seconds())
}
