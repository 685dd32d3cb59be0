// Package observe provides application-wide observability primitives for
// viva: OpenTelemetry metrics, turn-level tracing, structured logging
// helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all viva metrics.
const meterName = "github.com/candorlabs/viva"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the wall-clock time of one full turn: restore,
	// classification, engine invocation, and playback hand-off.
	TurnDuration metric.Float64Histogram

	// EngineDuration tracks exam engine invocation latency (first event to
	// stream close).
	EngineDuration metric.Float64Histogram

	// SynthesisDuration tracks per-segment speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// PlaybackSegments counts speech segments by outcome. Use with attribute:
	//   attribute.String("status", "played"|"failed"|"dropped")
	PlaybackSegments metric.Int64Counter

	// BargeIns counts utterances that arrived while the proctor was
	// speaking, by classified intent. Use with attribute:
	//   attribute.String("intent", ...)
	BargeIns metric.Int64Counter

	// TimeWarnings counts spoken time warnings. Use with attribute:
	//   attribute.String("threshold", "5m"|"2m"|"1m")
	TimeWarnings metric.Int64Counter

	// CheckpointOps counts checkpoint store operations. Use with attributes:
	//   attribute.String("op", "load"|"save"), attribute.String("status", ...)
	CheckpointOps metric.Int64Counter

	// SessionTerminations counts terminated sessions by reason. Use with
	// attribute: attribute.String("reason", "finished"|"expired"|"abandoned")
	SessionTerminations metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live proctoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("viva.turn.duration",
		metric.WithDescription("Wall-clock latency of one full conversational turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineDuration, err = m.Float64Histogram("viva.engine.duration",
		metric.WithDescription("Latency of exam engine invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("viva.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PlaybackSegments, err = m.Int64Counter("viva.playback.segments",
		metric.WithDescription("Total playback segments by outcome status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("viva.barge_ins",
		metric.WithDescription("Total barge-in utterances by classified intent."),
	); err != nil {
		return nil, err
	}
	if met.TimeWarnings, err = m.Int64Counter("viva.time_warnings",
		metric.WithDescription("Total spoken time warnings by threshold."),
	); err != nil {
		return nil, err
	}
	if met.CheckpointOps, err = m.Int64Counter("viva.checkpoint.ops",
		metric.WithDescription("Total checkpoint store operations by op and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionTerminations, err = m.Int64Counter("viva.session.terminations",
		metric.WithDescription("Total session terminations by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("viva.active_sessions",
		metric.WithDescription("Number of live proctoring sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("viva.http.request.duration",
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

// RecordBargeIn records a barge-in counter increment for the given intent.
func (m *Metrics) RecordBargeIn(ctx context.Context, intent string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("intent", intent)),
	)
}

// RecordPlaybackSegment records a playback segment counter increment with the
// given outcome status.
func (m *Metrics) RecordPlaybackSegment(ctx context.Context, status string) {
	m.PlaybackSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCheckpointOp records a checkpoint operation counter increment.
func (m *Metrics) RecordCheckpointOp(ctx context.Context, op, status string) {
	m.CheckpointOps.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordTermination records a session termination counter increment.
func (m *Metrics) RecordTermination(ctx context.Context, reason string) {
	m.SessionTerminations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
