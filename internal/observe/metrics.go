// Package observe provides application-wide observability primitives for
// talkloop: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all talkloop metrics.
const meterName = "github.com/MrWong99/talkloop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnLatency tracks the time from the end of user speech to the first
	// assistant audio. Use with attribute.String("mode", ...).
	TurnLatency metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// StateTransitions counts turn state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Utterances counts user utterances handed to an adapter. Use with
	// attribute.String("mode", ...).
	Utterances metric.Int64Counter

	// PlaybackSegments counts queued assistant audio segments.
	PlaybackSegments metric.Int64Counter

	// PlaybackFlushes counts barge-in flushes of the playback queue.
	PlaybackFlushes metric.Int64Counter

	// AudioSeconds counts transported audio. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("mode", ...)
	AudioSeconds metric.Float64Counter

	// Tokens counts estimated model tokens. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("mode", ...)
	Tokens metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts classified failures. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("mode", ...)
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running conversation sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnLatency, err = m.Float64Histogram("talkloop.turn.latency",
		metric.WithDescription("Time from end of user speech to first assistant audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("talkloop.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("talkloop.state.transitions",
		metric.WithDescription("Total turn state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("talkloop.utterances",
		metric.WithDescription("Total user utterances submitted by transport mode."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSegments, err = m.Int64Counter("talkloop.playback.segments",
		metric.WithDescription("Total assistant audio segments queued for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFlushes, err = m.Int64Counter("talkloop.playback.flushes",
		metric.WithDescription("Total playback queue flushes caused by interruptions."),
	); err != nil {
		return nil, err
	}
	if met.AudioSeconds, err = m.Float64Counter("talkloop.audio.duration",
		metric.WithDescription("Transported audio by direction and transport mode."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("talkloop.tokens",
		metric.WithDescription("Estimated model tokens by direction and transport mode."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("talkloop.errors",
		metric.WithDescription("Total classified session errors by kind and transport mode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("talkloop.active_sessions",
		metric.WithDescription("Number of running conversation sessions."),
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

// RecordTransition records one state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordAudio records transported audio and its estimated token count.
func (m *Metrics) RecordAudio(ctx context.Context, direction, mode string, d time.Duration, tokens int64) {
	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("mode", mode),
	)
	m.AudioSeconds.Add(ctx, d.Seconds(), attrs)
	m.Tokens.Add(ctx, tokens, attrs)
}

// RecordError records one classified error.
func (m *Metrics) RecordError(ctx context.Context, kind, mode string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("mode", mode),
		),
	)
}

// RecordTurnLatency records the response latency of one turn.
func (m *Metrics) RecordTurnLatency(ctx context.Context, mode string, d time.Duration) {
	m.TurnLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
}
