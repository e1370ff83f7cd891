// Package observe provides application-wide observability primitives for
// storyloom: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint ([MetricsHandler]). A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all storyloom metrics.
const meterName = "github.com/MrWong99/storyloom"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Media queue ---

	// MediaJobs counts settled media jobs. Use with attributes:
	//   attribute.String("modality", ...), attribute.String("status", ...)
	MediaJobs metric.Int64Counter

	// MediaDuration tracks generator call latency per modality.
	MediaDuration metric.Float64Histogram

	// MediaInFlight tracks jobs currently dispatched to the generator.
	MediaInFlight metric.Int64UpDownCounter

	// MediaRetries counts automatic and explicit retries per modality.
	MediaRetries metric.Int64Counter

	// QueuePending tracks items waiting in the pending collection.
	QueuePending metric.Int64UpDownCounter

	// --- Director ---

	// DirectorDuration tracks next-turn latency.
	DirectorDuration metric.Float64Histogram

	// DirectorFallbacks counts fallback turns substituted for failures.
	DirectorFallbacks metric.Int64Counter

	// --- Session ---

	// TurnsRegistered counts turns appended to the timeline.
	TurnsRegistered metric.Int64Counter

	// PlaybackStarts counts audio playbacks. Use with attribute:
	//   attribute.String("trigger", "user"|"auto")
	PlaybackStarts metric.Int64Counter

	// SnapshotOps counts snapshot saves and loads. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	SnapshotOps metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops endpoint latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// fast speech calls up to multi-minute video renders.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.MediaDuration, err = m.Float64Histogram("storyloom.media.duration",
		metric.WithDescription("Latency of media generator calls by modality."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DirectorDuration, err = m.Float64Histogram("storyloom.director.duration",
		metric.WithDescription("Latency of director next-turn calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MediaJobs, err = m.Int64Counter("storyloom.media.jobs",
		metric.WithDescription("Settled media jobs by modality and status."),
	); err != nil {
		return nil, err
	}
	if met.MediaRetries, err = m.Int64Counter("storyloom.media.retries",
		metric.WithDescription("Media job retries by modality."),
	); err != nil {
		return nil, err
	}
	if met.DirectorFallbacks, err = m.Int64Counter("storyloom.director.fallbacks",
		metric.WithDescription("Fallback turns substituted for director failures."),
	); err != nil {
		return nil, err
	}
	if met.TurnsRegistered, err = m.Int64Counter("storyloom.turns.registered",
		metric.WithDescription("Turns appended to the timeline."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStarts, err = m.Int64Counter("storyloom.playback.starts",
		metric.WithDescription("Audio playbacks started by trigger."),
	); err != nil {
		return nil, err
	}
	if met.SnapshotOps, err = m.Int64Counter("storyloom.snapshot.ops",
		metric.WithDescription("Snapshot operations by op and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.MediaInFlight, err = m.Int64UpDownCounter("storyloom.media.in_flight",
		metric.WithDescription("Media jobs currently dispatched to the generator."),
	); err != nil {
		return nil, err
	}
	if met.QueuePending, err = m.Int64UpDownCounter("storyloom.queue.pending",
		metric.WithDescription("Media jobs waiting for a concurrency slot."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("storyloom.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordMediaJob records a settled media job and its generator latency.
func (m *Metrics) RecordMediaJob(ctx context.Context, modality, status string, d time.Duration) {
	m.MediaJobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("modality", modality),
		attribute.String("status", status),
	))
	m.MediaDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("modality", modality),
	))
}

// RecordMediaRetry records a retry of a media job.
func (m *Metrics) RecordMediaRetry(ctx context.Context, modality string) {
	m.MediaRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("modality", modality)))
}

// RecordDirectorCall records director latency and, when fallback is true, a
// substituted fallback turn.
func (m *Metrics) RecordDirectorCall(ctx context.Context, d time.Duration, fallback bool) {
	status := "ok"
	if fallback {
		status = "fallback"
		m.DirectorFallbacks.Add(ctx, 1)
	}
	m.DirectorDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordPlaybackStart records an audio playback start.
func (m *Metrics) RecordPlaybackStart(ctx context.Context, trigger string) {
	m.PlaybackStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordSnapshotOp records a snapshot save or load.
func (m *Metrics) RecordSnapshotOp(ctx context.Context, op, status string) {
	m.SnapshotOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
}
