// Package observe provides application-wide observability primitives for
// Sentinel: OpenTelemetry metrics, an optional tracer provider, and the HTTP
// endpoints that expose them.
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

// meterName is the instrumentation scope name used for all Sentinel metrics.
const meterName = "github.com/sentinelvoice/sentinel"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// SummarizerDuration tracks post-call summarisation latency.
	SummarizerDuration metric.Float64Histogram

	// CRMDuration tracks CRM sync latency.
	CRMDuration metric.Float64Histogram

	// UploadDuration tracks object-store upload latency.
	UploadDuration metric.Float64Histogram

	// --- Counters ---

	// TriggersFired counts overlay triggers published. Use with attribute:
	//   attribute.String("title", ...)
	TriggersFired metric.Int64Counter

	// SegmentsFlushed counts transcript segments written in bulk flushes.
	SegmentsFlushed metric.Int64Counter

	// AuditEvents counts chained audit records. Use with attribute:
	//   attribute.String("action", ...)
	AuditEvents metric.Int64Counter

	// Uploads counts recording uploads by status ("ok", "failed", "fallback").
	Uploads metric.Int64Counter

	// BusPublishErrors counts failed bus publishes by subject prefix.
	BusPublishErrors metric.Int64Counter

	// SnapshotsDropped counts transcription snapshots dropped by backpressure.
	SnapshotsDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live gateway websocket connections.
	ActiveSessions metric.Int64UpDownCounter

	// OpenSpools tracks audio spool files currently open for append.
	OpenSpools metric.Int64UpDownCounter
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
	if met.STTDuration, err = m.Float64Histogram("sentinel.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummarizerDuration, err = m.Float64Histogram("sentinel.summarizer.duration",
		metric.WithDescription("Latency of post-call summarisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CRMDuration, err = m.Float64Histogram("sentinel.crm.duration",
		metric.WithDescription("Latency of CRM activity logging."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("sentinel.upload.duration",
		metric.WithDescription("Latency of recording uploads to the object store."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TriggersFired, err = m.Int64Counter("sentinel.triggers.fired",
		metric.WithDescription("Total overlay triggers published by hint title."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsFlushed, err = m.Int64Counter("sentinel.segments.flushed",
		metric.WithDescription("Total transcript segments written by bulk flushes."),
	); err != nil {
		return nil, err
	}
	if met.AuditEvents, err = m.Int64Counter("sentinel.audit.events",
		metric.WithDescription("Total audit records chained by action."),
	); err != nil {
		return nil, err
	}
	if met.Uploads, err = m.Int64Counter("sentinel.uploads",
		metric.WithDescription("Total recording uploads by status."),
	); err != nil {
		return nil, err
	}
	if met.BusPublishErrors, err = m.Int64Counter("sentinel.bus.publish_errors",
		metric.WithDescription("Total failed bus publishes by subject prefix."),
	); err != nil {
		return nil, err
	}
	if met.SnapshotsDropped, err = m.Int64Counter("sentinel.snapshots.dropped",
		metric.WithDescription("Total transcription snapshots dropped by backpressure."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sentinel.active_sessions",
		metric.WithDescription("Number of live gateway websocket connections."),
	); err != nil {
		return nil, err
	}
	if met.OpenSpools, err = m.Int64UpDownCounter("sentinel.open_spools",
		metric.WithDescription("Number of audio spool files open for append."),
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

// RecordTrigger records one published overlay trigger.
func (m *Metrics) RecordTrigger(ctx context.Context, title string) {
	m.TriggersFired.Add(ctx, 1,
		metric.WithAttributes(attribute.String("title", title)),
	)
}

// RecordAuditEvent records one chained audit record.
func (m *Metrics) RecordAuditEvent(ctx context.Context, action string) {
	m.AuditEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordUpload records one upload attempt outcome.
func (m *Metrics) RecordUpload(ctx context.Context, status string) {
	m.Uploads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordPublishError records one failed bus publish.
func (m *Metrics) RecordPublishError(ctx context.Context, subjectPrefix string) {
	m.BusPublishErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("subject", subjectPrefix)),
	)
}
