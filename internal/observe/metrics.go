// Package observe provides the observability primitives of cadenza:
// OpenTelemetry metrics and tracing, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry API and exported to
// Prometheus by [InitProvider]. Components default to [DefaultMetrics]; tests
// build their own instance with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every cadenza instrument.
const meterName = "github.com/MrWong99/cadenza"

// Metrics holds the metric instruments of the application. The OTel types are
// safe for concurrent use.
type Metrics struct {
	// ResolveDuration tracks request resolution latency.
	// Attributes: mode, outcome.
	ResolveDuration metric.Float64Histogram

	// DownloadDuration tracks the time from fetch start to a completed cache
	// admission. Attributes: status.
	DownloadDuration metric.Float64Histogram

	// CacheLookups counts cache lookups. Attributes: result (hit, miss, stale).
	CacheLookups metric.Int64Counter

	// CacheAdmissions counts admission attempts. Attributes: status
	// (written, deduplicated, joined, failed).
	CacheAdmissions metric.Int64Counter

	// CacheBytesWritten counts media bytes persisted to the cache.
	CacheBytesWritten metric.Int64Counter

	// CacheEvictions counts evicted cache entries.
	CacheEvictions metric.Int64Counter

	// SourceRequests counts calls into acquisition sources. Attributes:
	// source, op, status.
	SourceRequests metric.Int64Counter

	// TranscoderExits counts finished transcoder processes. Attributes:
	// state (completed, stopped, failed).
	TranscoderExits metric.Int64Counter

	// ActiveTranscoders tracks running transcoder processes.
	ActiveTranscoders metric.Int64UpDownCounter

	// ActiveSessions tracks guilds with a live voice session.
	ActiveSessions metric.Int64UpDownCounter

	// TracksPlayed counts tracks that started playback. Attributes: cached.
	TracksPlayed metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request latency.
	// Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for network
// fetches and process startup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ResolveDuration, err = m.Float64Histogram("cadenza.resolve.duration",
		metric.WithDescription("Latency of request resolution by mode and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DownloadDuration, err = m.Float64Histogram("cadenza.download.duration",
		metric.WithDescription("Time from fetch start to completed cache admission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CacheLookups, err = m.Int64Counter("cadenza.cache.lookups",
		metric.WithDescription("Cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheAdmissions, err = m.Int64Counter("cadenza.cache.admissions",
		metric.WithDescription("Cache admissions by status."),
	); err != nil {
		return nil, err
	}
	if met.CacheBytesWritten, err = m.Int64Counter("cadenza.cache.bytes_written",
		metric.WithDescription("Media bytes persisted to the cache."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("cadenza.cache.evictions",
		metric.WithDescription("Evicted cache entries."),
	); err != nil {
		return nil, err
	}
	if met.SourceRequests, err = m.Int64Counter("cadenza.source.requests",
		metric.WithDescription("Acquisition source calls by source, operation and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscoderExits, err = m.Int64Counter("cadenza.transcoder.exits",
		metric.WithDescription("Finished transcoder processes by final state."),
	); err != nil {
		return nil, err
	}
	if met.TracksPlayed, err = m.Int64Counter("cadenza.tracks.played",
		metric.WithDescription("Tracks that started playback."),
	); err != nil {
		return nil, err
	}

	if met.ActiveTranscoders, err = m.Int64UpDownCounter("cadenza.active_transcoders",
		metric.WithDescription("Running transcoder processes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadenza.active_sessions",
		metric.WithDescription("Guilds with a live voice session."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], created on first use from
// [otel.GetMeterProvider]. Call it after [InitProvider] so that instruments
// bind to the Prometheus exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCacheLookup counts a cache lookup with result "hit", "miss" or
// "stale".
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// RecordAdmission counts an admission and the bytes it wrote.
func (m *Metrics) RecordAdmission(ctx context.Context, status string, bytes int64) {
	m.CacheAdmissions.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	if bytes > 0 {
		m.CacheBytesWritten.Add(ctx, bytes)
	}
}

// RecordEvictions counts n evicted entries.
func (m *Metrics) RecordEvictions(ctx context.Context, n int) {
	if n > 0 {
		m.CacheEvictions.Add(ctx, int64(n))
	}
}

// RecordSourceRequest counts a source call.
func (m *Metrics) RecordSourceRequest(ctx context.Context, source, op, status string) {
	m.SourceRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("source", source),
		Attr("op", op),
		Attr("status", status),
	))
}

// RecordResolve records a resolution latency.
func (m *Metrics) RecordResolve(ctx context.Context, mode, outcome string, d time.Duration) {
	m.ResolveDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		Attr("mode", mode),
		Attr("outcome", outcome),
	))
}

// RecordTranscoderExit counts a finished transcoder and releases its slot in
// [Metrics.ActiveTranscoders].
func (m *Metrics) RecordTranscoderExit(ctx context.Context, state string) {
	m.TranscoderExits.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
	m.ActiveTranscoders.Add(ctx, -1)
}

// RecordTrackStarted counts a track that began playback.
func (m *Metrics) RecordTrackStarted(ctx context.Context, cached bool) {
	v := "false"
	if cached {
		v = "true"
	}
	m.TracksPlayed.Add(ctx, 1, metric.WithAttributes(Attr("cached", v)))
}
