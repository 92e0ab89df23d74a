package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the int64 sum data point carrying attr, or the total when
// attr is the zero value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: data type %T, want Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if attr.Key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			total += dp.Value
		}
	}
	return total
}

func TestRecordCacheCounters(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "hit")
	m.RecordCacheLookup(ctx, "hit")
	m.RecordCacheLookup(ctx, "miss")
	m.RecordAdmission(ctx, "written", 2048)
	m.RecordAdmission(ctx, "joined", 0)
	m.RecordEvictions(ctx, 3)
	m.RecordEvictions(ctx, 0)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "cadenza.cache.lookups", Attr("result", "hit")); got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
	if got := sumFor(t, rm, "cadenza.cache.lookups", Attr("result", "miss")); got != 1 {
		t.Errorf("misses = %d, want 1", got)
	}
	if got := sumFor(t, rm, "cadenza.cache.admissions", attribute.KeyValue{}); got != 2 {
		t.Errorf("admissions = %d, want 2", got)
	}
	if got := sumFor(t, rm, "cadenza.cache.bytes_written", attribute.KeyValue{}); got != 2048 {
		t.Errorf("bytes = %d, want 2048", got)
	}
	if got := sumFor(t, rm, "cadenza.cache.evictions", attribute.KeyValue{}); got != 3 {
		t.Errorf("evictions = %d, want 3", got)
	}
}

func TestRecordSourceRequest(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordSourceRequest(context.Background(), "ytdlp", "fetch", "ok")
	m.RecordSourceRequest(context.Background(), "ytdlp", "fetch", "unavailable")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "cadenza.source.requests", Attr("status", "unavailable")); got != 1 {
		t.Errorf("unavailable = %d, want 1", got)
	}
}

func TestRecordTranscoderExit(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveTranscoders.Add(ctx, 2)
	m.RecordTranscoderExit(ctx, "completed")
	m.RecordTranscoderExit(ctx, "failed")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "cadenza.active_transcoders", attribute.KeyValue{}); got != 0 {
		t.Errorf("active = %d, want 0", got)
	}
	if got := sumFor(t, rm, "cadenza.transcoder.exits", Attr("state", "failed")); got != 1 {
		t.Errorf("failed exits = %d, want 1", got)
	}
}

func TestRecordTrackStarted(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordTrackStarted(ctx, true)
	m.RecordTrackStarted(ctx, true)
	m.RecordTrackStarted(ctx, false)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "cadenza.tracks.played", Attr("cached", "true")); got != 2 {
		t.Errorf("cached tracks = %d, want 2", got)
	}
	if got := sumFor(t, rm, "cadenza.tracks.played", attribute.KeyValue{}); got != 3 {
		t.Errorf("tracks = %d, want 3", got)
	}
}

func TestRecordResolve(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordResolve(context.Background(), "fast", "cached", 120*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "cadenza.resolve.duration")
	if met == nil {
		t.Fatal("resolve histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("histogram = %+v", met.Data)
	}
	if v, _ := hist.DataPoints[0].Attributes.Value("mode"); v.AsString() != "fast" {
		t.Errorf("mode attribute = %q", v.AsString())
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
