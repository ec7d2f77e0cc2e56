package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

// sumFor returns the total of the named counter over data points whose
// attribute key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetrics_HistogramBuckets(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// A 25 minute meeting lands in the last job bucket, not the overflow.
	m.STTDuration.Record(ctx, 1500)
	m.PipelineDuration.Record(ctx, 0.5)
	m.TranscodeDuration.Record(ctx, 0.07)
	m.AnnotationDuration.Record(ctx, 3)
	m.HTTPRequestDuration.Record(ctx, 0.002)

	rm := collect(t, reader)
	tests := []struct {
		name   string
		bounds int
	}{
		{"fieldscribe.stt.duration", len(jobBuckets)},
		{"fieldscribe.pipeline.duration", len(jobBuckets)},
		{"fieldscribe.transcode.duration", len(latencyBuckets)},
		{"fieldscribe.annotation.duration", len(latencyBuckets)},
	}
	for _, tt := range tests {
		met := findMetric(rm, tt.name)
		if met == nil {
			t.Errorf("%s not recorded", tt.name)
			continue
		}
		dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
		if len(dp.Bounds) != tt.bounds {
			t.Errorf("%s bounds = %v, want %d boundaries", tt.name, dp.Bounds, tt.bounds)
		}
		if met.Unit != "s" {
			t.Errorf("%s unit = %q, want s", tt.name, met.Unit)
		}
	}
	if findMetric(rm, "fieldscribe.http.request.duration") == nil {
		t.Error("http duration not recorded")
	}
}

func TestRecordHelpers(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "streaming", "stt", "ok")
	m.RecordProviderRequest(ctx, "streaming", "stt", "ok")
	m.RecordProviderRequest(ctx, "async", "stt", "error")
	m.RecordProviderError(ctx, "async", "stt")
	m.RecordFallback(ctx, "streaming")
	m.RecordPartial(ctx, "streaming")
	m.RecordBreakerTransition(ctx, "async", "open")
	m.RecordBreakerTransition(ctx, "async", "half-open")
	m.RecordTokens(ctx, "deepseek", 1200, 300)
	m.RecordTokens(ctx, "deepseek", 800, 100)

	rm := collect(t, reader)
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"fieldscribe.provider.requests", "status", "ok", 2},
		{"fieldscribe.provider.requests", "provider", "async", 1},
		{"fieldscribe.provider.errors", "provider", "async", 1},
		{"fieldscribe.stt.fallbacks", "from", "streaming", 1},
		{"fieldscribe.stt.partials", "backend", "streaming", 1},
		{"fieldscribe.breaker.transitions", "breaker", "async", 2},
		{"fieldscribe.breaker.transitions", "to", "open", 1},
		{"fieldscribe.llm.tokens", "direction", "prompt", 2000},
		{"fieldscribe.llm.tokens", "direction", "completion", 400},
	}
	for _, tt := range tests {
		if got := sumFor(t, rm, tt.metric, tt.key, tt.value); got != tt.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tt.metric, tt.key, tt.value, got, tt.want)
		}
	}
}

func TestRecordPipelineRun(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPipelineRun(ctx, OutcomeProcessed, 12)
	m.RecordPipelineRun(ctx, OutcomeProcessed, 30)
	m.RecordPipelineRun(ctx, OutcomeAlreadyProcessed, 0)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "fieldscribe.pipeline.runs", "outcome", OutcomeProcessed); got != 2 {
		t.Errorf("processed runs = %d, want 2", got)
	}
	if got := sumFor(t, rm, "fieldscribe.pipeline.runs", "outcome", OutcomeAlreadyProcessed); got != 1 {
		t.Errorf("already-processed runs = %d, want 1", got)
	}
	hist := findMetric(rm, "fieldscribe.pipeline.duration").Data.(metricdata.Histogram[float64])
	var samples uint64
	for _, dp := range hist.DataPoints {
		samples += dp.Count
	}
	if samples != 3 {
		t.Errorf("duration samples = %d, want 3", samples)
	}
}

func TestActiveRuns(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveRuns.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, -1)

	sum := findMetric(collect(t, reader), "fieldscribe.pipeline.active_runs").Data.(metricdata.Sum[int64])
	if sum.IsMonotonic {
		t.Error("active runs should be an up-down counter")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active runs = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
