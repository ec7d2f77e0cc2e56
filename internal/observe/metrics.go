// Package observe holds the telemetry of the transcription service: the
// OpenTelemetry instruments for backends, decoding, annotation and pipeline
// runs, span helpers, recording-aware logging, and the HTTP middleware.
//
// [Setup] installs the SDK providers and a Prometheus registry for /metrics.
// Code records through a [Metrics] value; [DefaultMetrics] binds to the
// global provider, while tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all fieldscribe metrics.
const meterName = "github.com/MrWong99/fieldscribe"

// Pipeline run outcomes used as the "outcome" attribute of
// [Metrics.PipelineRuns].
const (
	OutcomeProcessed        = "processed"
	OutcomeEmpty            = "empty"
	OutcomeError            = "error"
	OutcomeCancelled        = "cancelled"
	OutcomeInProgress       = "in_progress"
	OutcomeAlreadyProcessed = "already_processed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks one backend transcription call. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	STTDuration metric.Float64Histogram

	// TranscodeDuration tracks decoding a clip to PCM. Use with attribute:
	//   attribute.String("container", ...)
	TranscodeDuration metric.Float64Histogram

	// AnnotationDuration tracks annotation calls including retries.
	AnnotationDuration metric.Float64Histogram

	// PipelineDuration tracks a full pipeline run. Use with attribute:
	//   attribute.String("outcome", ...)
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts vendor calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts vendor errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// LLMTokens counts annotation model tokens. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("direction", "prompt"|"completion")
	LLMTokens metric.Int64Counter

	// STTFallbacks counts gateway failovers away from a backend. Use with
	// attribute:
	//   attribute.String("from", ...)
	STTFallbacks metric.Int64Counter

	// STTPartials counts salvaged partial transcripts. Use with attribute:
	//   attribute.String("backend", ...)
	STTPartials metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// PipelineRuns counts pipeline invocations by outcome.
	PipelineRuns metric.Int64Counter

	// AnnotationFallbacks counts annotations that returned the fallback
	// payload.
	AnnotationFallbacks metric.Int64Counter

	// SweepRecovered counts runs reset by the recovery sweep.
	SweepRecovered metric.Int64Counter

	// --- Gauges ---

	// ActiveRuns tracks the number of pipeline runs in flight.
	ActiveRuns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled with
	// the matched route pattern and response status.
	HTTPRequestDuration metric.Float64Histogram
}

// Histogram boundaries in seconds. Single calls finish in well under a
// minute; transcriptions and whole runs of long meetings take much longer.
var (
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	jobBuckets     = []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200}
)

// instruments creates instruments on one meter and collects the first error
// of each so [NewMetrics] can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram("fieldscribe."+name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter("fieldscribe."+name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates every instrument on mp's fieldscribe meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		STTDuration:        b.seconds("stt.duration", "Latency of one speech backend transcription.", jobBuckets),
		TranscodeDuration:  b.seconds("transcode.duration", "Latency of decoding a clip to PCM.", latencyBuckets),
		AnnotationDuration: b.seconds("annotation.duration", "Latency of transcript annotation including retries.", latencyBuckets),
		PipelineDuration:   b.seconds("pipeline.duration", "Latency of a full pipeline run by outcome.", jobBuckets),

		ProviderRequests:    b.counter("provider.requests", "Vendor calls by provider, kind and status."),
		ProviderErrors:      b.counter("provider.errors", "Failed vendor calls by provider and kind."),
		LLMTokens:           b.counter("llm.tokens", "Model tokens by provider and direction."),
		STTFallbacks:        b.counter("stt.fallbacks", "Gateway failovers by the backend that failed."),
		STTPartials:         b.counter("stt.partials", "Partial transcripts salvaged by backend."),
		BreakerTransitions:  b.counter("breaker.transitions", "Circuit breaker state changes by breaker and target state."),
		PipelineRuns:        b.counter("pipeline.runs", "Pipeline invocations by outcome."),
		AnnotationFallbacks: b.counter("annotation.fallbacks", "Annotations that returned the fallback payload."),
		SweepRecovered:      b.counter("sweep.recovered", "Stale runs reset by the recovery sweep."),

		HTTPRequestDuration: b.seconds("http.request.duration", "HTTP request latency by route and status.", nil),
	}
	var err error
	m.ActiveRuns, err = b.meter.Int64UpDownCounter("fieldscribe.pipeline.active_runs",
		metric.WithDescription("Pipeline runs in flight."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments bound to [otel.GetMeterProvider], created
// on first use. Call it after [Setup] so the Prometheus exporter sees them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
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

// RecordFallback records a gateway failover away from backend.
func (m *Metrics) RecordFallback(ctx context.Context, from string) {
	m.STTFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from)))
}

// RecordPartial records a salvaged partial transcript.
func (m *Metrics) RecordPartial(ctx context.Context, backend string) {
	m.STTPartials.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}

// RecordPipelineRun records a finished pipeline invocation and its duration.
func (m *Metrics) RecordPipelineRun(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.PipelineRuns.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, seconds, attrs)
}

// RecordTokens adds one reply's token usage for provider.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, prompt, completion int) {
	m.LLMTokens.Add(ctx, int64(prompt), metric.WithAttributes(
		attribute.String("provider", provider), attribute.String("direction", "prompt")))
	m.LLMTokens.Add(ctx, int64(completion), metric.WithAttributes(
		attribute.String("provider", provider), attribute.String("direction", "completion")))
}
