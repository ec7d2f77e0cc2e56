package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/fieldscribe"

type recordingKey struct{}

// Tracer returns the fieldscribe tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// WithRecording marks ctx as belonging to the pipeline run for recordingID.
// Loggers obtained from the returned context carry the id.
func WithRecording(ctx context.Context, recordingID string) context.Context {
	return context.WithValue(ctx, recordingKey{}, recordingID)
}

// RecordingID returns the id stored by [WithRecording], or "".
func RecordingID(ctx context.Context) string {
	id, _ := ctx.Value(recordingKey{}).(string)
	return id
}

// Logger returns the default logger enriched with whatever ctx knows about:
// the recording id set by [WithRecording] and the trace and span ids of the
// active span.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := RecordingID(ctx); id != "" {
		attrs = append(attrs, slog.String("recording_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
