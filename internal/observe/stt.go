package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fieldscribe/pkg/audio"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

// instrumentedSTT records a span and latency for every call to the wrapped
// backend.
type instrumentedSTT struct {
	backend string
	next    stt.Provider
	m       *Metrics
}

var _ stt.Provider = (*instrumentedSTT)(nil)

// InstrumentSTT wraps p so each Transcribe call is traced and counted under
// the given backend name.
func InstrumentSTT(p stt.Provider, backend string, m *Metrics) stt.Provider {
	return &instrumentedSTT{backend: backend, next: p, m: m}
}

func (i *instrumentedSTT) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	ctx, span := StartSpan(ctx, "stt.transcribe",
		trace.WithAttributes(attribute.String("stt.backend", i.backend)),
	)
	defer span.End()

	start := time.Now()
	res, err := i.next.Transcribe(ctx, req)

	status := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.m.RecordProviderError(ctx, i.backend, "stt")
	case res.Partial:
		status = "partial"
		i.m.RecordPartial(ctx, i.backend)
	}
	if res != nil {
		span.SetAttributes(attribute.Int("stt.chars", len(res.Text)), attribute.Bool("stt.partial", res.Partial))
	}

	i.m.STTDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("backend", i.backend),
		attribute.String("status", status),
	))
	i.m.RecordProviderRequest(ctx, i.backend, "stt", status)
	return res, err
}

// Converter is the decoding step of the audio pipeline.
type Converter interface {
	ToPCM(ctx context.Context, data []byte, c audio.Container) ([]byte, error)
}

type instrumentedConverter struct {
	next Converter
	m    *Metrics
}

// InstrumentConverter wraps c so every decode is timed under its container
// name and outcome.
func InstrumentConverter(c Converter, m *Metrics) Converter {
	return &instrumentedConverter{next: c, m: m}
}

func (i *instrumentedConverter) ToPCM(ctx context.Context, data []byte, c audio.Container) ([]byte, error) {
	start := time.Now()
	out, err := i.next.ToPCM(ctx, data, c)

	status := "ok"
	var te *audio.TranscodeError
	switch {
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	case errors.As(err, &te):
		status = "decode_error"
	case err != nil:
		status = "error"
	}
	i.m.TranscodeDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("container", string(c)),
		attribute.String("status", status),
	))
	return out, err
}
