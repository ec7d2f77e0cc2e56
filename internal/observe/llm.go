package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fieldscribe/pkg/provider/llm"
)

type instrumentedLLM struct {
	provider string
	next     llm.Provider
	m        *Metrics
}

// InstrumentLLM wraps p so each completion is traced and its outcome and
// token usage are counted under provider.
func InstrumentLLM(p llm.Provider, provider string, m *Metrics) llm.Provider {
	return &instrumentedLLM{provider: provider, next: p, m: m}
}

func (i *instrumentedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, span := StartSpan(ctx, "llm.complete",
		trace.WithAttributes(attribute.String("llm.provider", i.provider)),
	)
	defer span.End()

	resp, err := i.next.Complete(ctx, req)
	status := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.m.RecordProviderError(ctx, i.provider, "llm")
	case resp.Truncated():
		status = "truncated"
	}
	if resp != nil {
		i.m.RecordTokens(ctx, i.provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
			attribute.String("llm.finish_reason", resp.FinishReason),
		)
	}
	i.m.RecordProviderRequest(ctx, i.provider, "llm", status)
	return resp, err
}
