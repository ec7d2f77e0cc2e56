package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

// STTGateway implements [stt.Provider] by routing each request across the
// configured speech backends. With an async backend configured it is tried
// first and streaming is the fallback; without one, requests go straight to
// streaming. A request whose PreferredBackend names a configured backend tries
// that one first.
//
// Each backend has its own circuit breaker, shared across routings. Results
// from different backends are never merged: the first backend to return
// wins, partial or not.
type STTGateway struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTGateway)(nil)

// NewSTTGateway creates an [STTGateway]. streaming is required; async may be
// nil when that backend is not configured.
func NewSTTGateway(streaming, async stt.Provider, cfg FallbackConfig) (*STTGateway, error) {
	if streaming == nil {
		return nil, fmt.Errorf("resilience: stt gateway needs a streaming backend: %w", stt.ErrNotConfigured)
	}
	var group *FallbackGroup[stt.Provider]
	if async != nil {
		group = NewFallbackGroup(async, stt.BackendAsync, cfg)
		group.AddFallback(stt.BackendStreaming, streaming)
	} else {
		group = NewFallbackGroup(streaming, stt.BackendStreaming, cfg)
	}
	return &STTGateway{group: group}, nil
}

// Backends returns the configured backend names in default routing order.
func (g *STTGateway) Backends() []string {
	return g.group.Names()
}

// States returns the circuit breaker state per backend.
func (g *STTGateway) States() map[string]State {
	return g.group.States()
}

// Transcribe implements [stt.Provider]. When every backend fails, the error
// wraps [ErrAllFailed] and the last backend's error. Cancellation of ctx is
// returned immediately without trying the next backend.
func (g *STTGateway) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	group := g.group
	if req.PreferredBackend != "" {
		group = group.Preferring(req.PreferredBackend)
	}
	return ExecuteWithResult(ctx, group, func(ctx context.Context, name string, p stt.Provider) (*stt.Result, error) {
		res, err := p.Transcribe(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Backend == "" {
			res.Backend = name
		}
		return res, nil
	})
}
