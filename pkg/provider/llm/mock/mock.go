// Package mock provides a scripted llm.Provider for tests.
//
// A Provider answers from Script first, one step per call, and falls back to
// Reply and Err once the script is used up:
//
//	p := &mock.Provider{
//	    Script: []mock.Step{{Err: errTransient}},
//	    Reply:  &llm.CompletionResponse{Content: `{"summary":"ok"}`},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/fieldscribe/pkg/provider/llm"
)

// Step is one scripted answer. A nil Resp with a nil Err yields an empty reply.
type Step struct {
	Resp *llm.CompletionResponse
	Err  error
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	// Reply is returned once Script is exhausted and Err is nil.
	Reply *llm.CompletionResponse

	// Err is returned once Script is exhausted.
	Err error

	// Script is consumed front to back, one step per call.
	Script []Step

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete records req and answers from the script or the defaults.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	step := Step{Resp: p.Reply, Err: p.Err}
	if len(p.Script) > 0 {
		step, p.Script = p.Script[0], p.Script[1:]
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	out := *step.Resp
	return &out, nil
}

// Requests returns a copy of every request seen so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.requests...)
}

// CallCount returns the number of Complete calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
