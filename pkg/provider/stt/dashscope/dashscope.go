// Package dashscope provides the async speech backend: a recording URL is
// submitted as a transcription task, the task is polled with capped
// exponential backoff, and the finished result document is fetched and turned
// into a speaker-labelled transcript. It implements the stt.Provider interface.
package dashscope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/fieldscribe/internal/resilience"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

const (
	defaultBaseURL  = "https://dashscope.aliyuncs.com/api/v1"
	defaultModel    = "paraformer-v2"
	defaultPollBase = time.Second
	defaultPollMax  = 10 * time.Second
	defaultTimeout  = 10 * time.Minute
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Default: https://dashscope.aliyuncs.com/api/v1.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithModel sets the transcription model. Default: "paraformer-v2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguageHints sets the language_hints submitted with every task.
func WithLanguageHints(hints ...string) Option {
	return func(p *Provider) { p.languageHints = hints }
}

// WithPollInterval sets the first poll delay and the cap it doubles up to.
// Default: 1s doubling to 10s.
func WithPollInterval(base, max time.Duration) Option {
	return func(p *Provider) {
		p.pollBase = base
		p.pollMax = max
	}
}

// WithTimeout sets the default wall-clock budget for one transcription when
// the request carries none. Default: 10 minutes.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithHTTPClient sets the transport used for submit, poll and result fetch.
func WithHTTPClient(c *resilience.HTTPClient) Option {
	return func(p *Provider) { p.http = c }
}

// Provider implements stt.Provider against the async transcription API.
type Provider struct {
	apiKey        string
	baseURL       string
	model         string
	languageHints []string
	pollBase      time.Duration
	pollMax       time.Duration
	timeout       time.Duration
	http          *resilience.HTTPClient
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. An empty apiKey yields an error wrapping
// [stt.ErrNotConfigured].
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("dashscope: api key is required: %w", stt.ErrNotConfigured)
	}
	p := &Provider{
		apiKey:        apiKey,
		baseURL:       defaultBaseURL,
		model:         defaultModel,
		languageHints: []string{"zh", "en"},
		pollBase:      defaultPollBase,
		pollMax:       defaultPollMax,
		timeout:       defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.pollBase <= 0 {
		p.pollBase = defaultPollBase
	}
	if p.pollMax < p.pollBase {
		p.pollMax = p.pollBase
	}
	if p.http == nil {
		p.http = resilience.NewHTTPClient("dashscope")
	}
	return p, nil
}

// Transcribe submits req.SourceRef as a task, waits for it to finish and
// returns the reconstructed transcript. The whole exchange is bounded by
// req.Timeout (or the provider default); exceeding it yields
// *stt.TimeoutError. There is never a partial result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskID, err := p.submit(tctx, req)
	if err != nil {
		return nil, p.deadline(ctx, tctx, timeout, "", err)
	}
	log := slog.With("task_id", taskID)
	log.Debug("async transcription submitted", "ref_host", refHost(req.SourceRef))

	t, err := p.poll(tctx, taskID)
	if err != nil {
		return nil, p.deadline(ctx, tctx, timeout, t.Status, err)
	}

	doc, err := p.fetchResult(tctx, t.ResultURL)
	if err != nil {
		return nil, p.deadline(ctx, tctx, timeout, t.Status, err)
	}

	text, segments := Reconstruct(doc)
	log.Debug("async transcription complete", "chars", len(text), "segments", len(segments))
	return &stt.Result{Text: text, Backend: stt.BackendAsync, Segments: segments}, nil
}

// deadline turns an error caused by the budget or the caller's deadline
// running out into a TimeoutError. Caller cancellation passes through
// untouched.
func (p *Provider) deadline(ctx, tctx context.Context, after time.Duration, lastStatus string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return &stt.TimeoutError{Backend: stt.BackendAsync, After: after, LastStatus: lastStatus}
	}
	return err
}

func refHost(ref string) string {
	if i := strings.Index(ref, "://"); i >= 0 {
		rest := ref[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return ""
}
