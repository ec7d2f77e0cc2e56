// Package iflytek provides the streaming speech backend: a signed WebSocket
// session over which 16 kHz PCM is sent in paced frames while recognised text
// fragments stream back. It implements the stt.Provider interface.
package iflytek

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/fieldscribe/pkg/audio"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

const (
	defaultEndpoint      = "wss://iat.xf-yun.com/v1"
	defaultFrameBytes    = 1280
	defaultFrameInterval = 40 * time.Millisecond
	defaultTimeout       = 3 * time.Minute
	defaultLanguage      = "zh_cn"
	defaultAccent        = "mandarin"
	defaultDomain        = "slm"

	// streamMargin is added to the real-time length of a clip when deriving
	// a session deadline, covering the dial and the final results.
	streamMargin = 30 * time.Second
)

// Converter turns a recorded clip into 16 kHz mono 16-bit PCM.
type Converter interface {
	ToPCM(ctx context.Context, data []byte, c audio.Container) ([]byte, error)
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint (wss:// or ws://).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithFrameBytes sets the PCM frame size. Default: 1280 bytes (40 ms).
func WithFrameBytes(n int) Option {
	return func(p *Provider) { p.frameBytes = n }
}

// WithFrameInterval sets the pacing between frames. Default: 40 ms.
func WithFrameInterval(d time.Duration) Option {
	return func(p *Provider) { p.frameInterval = d }
}

// WithTimeout sets the minimum session deadline used when a request does not
// carry its own. Clips whose real-time length exceeds it get a longer one.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithLanguage sets the recognition language and accent.
func WithLanguage(language, accent string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
		}
		if accent != "" {
			p.accent = accent
		}
	}
}

// WithDomain sets the recognition domain parameter.
func WithDomain(domain string) Option {
	return func(p *Provider) { p.domain = domain }
}

// WithSource sets how clips are loaded. Default: an [audio.URLSource] on
// [http.DefaultClient].
func WithSource(s audio.Source) Option {
	return func(p *Provider) { p.source = s }
}

// WithConverter sets the PCM converter. Default: [audio.NewTranscoder].
func WithConverter(c Converter) Option {
	return func(p *Provider) { p.converter = c }
}

// WithClock overrides the clock used for URL signing.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// Provider implements stt.Provider against the streaming recognition API.
type Provider struct {
	appID     string
	apiKey    string
	apiSecret string

	endpoint      string
	frameBytes    int
	frameInterval time.Duration
	timeout       time.Duration
	language      string
	accent        string
	domain        string

	source    audio.Source
	converter Converter
	now       func() time.Time
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. All three credentials are required; a missing one
// yields an error wrapping [stt.ErrNotConfigured].
func New(appID, apiKey, apiSecret string, opts ...Option) (*Provider, error) {
	if appID == "" || apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("iflytek: app id, api key and api secret are required: %w", stt.ErrNotConfigured)
	}
	p := &Provider{
		appID:         appID,
		apiKey:        apiKey,
		apiSecret:     apiSecret,
		endpoint:      defaultEndpoint,
		frameBytes:    defaultFrameBytes,
		frameInterval: defaultFrameInterval,
		timeout:       defaultTimeout,
		language:      defaultLanguage,
		accent:        defaultAccent,
		domain:        defaultDomain,
		now:           time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.frameBytes <= 0 {
		p.frameBytes = defaultFrameBytes
	}
	if p.source == nil {
		p.source = audio.NewURLSource(nil, 0)
	}
	if p.converter == nil {
		p.converter = audio.NewTranscoder()
	}
	return p, nil
}

// Transcribe loads the clip, normalises it to PCM and streams it.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	data, err := p.source.Fetch(ctx, req.SourceRef)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &stt.TransientError{Backend: stt.BackendStreaming, Op: "fetch audio", Err: err}
	}

	head := data[:min(len(data), audio.SniffLen)]
	pcm, err := p.converter.ToPCM(ctx, data, audio.Detect(req.SourceRef, head))
	if err != nil {
		return nil, fmt.Errorf("iflytek: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.sessionTimeout(len(pcm))
	}
	return p.TranscribePCM(ctx, pcm, timeout)
}

// streamDuration is how long streaming n bytes of PCM takes at the frame
// pacing.
func (p *Provider) streamDuration(n int) time.Duration {
	frames := (n + p.frameBytes - 1) / p.frameBytes
	return time.Duration(frames) * p.frameInterval
}

// sessionTimeout is the default deadline for a clip of n PCM bytes.
func (p *Provider) sessionTimeout(n int) time.Duration {
	return max(p.timeout, p.streamDuration(n)+streamMargin)
}

// TranscribePCM streams already-normalised PCM and returns the assembled
// transcript. A session that ends abnormally after some text arrived resolves
// to a Partial result instead of an error.
func (p *Provider) TranscribePCM(ctx context.Context, pcm []byte, timeout time.Duration) (*stt.Result, error) {
	frames := audio.SplitFrames(pcm, p.frameBytes)
	if len(frames) == 0 {
		return nil, fmt.Errorf("iflytek: no audio to stream")
	}

	if d := p.streamDuration(len(pcm)); d >= timeout {
		slog.Warn("streaming clip is longer than the session deadline, transcript will be partial",
			"stream", d, "timeout", timeout)
	}

	wsURL, err := signURL(p.endpoint, p.apiKey, p.apiSecret, p.now())
	if err != nil {
		return nil, fmt.Errorf("iflytek: sign url: %w: %w", err, stt.ErrNotConfigured)
	}

	s := &session{
		url:      wsURL,
		appID:    p.appID,
		interval: p.frameInterval,
		timeout:  timeout,
		params: &parameter{IAT: iatParams{
			Domain:   p.domain,
			Language: p.language,
			Accent:   p.accent,
			EOS:      6000,
			Result:   resultFormat{Encoding: "utf8", Compress: "raw", Format: "json"},
		}},
	}
	return s.run(ctx, frames)
}
