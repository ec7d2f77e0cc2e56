// Package app wires all fieldscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the recovery sweep, and Shutdown
// tears everything down in order.
//
// For testing, inject fakes via functional options (WithStore, WithDecoder,
// etc.) and [Providers]. When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/fieldscribe/internal/annotate"
	"github.com/MrWong99/fieldscribe/internal/config"
	"github.com/MrWong99/fieldscribe/internal/health"
	"github.com/MrWong99/fieldscribe/internal/observe"
	"github.com/MrWong99/fieldscribe/internal/pipeline"
	"github.com/MrWong99/fieldscribe/internal/resilience"
	"github.com/MrWong99/fieldscribe/internal/store/postgres"
	"github.com/MrWong99/fieldscribe/internal/sweep"
	"github.com/MrWong99/fieldscribe/pkg/audio"
	"github.com/MrWong99/fieldscribe/pkg/provider/llm"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt/dashscope"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt/iflytek"
)

// Store is everything the application needs from persistence.
type Store interface {
	pipeline.Store
	pipeline.Vocabulary
	sweep.Source
	Ping(ctx context.Context) error
}

// Decoder converts audio containers to PCM and reports whether it can run.
type Decoder interface {
	iflytek.Converter
	Available() error
}

// Providers holds the externally constructed providers. A nil speech backend
// is built from the transcription config; LLM is required.
type Providers struct {
	LLM       llm.Provider
	Streaming stt.Provider
	Async     stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics      *observe.Metrics
	store        Store
	decoder      Decoder
	gateway      *resilience.STTGateway
	orchestrator *pipeline.Orchestrator
	sweeper      *sweep.Sweeper
	handler      http.Handler
	metricsH     http.Handler
	server       *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to PostgreSQL.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithDecoder injects an audio decoder instead of the ffmpeg transcoder.
func WithDecoder(d Decoder) Option {
	return func(a *App) { a.decoder = d }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.decoder == nil {
		a.decoder = audio.NewTranscoder(
			audio.WithDecoder(cfg.Transcription.Decoder.FFmpeg),
			audio.WithTempDir(cfg.Transcription.Decoder.TempDir),
		)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initTranscription(); err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initSweep(); err != nil {
		return nil, fmt.Errorf("app: init sweep: %w", err)
	}
	a.initHTTP()

	if err := a.decoder.Available(); err != nil {
		slog.Warn("audio decoder unavailable, only WAV input can be transcribed", "err", err)
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		return errors.New("database.postgres_dsn is required when no store is injected")
	}
	pool, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	s := postgres.New(pool)
	if a.cfg.Database.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		slog.Info("database schema migrated")
	}
	a.store = s
	return nil
}

func (a *App) initTranscription() error {
	tc := a.cfg.Transcription

	streaming := a.providers.Streaming
	if streaming == nil {
		source := audio.NewURLSource(resilience.NewHTTPClient("audio-fetch"), tc.MaxAudioBytes)
		opts := []iflytek.Option{
			iflytek.WithSource(source),
			iflytek.WithConverter(observe.InstrumentConverter(a.decoder, a.metrics)),
			iflytek.WithLanguage(tc.Streaming.Language, tc.Streaming.Accent),
		}
		if tc.Streaming.URL != "" {
			opts = append(opts, iflytek.WithEndpoint(tc.Streaming.URL))
		}
		if tc.Streaming.FrameBytes > 0 {
			opts = append(opts, iflytek.WithFrameBytes(tc.Streaming.FrameBytes))
		}
		if tc.Streaming.FrameInterval > 0 {
			opts = append(opts, iflytek.WithFrameInterval(tc.Streaming.FrameInterval))
		}
		if tc.Streaming.Timeout > 0 {
			opts = append(opts, iflytek.WithTimeout(tc.Streaming.Timeout))
		}
		if tc.Streaming.Domain != "" {
			opts = append(opts, iflytek.WithDomain(tc.Streaming.Domain))
		}
		p, err := iflytek.New(tc.Streaming.AppID, tc.Streaming.APIKey, tc.Streaming.APISecret, opts...)
		if err != nil {
			return err
		}
		streaming = p
	}

	async := a.providers.Async
	if async == nil && tc.Async.Enabled() {
		opts := []dashscope.Option{dashscope.WithPollInterval(tc.Async.PollBase, tc.Async.PollMax)}
		if tc.Async.BaseURL != "" {
			opts = append(opts, dashscope.WithBaseURL(tc.Async.BaseURL))
		}
		if tc.Async.Model != "" {
			opts = append(opts, dashscope.WithModel(tc.Async.Model))
		}
		if len(tc.Async.LanguageHints) > 0 {
			opts = append(opts, dashscope.WithLanguageHints(tc.Async.LanguageHints...))
		}
		if tc.Async.Timeout > 0 {
			opts = append(opts, dashscope.WithTimeout(tc.Async.Timeout))
		}
		p, err := dashscope.New(tc.Async.APIKey, opts...)
		if err != nil {
			return err
		}
		async = p
	}

	streaming = observe.InstrumentSTT(streaming, stt.BackendStreaming, a.metrics)
	if async != nil {
		async = observe.InstrumentSTT(async, stt.BackendAsync, a.metrics)
	}

	gw, err := resilience.NewSTTGateway(streaming, async, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  tc.Breaker.MaxFailures,
			ResetTimeout: tc.Breaker.ResetTimeout,
			HalfOpenMax:  tc.Breaker.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("transcription breaker changed state", "backend", name, "from", from, "to", to)
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
		OnFailover: func(from string, err error) {
			a.metrics.RecordFallback(context.Background(), from)
		},
	})
	if err != nil {
		return err
	}
	a.gateway = gw
	slog.Info("transcription backends ready", "order", gw.Backends())
	return nil
}

func (a *App) initPipeline() error {
	ac := a.cfg.Annotation

	var annotateOpts []annotate.Option
	if ac.Temperature > 0 {
		annotateOpts = append(annotateOpts, annotate.WithTemperature(ac.Temperature))
	}
	model := observe.InstrumentLLM(a.providers.LLM, ac.LLM.Name, a.metrics)
	annotator, err := annotate.New(model, annotateOpts...)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithMetrics(a.metrics)}
	if ac.Attempts > 0 {
		opts = append(opts, pipeline.WithAnnotationRetry(ac.Attempts, ac.Delay))
	}
	if ac.MaxReferenceTerms > 0 {
		opts = append(opts, pipeline.WithMaxReferenceTerms(ac.MaxReferenceTerms))
	}
	o, err := pipeline.New(a.store, a.gateway, a.store, annotator, opts...)
	if err != nil {
		return err
	}
	a.orchestrator = o
	return nil
}

func (a *App) initSweep() error {
	sc := a.cfg.Sweep
	if !sc.Enabled {
		return nil
	}
	s, err := sweep.New(a.store, a.orchestrator, sweep.Config{
		Interval:    sc.Interval,
		Workers:     sc.Workers,
		StaleAfter:  sc.StaleAfter,
		Batch:       sc.Batch,
		MaxResumes:  sc.MaxResumes,
		MaxAttempts: sc.MaxAttempts,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}
	a.sweeper = s
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	health.New(
		health.Database(a.store),
		health.Decoder(a.decoder),
		health.Backends(a.gateway.States),
	).Register(mux)
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}
	mux.Handle("GET /metrics", a.metricsH)
	mux.HandleFunc("POST /recordings/{id}/process", a.handleProcess)

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Process runs the pipeline for one recording.
func (a *App) Process(ctx context.Context, job pipeline.Job) (*pipeline.Outcome, error) {
	return a.orchestrator.Process(ctx, job)
}

// Run starts the recovery sweep and the HTTP server and blocks until ctx is
// cancelled or the server fails. When ctx is done, Run returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	if a.sweeper != nil {
		a.sweeper.Start(ctx)
		a.closers = append([]func() error{func() error {
			a.sweeper.Stop()
			return nil
		}}, a.closers...)
	}

	errCh := make(chan error, 1)
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server listening", "addr", addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	slog.Info("app running", "sweep", a.sweeper != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Shutdown stops the HTTP server, then runs the closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
