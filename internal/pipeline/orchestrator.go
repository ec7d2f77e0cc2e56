package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fieldscribe/internal/observe"
	"github.com/MrWong99/fieldscribe/internal/resilience"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

const (
	defaultMaxReferenceTerms = 200
	defaultAnnotateAttempts  = 3
	defaultAnnotateDelay     = 2 * time.Second

	// persistTimeout bounds status writes made after the run's own context
	// has ended.
	persistTimeout = 10 * time.Second
)

// Job asks for one recording to be processed.
type Job struct {
	RecordingID      string
	SourceRef        string
	ExpectedSpeakers int
	PreferredBackend string
	// Timeout bounds transcription. Zero uses the backend default.
	Timeout time.Duration
}

// Outcome describes a completed run.
type Outcome struct {
	RecordingID string
	// Empty is true when nothing was recognised. The run still counts as
	// processed.
	Empty  bool
	Result Result
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithInFlight shares an in-flight set between orchestrators. Default: a
// private set.
func WithInFlight(f *InFlight) Option {
	return func(o *Orchestrator) { o.inflight = f }
}

// WithMaxReferenceTerms caps how many reference terms reach the annotator.
// Default: 200.
func WithMaxReferenceTerms(n int) Option {
	return func(o *Orchestrator) { o.maxTerms = n }
}

// WithAnnotationRetry sets how often the annotator is tried and the fixed
// delay between tries. Default: 3 attempts, 2s apart.
func WithAnnotationRetry(attempts int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.annotateAttempts = attempts
		o.annotateDelay = delay
	}
}

// WithMetrics records run outcomes to m. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs the transcription pipeline for individual recordings.
// It is safe for concurrent use; runs for different recordings proceed in
// parallel and runs for the same recording are refused while one is active.
type Orchestrator struct {
	store     Store
	stt       stt.Provider
	vocab     Vocabulary
	annotator Annotator

	inflight         *InFlight
	maxTerms         int
	annotateAttempts int
	annotateDelay    time.Duration
	metrics          *observe.Metrics
}

// New creates an Orchestrator. vocab may be nil, in which case the annotator
// receives no reference terms.
func New(store Store, transcriber stt.Provider, vocab Vocabulary, annotator Annotator, opts ...Option) (*Orchestrator, error) {
	if store == nil || transcriber == nil || annotator == nil {
		return nil, errors.New("pipeline: store, transcriber and annotator are required")
	}
	o := &Orchestrator{
		store:            store,
		stt:              transcriber,
		vocab:            vocab,
		annotator:        annotator,
		maxTerms:         defaultMaxReferenceTerms,
		annotateAttempts: defaultAnnotateAttempts,
		annotateDelay:    defaultAnnotateDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.inflight == nil {
		o.inflight = NewInFlight()
	}
	if o.annotateAttempts <= 0 {
		o.annotateAttempts = defaultAnnotateAttempts
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// InFlight returns the set of recordings this orchestrator is running.
func (o *Orchestrator) InFlight() *InFlight {
	return o.inflight
}

// Process runs the pipeline for job.RecordingID.
//
// A recording that is already running in this process, marked processing by
// another one, or already processed is refused with a [*GuardError]. Any
// other failure is persisted as [StatusError] with its message and returned.
// Cancellation of ctx is returned as is and never persisted as an error; the
// run then stays processing until the recovery sweep resets it.
func (o *Orchestrator) Process(ctx context.Context, job Job) (*Outcome, error) {
	start := time.Now()
	id := job.RecordingID

	ctx, span := observe.StartSpan(observe.WithRecording(ctx, id), "pipeline.process",
		trace.WithAttributes(attribute.String("recording.id", id)),
	)
	defer span.End()
	log := observe.Logger(ctx)

	out, err := o.process(ctx, job)

	outcome := outcomeOf(out, err)
	o.metrics.RecordPipelineRun(ctx, outcome, time.Since(start).Seconds())
	span.SetAttributes(attribute.String("pipeline.outcome", outcome))

	switch outcome {
	case observe.OutcomeInProgress, observe.OutcomeAlreadyProcessed:
		log.Warn("pipeline run skipped", "reason", outcome)
	case observe.OutcomeCancelled:
		log.Info("pipeline run cancelled")
	case observe.OutcomeError:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("pipeline run failed", "err", err)
	default:
		log.Info("pipeline run complete",
			"empty", out.Empty,
			"backend", out.Result.Backend,
			"partial", out.Result.Partial,
			"duration", time.Since(start))
	}
	return out, err
}

func outcomeOf(out *Outcome, err error) string {
	switch {
	case errors.Is(err, ErrAlreadyInProgress):
		return observe.OutcomeInProgress
	case errors.Is(err, ErrAlreadyProcessed):
		return observe.OutcomeAlreadyProcessed
	case errors.Is(err, context.Canceled):
		return observe.OutcomeCancelled
	case err != nil:
		return observe.OutcomeError
	case out.Empty:
		return observe.OutcomeEmpty
	default:
		return observe.OutcomeProcessed
	}
}

func (o *Orchestrator) process(ctx context.Context, job Job) (*Outcome, error) {
	id := job.RecordingID
	if !o.inflight.TryAcquire(id) {
		return nil, &GuardError{RecordingID: id, Kind: KindInProgress}
	}
	defer o.inflight.Release(id)

	o.metrics.ActiveRuns.Add(ctx, 1)
	defer o.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)

	run, err := o.store.Run(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load run %s: %w", id, err)
	}
	switch run.Status {
	case StatusProcessing:
		return nil, &GuardError{RecordingID: id, Kind: KindInProgress}
	case StatusProcessed:
		return nil, &GuardError{RecordingID: id, Kind: KindProcessed}
	}

	if err := o.store.UpdateStatus(ctx, id, StatusProcessing, ""); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, &GuardError{RecordingID: id, Kind: KindInProgress}
		}
		return nil, fmt.Errorf("pipeline: mark %s processing: %w", id, err)
	}

	if job.SourceRef == "" {
		job.SourceRef = run.SourceRef
	}
	out, err := o.execute(ctx, job)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", context.Canceled, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if perr := o.store.UpdateStatus(pctx, id, StatusError, err.Error()); perr != nil {
			return nil, errors.Join(err, fmt.Errorf("pipeline: persist error status: %w", perr))
		}
		return nil, err
	}
	return out, nil
}

// execute does the work once the run is marked processing.
func (o *Orchestrator) execute(ctx context.Context, job Job) (*Outcome, error) {
	id := job.RecordingID

	tr, err := o.stt.Transcribe(ctx, stt.Request{
		SourceRef:        job.SourceRef,
		ExpectedSpeakers: job.ExpectedSpeakers,
		Timeout:          job.Timeout,
		PreferredBackend: job.PreferredBackend,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: transcribe: %w", err)
	}

	res := Result{
		Transcript: strings.TrimSpace(Collapse(tr.Text)),
		Backend:    tr.Backend,
		Partial:    tr.Partial,
	}
	out := &Outcome{RecordingID: id}

	if res.Transcript == "" {
		out.Empty = true
	} else {
		terms := o.referenceTerms(ctx)
		ann, err := o.annotate(ctx, res.Transcript, terms)
		if err != nil {
			return nil, fmt.Errorf("pipeline: annotate: %w", err)
		}
		res.CorrectedText = ann.CorrectedText
		res.Summary = ann.Summary
		res.Tags = ann.Tags
		res.Score = ann.Score
		res.Fallback = ann.Fallback
	}

	if err := o.store.UpdateResult(ctx, id, res); err != nil {
		return nil, fmt.Errorf("pipeline: persist result: %w", err)
	}
	if err := o.store.UpdateStatus(ctx, id, StatusProcessed, ""); err != nil {
		return nil, fmt.Errorf("pipeline: mark processed: %w", err)
	}
	out.Result = res
	return out, nil
}

// referenceTerms returns at most maxTerms terms. A vocabulary failure is
// logged and yields no terms; annotation still runs.
func (o *Orchestrator) referenceTerms(ctx context.Context) []string {
	if o.vocab == nil {
		return nil
	}
	terms, err := o.vocab.ReferenceTerms(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("reference vocabulary unavailable, annotating without it", "err", err)
		return nil
	}
	if o.maxTerms > 0 && len(terms) > o.maxTerms {
		terms = terms[:o.maxTerms]
	}
	return terms
}

// annotate calls the annotator with a fixed delay between attempts.
// Cancellation is not retried.
func (o *Orchestrator) annotate(ctx context.Context, transcript string, terms []string) (*Annotation, error) {
	start := time.Now()
	defer func() {
		o.metrics.AnnotationDuration.Record(ctx, time.Since(start).Seconds())
	}()

	policy := resilience.RetryPolicy{
		MaxAttempts:    o.annotateAttempts,
		InitialBackoff: o.annotateDelay,
		MaxBackoff:     o.annotateDelay,
		Multiplier:     1,
		RetryIf: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
		OnRetry: func(attempt int, err error, next time.Duration) {
			observe.Logger(ctx).Warn("annotation failed, retrying", "attempt", attempt, "next", next, "err", err)
		},
	}
	ann, err := resilience.Retry(ctx, policy, func(ctx context.Context) (*Annotation, error) {
		a, err := o.annotator.Annotate(ctx, transcript, terms)
		if err == nil && a == nil {
			err = errors.New("annotator returned no annotation")
		}
		return a, err
	})
	if err != nil {
		return nil, err
	}
	if ann.Fallback {
		o.metrics.AnnotationFallbacks.Add(ctx, 1)
	}
	return ann, nil
}
