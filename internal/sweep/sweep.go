// Package sweep periodically recovers pipeline runs that a crashed process
// left behind and dispatches every run that is waiting to be processed.
//
// Each pass first marks runs stuck in processing for longer than StaleAfter
// as interrupted, then fetches pending runs and interrupted runs that still
// have resumes left and hands them to the orchestrator with bounded
// concurrency. Runs that failed on their own wait for an explicit trigger
// unless MaxAttempts opts them into retries. Exclusion is left to the
// orchestrator's guard, so a sweep racing a live trigger is harmless.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fieldscribe/internal/observe"
	"github.com/MrWong99/fieldscribe/internal/pipeline"
)

const (
	defaultInterval   = time.Minute
	defaultWorkers    = 4
	defaultStaleAfter = 30 * time.Minute
	defaultBatch      = 50
	defaultMaxResumes = 3
)

// Source lists runs that need work and resets stale ones.
type Source interface {
	Pending(ctx context.Context, f pipeline.PendingFilter) ([]pipeline.Run, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Processor runs the pipeline for one recording.
type Processor interface {
	Process(ctx context.Context, job pipeline.Job) (*pipeline.Outcome, error)
}

// Config configures a [Sweeper]. Zero values take the defaults.
type Config struct {
	// Interval between passes. Default: 1m.
	Interval time.Duration

	// Workers caps concurrent pipeline runs per pass. Default: 4.
	Workers int

	// StaleAfter is how long a run may sit in processing before it is
	// considered interrupted. It must comfortably exceed the longest
	// transcription timeout. Default: 30m.
	StaleAfter time.Duration

	// Batch caps how many runs one pass dispatches. Default: 50.
	Batch int

	// MaxResumes stops resuming interrupted runs once their attempt count
	// reaches it. Default: 3.
	MaxResumes int

	// MaxAttempts opts failed runs into automatic retries until their
	// attempt count reaches it. Default: 0, which never retries them.
	MaxAttempts int

	// Metrics records recovered runs. Nil disables metrics.
	Metrics *observe.Metrics
}

// Stats summarises one pass.
type Stats struct {
	Recovered  int64
	Dispatched int
	Processed  int
	Skipped    int
	Failed     int
}

// Sweeper runs recovery passes. All methods are safe for concurrent use;
// passes never overlap.
type Sweeper struct {
	src  Source
	proc Processor
	cfg  Config

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Sweeper].
func New(src Source, proc Processor, cfg Config) (*Sweeper, error) {
	if src == nil || proc == nil {
		return nil, errors.New("sweep: source and processor are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.MaxResumes <= 0 {
		cfg.MaxResumes = defaultMaxResumes
	}
	cfg.MaxAttempts = max(cfg.MaxAttempts, 0)
	return &Sweeper{src: src, proc: proc, cfg: cfg, done: make(chan struct{})}, nil
}

// Start runs a pass immediately and then every Interval in a background
// goroutine, until [Sweeper.Stop] is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the loop. Safe to call multiple times. A pass in progress is
// not interrupted; cancel its context for that.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepNow(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("sweep: pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// SweepNow performs one pass and waits for every dispatched run to finish.
// Individual run failures are counted in the returned stats, not returned.
func (s *Sweeper) SweepNow(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats

	recovered, err := s.src.RecoverStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return stats, fmt.Errorf("sweep: recover stale: %w", err)
	}
	stats.Recovered = recovered
	if recovered > 0 {
		slog.Info("sweep: recovered interrupted runs", "count", recovered)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SweepRecovered.Add(ctx, recovered)
		}
	}

	runs, err := s.src.Pending(ctx, pipeline.PendingFilter{
		MaxResumes: s.cfg.MaxResumes,
		MaxRetries: s.cfg.MaxAttempts,
		Limit:      s.cfg.Batch,
	})
	if err != nil {
		return stats, fmt.Errorf("sweep: list pending: %w", err)
	}

	var processed, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, run := range runs {
		if ctx.Err() != nil {
			break
		}
		stats.Dispatched++
		g.Go(func() error {
			_, err := s.proc.Process(ctx, pipeline.Job{RecordingID: run.RecordingID, SourceRef: run.SourceRef})
			switch {
			case err == nil:
				processed.Add(1)
			case pipeline.IsGuard(err):
				skipped.Add(1)
			default:
				failed.Add(1)
				if !errors.Is(err, context.Canceled) {
					slog.Warn("sweep: run failed", "recording_id", run.RecordingID, "attempt", run.Attempts+1, "err", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Processed = int(processed.Load())
	stats.Skipped = int(skipped.Load())
	stats.Failed = int(failed.Load())
	if stats.Dispatched > 0 {
		slog.Info("sweep: pass complete",
			"dispatched", stats.Dispatched,
			"processed", stats.Processed,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
		)
	}
	return stats, ctx.Err()
}
