// Package pipeline drives a recording from "uploaded" to "transcribed,
// annotated and persisted", at most once per recording.
//
// The durable [Status] stored per recording is the cross-process
// coordination signal; [InFlight] adds a process-local guard so that two
// triggers for the same recording never run concurrently in one process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Status is the durable state of a recording's pipeline run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusError:
		return true
	}
	return false
}

// CanStartFrom reports whether a run may move to processing from s. Only
// pending runs and failed runs being retried may.
func (s Status) CanStartFrom() bool {
	return s == StatusPending || s == StatusError
}

// Run is the persisted state of one recording's pipeline.
type Run struct {
	RecordingID string
	SourceRef   string
	Status      Status
	Attempts    int
	LastError   string
	// Interrupted marks an error run that was found stuck in processing
	// rather than one that failed on its own.
	Interrupted bool
}

// PendingFilter selects the runs a recovery pass may dispatch. Pending runs
// always qualify.
type PendingFilter struct {
	// MaxResumes caps the attempts of interrupted runs.
	MaxResumes int
	// MaxRetries caps the attempts of runs that failed. Zero leaves failed
	// runs alone until they are triggered explicitly.
	MaxRetries int
	// Limit caps the number of runs returned.
	Limit int
}

// Eligible reports whether r matches f, ignoring Limit.
func (f PendingFilter) Eligible(r Run) bool {
	switch r.Status {
	case StatusPending:
		return true
	case StatusError:
		if r.Interrupted {
			return r.Attempts < f.MaxResumes
		}
		return r.Attempts < f.MaxRetries
	}
	return false
}

// Result is everything the pipeline writes back for a processed recording.
type Result struct {
	Transcript    string
	CorrectedText string
	Summary       string
	Tags          []string
	// Score is passed through from the annotator unchanged; its scale is the
	// annotator's business. Nil when absent.
	Score    *float64
	Backend  string
	Partial  bool
	Fallback bool
}

// Annotation is what the annotator returns for a transcript.
type Annotation struct {
	CorrectedText string
	Summary       string
	Tags          []string
	Score         *float64
	// Fallback marks the documented degraded payload returned when the model
	// reply could not be used.
	Fallback bool
}

// ErrStatusConflict is returned by a [Store] when a conditional transition
// to processing loses against another writer.
var ErrStatusConflict = errors.New("pipeline: status changed concurrently")

// ErrRunNotFound is returned by a [Store] when no run exists for a recording.
var ErrRunNotFound = errors.New("pipeline: recording not found")

// Store persists pipeline state. Implementations must make the transition
// to [StatusProcessing] conditional on the current status being pending or
// error, returning [ErrStatusConflict] otherwise, and increment the attempt
// counter when it succeeds.
type Store interface {
	Run(ctx context.Context, recordingID string) (Run, error)
	UpdateStatus(ctx context.Context, recordingID string, status Status, errMsg string) error
	UpdateResult(ctx context.Context, recordingID string, res Result) error
}

// Vocabulary supplies the reference terms used to correct transcripts.
type Vocabulary interface {
	ReferenceTerms(ctx context.Context) ([]string, error)
}

// Annotator corrects, summarises and tags a transcript.
type Annotator interface {
	Annotate(ctx context.Context, transcript string, terms []string) (*Annotation, error)
}

// GuardKind identifies why the guard refused to start a run.
type GuardKind int

const (
	// KindInProgress means another run for the recording is in flight.
	KindInProgress GuardKind = iota + 1
	// KindProcessed means the recording has already been processed.
	KindProcessed
)

func (k GuardKind) String() string {
	switch k {
	case KindInProgress:
		return "already in progress"
	case KindProcessed:
		return "already processed"
	default:
		return "unknown"
	}
}

// Sentinels matched by [GuardError.Is].
var (
	ErrAlreadyInProgress = errors.New("pipeline: already in progress")
	ErrAlreadyProcessed  = errors.New("pipeline: already processed")
)

// GuardError is returned when a run is refused because the recording is
// being or has been processed. Callers treat it as an idempotent no-op.
type GuardError struct {
	RecordingID string
	Kind        GuardKind
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("pipeline: recording %s %s", e.RecordingID, e.Kind)
}

// Is makes errors.Is(err, ErrAlreadyInProgress) and
// errors.Is(err, ErrAlreadyProcessed) work.
func (e *GuardError) Is(target error) bool {
	switch target {
	case ErrAlreadyInProgress:
		return e.Kind == KindInProgress
	case ErrAlreadyProcessed:
		return e.Kind == KindProcessed
	}
	return false
}

// IsGuard reports whether err is a [GuardError].
func IsGuard(err error) bool {
	var ge *GuardError
	return errors.As(err, &ge)
}
