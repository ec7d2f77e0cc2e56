// Package stt defines the Provider interface for batch Speech-to-Text backends.
//
// A provider takes a reference to an already-recorded clip and returns the
// complete transcript. Two wire protocols sit behind this interface: a
// bidirectional streaming protocol (package iflytek) and a submit-then-poll job
// API (package dashscope). Neither leaks protocol types upward; both normalise
// their output to [Result].
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Backend names used in [Result.Backend] and for routing preferences.
const (
	BackendStreaming = "streaming"
	BackendAsync     = "async"
)

// Request describes a single transcription job. It is a value type and is never
// mutated once handed to a provider.
type Request struct {
	// SourceRef locates the recorded clip. For the async backend this must be a
	// URL reachable by the vendor; the streaming backend fetches it itself.
	SourceRef string

	// ExpectedSpeakers is a diarization hint. Zero means unknown.
	ExpectedSpeakers int

	// Timeout bounds the whole call. Zero selects the provider default.
	Timeout time.Duration

	// PreferredBackend optionally asks the gateway to try a specific backend
	// first. Empty keeps the default routing.
	PreferredBackend string
}

// Segment is one diarized piece of transcript in emission order.
type Segment struct {
	// SpeakerID is the zero-based numeric speaker id assigned by the backend.
	SpeakerID int

	// Text is the recognised text of this segment.
	Text string

	// Start is the offset of the segment from the start of the clip.
	Start time.Duration
}

// Result is the normalised outcome of a transcription.
type Result struct {
	// Text is the full transcript. Diarized results are rendered as one line
	// per speaker turn.
	Text string

	// Backend names the backend that produced the result.
	Backend string

	// Partial is true when Text was salvaged after an abnormal end of the
	// exchange (timeout, remote close, transport error). Partial results always
	// carry non-empty Text.
	Partial bool

	// Segments holds diarized segments when the backend supplied them.
	Segments []Segment
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe runs one transcription to completion. The returned error is
	// one of the types in this package, a wrapped context error, or a decoder
	// error from package audio.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
