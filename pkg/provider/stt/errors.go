package stt

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned when a backend lacks the credentials or
// endpoints it needs. It is not retryable; the gateway falls back instead.
var ErrNotConfigured = errors.New("stt: backend not configured")

// ProtocolError reports a malformed or unexpected backend message, or a
// non-zero status code in an otherwise well-formed one. It is not retried
// within the same connection.
type ProtocolError struct {
	Backend string
	Code    int
	Message string
	// SID is the vendor session id, when one was received.
	SID string
}

func (e *ProtocolError) Error() string {
	if e.SID != "" {
		return fmt.Sprintf("stt: %s protocol error %d (sid %s): %s", e.Backend, e.Code, e.SID, e.Message)
	}
	return fmt.Sprintf("stt: %s protocol error %d: %s", e.Backend, e.Code, e.Message)
}

// TransientError wraps a network drop, 5xx or rate-limit failure that
// survived the backend's own bounded retries.
type TransientError struct {
	Backend string
	Op      string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("stt: %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TimeoutError reports that the wall-clock budget of a request elapsed before
// the backend reached a terminal state and nothing could be salvaged.
type TimeoutError struct {
	Backend string
	After   time.Duration
	// LastStatus is the last status the backend reported, if any.
	LastStatus string
}

func (e *TimeoutError) Error() string {
	if e.LastStatus != "" {
		return fmt.Sprintf("stt: %s timed out after %s (last status %s)", e.Backend, e.After, e.LastStatus)
	}
	return fmt.Sprintf("stt: %s timed out after %s", e.Backend, e.After)
}

// SubmitError reports that an async job could not be created: the endpoint
// rejected the request or answered without a task id.
type SubmitError struct {
	Backend    string
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmitError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("stt: %s submit failed (HTTP %d): %s", e.Backend, e.StatusCode, msg)
	}
	return fmt.Sprintf("stt: %s submit failed: %s", e.Backend, msg)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// JobError reports that an async job reached the FAILED state.
type JobError struct {
	Backend string
	TaskID  string
	Code    string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("stt: %s task %s failed: %s %s", e.Backend, e.TaskID, e.Code, e.Message)
}
