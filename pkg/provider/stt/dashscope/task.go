package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/fieldscribe/internal/resilience"
	"github.com/MrWong99/fieldscribe/pkg/provider/stt"
)

// Task statuses reported by the tasks endpoint.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Task is the observed state of one submitted transcription job.
type Task struct {
	ID     string
	Status string
	// ResultURL is the pre-signed location of the result document. Set once
	// Status is SUCCEEDED.
	ResultURL string
}

// errNotFinished marks a poll that found the task still queued or running.
var errNotFinished = errors.New("dashscope: task not finished")

type submitRequest struct {
	Model      string           `json:"model"`
	Input      submitInput      `json:"input"`
	Parameters submitParameters `json:"parameters"`
}

type submitInput struct {
	FileURLs []string `json:"file_urls"`
}

type submitParameters struct {
	LanguageHints      []string `json:"language_hints,omitempty"`
	DiarizationEnabled bool     `json:"diarization_enabled"`
	SpeakerCount       int      `json:"speaker_count,omitempty"`
}

type taskResult struct {
	FileURL          string `json:"file_url"`
	TranscriptionURL string `json:"transcription_url"`
	SubtaskStatus    string `json:"subtask_status"`
	Code             string `json:"code"`
	Message          string `json:"message"`
}

type taskOutput struct {
	TaskID     string       `json:"task_id"`
	TaskStatus string       `json:"task_status"`
	Results    []taskResult `json:"results"`
	Code       string       `json:"code"`
	Message    string       `json:"message"`
}

type taskResponse struct {
	RequestID string     `json:"request_id"`
	Output    taskOutput `json:"output"`
	Code      string     `json:"code"`
	Message   string     `json:"message"`
}

func (p *Provider) submit(ctx context.Context, req stt.Request) (string, error) {
	body, err := json.Marshal(submitRequest{
		Model: p.model,
		Input: submitInput{FileURLs: []string{req.SourceRef}},
		Parameters: submitParameters{
			LanguageHints:      p.languageHints,
			DiarizationEnabled: true,
			SpeakerCount:       max(req.ExpectedSpeakers, 0),
		},
	})
	if err != nil {
		return "", fmt.Errorf("dashscope: encode submit: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/services/audio/asr/transcription", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("dashscope: build submit: %w", err)
	}
	hreq.Header.Set("Authorization", "Bearer "+p.apiKey)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-DashScope-Async", "enable")

	// Each accepted submit is a billed task, so only retry when the server
	// says it did not take the request.
	resp, err := p.http.DoIf(hreq, resilience.IsRejected)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		se := &stt.SubmitError{Backend: stt.BackendAsync, Err: err}
		var he *resilience.HTTPError
		if errors.As(err, &he) {
			se.StatusCode = he.StatusCode
		}
		return "", se
	}
	defer resp.Body.Close()

	var tr taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &stt.SubmitError{Backend: stt.BackendAsync, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if tr.Output.TaskID == "" {
		msg := "response carries no task id"
		if tr.Message != "" {
			msg += ": " + tr.Code + " " + tr.Message
		}
		return "", &stt.SubmitError{Backend: stt.BackendAsync, StatusCode: resp.StatusCode, Message: msg}
	}
	return tr.Output.TaskID, nil
}

// pollPolicy is the poll schedule: first poll immediately, then 1s, 2s, 4s,
// 8s and the cap thereafter with no jitter. Only the context bounds it.
func (p *Provider) pollPolicy(taskID string) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:    resilience.UnlimitedAttempts,
		InitialBackoff: p.pollBase,
		MaxBackoff:     p.pollMax,
		Multiplier:     2,
		RetryIf: func(err error) bool {
			return errors.Is(err, errNotFinished) || resilience.IsRetryable(err)
		},
		OnRetry: func(attempt int, err error, next time.Duration) {
			if errors.Is(err, errNotFinished) {
				slog.Debug("async task still running", "task_id", taskID, "poll", attempt, "next", next)
				return
			}
			slog.Warn("async task poll failed, retrying", "task_id", taskID, "poll", attempt, "next", next, "err", err)
		},
	}
}

// poll waits for the task to reach a terminal status. The returned Task
// carries the last observed status even when err is non-nil.
func (p *Provider) poll(ctx context.Context, taskID string) (Task, error) {
	last := Task{ID: taskID}
	t, err := resilience.Retry(ctx, p.pollPolicy(taskID), func(ctx context.Context) (Task, error) {
		t, err := p.pollOnce(ctx, taskID)
		if t.Status != "" {
			last = t
		}
		return t, err
	})
	if err == nil {
		return t, nil
	}

	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	var he *resilience.HTTPError
	if errors.As(err, &he) && !he.Retryable {
		return last, &stt.ProtocolError{Backend: stt.BackendAsync, Code: he.StatusCode, Message: fmt.Sprintf("poll task %s: %s", taskID, he.Body)}
	}
	return last, err
}

// pollOnce performs one status request. A queued or running task yields
// errNotFinished.
func (p *Provider) pollOnce(ctx context.Context, taskID string) (Task, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return Task{}, fmt.Errorf("dashscope: build poll: %w", err)
	}
	hreq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.DoOnce(hreq)
	if err != nil {
		return Task{}, err
	}
	defer resp.Body.Close()

	var tr taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Task{}, &stt.ProtocolError{Backend: stt.BackendAsync, Code: -1, Message: "decode task: " + err.Error()}
	}

	t := Task{ID: taskID, Status: tr.Output.TaskStatus}
	switch t.Status {
	case StatusPending, StatusRunning:
		return t, errNotFinished
	case StatusFailed:
		return t, &stt.JobError{Backend: stt.BackendAsync, TaskID: taskID, Code: tr.Output.Code, Message: tr.Output.Message}
	case StatusSucceeded:
		for _, r := range tr.Output.Results {
			if r.TranscriptionURL != "" && (r.SubtaskStatus == "" || r.SubtaskStatus == StatusSucceeded) {
				t.ResultURL = r.TranscriptionURL
				return t, nil
			}
		}
		je := &stt.JobError{Backend: stt.BackendAsync, TaskID: taskID, Message: "no transcription result"}
		if len(tr.Output.Results) > 0 {
			je.Code, je.Message = tr.Output.Results[0].Code, tr.Output.Results[0].Message
		}
		return t, je
	default:
		return t, &stt.ProtocolError{Backend: stt.BackendAsync, Code: -1, Message: fmt.Sprintf("task %s: unexpected status %q", taskID, t.Status)}
	}
}
