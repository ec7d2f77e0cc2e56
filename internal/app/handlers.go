package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/fieldscribe/internal/observe"
	"github.com/MrWong99/fieldscribe/internal/pipeline"
)

type processResponse struct {
	RecordingID   string   `json:"recording_id"`
	Status        string   `json:"status"`
	Empty         bool     `json:"empty,omitempty"`
	Backend       string   `json:"backend,omitempty"`
	Partial       bool     `json:"partial,omitempty"`
	Fallback      bool     `json:"fallback,omitempty"`
	Transcript    string   `json:"transcript,omitempty"`
	CorrectedText string   `json:"corrected_text,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// handleProcess runs the pipeline for the recording named in the path and
// answers once the run has finished. The source reference is the one stored
// with the run. Query parameters: backend (preferred
// speech backend), speakers (expected speaker count), timeout (Go duration).
func (a *App) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	log := observe.Logger(observe.WithRecording(ctx, id))

	job := pipeline.Job{
		RecordingID:      id,
		PreferredBackend: r.URL.Query().Get("backend"),
	}
	if v := r.URL.Query().Get("speakers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, processResponse{RecordingID: id, Error: "speakers must be a non-negative integer"})
			return
		}
		job.ExpectedSpeakers = n
	}
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, processResponse{RecordingID: id, Error: "timeout must be a non-negative duration"})
			return
		}
		job.Timeout = d
	}

	out, err := a.orchestrator.Process(ctx, job)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, processResponse{RecordingID: id, Status: string(pipeline.StatusProcessed)})
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeJSON(w, http.StatusNotFound, processResponse{RecordingID: id, Error: err.Error()})
	case errors.Is(err, pipeline.ErrAlreadyInProgress):
		writeJSON(w, http.StatusConflict, processResponse{RecordingID: id, Status: string(pipeline.StatusProcessing), Error: err.Error()})
	case err != nil:
		if ctx.Err() == nil {
			log.Warn("pipeline run failed", "err", err)
		}
		writeJSON(w, http.StatusBadGateway, processResponse{RecordingID: id, Status: string(pipeline.StatusError), Error: err.Error()})
	default:
		res := out.Result
		writeJSON(w, http.StatusOK, processResponse{
			RecordingID:   id,
			Status:        string(pipeline.StatusProcessed),
			Empty:         out.Empty,
			Backend:       res.Backend,
			Partial:       res.Partial,
			Fallback:      res.Fallback,
			Transcript:    res.Transcript,
			CorrectedText: res.CorrectedText,
			Summary:       res.Summary,
			Tags:          res.Tags,
			Score:         res.Score,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
