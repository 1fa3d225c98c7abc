package http

import (
	"time"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Manifest string            `json:"manifest"`
	Services map[string]string `json:"services"`
	Counts   StatusCounts      `json:"counts"`
}

// StatusCounts counts runs by state. Stored counts are -1 when the store
// could not be read.
type StatusCounts struct {
	Active    int `json:"active"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StartRunRequest is the request body for POST /api/v1/runs. Empty folders
// fall back to the configured defaults.
type StartRunRequest struct {
	InputFolder  string `json:"input_folder"`
	OutputFolder string `json:"output_folder"`
}

// StartRunResponse is the response body for POST /api/v1/runs.
type StartRunResponse struct {
	RunID  string             `json:"run_id"`
	Status workflow.RunStatus `json:"status"`
	Links  map[string]string  `json:"links"`
}

// ListRunsQuery holds the query parameters of GET /api/v1/runs.
type ListRunsQuery struct {
	Limit int `query:"limit"`
}

// RunsResponse is the response body for GET /api/v1/runs.
type RunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// RunSummary is a run without its attempt history.
type RunSummary struct {
	RunID      string             `json:"run_id"`
	Manifest   string             `json:"manifest_name"`
	Status     workflow.RunStatus `json:"status"`
	Attempts   int                `json:"attempts"`
	LastStep   string             `json:"last_step,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Error      string             `json:"error,omitempty"`
	ErrorKind  workflow.ErrorKind `json:"error_kind,omitempty"`
}

func summarize(r *workflow.RunRecord) RunSummary {
	s := RunSummary{
		RunID:     r.RunID,
		Manifest:  r.ManifestName,
		Status:    r.Status,
		Attempts:  len(r.Steps),
		StartedAt: r.StartedAt,
		Error:     r.Error,
		ErrorKind: r.ErrorKind,
	}
	if last, ok := r.LastAttempt(); ok {
		s.LastStep = last.StepID
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		s.FinishedAt = &t
	}
	return s
}
