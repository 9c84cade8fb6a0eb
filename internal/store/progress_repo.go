package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the job_runs status column.
type RunStatus string

// Run statuses persisted in job_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// JobRun is one execution of a broker job on a worker.
type JobRun struct {
	JobID        string     `json:"job_id"`
	Queue        string     `json:"queue"`
	Handler      string     `json:"handler"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	ErrorMessage *string    `json:"error,omitempty"`
	Documents    int64      `json:"documents"`
}

// HostStats aggregates indexing activity per repository host.
type HostStats struct {
	Host       string    `json:"host"`
	LastUpdate time.Time `json:"last_update"`
	Documents  int64     `json:"documents"`
	Bytes      int64     `json:"bytes"`
	Rendered   int64     `json:"rendered"`
}

// HostDelta is an increment applied to a HostStats row.
type HostDelta struct {
	Documents int64
	Bytes     int64
	Rendered  int64
	At        time.Time
}

// ProgressRepository persists job run history and per-host counters.
type ProgressRepository interface {
	// StartRun inserts a running row, or resets an existing one.
	StartRun(ctx context.Context, run JobRun) error
	// CompleteRun marks the run finished with status and optional error text.
	CompleteRun(ctx context.Context, jobID string, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddRunDocuments bumps the indexed document count of a run.
	AddRunDocuments(ctx context.Context, jobID string, delta int64) error
	// AddHostStats applies a delta to one host's counters.
	AddHostStats(ctx context.Context, host string, delta HostDelta) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID string) (JobRun, error)
	// ListRuns returns runs newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]JobRun, error)
	// ListHosts returns host counters, most recently updated first.
	ListHosts(ctx context.Context, limit, offset int) ([]HostStats, error)
}
