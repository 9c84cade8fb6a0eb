package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/repo-indexer/internal/store"
)

var progressSchema = []string{
	`CREATE TABLE IF NOT EXISTS job_runs (
		job_id        text PRIMARY KEY,
		queue         text NOT NULL,
		handler       text NOT NULL,
		started_at    timestamptz NOT NULL,
		finished_at   timestamptz,
		status        text NOT NULL,
		error_message text,
		documents     bigint NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS job_runs_started_idx ON job_runs (started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS host_stats (
		host        text PRIMARY KEY,
		last_update timestamptz NOT NULL,
		documents   bigint NOT NULL DEFAULT 0,
		bytes       bigint NOT NULL DEFAULT 0,
		rendered    bigint NOT NULL DEFAULT 0
	)`,
}

// ProgressStore implements store.ProgressRepository using Postgres.
type ProgressStore struct {
	pool pgxPool
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(ctx context.Context, dsn string) (*ProgressStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &ProgressStore{pool: pool}, nil
}

// NewProgressStoreWithPool wraps an existing pool.
func NewProgressStoreWithPool(pool pgxPool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the job_runs and host_stats tables when missing.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range progressSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure progress schema: %w", err)
		}
	}
	return nil
}

// StartRun inserts a running row, resetting any previous attempt of the same job.
func (s *ProgressStore) StartRun(ctx context.Context, run store.JobRun) error {
	query := `
		INSERT INTO job_runs (job_id, queue, handler, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE
		SET started_at = EXCLUDED.started_at, status = EXCLUDED.status,
			finished_at = NULL, error_message = NULL;
	`
	_, err := s.pool.Exec(ctx, query, run.JobID, run.Queue, run.Handler, run.StartedAt, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// CompleteRun marks a run as completed with a status and optional error message.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE job_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE job_id = $4;
	`
	_, err := s.pool.Exec(ctx, query, finishedAt, string(status), errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// AddRunDocuments bumps the document counter of a run.
func (s *ProgressStore) AddRunDocuments(ctx context.Context, jobID string, delta int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE job_runs SET documents = documents + $1 WHERE job_id = $2;`, delta, jobID)
	if err != nil {
		return fmt.Errorf("failed to add run documents: %w", err)
	}
	return nil
}

// AddHostStats applies delta to the host row, creating it on first use.
func (s *ProgressStore) AddHostStats(ctx context.Context, host string, delta store.HostDelta) error {
	query := `
		INSERT INTO host_stats (host, last_update, documents, bytes, rendered)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (host) DO UPDATE
		SET last_update = GREATEST(host_stats.last_update, EXCLUDED.last_update),
			documents = host_stats.documents + EXCLUDED.documents,
			bytes = host_stats.bytes + EXCLUDED.bytes,
			rendered = host_stats.rendered + EXCLUDED.rendered;
	`
	_, err := s.pool.Exec(ctx, query, host, delta.At, delta.Documents, delta.Bytes, delta.Rendered)
	if err != nil {
		return fmt.Errorf("failed to add host stats: %w", err)
	}
	return nil
}

const runColumns = `job_id, queue, handler, started_at, finished_at, status, error_message, documents`

func scanRun(row pgx.Row) (store.JobRun, error) {
	var (
		run    store.JobRun
		status string
	)
	err := row.Scan(
		&run.JobID,
		&run.Queue,
		&run.Handler,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
		&run.Documents,
	)
	run.Status = store.RunStatus(status)
	return run, err
}

// GetRun retrieves a single run by job ID.
func (s *ProgressStore) GetRun(ctx context.Context, jobID string) (store.JobRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE job_id = $1;`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *ProgressStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := `SELECT ` + runColumns + `
		FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		value := string(*status)
		filter = &value
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.JobRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListHosts retrieves host counters, most recently updated first.
func (s *ProgressStore) ListHosts(ctx context.Context, limit, offset int) ([]store.HostStats, error) {
	query := `
		SELECT host, last_update, documents, bytes, rendered
		FROM host_stats
		ORDER BY last_update DESC
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	stats := []store.HostStats{}
	for rows.Next() {
		var stat store.HostStats
		if err := rows.Scan(&stat.Host, &stat.LastUpdate, &stat.Documents, &stat.Bytes, &stat.Rendered); err != nil {
			return nil, fmt.Errorf("failed to scan host stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate hosts: %w", err)
	}
	return stats, nil
}
