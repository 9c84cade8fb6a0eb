package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-indexer/internal/store"
)

func newMockProgressStore(t *testing.T) (*ProgressStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewProgressStoreWithPool(mock), mock
}

var runCols = []string{"job_id", "queue", "handler", "started_at", "finished_at", "status", "error_message", "documents"}

func TestProgressStoreEnsureSchema(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS job_runs")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS job_runs_started_idx")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS host_stats")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, ps.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreRunLifecycle(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	ctx := context.Background()
	finished := testNow.Add(time.Minute)
	msg := "office timed out"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_runs")).
		WithArgs("job-1", "render", "render_pdf", testNow, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_runs SET documents = documents + $1")).
		WithArgs(int64(3), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET finished_at = $1, status = $2, error_message = $3")).
		WithArgs(finished, "error", &msg, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, ps.StartRun(ctx, store.JobRun{
		JobID:     "job-1",
		Queue:     "render",
		Handler:   "render_pdf",
		StartedAt: testNow,
	}))
	require.NoError(t, ps.AddRunDocuments(ctx, "job-1", 3))
	require.NoError(t, ps.CompleteRun(ctx, "job-1", finished, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreAddHostStats(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO host_stats")).
		WithArgs("svn.example.com", testNow, int64(2), int64(150), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ps.AddHostStats(context.Background(), "svn.example.com", store.HostDelta{
		Documents: 2,
		Bytes:     150,
		Rendered:  1,
		At:        testNow,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreGetRun(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	finished := testNow.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FROM job_runs WHERE job_id = $1")).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("job-1", "import", "import_file", testNow, &finished, "success", (*string)(nil), int64(4)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM job_runs WHERE job_id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	run, err := ps.GetRun(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, int64(4), run.Documents)
	require.NotNil(t, run.FinishedAt)
	require.True(t, run.FinishedAt.Equal(finished))
	require.Nil(t, run.ErrorMessage)

	_, err = ps.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreListRunsFiltersStatus(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	status := store.RunRunning
	filter := "running"

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at DESC")).
		WithArgs(&filter, 10, 0).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("job-2", "explore", "explore_folder", testNow, (*time.Time)(nil), "running", (*string)(nil), int64(0)))

	runs, err := ps.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "job-2", runs[0].JobID)
	require.Nil(t, runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressStoreListHosts(t *testing.T) {
	t.Parallel()

	ps, mock := newMockProgressStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM host_stats")).
		WithArgs(5, 5).
		WillReturnRows(pgxmock.NewRows([]string{"host", "last_update", "documents", "bytes", "rendered"}).
			AddRow("svn.example.com", testNow, int64(7), int64(900), int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM host_stats")).
		WithArgs(5, 0).
		WillReturnError(errors.New("connection reset"))

	hosts, err := ps.ListHosts(context.Background(), 5, 5)
	require.NoError(t, err)
	require.Equal(t, []store.HostStats{{
		Host:       "svn.example.com",
		LastUpdate: testNow,
		Documents:  7,
		Bytes:      900,
		Rendered:   2,
	}}, hosts)

	_, err = ps.ListHosts(context.Background(), 5, 0)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
