package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-indexer/internal/store"
)

func TestProgressStoreRuns(t *testing.T) {
	t.Parallel()

	ps := NewProgressStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, ps.StartRun(ctx, store.JobRun{JobID: "a", Queue: "explore", StartedAt: base}))
	require.NoError(t, ps.StartRun(ctx, store.JobRun{JobID: "b", Queue: "import", StartedAt: base.Add(time.Second)}))
	require.NoError(t, ps.AddRunDocuments(ctx, "b", 2))
	msg := "boom"
	require.NoError(t, ps.CompleteRun(ctx, "b", base.Add(2*time.Second), store.RunError, &msg))
	require.NoError(t, ps.CompleteRun(ctx, "ghost", base, store.RunSuccess, nil))

	run, err := ps.GetRun(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.Equal(t, int64(2), run.Documents)
	require.Equal(t, "boom", *run.ErrorMessage)

	_, err = ps.GetRun(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)

	runs, err := ps.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, []string{runs[0].JobID, runs[1].JobID})

	running := store.RunRunning
	runs, err = ps.ListRuns(ctx, &running, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "a", runs[0].JobID)

	runs, err = ps.ListRuns(ctx, nil, 10, 5)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestProgressStoreHosts(t *testing.T) {
	t.Parallel()

	ps := NewProgressStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, ps.AddHostStats(ctx, "svn.example.com", store.HostDelta{Documents: 1, Bytes: 10, At: base.Add(time.Minute)}))
	require.NoError(t, ps.AddHostStats(ctx, "svn.example.com", store.HostDelta{Documents: 1, Bytes: 5, Rendered: 1, At: base}))
	require.NoError(t, ps.AddHostStats(ctx, "local", store.HostDelta{Documents: 3, At: base}))

	hosts, err := ps.ListHosts(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	require.Equal(t, store.HostStats{
		Host:       "svn.example.com",
		LastUpdate: base.Add(time.Minute),
		Documents:  2,
		Bytes:      15,
		Rendered:   1,
	}, hosts[0])

	hosts, err = ps.ListHosts(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, "local", hosts[0].Host)
}
