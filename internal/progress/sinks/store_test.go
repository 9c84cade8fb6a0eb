package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-indexer/internal/progress"
	"github.com/JakeFAU/repo-indexer/internal/store"
)

func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now().UTC()

	batch := []progress.Event{
		{JobID: "j1", Stage: progress.StageJobStart, TS: now, Queue: "import", Handler: "import_file"},
		{JobID: "j1", Stage: progress.StageDocIndexed, TS: now.Add(time.Second), Host: "svn.example.com", DocumentID: "a", Bytes: 100},
		{JobID: "j1", Stage: progress.StageDocIndexed, TS: now.Add(2 * time.Second), Host: "svn.example.com", DocumentID: "b", Bytes: 50},
		{JobID: "j1", Stage: progress.StageDocRendered, TS: now.Add(3 * time.Second), Host: "svn.example.com", DocumentID: "a"},
		{JobID: "j1", Stage: progress.StageJobDone, TS: now.Add(4 * time.Second), Queue: "import", Dur: 4 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.starts, 1)
	require.Equal(t, "import_file", repo.starts[0].Handler)
	require.Equal(t, store.RunRunning, repo.starts[0].Status)

	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunSuccess, repo.completes[0].status)
	require.Nil(t, repo.completes[0].errMsg)

	require.Equal(t, map[string]int64{"j1": 2}, repo.runDocs)
	require.Equal(t, []string{"add-docs:j1", "complete:j1"}, repo.order[1:])

	require.Len(t, repo.hosts, 1)
	delta := repo.hosts["svn.example.com"]
	require.Equal(t, int64(2), delta.Documents)
	require.Equal(t, int64(150), delta.Bytes)
	require.Equal(t, int64(1), delta.Rendered)
	require.True(t, delta.At.Equal(now.Add(3*time.Second)))
}

func TestStoreSinkRecordsFailureNote(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{}
	sink := NewStoreSink(repo, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "j2", Stage: progress.StageJobError, TS: time.Now(), Queue: "render", Note: "office timed out"},
	}))
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunError, repo.completes[0].status)
	require.NotNil(t, repo.completes[0].errMsg)
	require.Equal(t, "office timed out", *repo.completes[0].errMsg)
}

func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "j3", Stage: progress.StageJobStart, TS: time.Now(), Queue: "explore"},
	})
	require.Error(t, err)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type completeCall struct {
	jobID  string
	status store.RunStatus
	errMsg *string
}

type fakeProgressRepo struct {
	mu        sync.Mutex
	fail      bool
	starts    []store.JobRun
	completes []completeCall
	runDocs   map[string]int64
	hosts     map[string]store.HostDelta
	order     []string
}

var errRepo = errors.New("repo failure")

func (f *fakeProgressRepo) StartRun(_ context.Context, run store.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errRepo
	}
	f.starts = append(f.starts, run)
	f.order = append(f.order, "start:"+run.JobID)
	return nil
}

func (f *fakeProgressRepo) CompleteRun(_ context.Context, jobID string, _ time.Time, status store.RunStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errRepo
	}
	f.completes = append(f.completes, completeCall{jobID: jobID, status: status, errMsg: errMsg})
	f.order = append(f.order, "complete:"+jobID)
	return nil
}

func (f *fakeProgressRepo) AddRunDocuments(_ context.Context, jobID string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errRepo
	}
	if f.runDocs == nil {
		f.runDocs = make(map[string]int64)
	}
	f.runDocs[jobID] += delta
	f.order = append(f.order, "add-docs:"+jobID)
	return nil
}

func (f *fakeProgressRepo) AddHostStats(_ context.Context, host string, delta store.HostDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errRepo
	}
	if f.hosts == nil {
		f.hosts = make(map[string]store.HostDelta)
	}
	f.hosts[host] = delta
	return nil
}

func (f *fakeProgressRepo) GetRun(context.Context, string) (store.JobRun, error) {
	return store.JobRun{}, store.ErrNotFound
}

func (f *fakeProgressRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.JobRun, error) {
	return nil, nil
}

func (f *fakeProgressRepo) ListHosts(context.Context, int, int) ([]store.HostStats, error) {
	return nil, nil
}
