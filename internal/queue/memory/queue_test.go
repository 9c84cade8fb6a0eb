package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%02d", s.n), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newBroker() *Broker {
	return NewBroker(nil, &seqIDs{}, &manualClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		"explore", "import", "render")
}

func TestBrokerFIFOAndLifecycle(t *testing.T) {
	t.Parallel()

	b := newBroker()
	ctx := context.Background()
	first, err := b.Submit(ctx, ingest.Submission{Queue: "import", Handler: "import_file", Args: map[string]string{"url": "a"}})
	require.NoError(t, err)
	second, err := b.Submit(ctx, ingest.Submission{Queue: "import", Handler: "import_file", Args: map[string]string{"url": "b"}})
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, "import")
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
	require.Equal(t, ingest.JobStarted, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, b.Finish(ctx, got.ID, map[string]int{"n": 1}))
	require.Error(t, b.Finish(ctx, got.ID, nil))

	got, err = b.Dequeue(ctx, "import")
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)
	require.NoError(t, b.Fail(ctx, got.ID, "boom"))

	done, err := b.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobFinished, done.Status)
	require.JSONEq(t, `{"n":1}`, string(done.Result))

	failed, err := b.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, "boom", failed.FailureInfo)

	_, err = b.Get(ctx, "nope")
	require.ErrorIs(t, err, ingest.ErrJobNotFound)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []ingest.QueueStats{
		{Queue: "explore"},
		{Queue: "import", Finished: 1, Failed: 1},
		{Queue: "render"},
	}, stats)

	jobs, err := b.List(ctx, ingest.JobFilter{Queue: "import"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, second.ID, jobs[0].ID)
}

func TestBrokerQueuePriority(t *testing.T) {
	t.Parallel()

	b := newBroker()
	ctx := context.Background()
	imp, err := b.Submit(ctx, ingest.Submission{Queue: "import", Handler: "import_file"})
	require.NoError(t, err)
	exp, err := b.Submit(ctx, ingest.Submission{Queue: "explore", Handler: "explore_folder"})
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, "explore", "import")
	require.NoError(t, err)
	require.Equal(t, exp.ID, got.ID)
	got, err = b.Dequeue(ctx, "explore", "import")
	require.NoError(t, err)
	require.Equal(t, imp.ID, got.ID)
}

func TestBrokerDeferredRunsAfterDependency(t *testing.T) {
	t.Parallel()

	b := newBroker()
	ctx := context.Background()
	parent, err := b.Submit(ctx, ingest.Submission{Queue: "import", Handler: "import_file"})
	require.NoError(t, err)
	started, err := b.Dequeue(ctx, "import")
	require.NoError(t, err)
	require.Equal(t, parent.ID, started.ID)

	child, err := b.Submit(ctx, ingest.Submission{Queue: "render", Handler: "render_pdf", DependsOn: parent.ID})
	require.NoError(t, err)
	require.Equal(t, ingest.JobDeferred, child.Status)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = b.Dequeue(short, "render")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	result := make(chan ingest.Job, 1)
	go func() {
		job, err := b.Dequeue(ctx, "render")
		if err == nil {
			result <- job
		}
	}()
	require.NoError(t, b.Finish(ctx, parent.ID, nil))

	select {
	case job := <-result:
		require.Equal(t, child.ID, job.ID)
	case <-time.After(time.Second):
		t.Fatal("deferred job was not released")
	}
}

func TestBrokerDeferredFailsWithDependency(t *testing.T) {
	t.Parallel()

	b := newBroker()
	ctx := context.Background()
	parent, err := b.Submit(ctx, ingest.Submission{Queue: "import", Handler: "import_file"})
	require.NoError(t, err)
	child, err := b.Submit(ctx, ingest.Submission{Queue: "render", Handler: "render_pdf", DependsOn: parent.ID})
	require.NoError(t, err)

	_, err = b.Dequeue(ctx, "import")
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, parent.ID, "import broke"))

	got, err := b.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobFailed, got.Status)
	require.Equal(t, "dependency "+parent.ID+" failed", got.FailureInfo)

	late, err := b.Submit(ctx, ingest.Submission{Queue: "render", Handler: "render_pdf", DependsOn: parent.ID})
	require.NoError(t, err)
	require.Equal(t, ingest.JobFailed, late.Status)
	require.Equal(t, "dependency "+parent.ID+" failed", late.FailureInfo)
	require.NotNil(t, late.EndedAt)

	orphan, err := b.Submit(ctx, ingest.Submission{Queue: "render", Handler: "render_pdf", DependsOn: "ghost"})
	require.NoError(t, err)
	require.Equal(t, ingest.JobFailed, orphan.Status)
	require.Equal(t, "dependency ghost not found", orphan.FailureInfo)

	stored, err := b.Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobFailed, stored.Status)
}

func TestBrokerScheduledJob(t *testing.T) {
	t.Parallel()

	b := NewBroker(nil, &seqIDs{}, nil)
	ctx := context.Background()
	job, err := b.Submit(ctx, ingest.Submission{
		Queue:   "import",
		Handler: "import_file",
		RunAt:   time.Now().Add(50 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Equal(t, ingest.JobScheduled, job.Status)

	got, err := b.Dequeue(ctx, "import")
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.False(t, got.StartedAt.Before(*job.RunAt))
}

func TestBrokerClose(t *testing.T) {
	t.Parallel()

	b := newBroker()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), "import")
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ingest.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe close")
	}
	_, err := b.Submit(context.Background(), ingest.Submission{Queue: "import", Handler: "h"})
	require.ErrorIs(t, err, ingest.ErrQueueClosed)
}
