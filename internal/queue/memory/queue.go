// Package memory provides an in-process job broker for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/repo-indexer/internal/clock/system"
	"github.com/JakeFAU/repo-indexer/internal/id/uuid"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/queue"
	memstore "github.com/JakeFAU/repo-indexer/internal/storage/memory"
)

// Broker keeps an unbounded FIFO of job ids per queue on top of a JobStore.
type Broker struct {
	store *memstore.JobStore
	ids   ingest.IDGenerator
	clock ingest.Clock

	mu      sync.Mutex
	pending map[string][]string
	names   []string
	wake    chan struct{}
	closed  bool
}

// NewBroker constructs a Broker. names seeds the queues reported by Stats.
func NewBroker(store *memstore.JobStore, ids ingest.IDGenerator, clock ingest.Clock, names ...string) *Broker {
	if store == nil {
		store = memstore.NewJobStore()
	}
	if ids == nil {
		ids = uuid.New()
	}
	if clock == nil {
		clock = system.New()
	}
	b := &Broker{
		store:   store,
		ids:     ids,
		clock:   clock,
		pending: make(map[string][]string),
		wake:    make(chan struct{}),
	}
	for _, name := range names {
		b.ensureQueue(name)
	}
	return b
}

// Submit records a job and appends it to its queue.
func (b *Broker) Submit(ctx context.Context, sub ingest.Submission) (ingest.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ingest.Job{}, ingest.ErrQueueClosed
	}
	id, err := b.ids.NewID()
	if err != nil {
		return ingest.Job{}, fmt.Errorf("submit job: %w", err)
	}
	now := b.clock.Now()
	job, err := queue.NewJob(sub, id, now)
	if err != nil {
		return ingest.Job{}, err
	}
	if job.DependsOn != "" {
		status, info := queue.Resolve(job, b.lookup(ctx, job.DependsOn), now)
		if status == ingest.JobFailed {
			if err := queue.Fail(&job, info, now); err != nil {
				return ingest.Job{}, err
			}
		} else {
			job.Status = status
		}
	}
	if err := b.store.CreateJob(ctx, job); err != nil {
		return ingest.Job{}, fmt.Errorf("submit job: %w", err)
	}
	b.ensureQueue(job.Queue)
	if queue.Waiting(job.Status) {
		b.pending[job.Queue] = append(b.pending[job.Queue], job.ID)
		b.broadcast()
	}
	return job, nil
}

// Dequeue blocks until a job is eligible on one of queues, checked in order,
// and marks it started.
func (b *Broker) Dequeue(ctx context.Context, queues ...string) (ingest.Job, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ingest.Job{}, ingest.ErrQueueClosed
		}
		job, next, ok, err := b.pick(ctx, queues)
		wake := b.wake
		b.mu.Unlock()
		if err != nil {
			return ingest.Job{}, err
		}
		if ok {
			return job, nil
		}

		if err := b.wait(ctx, wake, next); err != nil {
			return ingest.Job{}, err
		}
	}
}

func (b *Broker) wait(ctx context.Context, wake <-chan struct{}, next time.Time) error {
	var timer <-chan time.Time
	if !next.IsZero() {
		t := time.NewTimer(next.Sub(b.clock.Now()))
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-wake:
	case <-timer:
	}
	return nil
}

// pick scans queues in order and starts the first eligible job. next is the
// earliest run_at among scheduled jobs seen. Caller holds b.mu.
func (b *Broker) pick(ctx context.Context, queues []string) (ingest.Job, time.Time, bool, error) {
	var next time.Time
	now := b.clock.Now()
	for _, name := range queues {
		ids := b.pending[name]
		for i := 0; i < len(ids); i++ {
			job, err := b.store.GetJob(ctx, ids[i])
			if err != nil || !queue.Waiting(job.Status) {
				ids = append(ids[:i], ids[i+1:]...)
				i--
				continue
			}
			var dep *ingest.Job
			if job.DependsOn != "" {
				dep = b.lookup(ctx, job.DependsOn)
			}
			status, info := queue.Resolve(job, dep, now)
			switch status {
			case ingest.JobScheduled:
				if next.IsZero() || job.RunAt.Before(next) {
					next = *job.RunAt
				}
				continue
			case ingest.JobDeferred:
				continue
			case ingest.JobFailed:
				ids = append(ids[:i], ids[i+1:]...)
				i--
				_, _ = b.store.UpdateJob(ctx, job.ID, func(j *ingest.Job) error {
					return queue.Fail(j, info, now)
				})
				continue
			}
			ids = append(ids[:i], ids[i+1:]...)
			b.pending[name] = ids
			started, err := b.store.UpdateJob(ctx, job.ID, func(j *ingest.Job) error {
				queue.Start(j, now)
				return nil
			})
			if err != nil {
				return ingest.Job{}, next, false, fmt.Errorf("start job %s: %w", job.ID, err)
			}
			return started, next, true, nil
		}
		b.pending[name] = ids
	}
	return ingest.Job{}, next, false, nil
}

// Finish marks a job finished and releases its dependents.
func (b *Broker) Finish(ctx context.Context, jobID string, result any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if _, err := b.store.UpdateJob(ctx, jobID, func(j *ingest.Job) error {
		return queue.Finish(j, result, now)
	}); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	b.settleDependents(ctx, jobID, now)
	return nil
}

// Fail marks a job failed; jobs deferred on it fail as well.
func (b *Broker) Fail(ctx context.Context, jobID string, info string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if _, err := b.store.UpdateJob(ctx, jobID, func(j *ingest.Job) error {
		return queue.Fail(j, info, now)
	}); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	b.settleDependents(ctx, jobID, now)
	return nil
}

// settleDependents re-resolves deferred jobs waiting on jobID. Caller holds b.mu.
func (b *Broker) settleDependents(ctx context.Context, jobID string, now time.Time) {
	dep := b.lookup(ctx, jobID)
	for _, ids := range b.pending {
		for _, id := range ids {
			_, _ = b.store.UpdateJob(ctx, id, func(j *ingest.Job) error {
				if j.DependsOn != jobID || j.Status != ingest.JobDeferred {
					return nil
				}
				status, info := queue.Resolve(*j, dep, now)
				if status == ingest.JobFailed {
					return queue.Fail(j, info, now)
				}
				j.Status = status
				return nil
			})
		}
	}
	b.broadcast()
}

// Get returns a job by id.
func (b *Broker) Get(ctx context.Context, jobID string) (ingest.Job, error) {
	return b.store.GetJob(ctx, jobID)
}

// List returns jobs matching filter, newest first.
func (b *Broker) List(ctx context.Context, filter ingest.JobFilter) ([]ingest.Job, error) {
	return queue.Filter(b.store.ListJobs(ctx), filter), nil
}

// Stats counts jobs per queue.
func (b *Broker) Stats(ctx context.Context) ([]ingest.QueueStats, error) {
	b.mu.Lock()
	names := append([]string(nil), b.names...)
	b.mu.Unlock()
	return queue.Tally(b.store.ListJobs(ctx), names), nil
}

// Close wakes blocked consumers; later calls return ingest.ErrQueueClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.broadcast()
	return nil
}

func (b *Broker) lookup(ctx context.Context, jobID string) *ingest.Job {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return nil
	}
	return &job
}

func (b *Broker) ensureQueue(name string) {
	if _, ok := b.pending[name]; ok {
		return
	}
	b.pending[name] = nil
	b.names = append(b.names, name)
}

// broadcast wakes every waiting Dequeue. Caller holds b.mu.
func (b *Broker) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

var _ ingest.Broker = (*Broker)(nil)
