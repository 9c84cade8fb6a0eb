// Package queue holds the job lifecycle rules shared by every broker backend.
// Backends live in subpackages (memory, nats) and implement ingest.Broker.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// NewJob builds the initial record for a submission. The returned status is
// queued or scheduled; dependency handling is left to Resolve.
func NewJob(sub ingest.Submission, id string, now time.Time) (ingest.Job, error) {
	if sub.Queue == "" {
		return ingest.Job{}, errors.New("submission queue is required")
	}
	if sub.Handler == "" {
		return ingest.Job{}, errors.New("submission handler is required")
	}
	var args json.RawMessage
	if sub.Args != nil {
		raw, err := json.Marshal(sub.Args)
		if err != nil {
			return ingest.Job{}, fmt.Errorf("marshal job args: %w", err)
		}
		args = raw
	}
	job := ingest.Job{
		ID:        id,
		Queue:     sub.Queue,
		Handler:   sub.Handler,
		Args:      args,
		Status:    ingest.JobQueued,
		Timeout:   sub.Timeout,
		DependsOn: sub.DependsOn,
		CreatedAt: now,
	}
	if !sub.RunAt.IsZero() {
		runAt := sub.RunAt.UTC()
		job.RunAt = &runAt
		if runAt.After(now) {
			job.Status = ingest.JobScheduled
		}
	}
	return job, nil
}

// Resolve decides what a waiting job should become at now. dep is the job
// named by DependsOn, or nil when it does not exist. The second value carries
// failure text when the returned status is failed.
func Resolve(job ingest.Job, dep *ingest.Job, now time.Time) (ingest.JobStatus, string) {
	if job.RunAt != nil && job.RunAt.After(now) {
		return ingest.JobScheduled, ""
	}
	if job.DependsOn == "" {
		return ingest.JobQueued, ""
	}
	switch {
	case dep == nil:
		return ingest.JobFailed, fmt.Sprintf("dependency %s not found", job.DependsOn)
	case dep.Status == ingest.JobFinished:
		return ingest.JobQueued, ""
	case dep.Status == ingest.JobFailed:
		return ingest.JobFailed, fmt.Sprintf("dependency %s failed", job.DependsOn)
	default:
		return ingest.JobDeferred, ""
	}
}

// Waiting reports whether a job is still eligible to be handed to a worker.
func Waiting(status ingest.JobStatus) bool {
	return status == ingest.JobQueued || status == ingest.JobScheduled || status == ingest.JobDeferred
}

// Start marks a job as picked up by a worker.
func Start(job *ingest.Job, now time.Time) {
	job.Status = ingest.JobStarted
	job.StartedAt = &now
}

// Finish records a successful result.
func Finish(job *ingest.Job, result any, now time.Time) error {
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", job.ID, job.Status)
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		job.Result = raw
	}
	job.Status = ingest.JobFinished
	job.EndedAt = &now
	return nil
}

// Fail records a failure with diagnostic text.
func Fail(job *ingest.Job, info string, now time.Time) error {
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", job.ID, job.Status)
	}
	job.Status = ingest.JobFailed
	job.FailureInfo = info
	job.EndedAt = &now
	return nil
}

// Filter applies a JobFilter to jobs, newest first.
func Filter(jobs []ingest.Job, filter ingest.JobFilter) []ingest.Job {
	out := make([]ingest.Job, 0, len(jobs))
	for _, job := range jobs {
		if filter.Queue != "" && job.Queue != filter.Queue {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []ingest.Job{}
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Tally counts jobs per queue. Queues listed in names always appear, in that
// order, followed by any other queue seen in jobs.
func Tally(jobs []ingest.Job, names []string) []ingest.QueueStats {
	index := make(map[string]int, len(names))
	out := make([]ingest.QueueStats, 0, len(names))
	for _, name := range names {
		if _, ok := index[name]; ok {
			continue
		}
		index[name] = len(out)
		out = append(out, ingest.QueueStats{Queue: name})
	}
	var extra []string
	for _, job := range jobs {
		if _, ok := index[job.Queue]; !ok {
			index[job.Queue] = -1
			extra = append(extra, job.Queue)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		index[name] = len(out)
		out = append(out, ingest.QueueStats{Queue: name})
	}
	for _, job := range jobs {
		out[index[job.Queue]].Add(job.Status)
	}
	return out
}
