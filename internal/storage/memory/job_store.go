package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// JobStore keeps job records in memory for the in-process broker.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]ingest.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]ingest.Job),
	}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job ingest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob applies fn to the stored record under the store lock. The record
// is only written back when fn returns nil.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, fn func(*ingest.Job) error) (ingest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ingest.Job{}, fmt.Errorf("job %s: %w", jobID, ingest.ErrJobNotFound)
	}
	if err := fn(&job); err != nil {
		return ingest.Job{}, err
	}
	s.jobs[jobID] = job
	return job, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (ingest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ingest.Job{}, fmt.Errorf("job %s: %w", jobID, ingest.ErrJobNotFound)
	}
	return job, nil
}

// ListJobs returns a snapshot of every record in no particular order.
func (s *JobStore) ListJobs(_ context.Context) []ingest.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}
