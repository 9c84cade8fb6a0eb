package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/repo-indexer/internal/store"
)

// ProgressStore is an in-memory store.ProgressRepository.
type ProgressStore struct {
	mu    sync.RWMutex
	runs  map[string]store.JobRun
	hosts map[string]store.HostStats
}

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		runs:  make(map[string]store.JobRun),
		hosts: make(map[string]store.HostStats),
	}
}

// StartRun records a running run, replacing a previous attempt.
func (s *ProgressStore) StartRun(_ context.Context, run store.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.runs[run.JobID]
	run.Status = store.RunRunning
	run.FinishedAt = nil
	run.ErrorMessage = nil
	run.Documents = prev.Documents
	s.runs[run.JobID] = run
	return nil
}

// CompleteRun marks the run finished. Unknown runs are ignored.
func (s *ProgressStore) CompleteRun(_ context.Context, jobID string, finishedAt time.Time, status store.RunStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return nil
	}
	at := finishedAt
	run.FinishedAt = &at
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[jobID] = run
	return nil
}

// AddRunDocuments bumps a run's document count.
func (s *ProgressStore) AddRunDocuments(_ context.Context, jobID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return nil
	}
	run.Documents += delta
	s.runs[jobID] = run
	return nil
}

// AddHostStats applies delta to host.
func (s *ProgressStore) AddHostStats(_ context.Context, host string, delta store.HostDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.hosts[host]
	stats.Host = host
	stats.Documents += delta.Documents
	stats.Bytes += delta.Bytes
	stats.Rendered += delta.Rendered
	if delta.At.After(stats.LastUpdate) {
		stats.LastUpdate = delta.At
	}
	s.hosts[host] = stats
	return nil
}

// GetRun returns the run for jobID or store.ErrNotFound.
func (s *ProgressStore) GetRun(_ context.Context, jobID string) (store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[jobID]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *ProgressStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.JobRun, error) {
	s.mu.RLock()
	runs := make([]store.JobRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].JobID > runs[j].JobID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return page(runs, limit, offset), nil
}

// ListHosts returns host counters, most recently updated first.
func (s *ProgressStore) ListHosts(_ context.Context, limit, offset int) ([]store.HostStats, error) {
	s.mu.RLock()
	hosts := make([]store.HostStats, 0, len(s.hosts))
	for _, stats := range s.hosts {
		hosts = append(hosts, stats)
	}
	s.mu.RUnlock()

	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].LastUpdate.Equal(hosts[j].LastUpdate) {
			return hosts[i].Host < hosts[j].Host
		}
		return hosts[i].LastUpdate.After(hosts[j].LastUpdate)
	})
	return page(hosts, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
