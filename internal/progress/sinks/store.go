package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/progress"
	"github.com/JakeFAU/repo-indexer/internal/store"
)

// StoreSink persists run history and per-host counters through a
// store.ProgressRepository. Document events are collapsed per host and per
// run before writing.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	return &StoreSink{repo: repo, logger: logging.OrNop(logger)}
}

// Consume applies the batch. Repository errors abort the batch and are returned.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	hosts := make(map[string]*store.HostDelta)
	runDocs := make(map[string]int64)
	var runOrder []string

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			if err := s.repo.StartRun(ctx, store.JobRun{
				JobID:     evt.JobID,
				Queue:     evt.Queue,
				Handler:   evt.Handler,
				StartedAt: evt.TS,
				Status:    store.RunRunning,
			}); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageJobDone, progress.StageJobError:
			if err := s.flushRunDocs(ctx, runDocs, &runOrder); err != nil {
				return err
			}
			status := store.RunSuccess
			var note *string
			if evt.Stage == progress.StageJobError {
				status = store.RunError
				if evt.Note != "" {
					text := evt.Note
					note = &text
				}
			}
			if err := s.repo.CompleteRun(ctx, evt.JobID, evt.TS, status, note); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		case progress.StageDocIndexed, progress.StageDocRendered:
			delta := hosts[evt.Host]
			if delta == nil {
				delta = &store.HostDelta{}
				hosts[evt.Host] = delta
			}
			if evt.TS.After(delta.At) {
				delta.At = evt.TS
			}
			if evt.Stage == progress.StageDocRendered {
				delta.Rendered++
				continue
			}
			delta.Documents++
			delta.Bytes += evt.Bytes
			if _, ok := runDocs[evt.JobID]; !ok {
				runOrder = append(runOrder, evt.JobID)
			}
			runDocs[evt.JobID]++
		}
	}

	if err := s.flushRunDocs(ctx, runDocs, &runOrder); err != nil {
		return err
	}
	for host, delta := range hosts {
		if err := s.repo.AddHostStats(ctx, host, *delta); err != nil {
			return fmt.Errorf("add host stats: %w", err)
		}
	}
	s.logger.Debug("progress batch persisted", zap.Int("events", len(batch)), zap.Int("hosts", len(hosts)))
	return nil
}

func (s *StoreSink) flushRunDocs(ctx context.Context, runDocs map[string]int64, order *[]string) error {
	for _, jobID := range *order {
		if err := s.repo.AddRunDocuments(ctx, jobID, runDocs[jobID]); err != nil {
			return fmt.Errorf("add run documents: %w", err)
		}
		delete(runDocs, jobID)
	}
	*order = (*order)[:0]
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
