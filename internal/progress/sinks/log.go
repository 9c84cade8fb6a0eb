package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Consume logs each event in the batch. Job failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
			fields = append(fields, zap.String("queue", evt.Queue), zap.String("handler", evt.Handler))
		default:
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.String("document_id", evt.DocumentID),
				zap.Int64("bytes", evt.Bytes),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageJobError {
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
