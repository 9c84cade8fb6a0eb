package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// Queues names the pipeline queues and their per-job budgets.
type Queues struct {
	Explore        string
	Import         string
	Render         string
	ExploreTimeout time.Duration
	ImportTimeout  time.Duration
	RenderTimeout  time.Duration
}

// DefaultQueues matches the configuration defaults.
func DefaultQueues() Queues {
	return Queues{
		Explore:        "explore",
		Import:         "import",
		Render:         "render",
		ExploreTimeout: time.Hour,
		ImportTimeout:  30 * time.Minute,
		RenderTimeout:  10 * time.Minute,
	}
}

// Names lists the queues in worker priority order: render, import, explore.
func (q Queues) Names() []string {
	return []string{q.Render, q.Import, q.Explore}
}

// Enqueuer submits pipeline jobs with the right queue, handler and timeout.
type Enqueuer struct {
	broker ingest.Broker
	queues Queues
}

// NewEnqueuer binds broker to the queue layout.
func NewEnqueuer(broker ingest.Broker, queues Queues) *Enqueuer {
	return &Enqueuer{broker: broker, queues: queues}
}

// Queues returns the layout the enqueuer submits to.
func (e *Enqueuer) Queues() Queues {
	return e.queues
}

// Explore submits an explore_folder job for a directory URL.
func (e *Enqueuer) Explore(ctx context.Context, url string, access ingest.Access) (ingest.Job, error) {
	return e.submit(ctx, ingest.Submission{
		Queue:   e.queues.Explore,
		Handler: HandlerExplore,
		Args:    ResourceArgs{URL: url, Access: access},
		Timeout: e.queues.ExploreTimeout,
	})
}

// Import submits an import_file job for a file URL.
func (e *Enqueuer) Import(ctx context.Context, url string, access ingest.Access) (ingest.Job, error) {
	return e.submit(ctx, ingest.Submission{
		Queue:   e.queues.Import,
		Handler: HandlerImport,
		Args:    ResourceArgs{URL: url, Access: access},
		Timeout: e.queues.ImportTimeout,
	})
}

// Render submits a render_pdf job that waits for dependsOn to finish.
func (e *Enqueuer) Render(ctx context.Context, args RenderArgs, dependsOn string) (ingest.Job, error) {
	return e.submit(ctx, ingest.Submission{
		Queue:     e.queues.Render,
		Handler:   HandlerRender,
		Args:      args,
		Timeout:   e.queues.RenderTimeout,
		DependsOn: dependsOn,
	})
}

// Upload submits an import_upload job for a retained upload.
func (e *Enqueuer) Upload(ctx context.Context, args UploadArgs) (ingest.Job, error) {
	return e.submit(ctx, ingest.Submission{
		Queue:   e.queues.Import,
		Handler: HandlerUpload,
		Args:    args,
		Timeout: e.queues.ImportTimeout,
	})
}

func (e *Enqueuer) submit(ctx context.Context, sub ingest.Submission) (ingest.Job, error) {
	job, err := e.broker.Submit(ctx, sub)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("submit %s job: %w", sub.Handler, err)
	}
	return job, nil
}
