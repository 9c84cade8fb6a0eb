// Package dispatcher turns import and upload requests into pipeline jobs and
// fans broker work out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/hash/sha256"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/pipeline"
	"github.com/JakeFAU/repo-indexer/internal/worker"
)

// ErrInvalidRequest marks caller mistakes such as an empty URL.
var ErrInvalidRequest = errors.New("invalid request")

// ImportRequest asks for a repository URL to be indexed.
type ImportRequest struct {
	URL    string
	Access ingest.Access
}

// ImportResponse identifies the job created for an import request.
type ImportResponse struct {
	JobID string              `json:"job_id"`
	Kind  ingest.ResourceKind `json:"kind"`
}

// UploadRequest carries one uploaded file and the path it had on the client.
type UploadRequest struct {
	SourcePath string
	Body       io.Reader
}

// UploadResponse identifies the job and document created for an upload.
type UploadResponse struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	Upload     string `json:"upload"`
}

// Config controls Dispatcher behavior.
type Config struct {
	// UploadPrefix is prepended to retained upload names.
	UploadPrefix string
	// Sweep runs every SweepInterval while Run is active. Nil or a
	// non-positive interval disables it.
	Sweep         func(ctx context.Context)
	SweepInterval time.Duration
}

// Dispatcher decides between explore and import jobs and runs workers.
type Dispatcher struct {
	repo    ingest.Repository
	enqueue *pipeline.Enqueuer
	uploads ingest.ArtifactStore
	workers []*worker.Worker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher. uploads may be nil when uploads are disabled.
func New(
	repo ingest.Repository,
	enqueue *pipeline.Enqueuer,
	uploads ingest.ArtifactStore,
	workers []*worker.Worker,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:    repo,
		enqueue: enqueue,
		uploads: uploads,
		workers: workers,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
	}
}

// Import stats url and submits an explore job for directories or an import
// job for files. It returns as soon as the job is queued.
func (d *Dispatcher) Import(ctx context.Context, req ImportRequest) (ImportResponse, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return ImportResponse{}, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	res, err := d.repo.Stat(ctx, url, req.Access)
	if err != nil {
		return ImportResponse{}, fmt.Errorf("stat resource: %w", err)
	}

	var job ingest.Job
	switch res.Kind {
	case ingest.KindDirectory:
		job, err = d.enqueue.Explore(ctx, url, req.Access)
	case ingest.KindFile:
		job, err = d.enqueue.Import(ctx, url, req.Access)
	default:
		return ImportResponse{}, fmt.Errorf("%w: unsupported resource kind %q", ErrInvalidRequest, res.Kind)
	}
	if err != nil {
		return ImportResponse{}, err
	}
	d.logger.Info("import dispatched",
		zap.String("job_id", job.ID),
		zap.String("url", url),
		zap.String("kind", string(res.Kind)),
	)
	return ImportResponse{JobID: job.ID, Kind: res.Kind}, nil
}

// Upload retains the uploaded bytes as <DocumentID(source_path)><ext> and
// submits an import_upload job for them.
func (d *Dispatcher) Upload(ctx context.Context, req UploadRequest) (UploadResponse, error) {
	source := strings.TrimSpace(req.SourcePath)
	if source == "" {
		return UploadResponse{}, fmt.Errorf("%w: source_path is required", ErrInvalidRequest)
	}
	if req.Body == nil {
		return UploadResponse{}, fmt.Errorf("%w: file is required", ErrInvalidRequest)
	}
	if d.uploads == nil {
		return UploadResponse{}, errors.New("upload storage is not configured")
	}

	docID := sha256.DocumentID(source)
	name := pipeline.ScratchName(docID, pipeline.DisplayName(source))
	if prefix := strings.Trim(d.cfg.UploadPrefix, "/"); prefix != "" {
		name = prefix + "/" + name
	}
	if _, err := d.uploads.PutObject(ctx, name, contentType(source), req.Body); err != nil {
		return UploadResponse{}, fmt.Errorf("store upload: %w", err)
	}

	job, err := d.enqueue.Upload(ctx, pipeline.UploadArgs{SourcePath: source, Upload: name})
	if err != nil {
		return UploadResponse{}, err
	}
	d.logger.Info("upload dispatched",
		zap.String("job_id", job.ID),
		zap.String("document_id", docID),
		zap.String("source_path", source),
	)
	return UploadResponse{JobID: job.ID, DocumentID: docID, Upload: name}, nil
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if d.cfg.Sweep != nil && d.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sweepLoop(ctx)
		}()
	}
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cfg.Sweep(ctx)
		}
	}
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(pipeline.DisplayName(name))) {
	case ".pdf":
		return "application/pdf"
	case ".txt", ".md", ".csv":
		return "text/plain; charset=utf-8"
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
