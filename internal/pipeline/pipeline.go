package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/clock/system"
	"github.com/JakeFAU/repo-indexer/internal/convert"
	"github.com/JakeFAU/repo-indexer/internal/hash/sha256"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/progress"
	"github.com/JakeFAU/repo-indexer/internal/repository"
)

// Converter classifies and converts scratch files.
type Converter interface {
	Classify(name string) convert.Variant
	Convert(ctx context.Context, path string) (ingest.ConversionResult, error)
}

// Renderer stores a PDF rendition of a scratch file and returns its artifact name.
type Renderer interface {
	Render(ctx context.Context, srcPath, docID string) (string, error)
}

// HandlerFunc executes one job and returns its JSON-serializable result.
type HandlerFunc func(ctx context.Context, job ingest.Job) (any, error)

// Config carries the non-dependency settings of the pipeline.
type Config struct {
	// ScratchDir is the parent of per-job temporary directories.
	ScratchDir string
	// Topic receives a notification per indexed document. Empty disables publishing.
	Topic string
}

// Deps are the collaborators shared by every handler invocation.
type Deps struct {
	Enqueuer   *Enqueuer
	Repository ingest.Repository
	Converter  Converter
	Renderer   Renderer
	Store      ingest.DocumentStore
	Uploads    ingest.ArtifactStore
	Publisher  ingest.Publisher
	Progress   progress.Emitter
	Clock      ingest.Clock
	Logger     *zap.Logger
}

// Pipeline owns the job handlers.
type Pipeline struct {
	cfg       Config
	enqueue   *Enqueuer
	repo      ingest.Repository
	converter Converter
	renderer  Renderer
	store     ingest.DocumentStore
	uploads   ingest.ArtifactStore
	publisher ingest.Publisher
	progress  progress.Emitter
	clock     ingest.Clock
	logger    *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Enqueuer == nil:
		return nil, errors.New("pipeline requires an enqueuer")
	case deps.Repository == nil:
		return nil, errors.New("pipeline requires a repository")
	case deps.Converter == nil:
		return nil, errors.New("pipeline requires a converter")
	case deps.Store == nil:
		return nil, errors.New("pipeline requires a document store")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "repo-indexer")
	}
	if cfg.Topic != "" && deps.Publisher == nil {
		return nil, errors.New("pipeline requires a publisher when a topic is set")
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Pipeline{
		cfg:       cfg,
		enqueue:   deps.Enqueuer,
		repo:      deps.Repository,
		converter: deps.Converter,
		renderer:  deps.Renderer,
		store:     deps.Store,
		uploads:   deps.Uploads,
		publisher: deps.Publisher,
		progress:  progress.OrNop(deps.Progress),
		clock:     clock,
		logger:    logging.OrNop(deps.Logger),
	}, nil
}

// Handlers maps handler names to their implementations.
func (p *Pipeline) Handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		HandlerExplore: p.ExploreFolder,
		HandlerImport:  p.ImportFile,
		HandlerRender:  p.RenderPDF,
		HandlerUpload:  p.ImportUpload,
	}
}

// ExploreFolder lists one directory and submits an explore job per
// subdirectory and an import job per file. Children submitted before an
// error stay queued.
func (p *Pipeline) ExploreFolder(ctx context.Context, job ingest.Job) (any, error) {
	var args ResourceArgs
	if err := decodeArgs(job, &args); err != nil {
		return nil, err
	}
	entries, err := p.repo.List(ctx, args.URL, args.Access)
	if err != nil {
		return nil, fmt.Errorf("list folder: %w", err)
	}

	summary := ingest.ExploreSummary{FolderURL: args.URL}
	for _, entry := range entries {
		child := repository.ChildURL(args.URL, entry.Name)
		if entry.Kind == ingest.KindDirectory {
			if _, err := p.enqueue.Explore(ctx, child, args.Access); err != nil {
				return nil, fmt.Errorf("enqueue folder %s: %w", child, err)
			}
			summary.EnqueuedFolders++
			continue
		}
		if _, err := p.enqueue.Import(ctx, child, args.Access); err != nil {
			return nil, fmt.Errorf("enqueue file %s: %w", child, err)
		}
		summary.ProcessedFiles++
	}

	p.logger.Info("explored folder",
		zap.String("job_id", job.ID),
		zap.String("url", args.URL),
		zap.Int("files", summary.ProcessedFiles),
		zap.Int("folders", summary.EnqueuedFolders),
	)
	return summary, nil
}

// ImportFile downloads one file into a job-private scratch directory, indexes
// it, and hands PDF-renderable files to a render job.
func (p *Pipeline) ImportFile(ctx context.Context, job ingest.Job) (any, error) {
	var args ResourceArgs
	if err := decodeArgs(job, &args); err != nil {
		return nil, err
	}
	return p.withScratch(job, func(dir string) (ImportResult, bool, error) {
		name := DisplayName(args.URL)
		path := filepath.Join(dir, ScratchName(sha256.DocumentID(args.URL), name))
		if err := p.download(ctx, args, path); err != nil {
			return ImportResult{}, false, err
		}
		return p.index(ctx, job, args.URL, name, dir, path)
	})
}

// ImportUpload indexes a retained upload under its logical source path.
func (p *Pipeline) ImportUpload(ctx context.Context, job ingest.Job) (any, error) {
	var args UploadArgs
	if err := decodeArgs(job, &args); err != nil {
		return nil, err
	}
	if p.uploads == nil {
		return nil, errors.New("upload storage is not configured")
	}
	return p.withScratch(job, func(dir string) (ImportResult, bool, error) {
		name := DisplayName(args.SourcePath)
		path := filepath.Join(dir, ScratchName(sha256.DocumentID(args.SourcePath), name))
		body, err := p.uploads.GetObject(ctx, args.Upload)
		if err != nil {
			return ImportResult{}, false, fmt.Errorf("open upload %s: %w", args.Upload, err)
		}
		defer body.Close() //nolint:errcheck // read-only
		if err := writeFile(path, body); err != nil {
			return ImportResult{}, false, fmt.Errorf("copy upload: %w", err)
		}
		return p.index(ctx, job, args.SourcePath, name, dir, path)
	})
}

// RenderPDF renders the scratch file left by an import job, attaches the
// artifact to the document, and always removes the scratch directory.
func (p *Pipeline) RenderPDF(ctx context.Context, job ingest.Job) (any, error) {
	var args RenderArgs
	if err := decodeArgs(job, &args); err != nil {
		return nil, err
	}
	if !p.ownsScratch(args.ScratchDir) {
		return nil, fmt.Errorf("scratch dir %q is outside %q", args.ScratchDir, p.cfg.ScratchDir)
	}
	defer p.removeScratch(job, args.ScratchDir)

	if p.renderer == nil {
		return nil, errors.New("pdf rendering is not configured")
	}
	docID := sha256.DocumentID(args.URL)
	start := p.clock.Now()
	name, err := p.renderer.Render(ctx, args.File, docID)
	if err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	if err := p.store.UpdateRenderedArtifact(ctx, docID, name); err != nil {
		return nil, fmt.Errorf("attach rendered pdf: %w", err)
	}

	now := p.clock.Now()
	p.progress.Emit(progress.Event{
		JobID:      job.ID,
		TS:         now,
		Stage:      progress.StageDocRendered,
		Queue:      job.Queue,
		Handler:    job.Handler,
		Host:       progress.HostOf(args.URL),
		URL:        args.URL,
		DocumentID: docID,
		Dur:        now.Sub(start),
	})
	p.logger.Info("rendered pdf",
		zap.String("job_id", job.ID),
		zap.String("document_id", docID),
		zap.String("pdf_name", name),
	)
	return RenderResult{DocumentID: docID, PDFName: name}, nil
}

// withScratch runs fn inside a fresh scratch directory. The directory is
// removed afterwards unless fn succeeds and asks to keep it.
func (p *Pipeline) withScratch(job ingest.Job, fn func(dir string) (ImportResult, bool, error)) (any, error) {
	if err := os.MkdirAll(p.cfg.ScratchDir, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	dir, err := os.MkdirTemp(p.cfg.ScratchDir, "job-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	res, keep, err := fn(dir)
	if err != nil || !keep {
		p.removeScratch(job, dir)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) download(ctx context.Context, args ResourceArgs, path string) error {
	body, err := p.repo.Open(ctx, args.URL, args.Access)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if err := writeFile(path, body); err != nil {
		body.Close() //nolint:errcheck // already failing
		return fmt.Errorf("download file: %w", err)
	}
	if err := body.Close(); err != nil {
		return fmt.Errorf("download file: %w", err)
	}
	return nil
}

// index converts path, upserts the document under url and submits a render
// job when the file is PDF-renderable. It reports whether the scratch
// directory must be kept for that render job.
func (p *Pipeline) index(ctx context.Context, job ingest.Job, url, name, dir, path string) (ImportResult, bool, error) {
	result, err := p.converter.Convert(ctx, path)
	if err != nil {
		return ImportResult{}, false, fmt.Errorf("convert %s: %w", name, err)
	}

	docID := sha256.DocumentID(url)
	doc, err := p.store.Upsert(ctx, ingest.UpsertRequest{
		ID:          docID,
		URL:         url,
		DisplayName: name,
		Content:     result.Text,
	})
	if err != nil {
		return ImportResult{}, false, fmt.Errorf("upsert document: %w", err)
	}

	p.notify(ctx, job, doc, result.Kind)
	p.progress.Emit(progress.Event{
		JobID:      job.ID,
		TS:         p.clock.Now(),
		Stage:      progress.StageDocIndexed,
		Queue:      job.Queue,
		Handler:    job.Handler,
		Host:       progress.HostOf(url),
		URL:        url,
		DocumentID: docID,
		Kind:       string(result.Kind),
		Bytes:      int64(len(result.Text)),
	})

	out := ImportResult{DocumentID: docID, URL: url, Kind: result.Kind}
	if !p.converter.Classify(name).Has(convert.PDFRenderable) || p.renderer == nil {
		return out, false, nil
	}
	if _, err := p.enqueue.Render(ctx, RenderArgs{URL: url, ScratchDir: dir, File: path}, job.ID); err != nil {
		return ImportResult{}, false, err
	}
	out.RenderQueued = true
	p.logger.Debug("queued pdf render", zap.String("job_id", job.ID), zap.String("document_id", docID))
	return out, true, nil
}

// notify publishes a document-indexed notification. Publish failures are
// logged and do not fail the import.
func (p *Pipeline) notify(ctx context.Context, job ingest.Job, doc ingest.Document, kind ingest.ContentKind) {
	if p.cfg.Topic == "" {
		return
	}
	_, err := p.publisher.Publish(ctx, p.cfg.Topic, ingest.Notification{
		DocumentID: doc.ID,
		URL:        doc.URL,
		Kind:       kind,
		UpdatedAt:  doc.UpdatedAt,
	})
	if err != nil {
		p.logger.Warn("publish indexed notification",
			zap.String("job_id", job.ID),
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}
}

// SweepScratch removes job scratch directories last modified more than maxAge
// ago and returns how many it removed. Render jobs failed through their
// dependency never run, so their directories are only reclaimed here.
func (p *Pipeline) SweepScratch(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(p.cfg.ScratchDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read scratch root: %w", err)
	}
	cutoff := p.clock.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "job-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.cfg.ScratchDir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		p.logger.Info("swept stale scratch dirs", zap.Int("removed", removed), zap.Duration("max_age", maxAge))
	}
	return removed, errors.Join(errs...)
}

func (p *Pipeline) ownsScratch(dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(p.cfg.ScratchDir, dir)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

func (p *Pipeline) removeScratch(job ingest.Job, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("remove scratch dir", zap.String("job_id", job.ID), zap.String("dir", dir), zap.Error(err))
	}
}

func writeFile(path string, body io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- job-private scratch path.
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close() //nolint:errcheck // already failing
		return err
	}
	return f.Close()
}
