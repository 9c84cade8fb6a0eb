// Package app builds the long-lived services of the indexer from configuration
// and owns their shutdown. It is the dependency injection container shared by
// the serve, worker, submit, jobs, and reindex commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/api"
	"github.com/JakeFAU/repo-indexer/internal/clock/system"
	"github.com/JakeFAU/repo-indexer/internal/config"
	"github.com/JakeFAU/repo-indexer/internal/convert"
	"github.com/JakeFAU/repo-indexer/internal/dispatcher"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/metrics"
	"github.com/JakeFAU/repo-indexer/internal/pipeline"
	"github.com/JakeFAU/repo-indexer/internal/policy/ratelimit"
	"github.com/JakeFAU/repo-indexer/internal/progress"
	"github.com/JakeFAU/repo-indexer/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/repo-indexer/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/repo-indexer/internal/publisher/pubsub"
	qmemory "github.com/JakeFAU/repo-indexer/internal/queue/memory"
	qnats "github.com/JakeFAU/repo-indexer/internal/queue/nats"
	"github.com/JakeFAU/repo-indexer/internal/reindex"
	"github.com/JakeFAU/repo-indexer/internal/repository"
	"github.com/JakeFAU/repo-indexer/internal/repository/httpindex"
	"github.com/JakeFAU/repo-indexer/internal/repository/local"
	"github.com/JakeFAU/repo-indexer/internal/repository/svn"
	"github.com/JakeFAU/repo-indexer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/repo-indexer/internal/storage/local"
	"github.com/JakeFAU/repo-indexer/internal/storage/memory"
	"github.com/JakeFAU/repo-indexer/internal/storage/postgres"
	"github.com/JakeFAU/repo-indexer/internal/store"
	"github.com/JakeFAU/repo-indexer/internal/worker"
)

// documentBackend is what the app needs from a document store backend.
type documentBackend interface {
	ingest.DocumentStore
	ingest.IndexAdmin
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	svnRunner  svn.Runner
}

// WithRegisterer registers job metrics with reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSVNRunner replaces the svn command runner.
func WithSVNRunner(r svn.Runner) Option {
	return func(o *options) { o.svnRunner = r }
}

// App holds the shared services. Fields are read-only after New returns.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Clock      ingest.Clock
	Broker     ingest.Broker
	Documents  ingest.DocumentStore
	Admin      ingest.IndexAdmin
	PDFs       ingest.ArtifactStore
	Uploads    ingest.ArtifactStore
	Publisher  ingest.Publisher
	Progress   store.ProgressRepository
	Hub        *progress.Hub
	Repository ingest.Repository
	Enqueuer   *pipeline.Enqueuer
	Pipeline   *pipeline.Pipeline
	Registry   *worker.Registry
	Dispatcher *dispatcher.Dispatcher

	closers []func(context.Context) error
}

// New initializes every service named by cfg. It fails fast: anything already
// opened is closed again before the error is returned.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{
		Config: cfg,
		Logger: logging.OrNop(logger),
		Clock:  system.New(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()
	a.Logger.Info("initializing application services")

	if err = a.initStores(ctx); err != nil {
		return nil, err
	}
	if err = a.initArtifacts(ctx); err != nil {
		return nil, err
	}
	if err = a.initBroker(); err != nil {
		return nil, err
	}
	if err = a.initPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.initProgress(o.registerer); err != nil {
		return nil, err
	}
	a.initRepository(o.svnRunner)
	if err = a.initPipeline(); err != nil {
		return nil, err
	}
	a.initWorkers()

	a.Logger.Info("application services initialized")
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) initStores(ctx context.Context) error {
	cfg := a.Config.Store
	switch cfg.Backend {
	case "postgres":
		a.Logger.Info("connecting to postgres document store", zap.String("alias", cfg.Alias))
		docs, err := postgres.NewDocumentStore(ctx, postgres.DocumentStoreConfig{
			DSN:          cfg.DSN,
			MaxConns:     cfg.MaxConns,
			Alias:        cfg.Alias,
			SearchConfig: cfg.SearchConfig,
			Collation:    cfg.Collation,
			BatchSize:    cfg.CopyBatchSize,
		}, a.Logger.Named("documents"))
		if err != nil {
			return fmt.Errorf("init document store: %w", err)
		}
		a.setDocuments(docs)
		a.onClose(func(context.Context) error { docs.Close(); return nil })

		runs, err := postgres.NewProgressStore(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("init progress store: %w", err)
		}
		a.onClose(func(context.Context) error { runs.Close(); return nil })
		if err := runs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init progress store: %w", err)
		}
		a.Progress = runs
	case "memory":
		a.Logger.Info("using in-memory document store; documents are lost on exit")
		a.setDocuments(memory.NewDocumentStore(cfg.Alias, a.Clock))
		a.Progress = memory.NewProgressStore()
	default:
		return fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
	return nil
}

func (a *App) setDocuments(docs documentBackend) {
	a.Documents = docs
	a.Admin = docs
}

func (a *App) initArtifacts(ctx context.Context) error {
	cfg := a.Config.Artifacts
	switch cfg.Backend {
	case "local":
		pdfs, err := localstorage.New(localstorage.Config{BaseDir: cfg.PDFDir})
		if err != nil {
			return fmt.Errorf("init pdf storage: %w", err)
		}
		uploads, err := localstorage.New(localstorage.Config{BaseDir: cfg.UploadDir})
		if err != nil {
			return fmt.Errorf("init upload storage: %w", err)
		}
		a.PDFs, a.Uploads = pdfs, uploads
	case "gcs":
		a.Logger.Info("using GCS artifact storage", zap.String("bucket", cfg.GCSBucket))
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		pdfs, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.PDFPrefix})
		if err != nil {
			return fmt.Errorf("init pdf storage: %w", err)
		}
		uploads, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.UploadPrefix})
		if err != nil {
			return fmt.Errorf("init upload storage: %w", err)
		}
		a.PDFs, a.Uploads = pdfs, uploads
	case "memory":
		a.PDFs, a.Uploads = memory.NewBlobStore(), memory.NewBlobStore()
	default:
		return fmt.Errorf("unknown artifacts backend: %s", cfg.Backend)
	}
	return nil
}

func (a *App) queues() pipeline.Queues {
	q := a.Config.Queue
	return pipeline.Queues{
		Explore:        q.Names.Explore,
		Import:         q.Names.Import,
		Render:         q.Names.Render,
		ExploreTimeout: q.Timeouts.Explore,
		ImportTimeout:  q.Timeouts.Import,
		RenderTimeout:  q.Timeouts.Render,
	}
}

func (a *App) initBroker() error {
	cfg := a.Config.Queue
	names := a.queues().Names()
	switch cfg.Backend {
	case "nats":
		a.Logger.Info("connecting to NATS broker", zap.String("url", cfg.NATS.URL))
		b, err := qnats.Connect(cfg.NATS.URL, qnats.Config{
			Stream:    cfg.NATS.Stream,
			Bucket:    cfg.NATS.Bucket,
			Queues:    names,
			FetchWait: cfg.PollInterval,
		}, a.Logger.Named("broker"))
		if err != nil {
			return fmt.Errorf("init broker: %w", err)
		}
		a.Broker = b
	case "memory":
		a.Broker = qmemory.NewBroker(nil, nil, a.Clock, names...)
	default:
		return fmt.Errorf("unknown queue backend: %s", cfg.Backend)
	}
	broker := a.Broker
	a.onClose(func(context.Context) error { return broker.Close() })
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	cfg := a.Config.Publisher
	switch cfg.Backend {
	case "pubsub":
		a.Logger.Info("connecting to Pub/Sub", zap.String("topic", cfg.Topic))
		pub, err := pubsubpublisher.Connect(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		a.Publisher = pub
		a.onClose(func(context.Context) error { return pub.Close() })
	case "memory", "":
		a.Publisher = memorypublisher.New()
	default:
		return fmt.Errorf("unknown publisher backend: %s", cfg.Backend)
	}
	return nil
}

func (a *App) initProgress(reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(a.Logger.Named("progress")), promSink}
	if a.Progress != nil {
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.Progress, a.Logger.Named("progress")))
	}
	cfg := a.Config.Progress
	a.Hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.BatchSize,
		MaxBatchWait:   cfg.FlushInterval,
		Logger:         a.Logger.Named("progress"),
	}, hubSinks...)
	hub := a.Hub
	a.onClose(hub.Close)
	return nil
}

func (a *App) initRepository(runner svn.Runner) {
	cfg := a.Config.Repository
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RequestsPerSecond,
		DefaultBurst: cfg.Burst,
		Observe:      metrics.ObserveRateLimitDelay,
	})
	router := repository.NewRouter(limiter)

	svnClient := svn.New(svn.Config{Binary: cfg.SVNBinary, CommandTimeout: cfg.CommandTimeout}, runner, a.Logger.Named("svn"))
	router.Register(svnClient, "svn", "svn+ssh")
	if cfg.Backend == "httpindex" {
		router.Register(httpindex.New(httpindex.Config{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.CommandTimeout,
		}, a.Logger.Named("httpindex")), "http", "https")
	} else {
		router.Register(svnClient, "http", "https")
	}
	router.Register(local.New(), "file")
	a.Repository = router
}

func (a *App) initPipeline() error {
	cfg := a.Config
	office, err := convert.NewServiceClient(convert.ServiceConfig{
		BaseURL: cfg.Convert.ServiceURL,
		Timeout: cfg.Convert.Timeout,
	}, nil, a.Logger.Named("convert"))
	if err != nil {
		return fmt.Errorf("init conversion service: %w", err)
	}

	var html convert.Service
	if cfg.Convert.Headless.Enabled {
		headless, herr := convert.NewHeadless(convert.HeadlessConfig{
			MaxParallel:       cfg.Worker.Concurrency,
			NavigationTimeout: cfg.Convert.Headless.NavTimeout,
		})
		if herr != nil {
			a.Logger.Warn("headless renderer disabled", zap.Error(herr))
		} else {
			html = headless
			a.onClose(func(context.Context) error { headless.Close(); return nil })
		}
	}

	a.Enqueuer = pipeline.NewEnqueuer(a.Broker, a.queues())
	a.Pipeline, err = pipeline.New(pipeline.Config{
		ScratchDir: cfg.Scratch.Dir,
		Topic:      cfg.Publisher.Topic,
	}, pipeline.Deps{
		Enqueuer:   a.Enqueuer,
		Repository: a.Repository,
		Converter:  convert.New(office, convert.Classifier{}, a.Logger.Named("convert")),
		Renderer:   convert.NewRenderer(office, html, a.PDFs, a.Logger.Named("render")),
		Store:      a.Documents,
		Uploads:    a.Uploads,
		Publisher:  a.Publisher,
		Progress:   a.Hub,
		Clock:      a.Clock,
		Logger:     a.Logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	a.Registry = worker.NewRegistry()
	for name, h := range a.Pipeline.Handlers() {
		a.Registry.Register(name, worker.Handler(h))
	}
	return nil
}

func (a *App) initWorkers() {
	cfg := a.Config
	queues := cfg.Worker.Queues
	if len(queues) == 0 {
		queues = a.queues().Names()
	}
	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.Broker,
			a.Registry,
			worker.Config{Queues: queues, DefaultTimeout: cfg.Queue.Timeouts.Import},
			a.Hub,
			a.Clock,
			a.Logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.Dispatcher = dispatcher.New(
		a.Repository,
		a.Enqueuer,
		a.Uploads,
		workers,
		dispatcher.Config{
			Sweep:         a.sweepScratch,
			SweepInterval: cfg.Scratch.SweepInterval,
		},
		a.Logger.Named("dispatcher"),
	)
}

func (a *App) sweepScratch(context.Context) {
	if _, err := a.Pipeline.SweepScratch(a.Config.Scratch.MaxAge); err != nil {
		a.Logger.Warn("scratch sweep failed", zap.Error(err))
	}
}

// Server builds the HTTP API over the app's services.
func (a *App) Server() *api.Server {
	apiKey := ""
	if a.Config.Auth.Enabled {
		apiKey = a.Config.Auth.APIKey
	}
	return api.NewServer(api.Deps{
		Dispatcher: a.Dispatcher,
		Broker:     a.Broker,
		Documents:  a.Documents,
		PDFs:       a.PDFs,
		Progress:   a.Progress,
		Ready:      a.Ready,
	}, api.Config{
		RequestTimeout: a.Config.Server.RequestTimeout,
		MaxUploadBytes: a.Config.Server.MaxUploadBytes,
		APIKey:         apiKey,
	}, a.Logger.Named("api"))
}

// HTTPServer wraps Server in an http.Server listening on the configured port.
func (a *App) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Migrator builds a reindex migrator over the document store.
func (a *App) Migrator(suffix string) *reindex.Migrator {
	return reindex.New(a.Admin, reindex.Config{
		Alias:        a.Config.Store.Alias,
		Suffix:       suffix,
		PollInterval: a.Config.Reindex.PollInterval,
	}, a.Clock, a.Logger.Named("reindex"))
}

// Ready reports whether the broker and progress store answer.
func (a *App) Ready(ctx context.Context) error {
	if _, err := a.Broker.Stats(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if a.Progress != nil {
		if _, err := a.Progress.ListRuns(ctx, nil, 1, 0); err != nil {
			return fmt.Errorf("progress store: %w", err)
		}
	}
	return nil
}

// Close shuts services down in reverse order of creation and flushes the logger.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
