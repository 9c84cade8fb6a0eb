// Package worker runs broker jobs through registered handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/clock/system"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/progress"
)

// Handler executes one job and returns its JSON-serializable result.
type Handler func(ctx context.Context, job ingest.Job) (any, error)

// Registry maps handler names to implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler bound to name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config controls Worker behavior.
type Config struct {
	// Queues are polled in order; earlier queues win when several have work.
	Queues []string
	// DefaultTimeout applies to jobs submitted without a timeout.
	DefaultTimeout time.Duration
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Worker pulls jobs from the broker and runs them one at a time.
type Worker struct {
	broker   ingest.Broker
	registry *Registry
	cfg      Config
	progress progress.Emitter
	clock    ingest.Clock
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	broker ingest.Broker,
	registry *Registry,
	cfg Config,
	emitter progress.Emitter,
	clock ingest.Clock,
	logger *zap.Logger,
) *Worker {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	return &Worker{
		broker:   broker,
		registry: registry,
		cfg:      cfg,
		progress: progress.OrNop(emitter),
		clock:    clock,
		logger:   logging.OrNop(logger),
	}
}

// Run blocks, consuming jobs until ctx is done or the broker closes. A job
// that is already running when ctx is canceled runs to completion.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.broker.Dequeue(ctx, w.cfg.Queues...)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ingest.ErrQueueClosed) {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.Process(ctx, job)
	}
}

// Process runs a started job and records its outcome on the broker.
func (w *Worker) Process(ctx context.Context, job ingest.Job) {
	ctx = context.WithoutCancel(ctx)
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("handler", job.Handler),
	)
	start := w.clock.Now()
	w.emit(job, progress.StageJobStart, start, 0, "")
	logger.Debug("job started")

	result, err := w.execute(ctx, job)
	end := w.clock.Now()
	dur := end.Sub(start)

	if err != nil {
		info := err.Error()
		logger.Warn("job failed", zap.Duration("dur", dur), zap.Error(err))
		if ferr := w.broker.Fail(ctx, job.ID, info); ferr != nil {
			logger.Error("record job failure", zap.Error(ferr))
		}
		w.emit(job, progress.StageJobError, end, dur, info)
		return
	}

	if ferr := w.broker.Finish(ctx, job.ID, result); ferr != nil {
		logger.Error("record job result", zap.Error(ferr))
		w.emit(job, progress.StageJobError, end, dur, ferr.Error())
		return
	}
	logger.Info("job finished", zap.Duration("dur", dur))
	w.emit(job, progress.StageJobDone, end, dur, "")
}

func (w *Worker) execute(ctx context.Context, job ingest.Job) (result any, err error) {
	handler, ok := w.registry.Lookup(job.Handler)
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", job.Handler)
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	result, err = handler(jobCtx, job)
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job timed out after %s: %w", timeout, err)
	}
	return result, err
}

func (w *Worker) emit(job ingest.Job, stage progress.Stage, ts time.Time, dur time.Duration, note string) {
	w.progress.Emit(progress.Event{
		JobID:   job.ID,
		TS:      ts,
		Stage:   stage,
		Queue:   job.Queue,
		Handler: job.Handler,
		Dur:     dur,
		Note:    note,
	})
}

// PanicError reports a handler panic with the goroutine stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.Value, e.Stack)
}
