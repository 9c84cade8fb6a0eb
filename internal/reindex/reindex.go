// Package reindex rebuilds the document index under a fresh physical index
// and cuts the alias over to it.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/clock/system"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
)

// Config controls a migration run.
type Config struct {
	// Alias is the stable name readers and writers use.
	Alias string
	// Suffix names the new index <alias>_<suffix>. Empty uses a UTC timestamp.
	Suffix string
	// PollInterval spaces copy status checks.
	PollInterval time.Duration
}

// Report summarizes a completed migration. A zero Report means nothing was migrated.
type Report struct {
	Old    string `json:"old"`
	New    string `json:"new"`
	Copied int64  `json:"copied"`
}

// Migrator copies the aliased index into a new one and swaps the alias.
// It must not run concurrently with itself.
type Migrator struct {
	admin  ingest.IndexAdmin
	cfg    Config
	clock  ingest.Clock
	logger *zap.Logger
}

// New builds a Migrator.
func New(admin ingest.IndexAdmin, cfg Config, clock ingest.Clock, logger *zap.Logger) *Migrator {
	if cfg.Alias == "" {
		cfg.Alias = "documents"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	return &Migrator{admin: admin, cfg: cfg, clock: clock, logger: logging.OrNop(logger)}
}

// ScratchIndex names the leftover index removed at the end of a run.
func ScratchIndex(alias string) string {
	return alias + "_tmp"
}

// Run performs the migration. It is a no-op when the alias does not resolve.
func (m *Migrator) Run(ctx context.Context) (Report, error) {
	alias := m.cfg.Alias
	old, err := m.admin.ResolveAlias(ctx, alias)
	if errors.Is(err, ingest.ErrIndexNotFound) {
		m.logger.Info("alias not found, nothing to migrate", zap.String("alias", alias))
		return Report{}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("resolve alias: %w", err)
	}

	target := alias + "_" + m.suffix()
	if target == old {
		return Report{}, fmt.Errorf("new index %s is already behind alias %s", target, alias)
	}
	if err := m.recreate(ctx, target); err != nil {
		return Report{}, err
	}

	taskID, err := m.admin.StartCopy(ctx, old, target)
	if err != nil {
		return Report{}, fmt.Errorf("start copy: %w", err)
	}
	m.logger.Info("copying documents",
		zap.String("from", old),
		zap.String("to", target),
		zap.String("task_id", taskID),
	)
	task, err := m.wait(ctx, taskID)
	if err != nil {
		return Report{}, err
	}

	if err := m.admin.SwapAlias(ctx, alias, old, target); err != nil {
		return Report{}, fmt.Errorf("swap alias: %w", err)
	}
	if err := m.dropScratch(ctx); err != nil {
		return Report{}, err
	}

	m.logger.Info("reindex complete",
		zap.String("alias", alias),
		zap.String("old", old),
		zap.String("new", target),
		zap.Int64("copied", task.Copied),
	)
	return Report{Old: old, New: target, Copied: task.Copied}, nil
}

func (m *Migrator) suffix() string {
	if m.cfg.Suffix != "" {
		return m.cfg.Suffix
	}
	return m.clock.Now().UTC().Format("20060102150405")
}

func (m *Migrator) recreate(ctx context.Context, name string) error {
	exists, err := m.admin.IndexExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check index %s: %w", name, err)
	}
	if exists {
		if err := m.admin.DeleteIndex(ctx, name); err != nil {
			return fmt.Errorf("drop index %s: %w", name, err)
		}
	}
	if err := m.admin.CreateIndex(ctx, name); err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	return nil
}

func (m *Migrator) wait(ctx context.Context, taskID string) (ingest.CopyTask, error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		task, err := m.admin.CopyStatus(ctx, taskID)
		if err != nil {
			return ingest.CopyTask{}, fmt.Errorf("copy status: %w", err)
		}
		if task.Error != "" {
			return ingest.CopyTask{}, fmt.Errorf("copy %s to %s failed: %s", task.Source, task.Target, task.Error)
		}
		if task.Completed {
			return task, nil
		}
		m.logger.Debug("copy in progress",
			zap.String("task_id", taskID),
			zap.Int64("copied", task.Copied),
			zap.Int64("total", task.Total),
		)
		select {
		case <-ctx.Done():
			return ingest.CopyTask{}, fmt.Errorf("wait for copy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Migrator) dropScratch(ctx context.Context) error {
	scratch := ScratchIndex(m.cfg.Alias)
	exists, err := m.admin.IndexExists(ctx, scratch)
	if err != nil {
		return fmt.Errorf("check scratch index: %w", err)
	}
	if !exists {
		return nil
	}
	if err := m.admin.DeleteIndex(ctx, scratch); err != nil {
		return fmt.Errorf("drop scratch index: %w", err)
	}
	return nil
}
