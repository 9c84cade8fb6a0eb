package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

const resolveAliasSQL = `
SELECT DISTINCT t.relname
FROM pg_class v
JOIN pg_rewrite r ON r.ev_class = v.oid
JOIN pg_depend d ON d.objid = r.oid AND d.classid = 'pg_rewrite'::regclass
JOIN pg_class t ON t.oid = d.refobjid
WHERE v.relname = $1
	AND v.relkind = 'v'
	AND v.relnamespace = current_schema()::regnamespace
	AND t.relkind = 'r'
LIMIT 1`

// ResolveAlias returns the table behind the alias view, or ingest.ErrIndexNotFound.
func (s *DocumentStore) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var table string
	err := s.pool.QueryRow(ctx, resolveAliasSQL, alias).Scan(&table)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ingest.ErrIndexNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	return table, nil
}

// IndexExists reports whether a table named name exists.
func (s *DocumentStore) IndexExists(ctx context.Context, name string) (bool, error) {
	if !validTableName.MatchString(name) {
		return false, fmt.Errorf("invalid index name %q", name)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check index %s: %w", name, err)
	}
	return exists, nil
}

// CreateIndex creates an empty table with the current schema.
func (s *DocumentStore) CreateIndex(ctx context.Context, name string) error {
	if !validTableName.MatchString(name) {
		return fmt.Errorf("invalid index name %q", name)
	}
	for _, stmt := range s.tableDDL(name, false) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}
	return nil
}

// DeleteIndex drops a table if it exists.
func (s *DocumentStore) DeleteIndex(ctx context.Context, name string) error {
	if !validTableName.MatchString(name) {
		return fmt.Errorf("invalid index name %q", name)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
		return fmt.Errorf("drop index %s: %w", name, err)
	}
	return nil
}

// StartCopy copies source into target in keyset batches on a background
// goroutine, setting sort_key from url. Poll CopyStatus for progress.
func (s *DocumentStore) StartCopy(ctx context.Context, source, target string) (string, error) {
	if !validTableName.MatchString(source) || !validTableName.MatchString(target) {
		return "", fmt.Errorf("invalid copy %q -> %q", source, target)
	}
	var total int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", source)).Scan(&total); err != nil {
		if isUndefinedTable(err) {
			return "", fmt.Errorf("source index %s: %w", source, ingest.ErrIndexNotFound)
		}
		return "", fmt.Errorf("count source %s: %w", source, err)
	}

	s.mu.Lock()
	s.taskSeq++
	task := &ingest.CopyTask{
		ID:     fmt.Sprintf("copy-%d-%d", s.clock.Now().UnixNano(), s.taskSeq),
		Source: source,
		Target: target,
		Total:  total,
	}
	s.tasks[task.ID] = task
	s.mu.Unlock()

	go s.runCopy(context.WithoutCancel(ctx), task)
	return task.ID, nil
}

func (s *DocumentStore) runCopy(ctx context.Context, task *ingest.CopyTask) {
	query := fmt.Sprintf(`
WITH batch AS (
	SELECT id, url, name, content, updated_at, pdf_name
	FROM %[1]s WHERE id > $1 ORDER BY id LIMIT $2
), ins AS (
	INSERT INTO %[2]s (id, url, name, content, updated_at, pdf_name, sort_key)
	SELECT id, url, name, content, updated_at, pdf_name, url FROM batch
	ON CONFLICT (id) DO NOTHING
)
SELECT count(*), COALESCE(max(id), '') FROM batch`, task.Source, task.Target)

	cursor := ""
	for {
		var (
			n    int64
			last string
		)
		if err := s.pool.QueryRow(ctx, query, cursor, s.cfg.BatchSize).Scan(&n, &last); err != nil {
			s.finishTask(task, fmt.Errorf("copy batch after %q: %w", cursor, err))
			return
		}
		s.mu.Lock()
		task.Copied += n
		s.mu.Unlock()
		if n < int64(s.cfg.BatchSize) {
			s.finishTask(task, nil)
			return
		}
		cursor = last
	}
}

func (s *DocumentStore) finishTask(task *ingest.CopyTask, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.Completed = true
	if err != nil {
		task.Error = err.Error()
		s.logger.Error("index copy failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.logger.Info("index copy finished",
		zap.String("task_id", task.ID),
		zap.String("source", task.Source),
		zap.String("target", task.Target),
		zap.Int64("copied", task.Copied),
	)
}

// CopyStatus reports a copy task's progress.
func (s *DocumentStore) CopyStatus(_ context.Context, taskID string) (ingest.CopyTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ingest.CopyTask{}, fmt.Errorf("copy task %q: %w", taskID, ingest.ErrNotFound)
	}
	return *task, nil
}

// SwapAlias drops oldIndex and points alias at newIndex in one transaction.
func (s *DocumentStore) SwapAlias(ctx context.Context, alias, oldIndex, newIndex string) error {
	for _, name := range []string{alias, newIndex} {
		if !validTableName.MatchString(name) {
			return fmt.Errorf("invalid name %q", name)
		}
	}
	if oldIndex != "" && !validTableName.MatchString(oldIndex) {
		return fmt.Errorf("invalid name %q", oldIndex)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin swap: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	stmts := []string{fmt.Sprintf("DROP VIEW IF EXISTS %s", alias)}
	if oldIndex != "" && oldIndex != newIndex {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE IF EXISTS %s", oldIndex))
	}
	stmts = append(stmts, fmt.Sprintf("CREATE VIEW %s AS SELECT * FROM %s", alias, newIndex))

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", alias); err != nil {
		return fmt.Errorf("lock alias: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("swap alias %s: %w", alias, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}
	return nil
}

var _ ingest.IndexAdmin = (*DocumentStore)(nil)
