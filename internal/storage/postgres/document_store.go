// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/clock/system"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
)

var (
	validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	validCollation = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

const (
	undefinedTable   = "42P01"
	headlineOptions  = "StartSel=<mark>, StopSel=</mark>, MaxFragments=100, FragmentDelimiter=\" ... \""
	fragmentSplitter = " ... "
)

// DocumentStoreConfig controls the Postgres document store.
type DocumentStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Alias is the view every read and write goes through.
	Alias string
	// SearchConfig names the text search configuration, e.g. english.
	SearchConfig string
	// Collation orders sort_key, e.g. C or ja-x-icu.
	Collation string
	// BatchSize bounds ListAll pages and copy batches.
	BatchSize int
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// DocumentStore implements ingest.DocumentStore and ingest.IndexAdmin. Each
// physical index is a table and the alias is a view selecting from it.
type DocumentStore struct {
	pool   pgxPool
	cfg    DocumentStoreConfig
	clock  ingest.Clock
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*ingest.CopyTask
	taskSeq int
}

// NewDocumentStore connects to Postgres using cfg.
func NewDocumentStore(ctx context.Context, cfg DocumentStoreConfig, logger *zap.Logger) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewDocumentStoreWithPool(pool, cfg, nil, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDocumentStoreWithPool(pool pgxPool, cfg DocumentStoreConfig, clock ingest.Clock, logger *zap.Logger) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.Alias == "" {
		cfg.Alias = "documents"
	}
	if cfg.SearchConfig == "" {
		cfg.SearchConfig = "english"
	}
	if cfg.Collation == "" {
		cfg.Collation = "C"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if !validTableName.MatchString(cfg.Alias) {
		return nil, fmt.Errorf("invalid alias %q", cfg.Alias)
	}
	if !validTableName.MatchString(cfg.SearchConfig) {
		return nil, fmt.Errorf("invalid search config %q", cfg.SearchConfig)
	}
	if !validCollation.MatchString(cfg.Collation) {
		return nil, fmt.Errorf("invalid collation %q", cfg.Collation)
	}
	if clock == nil {
		clock = system.New()
	}
	return &DocumentStore{
		pool:   pool,
		cfg:    cfg,
		clock:  clock,
		logger: logging.OrNop(logger),
		tasks:  make(map[string]*ingest.CopyTask),
	}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// BootstrapIndex names the physical table created on the first write.
func BootstrapIndex(alias string) string {
	return alias + "_v1"
}

// Upsert inserts or updates a document. The alias and its first table are
// created lazily when the first write finds them missing.
func (s *DocumentStore) Upsert(ctx context.Context, req ingest.UpsertRequest) (ingest.Document, error) {
	if req.ID == "" {
		return ingest.Document{}, &ingest.StoreError{Op: "upsert", Err: fmt.Errorf("id is required")}
	}
	doc, err := s.upsert(ctx, req)
	if isUndefinedTable(err) {
		if err := s.bootstrap(ctx); err != nil {
			return ingest.Document{}, &ingest.StoreError{Op: "upsert", ID: req.ID, Err: err}
		}
		doc, err = s.upsert(ctx, req)
	}
	if err != nil {
		return ingest.Document{}, &ingest.StoreError{Op: "upsert", ID: req.ID, Err: err}
	}
	return doc, nil
}

func (s *DocumentStore) upsert(ctx context.Context, req ingest.UpsertRequest) (ingest.Document, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s AS d (id, url, name, content, updated_at, pdf_name, sort_key)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $2)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	content = EXCLUDED.content,
	updated_at = EXCLUDED.updated_at,
	pdf_name = COALESCE(EXCLUDED.pdf_name, d.pdf_name)
RETURNING id, url, name, updated_at, COALESCE(pdf_name, ''), sort_key`, s.cfg.Alias)

	doc := ingest.Document{Content: req.Content}
	err := s.pool.QueryRow(ctx, query,
		req.ID,
		req.URL,
		req.DisplayName,
		req.Content,
		s.clock.Now(),
		req.RenderedArtifactName,
	).Scan(&doc.ID, &doc.URL, &doc.DisplayName, &doc.UpdatedAt, &doc.RenderedArtifactName, &doc.SortKey)
	if err != nil {
		return ingest.Document{}, fmt.Errorf("upsert document: %w", err)
	}
	return doc, nil
}

func (s *DocumentStore) bootstrap(ctx context.Context) error {
	table := BootstrapIndex(s.cfg.Alias)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", s.cfg.Alias); err != nil {
		return fmt.Errorf("lock alias: %w", err)
	}
	for _, stmt := range s.tableDDL(table, true) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index table: %w", err)
		}
	}
	viewSQL := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", s.cfg.Alias, table)
	if _, err := tx.Exec(ctx, viewSQL); err != nil {
		return fmt.Errorf("create alias view: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	s.logger.Info("bootstrapped document index", zap.String("alias", s.cfg.Alias), zap.String("index", table))
	return nil
}

// tableDDL returns the statements that create one physical index.
func (s *DocumentStore) tableDDL(table string, ifNotExists bool) []string {
	guard := ""
	if ifNotExists {
		guard = "IF NOT EXISTS "
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE %[1]s%[2]s (
	id text PRIMARY KEY,
	url text NOT NULL,
	name text NOT NULL DEFAULT '',
	content text NOT NULL DEFAULT '',
	updated_at timestamptz NOT NULL,
	pdf_name text,
	sort_key text COLLATE "%[3]s" NOT NULL,
	search tsvector GENERATED ALWAYS AS (to_tsvector('%[4]s'::regconfig, content)) STORED
)`, guard, table, s.cfg.Collation, s.cfg.SearchConfig),
		fmt.Sprintf("CREATE INDEX %[1]s%[2]s_search_idx ON %[2]s USING GIN (search)", guard, table),
		fmt.Sprintf("CREATE INDEX %[1]s%[2]s_sort_idx ON %[2]s (sort_key, id)", guard, table),
	}
}

// UpdateRenderedArtifact records the PDF name. Missing documents are ignored.
func (s *DocumentStore) UpdateRenderedArtifact(ctx context.Context, id, name string) error {
	query := fmt.Sprintf("UPDATE %s SET pdf_name = $2, updated_at = $3 WHERE id = $1", s.cfg.Alias)
	tag, err := s.pool.Exec(ctx, query, id, name, s.clock.Now())
	if isUndefinedTable(err) {
		return nil
	}
	if err != nil {
		return &ingest.StoreError{Op: "update_pdf", ID: id, Err: err}
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("rendered artifact for missing document", zap.String("document_id", id))
	}
	return nil
}

// Get returns the document with id, or ingest.ErrNotFound.
func (s *DocumentStore) Get(ctx context.Context, id string, includeContent bool) (ingest.Document, error) {
	query := fmt.Sprintf(`
SELECT id, url, name, CASE WHEN $2 THEN content ELSE '' END, updated_at, COALESCE(pdf_name, ''), sort_key
FROM %s WHERE id = $1`, s.cfg.Alias)
	var doc ingest.Document
	err := s.pool.QueryRow(ctx, query, id, includeContent).Scan(
		&doc.ID, &doc.URL, &doc.DisplayName, &doc.Content, &doc.UpdatedAt, &doc.RenderedArtifactName, &doc.SortKey,
	)
	if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
		return ingest.Document{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Document{}, &ingest.StoreError{Op: "get", ID: id, Err: err}
	}
	return doc, nil
}

// Search runs a phrase (exact) or lexeme-OR (fuzzy) full-text query. An empty
// query lists documents in sort order, optionally filtered by URL substring.
func (s *DocumentStore) Search(ctx context.Context, q ingest.SearchQuery) ([]ingest.SearchHit, error) {
	query, args := s.searchSQL(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if isUndefinedTable(err) {
		return []ingest.SearchHit{}, nil
	}
	if err != nil {
		return nil, &ingest.StoreError{Op: "search", Err: err}
	}
	defer rows.Close()

	hits := []ingest.SearchHit{}
	for rows.Next() {
		var (
			hit      ingest.SearchHit
			headline string
		)
		if err := rows.Scan(&hit.ID, &hit.URL, &hit.DisplayName, &hit.UpdatedAt, &hit.RenderedArtifactName, &hit.Score, &headline); err != nil {
			return nil, &ingest.StoreError{Op: "search", Err: fmt.Errorf("scan hit: %w", err)}
		}
		hit.Highlights = splitHeadline(headline)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, &ingest.StoreError{Op: "search", Err: err}
	}
	return hits, nil
}

func (s *DocumentStore) searchSQL(q ingest.SearchQuery) (string, []any) {
	var (
		args  []any
		where []string
		b     strings.Builder
	)
	text := strings.TrimSpace(q.Query)
	cfg := fmt.Sprintf("'%s'::regconfig", s.cfg.SearchConfig)

	if text == "" {
		b.WriteString("SELECT d.id, d.url, d.name, d.updated_at, COALESCE(d.pdf_name, ''), 0::float8, ''\nFROM ")
		b.WriteString(s.cfg.Alias)
		b.WriteString(" d")
	} else {
		args = append(args, text)
		tsq := fmt.Sprintf("phraseto_tsquery(%s, $1)", cfg)
		if q.Mode == ingest.SearchFuzzy {
			tsq = fmt.Sprintf("to_tsquery(%[1]s, array_to_string(tsvector_to_array(to_tsvector(%[1]s, $1)), ' | '))", cfg)
		}
		fmt.Fprintf(&b, `SELECT d.id, d.url, d.name, d.updated_at, COALESCE(d.pdf_name, ''),
	ts_rank(d.search, q.query)::float8,
	ts_headline(%s, d.content, q.query, '%s')
FROM %s d, (SELECT %s AS query) q`, cfg, headlineOptions, s.cfg.Alias, tsq)
		where = append(where, "d.search @@ q.query")
	}
	if q.URLFilter != "" {
		args = append(args, "%"+escapeLike(q.URLFilter)+"%")
		where = append(where, fmt.Sprintf(`d.url LIKE $%d ESCAPE '\'`, len(args)))
	}
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if text == "" {
		b.WriteString("\nORDER BY d.sort_key, d.id")
	} else {
		b.WriteString("\nORDER BY 6 DESC, d.sort_key, d.id")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, "\nLIMIT $%d", len(args))
	}
	return b.String(), args
}

// ListAll pages through every document in sort order using keyset pagination.
func (s *DocumentStore) ListAll(ctx context.Context) ([]ingest.DocumentRef, error) {
	first := fmt.Sprintf("SELECT id, url, sort_key FROM %s ORDER BY sort_key, id LIMIT $1", s.cfg.Alias)
	next := fmt.Sprintf("SELECT id, url, sort_key FROM %s WHERE (sort_key, id) > ($2, $3) ORDER BY sort_key, id LIMIT $1", s.cfg.Alias)

	refs := []ingest.DocumentRef{}
	var lastKey, lastID string
	for {
		var (
			rows pgx.Rows
			err  error
		)
		if lastID == "" {
			rows, err = s.pool.Query(ctx, first, s.cfg.BatchSize)
		} else {
			rows, err = s.pool.Query(ctx, next, s.cfg.BatchSize, lastKey, lastID)
		}
		if isUndefinedTable(err) {
			return refs, nil
		}
		if err != nil {
			return nil, &ingest.StoreError{Op: "list", Err: err}
		}
		n := 0
		for rows.Next() {
			var ref ingest.DocumentRef
			if err := rows.Scan(&ref.ID, &ref.URL, &lastKey); err != nil {
				rows.Close()
				return nil, &ingest.StoreError{Op: "list", Err: fmt.Errorf("scan ref: %w", err)}
			}
			lastID = ref.ID
			refs = append(refs, ref)
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, &ingest.StoreError{Op: "list", Err: err}
		}
		if n < s.cfg.BatchSize {
			return refs, nil
		}
	}
}

// BulkDelete removes ids and itemizes the ones that did not exist.
func (s *DocumentStore) BulkDelete(ctx context.Context, ids []string) (ingest.BulkDeleteResult, error) {
	res := ingest.BulkDeleteResult{Errors: []ingest.DeleteError{}}
	if len(ids) == 0 {
		return res, nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1) RETURNING id", s.cfg.Alias)
	rows, err := s.pool.Query(ctx, query, ids)
	if isUndefinedTable(err) {
		for _, id := range ids {
			res.Errors = append(res.Errors, ingest.DeleteError{ID: id, Reason: "not found"})
		}
		return res, nil
	}
	if err != nil {
		return res, &ingest.StoreError{Op: "bulk_delete", Err: err}
	}
	deleted := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return res, &ingest.StoreError{Op: "bulk_delete", Err: fmt.Errorf("scan id: %w", err)}
		}
		deleted[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, &ingest.StoreError{Op: "bulk_delete", Err: err}
	}
	for _, id := range ids {
		if deleted[id] {
			res.Deleted++
			delete(deleted, id)
			continue
		}
		res.Errors = append(res.Errors, ingest.DeleteError{ID: id, Reason: "not found"})
	}
	return res, nil
}

func splitHeadline(headline string) []string {
	if !strings.Contains(headline, "<mark>") {
		return nil
	}
	var out []string
	for _, frag := range strings.Split(headline, fragmentSplitter) {
		if frag = strings.TrimSpace(frag); frag != "" {
			out = append(out, frag)
		}
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

var _ ingest.DocumentStore = (*DocumentStore)(nil)
