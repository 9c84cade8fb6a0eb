package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/repo-indexer/internal/clock/system"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// DocumentStore keeps documents in named in-memory indices behind an alias.
// It implements ingest.DocumentStore and ingest.IndexAdmin.
type DocumentStore struct {
	mu      sync.RWMutex
	alias   string
	clock   ingest.Clock
	aliases map[string]string
	indices map[string]map[string]ingest.Document
	tasks   map[string]*ingest.CopyTask
	taskSeq int
}

// NewDocumentStore creates an empty store that reads and writes through alias.
// A nil clock uses wall time.
func NewDocumentStore(alias string, clock ingest.Clock) *DocumentStore {
	if alias == "" {
		alias = "documents"
	}
	if clock == nil {
		clock = system.New()
	}
	return &DocumentStore{
		alias:   alias,
		clock:   clock,
		aliases: make(map[string]string),
		indices: make(map[string]map[string]ingest.Document),
		tasks:   make(map[string]*ingest.CopyTask),
	}
}

// BootstrapIndex names the physical index created on the first write.
func BootstrapIndex(alias string) string {
	return alias + "_v1"
}

func (s *DocumentStore) current() map[string]ingest.Document {
	name, ok := s.aliases[s.alias]
	if !ok {
		return nil
	}
	return s.indices[name]
}

func (s *DocumentStore) writable() map[string]ingest.Document {
	if idx := s.current(); idx != nil {
		return idx
	}
	name := BootstrapIndex(s.alias)
	if _, ok := s.indices[name]; !ok {
		s.indices[name] = make(map[string]ingest.Document)
	}
	s.aliases[s.alias] = name
	return s.indices[name]
}

// Upsert inserts or updates a document. URL and sort key never change for an
// existing id.
func (s *DocumentStore) Upsert(_ context.Context, req ingest.UpsertRequest) (ingest.Document, error) {
	if req.ID == "" {
		return ingest.Document{}, &ingest.StoreError{Op: "upsert", Err: fmt.Errorf("id is required")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.writable()
	now := s.clock.Now()
	doc, exists := idx[req.ID]
	if !exists {
		doc = ingest.Document{ID: req.ID, URL: req.URL, SortKey: req.URL}
	}
	doc.DisplayName = req.DisplayName
	doc.Content = req.Content
	doc.UpdatedAt = now
	if req.RenderedArtifactName != "" {
		doc.RenderedArtifactName = req.RenderedArtifactName
	}
	idx[req.ID] = doc
	return doc, nil
}

// UpdateRenderedArtifact records the PDF name. Missing documents are ignored.
func (s *DocumentStore) UpdateRenderedArtifact(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.current()
	doc, ok := idx[id]
	if !ok {
		return nil
	}
	doc.RenderedArtifactName = name
	doc.UpdatedAt = s.clock.Now()
	idx[id] = doc
	return nil
}

// Get returns the document with id, or ingest.ErrNotFound.
func (s *DocumentStore) Get(_ context.Context, id string, includeContent bool) (ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.current()[id]
	if !ok {
		return ingest.Document{}, ingest.ErrNotFound
	}
	if !includeContent {
		doc.Content = ""
	}
	return doc, nil
}

// Search ranks documents by match count. An empty query matches every document.
func (s *DocumentStore) Search(_ context.Context, q ingest.SearchQuery) ([]ingest.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := stems(analyze(q.Query))
	var hits []ingest.SearchHit
	keys := make(map[string]string)
	for _, doc := range s.current() {
		if q.URLFilter != "" && !strings.Contains(doc.URL, q.URLFilter) {
			continue
		}
		hit := ingest.SearchHit{
			ID:                   doc.ID,
			URL:                  doc.URL,
			DisplayName:          doc.DisplayName,
			UpdatedAt:            doc.UpdatedAt,
			RenderedArtifactName: doc.RenderedArtifactName,
		}
		if len(terms) > 0 {
			toks := analyze(doc.Content)
			var spans []span
			if q.Mode == ingest.SearchFuzzy {
				spans = matchTerms(toks, terms)
			} else {
				spans = matchPhrase(toks, terms)
			}
			if len(spans) == 0 {
				continue
			}
			hit.Score = float64(len(spans))
			hit.Highlights = highlight(doc.Content, toks, spans)
		}
		hits = append(hits, hit)
		keys[doc.ID] = doc.SortKey
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if keys[hits[i].ID] != keys[hits[j].ID] {
			return keys[hits[i].ID] < keys[hits[j].ID]
		}
		return hits[i].ID < hits[j].ID
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// ListAll returns every document ordered by sort key.
func (s *DocumentStore) ListAll(_ context.Context) ([]ingest.DocumentRef, error) {
	s.mu.RLock()
	docs := sortedDocs(s.current())
	s.mu.RUnlock()

	refs := make([]ingest.DocumentRef, len(docs))
	for i, d := range docs {
		refs[i] = ingest.DocumentRef{ID: d.ID, URL: d.URL}
	}
	return refs, nil
}

// BulkDelete removes ids and reports the ones that did not exist.
func (s *DocumentStore) BulkDelete(_ context.Context, ids []string) (ingest.BulkDeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := ingest.BulkDeleteResult{Errors: []ingest.DeleteError{}}
	idx := s.current()
	for _, id := range ids {
		if _, ok := idx[id]; !ok {
			res.Errors = append(res.Errors, ingest.DeleteError{ID: id, Reason: "not found"})
			continue
		}
		delete(idx, id)
		res.Deleted++
	}
	return res, nil
}

// ResolveAlias returns the index behind alias, or ingest.ErrIndexNotFound.
func (s *DocumentStore) ResolveAlias(_ context.Context, alias string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.aliases[alias]
	if !ok {
		return "", ingest.ErrIndexNotFound
	}
	return name, nil
}

// IndexExists reports whether a physical index exists.
func (s *DocumentStore) IndexExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indices[name]
	return ok, nil
}

// CreateIndex creates an empty physical index.
func (s *DocumentStore) CreateIndex(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indices[name]; ok {
		return fmt.Errorf("index %q already exists", name)
	}
	s.indices[name] = make(map[string]ingest.Document)
	return nil
}

// DeleteIndex drops a physical index. Dropping a missing index is a no-op.
func (s *DocumentStore) DeleteIndex(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for alias, target := range s.aliases {
		if target == name {
			return fmt.Errorf("index %q is referenced by alias %q", name, alias)
		}
	}
	delete(s.indices, name)
	return nil
}

// StartCopy copies every document from source to target in the background,
// resetting the sort key to the URL.
func (s *DocumentStore) StartCopy(_ context.Context, source, target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.indices[source]
	if !ok {
		return "", fmt.Errorf("source index %q: %w", source, ingest.ErrIndexNotFound)
	}
	if _, ok := s.indices[target]; !ok {
		return "", fmt.Errorf("target index %q: %w", target, ingest.ErrIndexNotFound)
	}
	s.taskSeq++
	task := &ingest.CopyTask{
		ID:     fmt.Sprintf("copy-%d", s.taskSeq),
		Source: source,
		Target: target,
		Total:  int64(len(src)),
	}
	s.tasks[task.ID] = task
	docs := sortedDocs(src)
	go s.runCopy(task, docs)
	return task.ID, nil
}

func (s *DocumentStore) runCopy(task *ingest.CopyTask, docs []ingest.Document) {
	for _, doc := range docs {
		s.mu.Lock()
		dst, ok := s.indices[task.Target]
		if !ok {
			task.Error = fmt.Sprintf("target index %q dropped during copy", task.Target)
			task.Completed = true
			s.mu.Unlock()
			return
		}
		doc.SortKey = doc.URL
		dst[doc.ID] = doc
		task.Copied++
		s.mu.Unlock()
	}
	s.mu.Lock()
	task.Completed = true
	s.mu.Unlock()
}

// CopyStatus reports a copy task's progress.
func (s *DocumentStore) CopyStatus(_ context.Context, taskID string) (ingest.CopyTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ingest.CopyTask{}, fmt.Errorf("copy task %q: %w", taskID, ingest.ErrNotFound)
	}
	return *task, nil
}

// SwapAlias points alias at newIndex and drops oldIndex in one step.
func (s *DocumentStore) SwapAlias(_ context.Context, alias, oldIndex, newIndex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indices[newIndex]; !ok {
		return fmt.Errorf("index %q: %w", newIndex, ingest.ErrIndexNotFound)
	}
	if oldIndex != "" && oldIndex != newIndex {
		delete(s.indices, oldIndex)
	}
	s.aliases[alias] = newIndex
	return nil
}

func sortedDocs(idx map[string]ingest.Document) []ingest.Document {
	docs := make([]ingest.Document, 0, len(idx))
	for _, d := range idx {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].SortKey != docs[j].SortKey {
			return docs[i].SortKey < docs[j].SortKey
		}
		return docs[i].ID < docs[j].ID
	})
	return docs
}

var (
	_ ingest.DocumentStore = (*DocumentStore)(nil)
	_ ingest.IndexAdmin    = (*DocumentStore)(nil)
)
