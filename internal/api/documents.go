package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/metrics"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
	maxDeleteIDs       = 1000
)

// search handles GET /v1/search?q=&mode=exact|fuzzy&url=&limit=. mode defaults
// to exact.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := ingest.SearchMode(strings.ToLower(q.Get("mode")))
	switch mode {
	case "":
		mode = ingest.SearchExact
	case ingest.SearchExact, ingest.SearchFuzzy:
	default:
		writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}
	limit, _, err := parseLimitOffset(r, defaultSearchLimit, maxSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := ingest.SearchQuery{
		Query:     strings.TrimSpace(q.Get("q")),
		Mode:      mode,
		URLFilter: strings.TrimSpace(q.Get("url")),
		Limit:     limit,
	}
	// An unfiltered search lists every document unless a limit is given.
	if query.Query == "" && query.URLFilter == "" && q.Get("limit") == "" {
		query.Limit = 0
	}
	hits, err := s.documents.Search(r.Context(), query)
	if err != nil {
		s.fail(w, r, "search failed", err)
		return
	}
	metrics.ObserveSearch(string(mode))
	if hits == nil {
		hits = []ingest.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// listDocuments handles GET /v1/documents.
func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	refs, err := s.documents.ListAll(r.Context())
	if err != nil {
		s.fail(w, r, "list documents failed", err)
		return
	}
	if refs == nil {
		refs = []ingest.DocumentRef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": refs})
}

// getDocument handles GET /v1/documents/{doc_id}?content=true.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	includeContent, _ := strconv.ParseBool(r.URL.Query().Get("content"))
	doc, err := s.documents.Get(r.Context(), chi.URLParam(r, "doc_id"), includeContent)
	if err != nil {
		s.fail(w, r, "get document failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

// deleteDocuments handles DELETE /v1/documents with a JSON body {"ids": [...]}.
func (s *Server) deleteDocuments(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	if len(req.IDs) > maxDeleteIDs {
		writeError(w, http.StatusBadRequest, "too many ids")
		return
	}
	res, err := s.documents.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, r, "delete documents failed", err)
		return
	}
	if res.Errors == nil {
		res.Errors = []ingest.DeleteError{}
	}
	writeJSON(w, http.StatusOK, res)
}

// streamPDF handles GET /v1/documents/{doc_id}/pdf.
func (s *Server) streamPDF(w http.ResponseWriter, r *http.Request) {
	if s.pdfs == nil {
		writeError(w, http.StatusServiceUnavailable, "pdf storage unavailable")
		return
	}
	doc, err := s.documents.Get(r.Context(), chi.URLParam(r, "doc_id"), false)
	if err != nil {
		s.fail(w, r, "get document failed", err)
		return
	}
	if doc.RenderedArtifactName == "" {
		writeError(w, http.StatusNotFound, "document has no pdf")
		return
	}
	body, err := s.pdfs.GetObject(r.Context(), doc.RenderedArtifactName)
	if err != nil {
		s.fail(w, r, "open pdf failed", err)
		return
	}
	defer body.Close() //nolint:errcheck // read-only

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+doc.RenderedArtifactName+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream pdf interrupted", zap.String("document_id", doc.ID), zap.Error(err))
	}
}
