package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/pipeline"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// listJobs handles GET /v1/jobs?queue=&status=&limit=&offset=. Credentials in
// job arguments are redacted.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := ingest.JobFilter{
		Queue:  strings.TrimSpace(r.URL.Query().Get("queue")),
		Status: ingest.JobStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))),
		Limit:  limit,
		Offset: offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	jobs, err := s.broker.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, "list jobs failed", err)
		return
	}
	for i := range jobs {
		jobs[i].Args = pipeline.RedactArgs(jobs[i].Args)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// getJob handles GET /v1/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.broker.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, "get job failed", err)
		return
	}
	job.Args = pipeline.RedactArgs(job.Args)
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// queueStats handles GET /v1/queues/stats.
func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "queue stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}
