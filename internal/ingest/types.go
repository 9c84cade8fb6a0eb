// Package ingest defines the core types shared across the indexing pipeline.
package ingest

import (
	"encoding/json"
	"time"
)

// ResourceKind distinguishes files from directories in the source repository.
type ResourceKind string

// Resource kinds reported by repository backends.
const (
	KindFile      ResourceKind = "file"
	KindDirectory ResourceKind = "directory"
)

// Resource is an addressable item in the source repository.
type Resource struct {
	URL  string       `json:"url"`
	Kind ResourceKind `json:"kind"`
	Size int64        `json:"size"`
}

// Entry is one child returned by a directory listing.
type Entry struct {
	Name string       `json:"name"`
	Kind ResourceKind `json:"kind"`
	Size int64        `json:"size"`
}

// Access carries optional credentials and a literal network endpoint override.
// The endpoint only changes where requests are sent; identity always uses the logical URL.
type Access struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// ContentKind describes the flavour of extracted text.
type ContentKind string

// Content kinds produced by the converter.
const (
	ContentText     ContentKind = "text"
	ContentMarkdown ContentKind = "markdown"
)

// ConversionResult is produced once per file and consumed by the import handler.
type ConversionResult struct {
	Text             string
	RenderedArtifact string
	Kind             ContentKind
}

// Document is the persisted, searchable unit.
type Document struct {
	ID                   string    `json:"id"`
	URL                  string    `json:"url"`
	DisplayName          string    `json:"name"`
	Content              string    `json:"content,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
	RenderedArtifactName string    `json:"pdf_name,omitempty"`
	SortKey              string    `json:"sort_key,omitempty"`
}

// DocumentRef is the catalog view returned by ListAll.
type DocumentRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// UpsertRequest carries the mutable fields of a document write.
// An empty RenderedArtifactName leaves the stored value untouched on update.
type UpsertRequest struct {
	ID                   string
	URL                  string
	DisplayName          string
	Content              string
	RenderedArtifactName string
}

// SearchMode selects phrase or term matching.
type SearchMode string

// Supported search modes.
const (
	SearchExact SearchMode = "exact"
	SearchFuzzy SearchMode = "fuzzy"
)

// SearchQuery parameterizes a document search. Limit <= 0 means no limit.
type SearchQuery struct {
	Query     string
	Mode      SearchMode
	URLFilter string
	Limit     int
}

// SearchHit is one ranked search result.
type SearchHit struct {
	ID                   string    `json:"id"`
	URL                  string    `json:"url"`
	DisplayName          string    `json:"name"`
	UpdatedAt            time.Time `json:"updated_at"`
	RenderedArtifactName string    `json:"pdf_name,omitempty"`
	Score                float64   `json:"score"`
	Highlights           []string  `json:"highlights,omitempty"`
}

// DeleteError reports why a single id could not be deleted.
type DeleteError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkDeleteResult itemizes a bulk delete.
type BulkDeleteResult struct {
	Deleted int           `json:"deleted"`
	Errors  []DeleteError `json:"errors"`
}

// CopyTask reports the progress of an index copy.
type CopyTask struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Total     int64  `json:"total"`
	Copied    int64  `json:"copied"`
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Job states. queued → started → finished|failed, with deferred/scheduled pre-states.
const (
	JobQueued    JobStatus = "queued"
	JobStarted   JobStatus = "started"
	JobFinished  JobStatus = "finished"
	JobFailed    JobStatus = "failed"
	JobDeferred  JobStatus = "deferred"
	JobScheduled JobStatus = "scheduled"
)

// Terminal reports whether the status will not change again.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobStarted, JobFinished, JobFailed, JobDeferred, JobScheduled:
		return true
	}
	return false
}

// Job is a unit of work owned by the broker.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Handler     string          `json:"handler"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      JobStatus       `json:"status"`
	Timeout     time.Duration   `json:"timeout"`
	DependsOn   string          `json:"depends_on,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	FailureInfo string          `json:"failure_info,omitempty"`
}

// Submission describes a job to enqueue. Args is marshaled to JSON.
type Submission struct {
	Queue     string
	Handler   string
	Args      any
	Timeout   time.Duration
	DependsOn string
	RunAt     time.Time
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Queue  string
	Status JobStatus
	Limit  int
	Offset int
}

// QueueStats counts jobs per state for one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Queued    int    `json:"queued"`
	Started   int    `json:"started"`
	Finished  int    `json:"finished"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
	Scheduled int    `json:"scheduled"`
}

// Add increments the counter matching status.
func (s *QueueStats) Add(status JobStatus) {
	switch status {
	case JobQueued:
		s.Queued++
	case JobStarted:
		s.Started++
	case JobFinished:
		s.Finished++
	case JobFailed:
		s.Failed++
	case JobDeferred:
		s.Deferred++
	case JobScheduled:
		s.Scheduled++
	}
}

// ExploreSummary is the result of an explore job.
type ExploreSummary struct {
	FolderURL       string `json:"folder_url"`
	ProcessedFiles  int    `json:"processed_files"`
	EnqueuedFolders int    `json:"enqueued_folders"`
}

// Notification announces a freshly indexed document.
type Notification struct {
	DocumentID string      `json:"document_id"`
	URL        string      `json:"url"`
	Kind       ContentKind `json:"kind"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
