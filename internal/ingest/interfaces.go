package ingest

import (
	"context"
	"io"
	"time"
)

// Repository lists and streams resources from the source repository.
type Repository interface {
	Stat(ctx context.Context, url string, access Access) (Resource, error)
	List(ctx context.Context, url string, access Access) ([]Entry, error)
	Open(ctx context.Context, url string, access Access) (io.ReadCloser, error)
}

// DocumentStore persists searchable documents keyed by deterministic id.
type DocumentStore interface {
	Upsert(ctx context.Context, req UpsertRequest) (Document, error)
	UpdateRenderedArtifact(ctx context.Context, id, name string) error
	Get(ctx context.Context, id string, includeContent bool) (Document, error)
	Search(ctx context.Context, query SearchQuery) ([]SearchHit, error)
	ListAll(ctx context.Context) ([]DocumentRef, error)
	BulkDelete(ctx context.Context, ids []string) (BulkDeleteResult, error)
}

// IndexAdmin manages physical indices behind a stable alias.
type IndexAdmin interface {
	ResolveAlias(ctx context.Context, alias string) (string, error)
	IndexExists(ctx context.Context, name string) (bool, error)
	CreateIndex(ctx context.Context, name string) error
	DeleteIndex(ctx context.Context, name string) error
	StartCopy(ctx context.Context, source, target string) (string, error)
	CopyStatus(ctx context.Context, taskID string) (CopyTask, error)
	SwapAlias(ctx context.Context, alias, oldIndex, newIndex string) error
}

// Broker is a durable, named, multi-queue job broker.
type Broker interface {
	Submit(ctx context.Context, sub Submission) (Job, error)
	Dequeue(ctx context.Context, queues ...string) (Job, error)
	Finish(ctx context.Context, jobID string, result any) error
	Fail(ctx context.Context, jobID string, info string) error
	Get(ctx context.Context, jobID string) (Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, error)
	Stats(ctx context.Context) ([]QueueStats, error)
	Close() error
}

// ArtifactStore writes and reads binary artifacts such as rendered PDFs.
type ArtifactStore interface {
	PutObject(ctx context.Context, name string, contentType string, body io.Reader) (string, error)
	GetObject(ctx context.Context, name string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, name string) error
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher derives deterministic identifiers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
