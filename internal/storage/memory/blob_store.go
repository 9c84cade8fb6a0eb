// Package memory holds in-memory stores for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, name string, _ string, body io.Reader) (string, error) {
	byteData, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	s.mu.Lock()
	s.data[name] = byteData
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", name), nil
}

// GetObject returns a reader over a stored copy.
func (s *BlobStore) GetObject(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact %q: %w", name, ingest.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeleteObject removes an artifact if present.
func (s *BlobStore) DeleteObject(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.data, name)
	s.mu.Unlock()
	return nil
}

// Names lists stored artifact names.
func (s *BlobStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data))
	for n := range s.data {
		names = append(names, n)
	}
	return names
}

var _ ingest.ArtifactStore = (*BlobStore)(nil)
