// Package local serves file:// repositories from the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// Repository implements ingest.Repository for file:// URLs. Credentials and
// endpoint overrides are ignored.
type Repository struct{}

// New returns a local repository.
func New() *Repository { return &Repository{} }

// Stat reports whether the path is a directory or a file.
func (r *Repository) Stat(_ context.Context, rawURL string, _ ingest.Access) (ingest.Resource, error) {
	p, err := filePath(rawURL)
	if err != nil {
		return ingest.Resource{}, &ingest.RepositoryError{Op: "stat", URL: rawURL, Err: err}
	}
	info, err := os.Stat(p)
	if err != nil {
		return ingest.Resource{}, &ingest.RepositoryError{Op: "stat", URL: rawURL, Err: err}
	}
	if info.IsDir() {
		return ingest.Resource{URL: rawURL, Kind: ingest.KindDirectory}, nil
	}
	return ingest.Resource{URL: rawURL, Kind: ingest.KindFile, Size: info.Size()}, nil
}

// List returns directory entries sorted by name. Symlinks are reported as
// files, so a link back up the tree is never descended into.
func (r *Repository) List(_ context.Context, rawURL string, _ ingest.Access) ([]ingest.Entry, error) {
	p, err := filePath(rawURL)
	if err != nil {
		return nil, &ingest.RepositoryError{Op: "list", URL: rawURL, Err: err}
	}
	dirents, err := os.ReadDir(p)
	if err != nil {
		return nil, &ingest.RepositoryError{Op: "list", URL: rawURL, Err: err}
	}
	entries := make([]ingest.Entry, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() {
			entries = append(entries, ingest.Entry{Name: d.Name(), Kind: ingest.KindDirectory})
			continue
		}
		var size int64
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}
		entries = append(entries, ingest.Entry{Name: d.Name(), Kind: ingest.KindFile, Size: size})
	}
	return entries, nil
}

// Open opens the file for reading.
func (r *Repository) Open(_ context.Context, rawURL string, _ ingest.Access) (io.ReadCloser, error) {
	p, err := filePath(rawURL)
	if err != nil {
		return nil, &ingest.RepositoryError{Op: "open", URL: rawURL, Err: err}
	}
	f, err := os.Open(p) // #nosec G304 -- operator-supplied repository path.
	if err != nil {
		return nil, &ingest.RepositoryError{Op: "open", URL: rawURL, Err: err}
	}
	return f, nil
}

func filePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("remote file host %q", u.Host)
	}
	return filepath.FromSlash(u.Path), nil
}

var _ ingest.Repository = (*Repository)(nil)
