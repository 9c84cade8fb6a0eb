// Package repository routes listing and streaming calls to the backend that
// serves a URL's scheme.
package repository

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// Waiter throttles calls per target URL.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Router implements ingest.Repository by dispatching on URL scheme.
type Router struct {
	backends map[string]ingest.Repository
	limiter  Waiter
}

// NewRouter builds a router. limiter may be nil.
func NewRouter(limiter Waiter) *Router {
	return &Router{backends: make(map[string]ingest.Repository), limiter: limiter}
}

// Register serves the given schemes with repo.
func (r *Router) Register(repo ingest.Repository, schemes ...string) {
	for _, s := range schemes {
		r.backends[strings.ToLower(s)] = repo
	}
}

// Stat reports the kind and size of the resource at rawURL.
func (r *Router) Stat(ctx context.Context, rawURL string, access ingest.Access) (ingest.Resource, error) {
	repo, err := r.route(ctx, "stat", rawURL)
	if err != nil {
		return ingest.Resource{}, err
	}
	return repo.Stat(ctx, rawURL, access)
}

// List returns the children of the directory at rawURL.
func (r *Router) List(ctx context.Context, rawURL string, access ingest.Access) ([]ingest.Entry, error) {
	repo, err := r.route(ctx, "list", rawURL)
	if err != nil {
		return nil, err
	}
	return repo.List(ctx, rawURL, access)
}

// Open streams the file at rawURL.
func (r *Router) Open(ctx context.Context, rawURL string, access ingest.Access) (io.ReadCloser, error) {
	repo, err := r.route(ctx, "open", rawURL)
	if err != nil {
		return nil, err
	}
	return repo.Open(ctx, rawURL, access)
}

func (r *Router) route(ctx context.Context, op, rawURL string) (ingest.Repository, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ingest.RepositoryError{Op: op, URL: rawURL, Err: fmt.Errorf("parse url: %w", err)}
	}
	repo, ok := r.backends[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, &ingest.RepositoryError{Op: op, URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, rawURL); err != nil {
			return nil, &ingest.RepositoryError{Op: op, URL: rawURL, Err: err}
		}
	}
	return repo, nil
}

// RewriteHost points rawURL at endpoint. The endpoint's port wins; otherwise an
// explicit port on rawURL is kept, else the scheme default applies.
func RewriteHost(rawURL, endpoint string) (string, error) {
	if endpoint == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Host = TargetHost(u, endpoint)
	return u.String(), nil
}

// TargetHost returns the host[:port] a request for u should connect to when
// endpoint overrides the URL's host.
func TargetHost(u *url.URL, endpoint string) string {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		host, port = strings.Trim(endpoint, "[]"), u.Port()
	}
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

// ChildURL joins a directory URL and an entry name.
func ChildURL(folder, name string) string {
	if strings.HasSuffix(folder, "/") {
		return folder + name
	}
	return folder + "/" + name
}
