// Package httpindex reads repositories exposed as HTML directory indexes, such
// as Apache autoindex or mod_dav_svn browse pages.
package httpindex

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
)

const excerptLimit = 2 << 10

// Config controls listing and download behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Client implements ingest.Repository over HTTP.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Client{
		cfg:           cfg,
		baseCollector: c,
		logger:        logging.OrNop(logger),
		transports:    map[string]*http.Transport{"": newHTTPTransport("")},
	}
}

// Stat issues a HEAD request without following redirects. A URL ending in "/"
// or a redirect to the same URL plus "/" is a directory.
func (c *Client) Stat(ctx context.Context, rawURL string, access ingest.Access) (ingest.Resource, error) {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL, access)
	if err != nil {
		return ingest.Resource{}, &ingest.RepositoryError{Op: "stat", URL: rawURL, Err: err}
	}
	client := c.httpClient(access)
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Do(req)
	if err != nil {
		return ingest.Resource{}, &ingest.RepositoryError{Op: "stat", URL: rawURL, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case isRedirect(resp.StatusCode):
		loc, err := resp.Location()
		if err == nil && sameURL(loc, strings.TrimSuffix(rawURL, "/")+"/") {
			return ingest.Resource{URL: rawURL, Kind: ingest.KindDirectory}, nil
		}
		return ingest.Resource{}, statusError("stat", rawURL, resp)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if strings.HasSuffix(req.URL.Path, "/") {
			return ingest.Resource{URL: rawURL, Kind: ingest.KindDirectory}, nil
		}
		size := resp.ContentLength
		if size < 0 {
			size = 0
		}
		return ingest.Resource{URL: rawURL, Kind: ingest.KindFile, Size: size}, nil
	default:
		return ingest.Resource{}, statusError("stat", rawURL, resp)
	}
}

// List scrapes the index page at rawURL and returns its direct children in
// page order.
func (c *Client) List(ctx context.Context, rawURL string, access ingest.Access) ([]ingest.Entry, error) {
	base, err := url.Parse(strings.TrimSuffix(rawURL, "/") + "/")
	if err != nil {
		return nil, &ingest.RepositoryError{Op: "list", URL: rawURL, Err: fmt.Errorf("parse url: %w", err)}
	}

	var (
		hrefs    []string
		fetchErr error
		output   string
	)
	collector := c.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(c.transport(access.Endpoint))
	collector.OnRequest(func(r *colly.Request) {
		if access.Username != "" || access.Password != "" {
			r.Headers.Set("Authorization", basicAuth(access))
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		hrefs = append(hrefs, e.Attr("href"))
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			output = fmt.Sprintf("%d %s: %s", r.StatusCode, http.StatusText(r.StatusCode), excerpt(r.Body))
		}
	})

	if err := runCollector(ctx, collector, base.String(), &fetchErr); err != nil {
		return nil, &ingest.RepositoryError{Op: "list", URL: rawURL, Output: output, Err: err}
	}
	entries := parseListing(base, hrefs)
	c.logger.Debug("listed directory index", zap.String("url", rawURL), zap.Int("entries", len(entries)))
	return entries, nil
}

// Open streams the body of a GET request.
func (c *Client) Open(ctx context.Context, rawURL string, access ingest.Access) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, access)
	if err != nil {
		return nil, &ingest.RepositoryError{Op: "open", URL: rawURL, Err: err}
	}
	resp, err := c.httpClient(access).Do(req)
	if err != nil {
		return nil, &ingest.RepositoryError{Op: "open", URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close() //nolint:errcheck
		return nil, statusError("open", rawURL, resp)
	}
	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, access ingest.Access) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if access.Username != "" || access.Password != "" {
		req.SetBasicAuth(access.Username, access.Password)
	}
	return req, nil
}

func (c *Client) httpClient(access ingest.Access) *http.Client {
	return &http.Client{Transport: c.transport(access.Endpoint)}
}

// transport returns a pooled transport per endpoint override so that
// keep-alive connections are reused across calls.
func (c *Client) transport(endpoint string) *http.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[endpoint]; ok {
		return t
	}
	t := newHTTPTransport(endpoint)
	c.transports[endpoint] = t
	return t
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("index listing canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit index: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("index response: %w", *fetchErr)
		}
		return nil
	}
}

// parseListing keeps hrefs that resolve to direct children of base.
func parseListing(base *url.URL, hrefs []string) []ingest.Entry {
	seen := make(map[string]bool)
	var entries []ingest.Entry
	for _, href := range hrefs {
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil || ref.RawQuery != "" || ref.Fragment != "" {
			continue
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != base.Scheme || !strings.EqualFold(abs.Host, base.Host) {
			continue
		}
		isDir := strings.HasSuffix(abs.Path, "/")
		trimmed := strings.TrimSuffix(abs.Path, "/")
		if trimmed == "" || path.Dir(trimmed) != path.Clean(base.Path) {
			continue
		}
		name := path.Base(trimmed)
		if name == "." || name == ".." || seen[name] {
			continue
		}
		seen[name] = true
		kind := ingest.KindFile
		if isDir {
			kind = ingest.KindDirectory
		}
		entries = append(entries, ingest.Entry{Name: name, Kind: kind})
	}
	return entries
}

func statusError(op, rawURL string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, excerptLimit))
	return &ingest.RepositoryError{
		Op:     op,
		URL:    rawURL,
		Output: fmt.Sprintf("%s: %s", resp.Status, excerpt(body)),
		Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
}

func excerpt(body []byte) string {
	if len(body) > excerptLimit {
		body = body[:excerptLimit]
	}
	return strings.TrimSpace(string(body))
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func sameURL(loc *url.URL, want string) bool {
	w, err := url.Parse(want)
	if err != nil {
		return false
	}
	return strings.EqualFold(loc.Host, w.Host) && loc.Path == w.Path
}

func basicAuth(access ingest.Access) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(access.Username, access.Password)
	return req.Header.Get("Authorization")
}

// newHTTPTransport builds a pooled transport. When endpoint is set every
// connection is dialed there directly, bypassing proxies, while URLs, Host
// headers and TLS server names keep the logical host.
func newHTTPTransport(endpoint string) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	dial := dialer.DialContext
	proxy := http.ProxyFromEnvironment
	if endpoint != "" {
		proxy = nil
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, overrideAddr(addr, endpoint))
		}
	}
	return &http.Transport{
		Proxy:                 proxy,
		DialContext:           dial,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// overrideAddr swaps the host of addr for endpoint. A port on endpoint wins,
// otherwise the port resolved for the logical URL is kept.
func overrideAddr(addr, endpoint string) string {
	if host, port, err := net.SplitHostPort(endpoint); err == nil {
		return net.JoinHostPort(host, port)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(endpoint, "[]"), port)
}

var _ ingest.Repository = (*Client)(nil)
