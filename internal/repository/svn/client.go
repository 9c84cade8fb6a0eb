// Package svn reads a Subversion repository through the svn command-line client.
package svn

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/repository"
)

// Runner executes svn subcommands.
type Runner interface {
	// Output runs the command to completion and returns stdout and stderr.
	Output(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
	// Stream starts the command and returns its stdout. Reading to EOF or
	// closing waits for the process; a non-zero exit surfaces as an error
	// carrying stderr.
	Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// Config controls the svn client.
type Config struct {
	Binary         string
	CommandTimeout time.Duration
}

// Client implements ingest.Repository on top of the svn CLI.
type Client struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
}

// New builds a Client. A nil runner uses os/exec.
func New(cfg Config, runner Runner, logger *zap.Logger) *Client {
	if cfg.Binary == "" {
		cfg.Binary = "svn"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Client{cfg: cfg, runner: runner, logger: logging.OrNop(logger)}
}

type infoXML struct {
	Entries []struct {
		Kind string `xml:"kind,attr"`
	} `xml:"entry"`
}

type listXML struct {
	Lists []struct {
		Entries []struct {
			Kind string `xml:"kind,attr"`
			Name string `xml:"name"`
			Size int64  `xml:"size"`
		} `xml:"entry"`
	} `xml:"list"`
}

// Stat runs `svn info --xml` for rawURL.
func (c *Client) Stat(ctx context.Context, rawURL string, access ingest.Access) (ingest.Resource, error) {
	out, err := c.output(ctx, "info", rawURL, access)
	if err != nil {
		return ingest.Resource{}, err
	}
	var info infoXML
	if err := xml.Unmarshal(out, &info); err != nil {
		return ingest.Resource{}, &ingest.RepositoryError{Op: "info", URL: rawURL, Output: string(out), Err: fmt.Errorf("decode info xml: %w", err)}
	}
	if len(info.Entries) == 0 {
		return ingest.Resource{}, &ingest.RepositoryError{Op: "info", URL: rawURL, Output: string(out), Err: errors.New("no entry in svn info output")}
	}
	return ingest.Resource{URL: rawURL, Kind: kindOf(info.Entries[0].Kind)}, nil
}

// List runs `svn list --xml` for rawURL and returns entries in listing order.
func (c *Client) List(ctx context.Context, rawURL string, access ingest.Access) ([]ingest.Entry, error) {
	out, err := c.output(ctx, "list", rawURL, access)
	if err != nil {
		return nil, err
	}
	var lists listXML
	if err := xml.Unmarshal(out, &lists); err != nil {
		return nil, &ingest.RepositoryError{Op: "list", URL: rawURL, Output: string(out), Err: fmt.Errorf("decode list xml: %w", err)}
	}
	var entries []ingest.Entry
	for _, l := range lists.Lists {
		for _, e := range l.Entries {
			entries = append(entries, ingest.Entry{Name: e.Name, Kind: kindOf(e.Kind), Size: e.Size})
		}
	}
	return entries, nil
}

// Open streams `svn cat` output for rawURL.
func (c *Client) Open(ctx context.Context, rawURL string, access ingest.Access) (io.ReadCloser, error) {
	args, err := c.args("cat", rawURL, access, false)
	if err != nil {
		return nil, &ingest.RepositoryError{Op: "cat", URL: rawURL, Err: err}
	}
	rc, err := c.runner.Stream(ctx, c.cfg.Binary, args...)
	if err != nil {
		return nil, wrapRunError("cat", rawURL, nil, err)
	}
	return &catReader{rc: rc, url: rawURL}, nil
}

func (c *Client) output(ctx context.Context, sub, rawURL string, access ingest.Access) ([]byte, error) {
	args, err := c.args(sub, rawURL, access, true)
	if err != nil {
		return nil, &ingest.RepositoryError{Op: sub, URL: rawURL, Err: err}
	}
	if c.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}
	start := time.Now()
	stdout, stderr, err := c.runner.Output(ctx, c.cfg.Binary, args...)
	c.logger.Debug("svn command finished",
		zap.String("subcommand", sub),
		zap.String("url", rawURL),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return nil, wrapRunError(sub, rawURL, stderr, err)
	}
	return stdout, nil
}

// args builds the svn argument list. The endpoint override rewrites only the
// address handed to svn; callers keep using the logical URL.
func (c *Client) args(sub, rawURL string, access ingest.Access, asXML bool) ([]string, error) {
	target, err := repository.RewriteHost(rawURL, access.Endpoint)
	if err != nil {
		return nil, err
	}
	args := []string{sub}
	if asXML {
		args = append(args, "--xml")
	}
	args = append(args, "--non-interactive", "--no-auth-cache")
	if access.Username != "" {
		args = append(args, "--username", access.Username)
	}
	if access.Password != "" {
		args = append(args, "--password", access.Password)
	}
	if access.Endpoint != "" && isHTTPS(rawURL) {
		args = append(args, "--trust-server-cert-failures=cn-mismatch")
	}
	return append(args, target), nil
}

func isHTTPS(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && strings.EqualFold(u.Scheme, "https")
}

func kindOf(kind string) ingest.ResourceKind {
	if kind == "dir" {
		return ingest.KindDirectory
	}
	return ingest.KindFile
}

func wrapRunError(op, rawURL string, stderr []byte, err error) error {
	var repoErr *ingest.RepositoryError
	if errors.As(err, &repoErr) {
		repoErr.Op, repoErr.URL = op, rawURL
		return repoErr
	}
	return &ingest.RepositoryError{Op: op, URL: rawURL, Output: string(stderr), Err: err}
}

type catReader struct {
	rc  io.ReadCloser
	url string
}

func (r *catReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, wrapRunError("cat", r.url, nil, err)
	}
	return n, err
}

func (r *catReader) Close() error {
	if err := r.rc.Close(); err != nil {
		return wrapRunError("cat", r.url, nil, err)
	}
	return nil
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Output runs the command and captures both streams.
func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- fixed binary, argv built from config and job args.
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("run %s: %w", name, err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// Stream starts the command with stdout piped back to the caller.
func (ExecRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- fixed binary, argv built from config and job args.
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &processReader{cmd: cmd, stdout: stdout, stderr: stderr, name: name}, nil
}

type processReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	name   string

	once    sync.Once
	waitErr error
}

func (p *processReader) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *processReader) Close() error {
	_ = p.stdout.Close()
	return p.wait()
}

func (p *processReader) wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = &ingest.RepositoryError{
				Output: p.stderr.String(),
				Err:    fmt.Errorf("%s exited: %w", p.name, err),
			}
		}
	})
	return p.waitErr
}
