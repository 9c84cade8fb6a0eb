package convert

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
)

// Service converts a local file into another format and streams the result to dst.
type Service interface {
	Convert(ctx context.Context, srcPath, target string, dst io.Writer) error
}

// ServiceConfig configures the external conversion service client.
type ServiceConfig struct {
	// BaseURL is the service root, e.g. http://unoserver:2004.
	BaseURL string
	Timeout time.Duration
}

// ServiceClient talks to an unoserver-compatible conversion endpoint:
// POST <base>/request with multipart field "file" and form value "convert-to".
type ServiceClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewServiceClient builds a client for the conversion service.
func NewServiceClient(cfg ServiceConfig, client *http.Client, logger *zap.Logger) (*ServiceClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("conversion service url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &ServiceClient{
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + "/request",
		client:   client,
		logger:   logging.OrNop(logger),
	}, nil
}

// Convert uploads srcPath and copies the converted body into dst.
// Any transport failure or non-2xx response is a *ingest.ConversionError.
func (c *ServiceClient) Convert(ctx context.Context, srcPath, target string, dst io.Writer) error {
	file := filepath.Base(srcPath)
	fail := func(status int, body string, err error) error {
		return &ingest.ConversionError{Target: target, File: file, StatusCode: status, Body: body, Err: err}
	}

	src, err := os.Open(srcPath) // #nosec G304 -- path is a job-private scratch file.
	if err != nil {
		return fail(0, "", fmt.Errorf("open source: %w", err))
	}
	defer src.Close() //nolint:errcheck // read-only handle

	pr, pw := io.Pipe()
	defer pr.Close() //nolint:errcheck // unblocks the form writer on early exit
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, file, target, src))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		return fail(0, "", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fail(0, "", fmt.Errorf("post conversion: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck // body drained below

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fail(resp.StatusCode, string(excerpt), nil)
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return fail(resp.StatusCode, "", fmt.Errorf("read converted body: %w", err))
	}
	c.logger.Debug("conversion complete",
		zap.String("file", file),
		zap.String("target", target),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func writeForm(form *multipart.Writer, name, target string, src io.Reader) error {
	if err := form.WriteField("convert-to", target); err != nil {
		return fmt.Errorf("write convert-to: %w", err)
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy file part: %w", err)
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}
	return nil
}

// ConvertFile converts srcPath into a sibling file with the target extension
// and returns its path. The partial output is removed on failure.
func ConvertFile(ctx context.Context, svc Service, srcPath, target string) (string, error) {
	outPath := strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + "." + target
	out, err := os.Create(outPath) // #nosec G304 -- derived from a scratch path.
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}
	if err := svc.Convert(ctx, srcPath, target, out); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return "", fmt.Errorf("close %s: %w", target, err)
	}
	return outPath, nil
}
