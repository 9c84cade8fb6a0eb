package convert

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// HeadlessConfig controls the chromedp HTML renderer.
type HeadlessConfig struct {
	MaxParallel       int
	NavigationTimeout time.Duration
}

// Headless prints local HTML files to PDF with headless Chrome. It satisfies
// Service for the "pdf" target only.
type Headless struct {
	cfg         HeadlessConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewHeadless starts a chromedp allocator. Call Close to release it.
func NewHeadless(cfg HeadlessConfig) (*Headless, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Headless{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (h *Headless) Close() {
	h.allocCancel()
}

// Convert loads srcPath as a file:// page and writes the printed PDF to dst.
func (h *Headless) Convert(ctx context.Context, srcPath, target string, dst io.Writer) error {
	name := filepath.Base(srcPath)
	if target != "pdf" {
		return &ingest.ConversionError{Target: target, File: name, Err: fmt.Errorf("headless renderer only produces pdf")}
	}
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	abs, err := filepath.Abs(srcPath)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", srcPath, err)
	}
	pageURL := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()

	taskCtx, taskCancel := chromedp.NewContext(h.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, h.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var pdf []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			pdf = data
			return nil
		}),
	)
	if err != nil {
		return &ingest.ConversionError{Target: target, File: name, Err: err}
	}
	if _, err := dst.Write(pdf); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func (h *Headless) acquire(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	select {
	case h.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire headless slot: %w", ctx.Err())
	}
}

func (h *Headless) release() {
	if h.limiter == nil {
		return
	}
	<-h.limiter
}
