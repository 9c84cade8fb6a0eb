package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
)

// Renderer produces PDF renditions and stores them as <document id>.pdf.
type Renderer struct {
	office    Service
	html      Service
	artifacts ingest.ArtifactStore
	logger    *zap.Logger
}

// NewRenderer wires the office conversion service and, optionally, a headless
// HTML renderer. html may be nil.
func NewRenderer(office, html Service, artifacts ingest.ArtifactStore, logger *zap.Logger) *Renderer {
	return &Renderer{
		office:    office,
		html:      html,
		artifacts: artifacts,
		logger:    logging.OrNop(logger),
	}
}

// ArtifactName returns the stored PDF name for a document.
func ArtifactName(docID string) string {
	return docID + ".pdf"
}

// Render converts srcPath to PDF and stores it under ArtifactName(docID).
// The intermediate PDF lives next to srcPath and is removed afterwards.
func (r *Renderer) Render(ctx context.Context, srcPath, docID string) (string, error) {
	svc := r.office
	if IsHTML(srcPath) {
		if r.html == nil {
			return "", &ingest.ConversionError{Target: "pdf", File: filepath.Base(srcPath), Err: fmt.Errorf("html rendering disabled")}
		}
		svc = r.html
	}

	tmp, err := os.CreateTemp(filepath.Dir(srcPath), "render-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create render output: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // scratch output
	defer tmp.Close()           //nolint:errcheck // closed again after rewind

	if err := svc.Convert(ctx, srcPath, "pdf", tmp); err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return "", fmt.Errorf("rewind render output: %w", err)
	}

	name := ArtifactName(docID)
	uri, err := r.artifacts.PutObject(ctx, name, "application/pdf", tmp)
	if err != nil {
		return "", fmt.Errorf("store rendered pdf: %w", err)
	}
	r.logger.Debug("stored rendered pdf", zap.String("document_id", docID), zap.String("uri", uri))
	return name, nil
}
