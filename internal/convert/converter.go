package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-enry/go-enry/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/convert/extract"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
)

// MarkdownFunc extracts raw markdown from an office document.
type MarkdownFunc func(path string) (string, error)

// Converter runs the conversion branch for one scratch file.
type Converter struct {
	service    Service
	classifier Classifier
	markdown   MarkdownFunc
	logger     *zap.Logger
}

// Option customizes a Converter.
type Option func(*Converter)

// WithMarkdown replaces the office markdown extractor.
func WithMarkdown(fn MarkdownFunc) Option {
	return func(c *Converter) { c.markdown = fn }
}

// New builds a Converter that upgrades legacy office files through service.
func New(service Service, classifier Classifier, logger *zap.Logger, opts ...Option) *Converter {
	c := &Converter{
		service:    service,
		classifier: classifier,
		markdown:   extract.Markdown,
		logger:     logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify resolves the conversion tags for a file name.
func (c *Converter) Classify(name string) Variant {
	return c.classifier.Classify(name)
}

// Convert turns the file at path into searchable text. Legacy office files are
// first upgraded next to the original; the upgraded copy shares the scratch dir.
func (c *Converter) Convert(ctx context.Context, path string) (ingest.ConversionResult, error) {
	variant := c.Classify(filepath.Base(path))

	if variant.Has(LegacyOffice) {
		target, _ := ModernExtension(path)
		upgraded, err := ConvertFile(ctx, c.service, path, target)
		if err != nil {
			return ingest.ConversionResult{}, fmt.Errorf("upgrade legacy office file: %w", err)
		}
		c.logger.Debug("upgraded legacy office file",
			zap.String("from", filepath.Base(path)),
			zap.String("to", filepath.Base(upgraded)),
		)
		path = upgraded
		variant = c.Classify(filepath.Base(path))
	}

	switch {
	case variant.Has(MarkdownConvertible):
		raw, err := c.markdown(path)
		if err != nil {
			return ingest.ConversionResult{}, fmt.Errorf("extract markdown: %w", err)
		}
		return ingest.ConversionResult{Text: CleanMarkdown(raw), Kind: ingest.ContentMarkdown}, nil
	case variant.Has(PlainText):
		data, err := os.ReadFile(path) // #nosec G304 -- job-private scratch file.
		if err != nil {
			return ingest.ConversionResult{}, fmt.Errorf("read text: %w", err)
		}
		return ingest.ConversionResult{Text: DecodeText(data), Kind: textKind(path, data)}, nil
	default:
		return ingest.ConversionResult{}, fmt.Errorf("unclassified file %q (%s)", filepath.Base(path), variant)
	}
}

// DecodeText reads data as UTF-8, replacing invalid sequences with U+FFFD.
// A leading byte-order mark is dropped.
func DecodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "\uFFFD")
}

func textKind(path string, data []byte) ingest.ContentKind {
	sample := data
	if len(sample) > 8<<10 {
		sample = sample[:8<<10]
	}
	if enry.GetLanguage(filepath.Base(path), sample) == "Markdown" {
		return ingest.ContentMarkdown
	}
	return ingest.ContentText
}
