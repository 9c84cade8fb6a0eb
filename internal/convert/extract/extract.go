// Package extract renders Office Open XML documents as markdown.
package extract

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned for extensions without a markdown extractor.
var ErrUnsupported = errors.New("no markdown extractor for format")

// Markdown extracts markdown from the document at path, chosen by extension.
func Markdown(path string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "docx":
		return Docx(path)
	case "pptx":
		return Pptx(path)
	case "xlsx", "xlsm":
		return Xlsx(path)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
}

func readZipEntry(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close() //nolint:errcheck // read-only entry
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", name, errMissingEntry)
}

var errMissingEntry = errors.New("entry not found in archive")

// writeTable renders rows as a markdown table whose first row is the header.
// Short rows are padded to the header width.
func writeTable(b *strings.Builder, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	if width == 0 {
		return
	}
	line := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(" ")
			b.WriteString(escapeCell(cell))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	line(rows[0])
	sep := make([]string, width)
	for i := range sep {
		sep[i] = "---"
	}
	b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, r := range rows[1:] {
		line(r)
	}
}

var cellReplacer = strings.NewReplacer("|", "&#124;", "\r\n", " ", "\n", " ", "\r", " ")

func escapeCell(s string) string {
	return strings.TrimSpace(cellReplacer.Replace(s))
}
