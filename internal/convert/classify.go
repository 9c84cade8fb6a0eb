// Package convert turns repository files into searchable text and rendered PDFs.
package convert

import (
	"path/filepath"
	"strings"
)

// Variant is a set of conversion tags resolved once per resource.
type Variant uint8

// Conversion tags. Exactly one of MarkdownConvertible and PlainText is set.
const (
	LegacyOffice Variant = 1 << iota
	PDFRenderable
	MarkdownConvertible
	PlainText
)

// Has reports whether all tags in t are set.
func (v Variant) Has(t Variant) bool {
	return v&t == t
}

func (v Variant) String() string {
	var parts []string
	for _, tag := range []struct {
		v    Variant
		name string
	}{
		{LegacyOffice, "legacy_office"},
		{PDFRenderable, "pdf_renderable"},
		{MarkdownConvertible, "markdown"},
		{PlainText, "plain_text"},
	} {
		if v.Has(tag.v) {
			parts = append(parts, tag.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// legacyUpgrades maps legacy binary office formats to the format the
// conversion service should produce.
var legacyUpgrades = map[string]string{
	"doc": "docx",
	"xls": "xlsx",
	"ppt": "pptx",
}

var pdfRenderable = map[string]bool{
	"xlsx": true,
	"xls":  true,
	"xlsb": true,
	"xlsm": true,
	"docx": true,
	"doc":  true,
}

var markdownConvertible = map[string]bool{
	"docx": true,
	"pptx": true,
	"xlsx": true,
	"xlsm": true,
}

var htmlExtensions = map[string]bool{
	"html": true,
	"htm":  true,
}

// Classifier resolves conversion tags from a file name.
type Classifier struct {
	// HTMLRenderable marks .html/.htm files as PDF-renderable (headless renderer).
	HTMLRenderable bool
}

// Classify returns the tags for name using the default classifier.
func Classify(name string) Variant {
	return Classifier{}.Classify(name)
}

// Classify returns the tags for name. It depends only on the extension.
func (c Classifier) Classify(name string) Variant {
	ext := Extension(name)
	var v Variant
	if _, ok := legacyUpgrades[ext]; ok {
		v |= LegacyOffice
	}
	if pdfRenderable[ext] || (c.HTMLRenderable && htmlExtensions[ext]) {
		v |= PDFRenderable
	}
	if markdownConvertible[ext] || markdownConvertible[legacyUpgrades[ext]] {
		v |= MarkdownConvertible
	} else {
		v |= PlainText
	}
	return v
}

// Extension returns the lower-cased extension of name without the dot.
func Extension(name string) string {
	ext := filepath.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// ModernExtension returns the upgrade target for a legacy office file.
func ModernExtension(name string) (string, bool) {
	target, ok := legacyUpgrades[Extension(name)]
	return target, ok
}

// IsHTML reports whether name carries an HTML extension.
func IsHTML(name string) bool {
	return htmlExtensions[Extension(name)]
}
