package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Docx renders word/document.xml as markdown: headings from paragraph
// styles, bullet prefixes for numbered paragraphs, and top-level tables.
func Docx(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close() //nolint:errcheck // read-only archive

	data, err := readZipEntry(&zr.Reader, "word/document.xml")
	if err != nil {
		return "", fmt.Errorf("docx: %w", err)
	}
	return docxMarkdown(data)
}

type docxWalker struct {
	out strings.Builder

	para    strings.Builder
	style   string
	listed  bool
	inPPr   bool
	tblDeep int

	cell  []string
	row   []string
	table [][]string
}

func docxMarkdown(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	w := &docxWalker{}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := w.start(dec, t); err != nil {
				return "", err
			}
		case xml.EndElement:
			w.end(t)
		}
	}
	return w.out.String(), nil
}

func (w *docxWalker) start(dec *xml.Decoder, t xml.StartElement) error {
	switch t.Name.Local {
	case "tbl":
		w.tblDeep++
		if w.tblDeep == 1 {
			w.table = nil
		}
	case "tr":
		if w.tblDeep == 1 {
			w.row = nil
		}
	case "tc":
		if w.tblDeep == 1 {
			w.cell = nil
		}
	case "p":
		w.para.Reset()
		w.style = ""
		w.listed = false
	case "pPr":
		w.inPPr = true
	case "pStyle":
		if w.inPPr {
			w.style = attr(t, "val")
		}
	case "numPr":
		if w.inPPr {
			w.listed = true
		}
	case "t":
		var text string
		if err := dec.DecodeElement(&text, &t); err != nil {
			return fmt.Errorf("decode text run: %w", err)
		}
		w.para.WriteString(text)
	case "tab":
		if !w.inPPr {
			w.para.WriteString("\t")
		}
	case "br", "cr":
		w.para.WriteString("\n")
	}
	return nil
}

func (w *docxWalker) end(t xml.EndElement) {
	switch t.Name.Local {
	case "pPr":
		w.inPPr = false
	case "p":
		text := strings.TrimSpace(w.para.String())
		if w.tblDeep > 0 {
			if text != "" {
				w.cell = append(w.cell, text)
			}
			return
		}
		if text == "" {
			return
		}
		w.out.WriteString(w.prefix())
		w.out.WriteString(text)
		w.out.WriteString("\n\n")
	case "tc":
		if w.tblDeep == 1 {
			w.row = append(w.row, strings.Join(w.cell, " "))
		}
	case "tr":
		if w.tblDeep == 1 {
			w.table = append(w.table, w.row)
		}
	case "tbl":
		w.tblDeep--
		if w.tblDeep == 0 {
			writeTable(&w.out, w.table)
			w.out.WriteString("\n")
		}
	}
}

func (w *docxWalker) prefix() string {
	style := strings.ToLower(w.style)
	switch {
	case style == "title":
		return "# "
	case strings.HasPrefix(style, "heading"):
		level, err := strconv.Atoi(strings.TrimPrefix(style, "heading"))
		if err != nil || level < 1 {
			level = 1
		}
		return strings.Repeat("#", min(level, 6)) + " "
	case w.listed || strings.HasPrefix(style, "listparagraph"):
		return "- "
	}
	return ""
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
