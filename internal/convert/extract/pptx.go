package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var slideEntry = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// Pptx renders every slide in presentation order, each introduced by a
// "<!-- Slide number: N -->" marker. Title placeholders become headings.
func Pptx(p string) (string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return "", fmt.Errorf("open pptx: %w", err)
	}
	defer zr.Close() //nolint:errcheck // read-only archive

	slides := slideOrder(&zr.Reader)
	var b strings.Builder
	for i, name := range slides {
		data, err := readZipEntry(&zr.Reader, name)
		if err != nil {
			return "", fmt.Errorf("pptx: %w", err)
		}
		text, err := slideMarkdown(data)
		if err != nil {
			return "", fmt.Errorf("pptx %s: %w", name, err)
		}
		fmt.Fprintf(&b, "<!-- Slide number: %d -->\n", i+1)
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// slideOrder follows presentation.xml's sldIdLst through its relationships,
// falling back to numeric slide file order.
func slideOrder(zr *zip.Reader) []string {
	if ordered := orderFromPresentation(zr); len(ordered) > 0 {
		return ordered
	}
	type numbered struct {
		n    int
		name string
	}
	var found []numbered
	for _, f := range zr.File {
		m := slideEntry.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		found = append(found, numbered{n: n, name: f.Name})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names
}

type presentationXML struct {
	Slides []struct {
		RID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
	} `xml:"sldIdLst>sldId"`
}

type relationshipsXML struct {
	Items []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

func orderFromPresentation(zr *zip.Reader) []string {
	presData, err := readZipEntry(zr, "ppt/presentation.xml")
	if err != nil {
		return nil
	}
	relData, err := readZipEntry(zr, "ppt/_rels/presentation.xml.rels")
	if err != nil {
		return nil
	}
	var pres presentationXML
	var rels relationshipsXML
	if xml.Unmarshal(presData, &pres) != nil || xml.Unmarshal(relData, &rels) != nil {
		return nil
	}
	targets := make(map[string]string, len(rels.Items))
	for _, r := range rels.Items {
		targets[r.ID] = path.Clean(path.Join("ppt", r.Target))
	}
	var names []string
	for _, s := range pres.Slides {
		if t, ok := targets[s.RID]; ok {
			names = append(names, t)
		}
	}
	return names
}

func slideMarkdown(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		out     strings.Builder
		para    strings.Builder
		isTitle bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse slide: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				isTitle = false
			case "ph":
				kind := attr(t, "type")
				isTitle = kind == "title" || kind == "ctrTitle"
			case "p":
				para.Reset()
			case "t":
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return "", fmt.Errorf("decode text run: %w", err)
				}
				para.WriteString(text)
			case "br":
				para.WriteString(" ")
			}
		case xml.EndElement:
			if t.Name.Local != "p" {
				continue
			}
			text := strings.TrimSpace(para.String())
			if text == "" {
				continue
			}
			if isTitle {
				out.WriteString("# ")
			}
			out.WriteString(text)
			out.WriteString("\n")
		}
	}
	return out.String(), nil
}
