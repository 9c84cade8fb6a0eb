package extract

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const wordNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

func writeZip(t *testing.T, name string, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for entry, body := range entries {
		w, err := zw.Create(entry)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestDocxMarkdown(t *testing.T) {
	t.Parallel()

	doc := `<w:document ` + wordNS + `><w:body>
<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Quarterly Report</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Revenue </w:t></w:r><w:r><w:t>grew.</w:t></w:r></w:p>
<w:p></w:p>
<w:p><w:pPr><w:numPr><w:ilvl w:val="0"/></w:numPr></w:pPr><w:r><w:t>First item</w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>Name</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Qty</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>Widget|Pro</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>3</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
</w:body></w:document>`
	path := writeZip(t, "report.docx", map[string]string{"word/document.xml": doc})

	got, err := Markdown(path)
	require.NoError(t, err)
	want := "## Quarterly Report\n\n" +
		"Revenue grew.\n\n" +
		"- First item\n\n" +
		"| Name | Qty |\n| --- | --- |\n| Widget&#124;Pro | 3 |\n\n"
	require.Equal(t, want, got)
}

func TestDocxMissingDocument(t *testing.T) {
	t.Parallel()

	path := writeZip(t, "empty.docx", map[string]string{"word/styles.xml": "<styles/>"})
	_, err := Docx(path)
	require.ErrorContains(t, err, "word/document.xml")
}

func TestPptxFollowsPresentationOrder(t *testing.T) {
	t.Parallel()

	slide := func(title, body string) string {
		return `<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"><p:cSld><p:spTree>
<p:sp><p:nvSpPr><p:nvPr><p:ph type="title"/></p:nvPr></p:nvSpPr><p:txBody><a:p><a:r><a:t>` + title + `</a:t></a:r></a:p></p:txBody></p:sp>
<p:sp><p:nvSpPr><p:nvPr/></p:nvSpPr><p:txBody><a:p><a:r><a:t>` + body + `</a:t></a:r></a:p><a:p></a:p></p:txBody></p:sp>
</p:spTree></p:cSld></p:sld>`
	}
	pres := `<p:presentation xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<p:sldIdLst><p:sldId id="256" r:id="rId3"/><p:sldId id="257" r:id="rId2"/></p:sldIdLst></p:presentation>`
	rels := `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId2" Target="slides/slide1.xml"/><Relationship Id="rId3" Target="slides/slide2.xml"/></Relationships>`

	path := writeZip(t, "deck.pptx", map[string]string{
		"ppt/presentation.xml":            pres,
		"ppt/_rels/presentation.xml.rels": rels,
		"ppt/slides/slide1.xml":           slide("Second", "closing words"),
		"ppt/slides/slide2.xml":           slide("First", "opening words"),
	})

	got, err := Markdown(path)
	require.NoError(t, err)
	want := "<!-- Slide number: 1 -->\n# First\nopening words\n\n" +
		"<!-- Slide number: 2 -->\n# Second\nclosing words\n\n"
	require.Equal(t, want, got)
}

func TestSlideOrderFallsBackToNumbering(t *testing.T) {
	t.Parallel()

	path := writeZip(t, "deck.pptx", map[string]string{
		"ppt/slides/slide10.xml": "<sld/>",
		"ppt/slides/slide2.xml":  "<sld/>",
	})
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close() //nolint:errcheck // test archive

	require.Equal(t, []string{"ppt/slides/slide2.xml", "ppt/slides/slide10.xml"}, slideOrder(&zr.Reader))
}

func TestXlsxEmitsPlaceholders(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Item"))
	require.NoError(t, f.SetCellValue("Sheet1", "C1", "Price"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "pen"))
	require.NoError(t, f.SetCellValue("Sheet1", "C2", 100))
	path := filepath.Join(t.TempDir(), "prices.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	got, err := Markdown(path)
	require.NoError(t, err)
	want := "## Sheet1\n" +
		"| Item | Unnamed: 1 | Price |\n| --- | --- | --- |\n| pen | NaN | 100 |\n\n"
	require.Equal(t, want, got)
}

func TestFramedEmpty(t *testing.T) {
	t.Parallel()

	require.Nil(t, framed(nil))
	require.Nil(t, framed([][]string{{}, {}}))
}

func TestMarkdownUnsupported(t *testing.T) {
	t.Parallel()

	_, err := Markdown("notes.odt")
	require.ErrorIs(t, err, ErrUnsupported)
}
