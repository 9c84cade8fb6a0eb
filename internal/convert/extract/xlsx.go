package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Xlsx renders each worksheet as "## <sheet>" followed by a table whose first
// row is the header. Blank headers read as "Unnamed: <col>" and blank cells as
// "NaN", the same placeholders a dataframe export produces; CleanMarkdown
// strips them afterwards.
func Xlsx(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only workbook

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		b.WriteString("## ")
		b.WriteString(sheet)
		b.WriteString("\n")
		writeTable(&b, framed(rows))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func framed(rows [][]string) [][]string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	if len(rows) == 0 || width == 0 {
		return nil
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		cells := make([]string, width)
		for j := range cells {
			var v string
			if j < len(r) {
				v = strings.TrimSpace(r[j])
			}
			if v == "" {
				if i == 0 {
					v = "Unnamed: " + strconv.Itoa(j)
				} else {
					v = "NaN"
				}
			}
			cells[j] = v
		}
		out[i] = cells
	}
	return out
}
