package convert

import (
	"regexp"
	"strings"
)

var (
	tablePattern     = regexp.MustCompile(`(?m)(\|.*\|\s*\n\|[-:| ]+\|\s*\n(?:\|.*\|\s*(?:\n|$))*)`)
	separatorPattern = regexp.MustCompile(`^\|[-:| ]+\|$`)
	placeholderCell  = regexp.MustCompile(`(?i)^Unnamed:\s*\d+$`)
	blankRuns        = regexp.MustCompile(`\n\s*\n`)
)

type markdownTable struct {
	start, end int
	headers    []string
	rows       [][]string
}

// CleanMarkdown normalizes extractor output: tables lose NaN/Unnamed
// placeholders plus fully empty rows and columns, blank-line runs collapse to
// one blank line, and surrounding whitespace is trimmed. It is idempotent.
func CleanMarkdown(content string) string {
	tables := findTables(content)
	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		content = content[:t.start] + t.render() + content[t.end:]
	}
	content = blankRuns.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

func findTables(content string) []markdownTable {
	var tables []markdownTable
	for _, loc := range tablePattern.FindAllStringIndex(content, -1) {
		t, ok := parseTable(content[loc[0]:loc[1]])
		if !ok {
			continue
		}
		t.start, t.end = loc[0], loc[1]
		tables = append(tables, t)
	}
	return tables
}

func parseTable(text string) (markdownTable, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return markdownTable{}, false
	}
	sep := -1
	for i, line := range lines {
		if separatorPattern.MatchString(strings.TrimSpace(line)) {
			sep = i
			break
		}
	}
	if sep == -1 {
		return markdownTable{}, false
	}

	var t markdownTable
	if sep > 0 {
		t.headers = splitCells(strings.TrimSpace(lines[sep-1]))
	}
	for _, line := range lines[sep+1:] {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") {
			t.rows = append(t.rows, splitCells(line))
		}
	}
	return t, true
}

func splitCells(line string) []string {
	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return nil
	}
	parts = parts[1 : len(parts)-1]
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func cleanCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		if c == "NaN" || placeholderCell.MatchString(c) {
			continue
		}
		out[i] = c
	}
	return out
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (t markdownTable) render() string {
	headers := cleanCells(t.headers)
	rows := make([][]string, 0, len(t.rows))
	for _, r := range t.rows {
		if cleaned := cleanCells(r); !blankRow(cleaned) {
			rows = append(rows, cleaned)
		}
	}

	// Columns are only dropped when data rows survive; a header-only table keeps its shape.
	if len(rows) > 0 {
		for col := len(headers) - 1; col >= 0; col-- {
			if strings.TrimSpace(headers[col]) != "" || !columnEmpty(rows, col) {
				continue
			}
			headers = append(headers[:col], headers[col+1:]...)
			for i, r := range rows {
				if col < len(r) {
					rows[i] = append(r[:col], r[col+1:]...)
				}
			}
		}
	}

	var lines []string
	if len(headers) > 0 {
		lines = append(lines, "| "+strings.Join(headers, " | ")+" |")
		sep := make([]string, len(headers))
		for i := range sep {
			sep[i] = "---"
		}
		lines = append(lines, "| "+strings.Join(sep, " | ")+" |")
	}
	for _, r := range rows {
		if len(r) > 0 {
			lines = append(lines, "| "+strings.Join(r, " | ")+" |")
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func columnEmpty(rows [][]string, col int) bool {
	for _, r := range rows {
		if col >= len(r) || strings.TrimSpace(r[col]) != "" {
			return false
		}
	}
	return true
}
