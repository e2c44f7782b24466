package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	tableSeparatorRe = regexp.MustCompile(`^(\|[\s:]*-+[\s:]*)+\|$`)
	paragraphGapRe   = regexp.MustCompile(`\n\s*\n`)
)

func nonBlankLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func isPipeRow(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "|") && strings.HasSuffix(t, "|")
}

func tabColumns(line string) int {
	return len(strings.Split(line, "\t"))
}

// isMarkdownTable reports whether s is a single pipe table with a header and
// separator row.
func isMarkdownTable(s string) bool {
	if !strings.Contains(s, "|") {
		return false
	}
	lines := nonBlankLines(s)
	if len(lines) < 2 {
		return false
	}
	if !isPipeRow(lines[0]) {
		return false
	}
	if !tableSeparatorRe.MatchString(strings.TrimSpace(lines[1])) {
		return false
	}
	for _, line := range lines[2:] {
		if !isPipeRow(line) {
			return false
		}
	}
	return true
}

// isTabTable reports whether at least 70% of the non-blank lines (and at
// least two) have three or more tab separated columns.
func isTabTable(s string) bool {
	lines := nonBlankLines(s)
	if len(lines) < 2 {
		return false
	}
	tabbed := 0
	for _, line := range lines {
		if tabColumns(line) >= 3 {
			tabbed++
		}
	}
	return float64(tabbed)/float64(len(lines)) >= 0.7 && tabbed >= 2
}

func tableHeader(columns int) (string, string) {
	cells := make([]string, columns)
	seps := make([]string, columns)
	for i := range cells {
		cells[i] = fmt.Sprintf("Col%d", i+1)
		seps[i] = "---"
	}
	return "| " + strings.Join(cells, " | ") + " |", "| " + strings.Join(seps, " | ") + " |"
}

func padCells(cells []string, n int) []string {
	for len(cells) < n {
		cells = append(cells, "")
	}
	return cells[:n]
}

func tabTableToMarkdown(s string) string {
	var rows []string
	width := 0
	for _, line := range nonBlankLines(s) {
		if n := tabColumns(line); n >= 3 {
			rows = append(rows, line)
			width = max(width, n)
		}
	}
	if len(rows) == 0 {
		return s
	}
	header, sep := tableHeader(width)
	out := []string{header, sep}
	for _, row := range rows {
		out = append(out, "| "+strings.Join(padCells(strings.Split(row, "\t"), width), " | ")+" |")
	}
	return strings.Join(out, "\n")
}

// isTableFragment matches a table that lost its header, typically a table
// continued across a page break.
func isTableFragment(s string) bool {
	lines := nonBlankLines(s)
	if len(lines) == 0 {
		return false
	}
	rows := 0
	for _, line := range lines {
		t := strings.TrimSpace(line)
		pipe := isPipeRow(t) && len(strings.Split(t, "|")) > 2
		if pipe || tabColumns(t) >= 3 {
			rows++
		}
	}
	return float64(rows)/float64(len(lines)) >= 0.7 && rows >= 2
}

func repairTableFragment(s string) string {
	lines := nonBlankLines(s)
	var first string
	for _, line := range lines {
		if isPipeRow(line) {
			first = strings.TrimSpace(line)
			break
		}
	}
	if first == "" {
		return s
	}
	columns := len(strings.Split(first, "|")) - 2
	if columns <= 0 {
		return s
	}
	if len(lines) >= 2 && isPipeRow(lines[0]) && tableSeparatorRe.MatchString(strings.TrimSpace(lines[1])) {
		return s
	}
	header, sep := tableHeader(columns)
	out := []string{header, sep}
	for _, line := range lines {
		if isPipeRow(line) {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func joinTableFragments(fragments []string) string {
	switch len(fragments) {
	case 0:
		return ""
	case 1:
		return repairTableFragment(fragments[0])
	}

	var rows []string
	columns := 0
	for _, fragment := range fragments {
		for _, line := range nonBlankLines(fragment) {
			if t := strings.TrimSpace(line); isPipeRow(t) {
				rows = append(rows, t)
				columns = max(columns, len(strings.Split(t, "|"))-2)
			}
		}
	}
	header, sep := tableHeader(columns)
	out := []string{header, sep}
	for _, row := range rows {
		cells := strings.Split(row, "|")
		cells = cells[1 : len(cells)-1]
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		out = append(out, "| "+strings.Join(padCells(cells, columns), " | ")+" |")
	}
	return strings.Join(out, "\n")
}

// mergeTableFragments rejoins headerless table pieces into complete tables
// and converts tab tables to markdown.
func mergeTableFragments(text string) string {
	var merged, pending []string
	flush := func() {
		if len(pending) > 0 {
			merged = append(merged, joinTableFragments(pending))
			pending = nil
		}
	}
	for _, paragraph := range paragraphGapRe.Split(text, -1) {
		switch {
		case isMarkdownTable(paragraph):
			flush()
			merged = append(merged, paragraph)
		case isTabTable(paragraph):
			flush()
			merged = append(merged, tabTableToMarkdown(paragraph))
		case isTableFragment(paragraph):
			pending = append(pending, paragraph)
		default:
			flush()
			merged = append(merged, paragraph)
		}
	}
	flush()
	return strings.Join(merged, "\n\n")
}

// splitMarkdownTable cuts a table into chunks that each repeat the header
// row. Tables get up to 80% of maxSize per chunk.
func splitMarkdownTable(text string, chunkSize, maxSize int) []string {
	lines := strings.Split(text, "\n")
	header := lines[0]
	columns := max(len(strings.Split(header, "|"))-2, 1)
	seps := make([]string, columns)
	for i := range seps {
		seps[i] = "---"
	}
	prefix := header + "\n| " + strings.Join(seps, " | ") + " |\n"
	limit := max(float64(chunkSize), float64(maxSize)*0.8)

	var chunks []string
	current := prefix
	for _, line := range lines[min(2, len(lines)):] {
		if float64(ValidLength(current)+ValidLength(line)) > limit {
			chunks = append(chunks, current)
			current = prefix
		}
		current += line + "\n"
	}
	return append(chunks, current)
}
