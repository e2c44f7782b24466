package source

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html"

	"github.com/phrazzld/scry-ingest/internal/chunk"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Extract turns a fetched body into a Document. HTML is reduced to its
// visible text with headings kept as markdown, spreadsheets become one tab
// separated table per sheet, and everything else is taken as text.
// selector only applies to HTML.
func Extract(name string, body []byte, selector string) (Document, error) {
	mime := mimetype.Detect(body)
	ext := strings.ToLower(path.Ext(name))

	switch {
	case ext == ".xlsx" || mime.Is(xlsxMIME):
		text, err := spreadsheetText(body)
		if err != nil {
			return Document{}, err
		}
		return Document{Title: strings.TrimSuffix(path.Base(name), path.Ext(name)), RawText: text}, nil
	case ext == ".html" || ext == ".htm" || mime.Is("text/html"):
		return htmlDocument(body, selector)
	case strings.HasPrefix(mime.String(), "text/") || mime.Is("application/json"):
		return Document{RawText: string(body)}, nil
	default:
		return Document{}, fmt.Errorf("unsupported content type %s for %q", mime.String(), name)
	}
}

func spreadsheetText(body []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("open spreadsheet: %w", err)
	}
	defer func() { _ = f.Close() }()

	var sheets []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			lines = append(lines, strings.Join(row, "\t"))
		}
		if len(lines) > 0 {
			sheets = append(sheets, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(sheets, chunk.CustomSplitSign), nil
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "head": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "br": true, "li": true,
	"tr": true, "table": true, "ul": true, "ol": true, "pre": true, "blockquote": true,
	"header": true, "footer": true, "main": true, "nav": true,
}

func htmlDocument(body []byte, selector string) (Document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	doc := Document{}
	if t := find(root, func(n *html.Node) bool { return n.Data == "title" }); t != nil {
		doc.Title = strings.TrimSpace(textOf(t))
	}

	start := root
	if selector != "" {
		match := selectorMatcher(selector)
		if n := find(root, match); n != nil {
			start = n
		}
	}

	var b strings.Builder
	renderText(&b, start)
	doc.RawText = tidyLines(b.String())
	return doc, nil
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// selectorMatcher supports "#id", ".class" and bare tag selectors.
func selectorMatcher(selector string) func(*html.Node) bool {
	selector = strings.TrimSpace(selector)
	switch {
	case strings.HasPrefix(selector, "#"):
		id := selector[1:]
		return func(n *html.Node) bool { return attr(n, "id") == id }
	case strings.HasPrefix(selector, "."):
		class := selector[1:]
		return func(n *html.Node) bool {
			for _, c := range strings.Fields(attr(n, "class")) {
				if c == class {
					return true
				}
			}
			return false
		}
	default:
		return func(n *html.Node) bool { return n.Data == selector }
	}
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func renderText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		words := strings.Join(strings.Fields(n.Data), " ")
		if words == "" {
			return
		}
		if strings.TrimLeft(n.Data, " \t\n") != n.Data {
			b.WriteString(" ")
		}
		b.WriteString(words)
		if strings.TrimRight(n.Data, " \t\n") != n.Data {
			b.WriteString(" ")
		}
		return
	case html.ElementNode:
		if skippedElements[n.Data] {
			return
		}
		if len(n.Data) == 2 && n.Data[0] == 'h' && n.Data[1] >= '1' && n.Data[1] <= '6' {
			level := int(n.Data[1] - '0')
			b.WriteString("\n\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(textOf(n)) + "\n\n")
			return
		}
	}
	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		b.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(b, c)
	}
	if block {
		b.WriteString("\n")
	}
}

// tidyLines trims every line and keeps at most one blank line in a row.
func tidyLines(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
