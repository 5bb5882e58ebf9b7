package doctree

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseHTML builds a document from rendered reading HTML. It recognises the
// markup produced by Document.HTML, including sup.sidenote markers, and wraps
// stray inline content in paragraphs.
func ParseHTML(markup string) (*Document, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return New(parseBlocks(nodes)...), nil
}

func children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func parseBlocks(nodes []*html.Node) []Node {
	var out []Node
	var pending []Node
	flush := func() {
		if hasInlineContent(pending) {
			out = append(out, &Element{Type: "paragraph", Content: mergeText(pending)})
		}
		pending = nil
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			if block := parseBlock(n); block != nil {
				flush()
				out = append(out, block)
				continue
			}
			if transparentBlock(n) {
				flush()
				out = append(out, parseBlocks(children(n))...)
				continue
			}
		}
		pending = append(pending, parseInline(n, nil)...)
	}
	flush()
	return out
}

func transparentBlock(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Div, atom.Section, atom.Article, atom.Main, atom.Thead, atom.Tbody, atom.Tfoot:
		return true
	}
	return false
}

func parseBlock(n *html.Node) Node {
	switch n.DataAtom {
	case atom.P:
		return &Element{Type: "paragraph", Attrs: alignAttrs(n), Content: parseInlineChildren(n, nil)}
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level, _ := strconv.Atoi(n.Data[1:])
		attrs := map[string]any{"level": float64(level)}
		if align := styleValue(n, "text-align"); align != "" {
			attrs["textAlign"] = align
		}
		return &Element{Type: "heading", Attrs: attrs, Content: parseInlineChildren(n, nil)}
	case atom.Ul:
		return &Element{Type: "bulletList", Content: parseItems(n, atom.Li, "listItem")}
	case atom.Ol:
		var attrs map[string]any
		if start, err := strconv.Atoi(getAttr(n, "start")); err == nil && start != 1 {
			attrs = map[string]any{"start": float64(start)}
		}
		return &Element{Type: "orderedList", Attrs: attrs, Content: parseItems(n, atom.Li, "listItem")}
	case atom.Li:
		return &Element{Type: "listItem", Content: parseBlocks(children(n))}
	case atom.Blockquote:
		return &Element{Type: "blockquote", Content: parseBlocks(children(n))}
	case atom.Pre:
		el := &Element{Type: "codeBlock"}
		if text := textContent(n); text != "" {
			el.Content = []Node{&Text{Text: text}}
		}
		return el
	case atom.Table:
		return &Element{Type: "table", Content: parseRows(n)}
	case atom.Tr:
		return parseRow(n)
	case atom.Hr:
		return &Leaf{Type: "horizontalRule"}
	case atom.Img:
		return parseImage(n)
	case atom.Details:
		attrs := map[string]any{}
		if hasAttr(n, "open") {
			attrs["open"] = true
		}
		var content []Node
		for _, c := range children(n) {
			if c.Type == html.ElementNode && c.DataAtom == atom.Summary {
				content = append(content, &Element{Type: "detailsSummary", Content: parseInlineChildren(c, nil)})
				continue
			}
			if c.Type == html.ElementNode && getAttr(c, "data-type") == "detailsContent" {
				content = append(content, &Element{Type: "detailsContent", Content: parseBlocks(children(c))})
			}
		}
		if len(attrs) == 0 {
			attrs = nil
		}
		return &Element{Type: "details", Attrs: attrs, Content: content}
	}
	return nil
}

func parseItems(n *html.Node, item atom.Atom, itemType string) []Node {
	var out []Node
	for _, c := range children(n) {
		if c.Type == html.ElementNode && c.DataAtom == item {
			out = append(out, &Element{Type: itemType, Content: parseBlocks(children(c))})
		}
	}
	return out
}

func parseRows(n *html.Node) []Node {
	var rows []Node
	for _, c := range children(n) {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Tr:
			rows = append(rows, parseRow(c))
		case atom.Thead, atom.Tbody, atom.Tfoot:
			rows = append(rows, parseRows(c)...)
		}
	}
	return rows
}

func parseRow(n *html.Node) Node {
	row := &Element{Type: "tableRow"}
	for _, c := range children(n) {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Td:
			row.Content = append(row.Content, &Element{Type: "tableCell", Content: parseBlocks(children(c))})
		case atom.Th:
			row.Content = append(row.Content, &Element{Type: "tableHeader", Content: parseBlocks(children(c))})
		}
	}
	return row
}

func parseInlineChildren(n *html.Node, marks []Mark) []Node {
	var out []Node
	for _, c := range children(n) {
		out = append(out, parseInline(c, marks)...)
	}
	return mergeText(out)
}

func parseInline(n *html.Node, marks []Mark) []Node {
	switch n.Type {
	case html.TextNode:
		return []Node{&Text{Text: n.Data, Marks: cloneMarks(marks)}}
	case html.ElementNode:
	default:
		return nil
	}

	switch n.DataAtom {
	case atom.Br:
		return []Node{&Leaf{Type: "hardBreak"}}
	case atom.Img:
		return []Node{parseImage(n)}
	case atom.Sup:
		if hasClass(n, "sidenote") {
			return []Node{&Sidenote{ID: parseID(textContent(n))}}
		}
		return parseInlineChildren(n, withMark(marks, Mark{Type: "superscript"}))
	case atom.Sub:
		return parseInlineChildren(n, withMark(marks, Mark{Type: "subscript"}))
	case atom.Strong, atom.B:
		return parseInlineChildren(n, withMark(marks, Mark{Type: "bold"}))
	case atom.Em, atom.I:
		return parseInlineChildren(n, withMark(marks, Mark{Type: "italic"}))
	case atom.S, atom.Strike, atom.Del:
		return parseInlineChildren(n, withMark(marks, Mark{Type: "strike"}))
	case atom.U:
		return parseInlineChildren(n, withMark(marks, Mark{Type: "underline"}))
	case atom.Code:
		return parseInlineChildren(n, withMark(marks, Mark{Type: "code"}))
	case atom.Mark:
		return parseInlineChildren(n, withMark(marks, Mark{Type: "highlight"}))
	case atom.A:
		return parseInlineChildren(n, withMark(marks, Mark{Type: "link", Attrs: map[string]any{"href": getAttr(n, "href")}}))
	case atom.Span:
		if color := styleValue(n, "color"); color != "" {
			return parseInlineChildren(n, withMark(marks, Mark{Type: "textStyle", Attrs: map[string]any{"color": color}}))
		}
	}
	return parseInlineChildren(n, marks)
}

func parseImage(n *html.Node) Node {
	attrs := map[string]any{"src": getAttr(n, "src")}
	if alt := getAttr(n, "alt"); alt != "" {
		attrs["alt"] = alt
	}
	if width := getAttr(n, "width"); width != "" {
		attrs["width"] = width
	}
	return &Leaf{Type: "image", Attrs: attrs}
}

func withMark(marks []Mark, mark Mark) []Mark {
	out := cloneMarks(marks)
	return append(out, mark)
}

func hasInlineContent(nodes []Node) bool {
	for _, n := range nodes {
		if t, ok := n.(*Text); ok && strings.TrimSpace(t.Text) == "" {
			continue
		}
		return true
	}
	return false
}

func alignAttrs(n *html.Node) map[string]any {
	if align := styleValue(n, "text-align"); align != "" {
		return map[string]any{"textAlign": align}
	}
	return nil
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(getAttr(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func styleValue(n *html.Node, property string) string {
	for _, decl := range strings.Split(getAttr(n, "style"), ";") {
		name, value, ok := strings.Cut(decl, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), property) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
