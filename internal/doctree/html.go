package doctree

import (
	"fmt"
	"html"
	"strings"
)

// HTML renders the document the way the reading page displays it. Sidenote
// markers become <sup class="sidenote">N</sup>.
func (d *Document) HTML() string {
	var b strings.Builder
	headings := 0
	renderChildren(&b, d.root.Content, &headings)
	return b.String()
}

func renderChildren(b *strings.Builder, content []Node, headings *int) {
	for _, child := range content {
		renderNode(b, child, headings)
	}
}

func renderNode(b *strings.Builder, n Node, headings *int) {
	switch v := n.(type) {
	case *Text:
		b.WriteString(wrapMarks(html.EscapeString(v.Text), v.Marks))
	case *Sidenote:
		fmt.Fprintf(b, `<sup class="sidenote">%d</sup>`, v.ID)
	case *Leaf:
		b.WriteString(wrapMarks(renderLeaf(v), v.Marks))
	case *Element:
		renderElement(b, v, headings)
	}
}

func renderLeaf(l *Leaf) string {
	switch l.Type {
	case "hardBreak":
		return "<br>"
	case "horizontalRule":
		return "<hr>\n"
	case "image":
		src := attrString(l.Attrs, "src")
		alt := attrString(l.Attrs, "alt")
		out := fmt.Sprintf(`<img src="%s" alt="%s"`, html.EscapeString(src), html.EscapeString(alt))
		if width := attrString(l.Attrs, "width"); width != "" {
			out += fmt.Sprintf(` width="%s"`, html.EscapeString(width))
		}
		return out + ">"
	default:
		return ""
	}
}

func renderElement(b *strings.Builder, el *Element, headings *int) {
	inner := func() string {
		var nested strings.Builder
		renderChildren(&nested, el.Content, headings)
		return nested.String()
	}

	switch el.Type {
	case "doc":
		b.WriteString(inner())
	case "paragraph":
		fmt.Fprintf(b, "<p%s>%s</p>\n", alignStyle(el.Attrs), inner())
	case "heading":
		level := attrInt(el.Attrs, "level", 1)
		if level < 1 || level > 6 {
			level = 1
		}
		*headings++
		anchor := headingAnchor(el, *headings)
		fmt.Fprintf(b, `<h%d id="%s"%s>%s</h%d>`+"\n", level, html.EscapeString(anchor), alignStyle(el.Attrs), inner(), level)
	case "bulletList":
		fmt.Fprintf(b, "<ul>\n%s</ul>\n", inner())
	case "orderedList":
		start := attrInt(el.Attrs, "start", 1)
		if start != 1 {
			fmt.Fprintf(b, "<ol start=\"%d\">\n%s</ol>\n", start, inner())
		} else {
			fmt.Fprintf(b, "<ol>\n%s</ol>\n", inner())
		}
	case "listItem":
		fmt.Fprintf(b, "<li>%s</li>\n", inner())
	case "blockquote":
		fmt.Fprintf(b, "<blockquote>\n%s</blockquote>\n", inner())
	case "codeBlock":
		fmt.Fprintf(b, "<pre><code>%s</code></pre>\n", inner())
	case "table":
		fmt.Fprintf(b, "<table>\n%s</table>\n", inner())
	case "tableRow":
		fmt.Fprintf(b, "<tr>\n%s</tr>\n", inner())
	case "tableCell":
		fmt.Fprintf(b, "<td>%s</td>\n", inner())
	case "tableHeader":
		fmt.Fprintf(b, "<th>%s</th>\n", inner())
	case "details":
		open := ""
		if v, ok := el.Attrs["open"].(bool); ok && v {
			open = " open"
		}
		fmt.Fprintf(b, "<details class=\"details\"%s>\n%s</details>\n", open, inner())
	case "detailsSummary":
		fmt.Fprintf(b, "<summary>%s</summary>\n", inner())
	case "detailsContent":
		fmt.Fprintf(b, "<div data-type=\"detailsContent\">\n%s</div>\n", inner())
	default:
		// Unknown node type - render content if any
		b.WriteString(inner())
	}
}

// wrapMarks applies marks from outside in.
func wrapMarks(inner string, marks []Mark) string {
	if inner == "" {
		return ""
	}
	out := inner
	for i := len(marks) - 1; i >= 0; i-- {
		mark := marks[i]
		switch mark.Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "highlight":
			out = "<mark>" + out + "</mark>"
		case "superscript":
			out = "<sup>" + out + "</sup>"
		case "subscript":
			out = "<sub>" + out + "</sub>"
		case "link":
			href := attrString(mark.Attrs, "href")
			out = fmt.Sprintf(`<a class="tiptap-link" href="%s">%s</a>`, html.EscapeString(href), out)
		case "textStyle":
			if color := attrString(mark.Attrs, "color"); color != "" {
				out = fmt.Sprintf(`<span style="color: %s">%s</span>`, html.EscapeString(color), out)
			}
		}
	}
	return out
}

func alignStyle(attrs map[string]any) string {
	align := attrString(attrs, "textAlign")
	if align == "" || align == "left" {
		return ""
	}
	return fmt.Sprintf(` style="text-align: %s"`, html.EscapeString(align))
}

func headingAnchor(el *Element, ordinal int) string {
	if id := attrString(el.Attrs, "id"); id != "" {
		return id
	}
	return fmt.Sprintf("heading-%d", ordinal)
}

func attrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

func attrInt(attrs map[string]any, key string, fallback int) int {
	switch v := attrs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
