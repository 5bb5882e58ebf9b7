package doctree

import "strings"

// PlainText returns the document's text with one line per textblock.
// Marker numbers are not part of the text.
func (d *Document) PlainText() string {
	var lines []string
	var current strings.Builder
	var visit func(el *Element)
	visit = func(el *Element) {
		for _, child := range el.Content {
			switch c := child.(type) {
			case *Text:
				current.WriteString(c.Text)
			case *Leaf:
				if c.Type == "hardBreak" {
					current.WriteString("\n")
				}
			case *Sidenote:
			case *Element:
				visit(c)
				if _, textblock := textblockTypes[c.Type]; textblock || c.inlineContent() {
					if line := strings.TrimSpace(current.String()); line != "" {
						lines = append(lines, line)
					}
					current.Reset()
				}
			}
		}
	}
	visit(d.root)
	if line := strings.TrimSpace(current.String()); line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// OutlineItem is one table-of-contents entry derived from a heading.
type OutlineItem struct {
	Level  int    `json:"level"`
	Text   string `json:"textContent"`
	Anchor string `json:"id"`
	Pos    int    `json:"pos"`
}

// Outline lists the document headings in order with the anchors used by HTML.
func (d *Document) Outline() []OutlineItem {
	var items []OutlineItem
	ordinal := 0
	d.Descendants(func(n Node, pos int) bool {
		el, ok := n.(*Element)
		if !ok || el.Type != "heading" {
			return true
		}
		ordinal++
		items = append(items, OutlineItem{
			Level:  attrInt(el.Attrs, "level", 1),
			Text:   strings.TrimSpace(inlineText(el)),
			Anchor: headingAnchor(el, ordinal),
			Pos:    pos,
		})
		return false
	})
	return items
}

func inlineText(el *Element) string {
	var b strings.Builder
	for _, child := range el.Content {
		switch c := child.(type) {
		case *Text:
			b.WriteString(c.Text)
		case *Element:
			b.WriteString(inlineText(c))
		case *Sidenote, *Leaf:
		}
	}
	return b.String()
}
