package doctree

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

const linkRel = "noopener noreferrer nofollow"

// SourceLink is an anchor taken from the source text of a translation.
// Text and Parent are normalised with NormalizeText.
type SourceLink struct {
	Text   string `json:"text"`
	Href   string `json:"href"`
	Parent string `json:"parent"`
}

// SourceLinks returns the http(s) anchors of markup in document order.
// Anchors with blank or single-character text are skipped.
func SourceLinks(markup string) ([]SourceLink, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse source html: %w", err)
	}
	var links []SourceLink
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			raw := textContent(n)
			href := strings.TrimSpace(getAttr(n, "href"))
			text := NormalizeText(raw)
			if text != "" && strings.HasPrefix(href, "http") && utf8.RuneCountInString(raw) > 1 {
				parent := text
				if n.Parent != nil {
					parent = NormalizeText(textContent(n.Parent))
				}
				links = append(links, SourceLink{Text: text, Href: href, Parent: parent})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(root)
	return links, nil
}

// ApplySourceLinks marks text of the document that matches an anchor of the
// source HTML as a link to the anchor's target. A text run is only linked
// when its own text occurs in the anchor's surrounding source text, and each
// anchor links at most its first match per run. Text that already carries a
// link and code blocks are left alone. It returns the number of links added;
// the document is unchanged when that is zero.
func (d *Document) ApplySourceLinks(sourceHTML string, editable bool) (int, error) {
	if !editable {
		return 0, ErrNotEditable
	}
	links, err := SourceLinks(sourceHTML)
	if err != nil {
		return 0, err
	}
	if len(links) == 0 {
		return 0, nil
	}
	working := d.root.cloneElement()
	added := linkElement(working, links)
	if added == 0 {
		return 0, nil
	}
	d.root = working
	return added, nil
}

func linkElement(el *Element, links []SourceLink) int {
	added := 0
	content := make([]Node, 0, len(el.Content))
	for _, child := range el.Content {
		switch c := child.(type) {
		case *Element:
			if c.Type != "codeBlock" {
				added += linkElement(c, links)
			}
			content = append(content, c)
		case *Text:
			pieces, n := linkText(c, links)
			added += n
			content = append(content, pieces...)
		case *Sidenote, *Leaf:
			content = append(content, child)
		}
	}
	el.Content = mergeText(content)
	return added
}

func linkText(t *Text, links []SourceLink) ([]Node, int) {
	if hasMark(t.Marks, "link") {
		return []Node{t}, 0
	}
	context := NormalizeText(t.Text)
	if context == "" {
		return []Node{t}, 0
	}
	var eligible []SourceLink
	for _, link := range links {
		if strings.Contains(link.Parent, context) {
			eligible = append(eligible, link)
		}
	}
	return splitLinks(t, eligible)
}

// splitLinks links the first anchor found in t and recurses into the text on
// either side with the remaining anchors.
func splitLinks(t *Text, links []SourceLink) ([]Node, int) {
	if t.Text == "" || len(links) == 0 {
		return []Node{t}, 0
	}
	mapped := normalize(t.Text)
	for i, link := range links {
		at := strings.Index(mapped.text, link.Text)
		if at < 0 {
			continue
		}
		from, to := mapped.from[at], mapped.to[at+len(link.Text)-1]
		rest := make([]SourceLink, 0, len(links)-1)
		rest = append(rest, links[:i]...)
		rest = append(rest, links[i+1:]...)

		before, nb := splitLinks(&Text{Text: t.Text[:from], Marks: cloneMarks(t.Marks)}, rest)
		after, na := splitLinks(&Text{Text: t.Text[to:], Marks: cloneMarks(t.Marks)}, rest)
		linked := &Text{Text: t.Text[from:to], Marks: withMark(t.Marks, Mark{
			Type:  "link",
			Attrs: map[string]any{"href": link.Href, "target": "_blank", "rel": linkRel},
		})}
		out := append(before, linked)
		return append(out, after...), nb + na + 1
	}
	return []Node{t}, 0
}

func hasMark(marks []Mark, markType string) bool {
	for _, m := range marks {
		if m.Type == markType {
			return true
		}
	}
	return false
}

// NormalizeText applies NFKC, drops zero-width characters, collapses
// whitespace runs to one space and trims the result.
func NormalizeText(s string) string {
	return normalize(s).text
}

// normalizedText is normalised text together with, for every byte of it,
// the byte range of the raw text it came from.
type normalizedText struct {
	text string
	from []int
	to   []int
}

func normalize(raw string) normalizedText {
	var (
		b          strings.Builder
		out        normalizedText
		space      bool
		spaceStart int
	)
	emit := func(s string, from, to int) {
		b.WriteString(s)
		for range len(s) {
			out.from = append(out.from, from)
			out.to = append(out.to, to)
		}
	}
	for i := 0; i < len(raw); {
		size := norm.NFKC.NextBoundaryInString(raw[i:], true)
		if size <= 0 {
			size = len(raw) - i
		}
		for _, r := range norm.NFKC.String(raw[i : i+size]) {
			switch {
			case isZeroWidth(r):
				continue
			case unicode.IsSpace(r):
				if !space {
					space, spaceStart = true, i
				}
				continue
			}
			if space {
				if b.Len() > 0 {
					emit(" ", spaceStart, i)
				}
				space = false
			}
			emit(string(r), i, i+size)
		}
		i += size
	}
	out.text = b.String()
	return out
}

func isZeroWidth(r rune) bool {
	return (r >= '\u200b' && r <= '\u200d') || r == '\ufeff'
}
