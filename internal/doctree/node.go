// Package doctree models the rich-text reading document as a typed tree and
// owns the numbered sidenote markers embedded in it.
package doctree

import "unicode/utf16"

// Kind identifies one of the closed set of node variants.
type Kind int

const (
	KindText Kind = iota
	KindSidenote
	KindLeaf
	KindElement
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSidenote:
		return "sidenote"
	case KindLeaf:
		return "leaf"
	case KindElement:
		return "element"
	default:
		return "unknown"
	}
}

// Node is implemented by *Text, *Sidenote, *Leaf and *Element only.
type Node interface {
	Kind() Kind
	// Size is the number of editor position units the node occupies.
	Size() int
	clone() Node
}

// Mark is inline formatting attached to text or leaf nodes.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Text is a run of characters sharing the same marks.
type Text struct {
	Text  string
	Marks []Mark
}

// Sidenote is the inline, atomic annotation marker. ID is its 1-based rank
// among all markers in document order.
type Sidenote struct {
	ID int
}

// Leaf is an atomic node without content (image, hardBreak, horizontalRule).
type Leaf struct {
	Type  string
	Attrs map[string]any
	Marks []Mark
}

// Element is a container node (doc, paragraph, heading, list, table, ...).
type Element struct {
	Type    string
	Attrs   map[string]any
	Content []Node
	Marks   []Mark
}

func (t *Text) Kind() Kind     { return KindText }
func (s *Sidenote) Kind() Kind { return KindSidenote }
func (l *Leaf) Kind() Kind     { return KindLeaf }
func (e *Element) Kind() Kind  { return KindElement }

func (t *Text) Size() int     { return utf16Len(t.Text) }
func (s *Sidenote) Size() int { return 1 }
func (l *Leaf) Size() int     { return 1 }

func (e *Element) Size() int {
	return 2 + e.contentSize()
}

func (e *Element) contentSize() int {
	size := 0
	for _, child := range e.Content {
		size += child.Size()
	}
	return size
}

func (t *Text) clone() Node {
	return &Text{Text: t.Text, Marks: cloneMarks(t.Marks)}
}

func (s *Sidenote) clone() Node {
	return &Sidenote{ID: s.ID}
}

func (l *Leaf) clone() Node {
	return &Leaf{Type: l.Type, Attrs: cloneAttrs(l.Attrs), Marks: cloneMarks(l.Marks)}
}

func (e *Element) clone() Node {
	return e.cloneElement()
}

func (e *Element) cloneElement() *Element {
	out := &Element{Type: e.Type, Attrs: cloneAttrs(e.Attrs), Marks: cloneMarks(e.Marks)}
	if e.Content != nil {
		out.Content = make([]Node, len(e.Content))
		for i, child := range e.Content {
			out.Content[i] = child.clone()
		}
	}
	return out
}

// inlineContent reports whether markers and text may be placed directly
// inside the element.
func (e *Element) inlineContent() bool {
	if _, ok := textblockTypes[e.Type]; ok {
		return true
	}
	if _, ok := blockTypes[e.Type]; ok {
		return false
	}
	for _, child := range e.Content {
		if child.Kind() == KindElement {
			return false
		}
	}
	return len(e.Content) > 0
}

var textblockTypes = map[string]struct{}{
	"paragraph":      {},
	"heading":        {},
	"codeBlock":      {},
	"detailsSummary": {},
}

var blockTypes = map[string]struct{}{
	"doc":            {},
	"bulletList":     {},
	"orderedList":    {},
	"listItem":       {},
	"blockquote":     {},
	"table":          {},
	"tableRow":       {},
	"tableCell":      {},
	"tableHeader":    {},
	"details":        {},
	"detailsContent": {},
}

var leafTypes = map[string]struct{}{
	"image":          {},
	"hardBreak":      {},
	"horizontalRule": {},
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func cloneMarks(marks []Mark) []Mark {
	if marks == nil {
		return nil
	}
	out := make([]Mark, len(marks))
	for i, m := range marks {
		out[i] = Mark{Type: m.Type, Attrs: cloneAttrs(m.Attrs)}
	}
	return out
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || len(a[i].Attrs) != len(b[i].Attrs) {
			return false
		}
		for k, v := range a[i].Attrs {
			if b[i].Attrs[k] != v {
				return false
			}
		}
	}
	return true
}

// utf16Len measures text the way the browser editor does.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if units := utf16.RuneLen(r); units > 0 {
			n += units
		} else {
			n++
		}
	}
	return n
}

// splitUTF16 splits s after offset UTF-16 units. ok is false when offset
// falls inside a surrogate pair or outside the string.
func splitUTF16(s string, offset int) (left, right string, ok bool) {
	if offset < 0 {
		return "", "", false
	}
	units := 0
	for i, r := range s {
		if units == offset {
			return s[:i], s[i:], true
		}
		if units > offset {
			return "", "", false
		}
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		units += n
	}
	if units == offset {
		return s, "", true
	}
	return "", "", false
}
