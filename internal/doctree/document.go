package doctree

import "errors"

var (
	// ErrNotEditable is returned when an edit is attempted on a read-only document.
	ErrNotEditable = errors.New("document is not editable")
	// ErrInvalidPosition is returned when a position does not resolve to inline content.
	ErrInvalidPosition = errors.New("invalid document position")
	// ErrInvalidRange is returned when a deletion range is reversed or spans containers.
	ErrInvalidRange = errors.New("invalid document range")
)

// Document owns the root of a content tree. All mutations go through Apply,
// which is atomic: either every edit succeeds and markers are renumbered, or
// the document is left untouched.
type Document struct {
	root *Element
}

// New creates a document whose root "doc" element holds the given blocks.
func New(blocks ...Node) *Document {
	content := make([]Node, 0, len(blocks))
	content = append(content, blocks...)
	return &Document{root: &Element{Type: "doc", Content: content}}
}

// Root returns the root element. Callers must not mutate it directly.
func (d *Document) Root() *Element {
	return d.root
}

// Size is the size of the root's content in position units.
func (d *Document) Size() int {
	return d.root.contentSize()
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	return &Document{root: d.root.cloneElement()}
}

// Descendants visits every node below the root in document order together
// with the position directly before it. Returning false from fn skips the
// node's children.
func (d *Document) Descendants(fn func(n Node, pos int) bool) {
	walk(d.root, 0, fn)
}

func walk(el *Element, start int, fn func(Node, int) bool) {
	pos := start
	for _, child := range el.Content {
		descend := fn(child, pos)
		switch c := child.(type) {
		case *Element:
			if descend {
				walk(c, pos+1, fn)
			}
		case *Text, *Sidenote, *Leaf:
		}
		pos += child.Size()
	}
}

// MarkerRef locates a sidenote marker in the document.
type MarkerRef struct {
	ID  int `json:"id"`
	Pos int `json:"pos"`
}

// Markers lists all sidenote markers in document order.
func (d *Document) Markers() []MarkerRef {
	var refs []MarkerRef
	d.Descendants(func(n Node, pos int) bool {
		if s, ok := n.(*Sidenote); ok {
			refs = append(refs, MarkerRef{ID: s.ID, Pos: pos})
		}
		return true
	})
	return refs
}

// Renumber assigns every marker its 1-based rank in document order and
// reports how many ids changed.
func (d *Document) Renumber() int {
	return renumber(d.root)
}

func renumber(root *Element) int {
	rank := 0
	changed := 0
	walk(root, 0, func(n Node, _ int) bool {
		if s, ok := n.(*Sidenote); ok {
			rank++
			if s.ID != rank {
				s.ID = rank
				changed++
			}
		}
		return true
	})
	return changed
}

// Selection is an anchor/head pair; a collapsed selection is a cursor.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Cursor returns a collapsed selection at pos.
func Cursor(pos int) Selection {
	return Selection{Anchor: pos, Head: pos}
}

// From is the start of the selection regardless of direction.
func (s Selection) From() int {
	if s.Anchor < s.Head {
		return s.Anchor
	}
	return s.Head
}

// To is the end of the selection regardless of direction.
func (s Selection) To() int {
	if s.Anchor > s.Head {
		return s.Anchor
	}
	return s.Head
}

// Empty reports whether the selection is collapsed.
func (s Selection) Empty() bool {
	return s.Anchor == s.Head
}

// Apply runs the edits in order against a copy of the tree, renumbers all
// markers and then commits the copy. Positions of later edits refer to the
// tree as left by earlier ones.
func (d *Document) Apply(edits ...Edit) error {
	working := d.root.cloneElement()
	for _, edit := range edits {
		if err := edit.apply(working); err != nil {
			return err
		}
	}
	renumber(working)
	d.root = working
	return nil
}

// InsertSidenote inserts a new marker at the start of sel. The new marker is
// numbered after every marker positioned before it, and all markers are
// renumbered in the same atomic edit. It returns the new marker's id.
func (d *Document) InsertSidenote(sel Selection, editable bool) (int, error) {
	if !editable {
		return 0, ErrNotEditable
	}
	from := sel.From()
	before := 0
	for _, ref := range d.Markers() {
		if ref.Pos < from {
			before++
		}
	}
	id := before + 1
	if err := d.Apply(Insert{Pos: from, Node: &Sidenote{ID: id}}); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteSidenote removes the marker with the given id and renumbers the rest.
func (d *Document) DeleteSidenote(id int, editable bool) error {
	if !editable {
		return ErrNotEditable
	}
	for _, ref := range d.Markers() {
		if ref.ID == id {
			return d.Apply(Delete{From: ref.Pos, To: ref.Pos + 1})
		}
	}
	return ErrInvalidPosition
}
