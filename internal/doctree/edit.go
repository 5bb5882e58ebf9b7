package doctree

import "fmt"

// Edit is a single structural change applied by Document.Apply.
type Edit interface {
	apply(root *Element) error
}

// Insert places Node at Pos. Inline nodes (text, markers, leaves) must land
// inside a textblock; elements must land between blocks.
type Insert struct {
	Pos  int
	Node Node
}

// Delete removes everything between From and To. Both ends must resolve to
// the same parent; text nodes are trimmed at the edges.
type Delete struct {
	From int
	To   int
}

func (e Insert) apply(root *Element) error {
	if e.Node == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidPosition)
	}
	parent, index, offset, err := locate(root, 0, e.Pos)
	if err != nil {
		return err
	}
	_, isBlock := e.Node.(*Element)
	if isBlock == parent.inlineContent() {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, e.Pos)
	}

	node := e.Node.clone()
	content := make([]Node, 0, len(parent.Content)+2)
	content = append(content, parent.Content[:index]...)
	if offset > 0 {
		text := parent.Content[index].(*Text)
		left, right, ok := splitUTF16(text.Text, offset)
		if !ok {
			return fmt.Errorf("%w: %d", ErrInvalidPosition, e.Pos)
		}
		content = append(content, &Text{Text: left, Marks: cloneMarks(text.Marks)}, node, &Text{Text: right, Marks: cloneMarks(text.Marks)})
		content = append(content, parent.Content[index+1:]...)
	} else {
		content = append(content, node)
		content = append(content, parent.Content[index:]...)
	}
	parent.Content = mergeText(content)
	return nil
}

func (e Delete) apply(root *Element) error {
	if e.From > e.To {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, e.From, e.To)
	}
	if e.From == e.To {
		return nil
	}
	parent, fromIndex, fromOffset, err := locate(root, 0, e.From)
	if err != nil {
		return err
	}
	toParent, toIndex, toOffset, err := locate(root, 0, e.To)
	if err != nil {
		return err
	}
	if parent != toParent {
		return fmt.Errorf("%w: %d..%d crosses containers", ErrInvalidRange, e.From, e.To)
	}

	content := make([]Node, 0, len(parent.Content))
	content = append(content, parent.Content[:fromIndex]...)
	if fromOffset > 0 {
		text := parent.Content[fromIndex].(*Text)
		left, _, ok := splitUTF16(text.Text, fromOffset)
		if !ok {
			return fmt.Errorf("%w: %d", ErrInvalidPosition, e.From)
		}
		content = append(content, &Text{Text: left, Marks: cloneMarks(text.Marks)})
	}
	rest := toIndex
	if toOffset > 0 {
		text := parent.Content[toIndex].(*Text)
		_, right, ok := splitUTF16(text.Text, toOffset)
		if !ok {
			return fmt.Errorf("%w: %d", ErrInvalidPosition, e.To)
		}
		content = append(content, &Text{Text: right, Marks: cloneMarks(text.Marks)})
		rest = toIndex + 1
	}
	content = append(content, parent.Content[rest:]...)
	parent.Content = mergeText(content)
	return nil
}

// locate resolves pos (relative to the content start of el, which sits at
// start) to the innermost element containing it. index is the child the
// position falls before or inside; offset is non-zero only when pos falls
// strictly inside a text child.
func locate(el *Element, start, pos int) (*Element, int, int, error) {
	p := start
	for i, child := range el.Content {
		size := child.Size()
		if pos == p {
			return el, i, 0, nil
		}
		if pos < p+size {
			switch c := child.(type) {
			case *Text:
				return el, i, pos - p, nil
			case *Element:
				return locate(c, p+1, pos)
			case *Sidenote, *Leaf:
				return nil, 0, 0, fmt.Errorf("%w: %d", ErrInvalidPosition, pos)
			}
		}
		p += size
	}
	if pos == p {
		return el, len(el.Content), 0, nil
	}
	return nil, 0, 0, fmt.Errorf("%w: %d", ErrInvalidPosition, pos)
}

// mergeText joins adjacent text nodes with identical marks and drops empty ones.
func mergeText(content []Node) []Node {
	out := content[:0:0]
	for _, node := range content {
		text, ok := node.(*Text)
		if !ok {
			out = append(out, node)
			continue
		}
		if text.Text == "" {
			continue
		}
		if len(out) > 0 {
			if prev, ok := out[len(out)-1].(*Text); ok && sameMarks(prev.Marks, text.Marks) {
				out[len(out)-1] = &Text{Text: prev.Text + text.Text, Marks: prev.Marks}
				continue
			}
		}
		out = append(out, node)
	}
	return out
}
