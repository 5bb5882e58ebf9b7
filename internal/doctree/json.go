package doctree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// wireNode is the editor's JSON document shape.
type wireNode struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []wireNode     `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Parse decodes editor JSON. Empty input and JSON null yield an empty document.
func Parse(raw []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return New(), nil
	}
	// Content saved as a JSON string (HTML) is accepted as well.
	if trimmed[0] == '"' {
		var markup string
		if err := json.Unmarshal(trimmed, &markup); err != nil {
			return nil, fmt.Errorf("decode document string: %w", err)
		}
		return ParseHTML(markup)
	}
	var root wireNode
	if err := json.Unmarshal(trimmed, &root); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if root.Type != "doc" {
		return nil, fmt.Errorf("decode document: unexpected root type %q", root.Type)
	}
	doc := New()
	for _, child := range root.Content {
		doc.root.Content = append(doc.root.Content, fromWire(child))
	}
	return doc, nil
}

// MarshalJSON encodes the document as editor JSON.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(d.root))
}

// UnmarshalJSON decodes editor JSON into the document.
func (d *Document) UnmarshalJSON(raw []byte) error {
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	d.root = parsed.root
	return nil
}

func fromWire(w wireNode) Node {
	switch {
	case w.Type == "text":
		return &Text{Text: w.Text, Marks: w.Marks}
	case w.Type == "sidenote":
		return &Sidenote{ID: parseID(w.Attrs["id"])}
	case isLeafType(w.Type, w.Content):
		return &Leaf{Type: w.Type, Attrs: w.Attrs, Marks: w.Marks}
	default:
		el := &Element{Type: w.Type, Attrs: w.Attrs, Marks: w.Marks}
		for _, child := range w.Content {
			el.Content = append(el.Content, fromWire(child))
		}
		return el
	}
}

func isLeafType(nodeType string, content []wireNode) bool {
	if _, ok := leafTypes[nodeType]; ok {
		return true
	}
	if _, ok := textblockTypes[nodeType]; ok {
		return false
	}
	if _, ok := blockTypes[nodeType]; ok {
		return false
	}
	return len(content) == 0
}

func toWire(n Node) wireNode {
	switch v := n.(type) {
	case *Text:
		return wireNode{Type: "text", Text: v.Text, Marks: v.Marks}
	case *Sidenote:
		return wireNode{Type: "sidenote", Attrs: map[string]any{"id": v.ID}}
	case *Leaf:
		return wireNode{Type: v.Type, Attrs: v.Attrs, Marks: v.Marks}
	case *Element:
		w := wireNode{Type: v.Type, Attrs: v.Attrs, Marks: v.Marks}
		for _, child := range v.Content {
			w.Content = append(w.Content, toWire(child))
		}
		return w
	default:
		return wireNode{}
	}
}

// parseID accepts the id encodings seen in stored documents: JSON numbers,
// numeric strings and null.
func parseID(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
