// Package sidenote lays out annotation boxes in the reading margin and
// manages the per-box expand state and the content editor for a single note.
package sidenote

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// Gap is the padding added below a box that pushes its successor down.
	Gap = 20.0
	// TruncateThreshold is the plain-text length above which a box is
	// collapsed by default and offers a toggle.
	TruncateThreshold = 100
)

// ErrHeightUnknown is returned by measurers that cannot size a box.
var ErrHeightUnknown = errors.New("sidenote height unknown")

// Position is a marker's vertical offset as measured by the rendering host.
type Position struct {
	ID  int     `json:"id"`
	Pos int     `json:"pos"`
	Y   float64 `json:"yCoordinate"`
}

// Box is one laid-out sidenote.
type Box struct {
	ID         int     `json:"id"`
	Key        string  `json:"key"`
	Target     float64 `json:"target"`
	Top        float64 `json:"top"`
	Height     float64 `json:"height"`
	HTML       string  `json:"html"`
	TextLength int     `json:"textLength"`
	Expanded   bool    `json:"expanded"`
	ShowToggle bool    `json:"showToggle"`
}

// Bottom is the lower edge of the box.
func (b Box) Bottom() float64 {
	return b.Top + b.Height
}

// Measurer reports the rendered height of a box given the HTML it displays.
type Measurer interface {
	MeasureHeight(box Box) (float64, error)
}

// MeasureFunc adapts a function to Measurer.
type MeasureFunc func(box Box) (float64, error)

// MeasureHeight calls f.
func (f MeasureFunc) MeasureHeight(box Box) (float64, error) {
	return f(box)
}

// Layout places one box per position that has content. Positions without
// content are dropped before the overlap pass and take no part in it. A nil
// editorTop yields no boxes.
func Layout(positions []Position, content map[string]string, editorTop *float64, expanded map[string]bool, measurer Measurer) ([]Box, error) {
	if editorTop == nil {
		return nil, nil
	}

	boxes := make([]Box, 0, len(positions))
	for _, position := range positions {
		key := strconv.Itoa(position.ID)
		full := content[key]
		if full == "" {
			continue
		}
		textLength := TextLength(full)
		isExpanded := expanded[key]
		display := full
		if !isExpanded && textLength > TruncateThreshold {
			display = TruncateHTML(full, TruncateThreshold)
		}
		target := position.Y - *editorTop
		if target < 0 {
			target = 0
		}
		boxes = append(boxes, Box{
			ID:         position.ID,
			Key:        key,
			Target:     target,
			Top:        target,
			HTML:       display,
			TextLength: textLength,
			Expanded:   isExpanded,
			ShowToggle: textLength > TruncateThreshold,
		})
	}

	for i := range boxes {
		height, err := measurer.MeasureHeight(boxes[i])
		if err != nil {
			return nil, fmt.Errorf("measure sidenote %d: %w", boxes[i].ID, err)
		}
		boxes[i].Height = height
	}

	resolveOverlap(boxes)
	return boxes, nil
}

// resolveOverlap pushes each box below its already-placed predecessor.
func resolveOverlap(boxes []Box) {
	for i := 1; i < len(boxes); i++ {
		prevBottom := boxes[i-1].Bottom()
		if boxes[i].Top < prevBottom {
			overlap := prevBottom - boxes[i].Top
			boxes[i].Top = boxes[i].Top + overlap + Gap
		}
	}
}

// Engine keeps the inputs of a layout and recomputes it whenever one of
// them changes.
type Engine struct {
	measurer  Measurer
	content   map[string]string
	positions []Position
	editorTop *float64
	expanded  map[string]bool
	boxes     []Box
}

// NewEngine creates an engine with no positions and no reference top.
func NewEngine(measurer Measurer, content map[string]string) *Engine {
	return &Engine{
		measurer: measurer,
		content:  content,
		expanded: make(map[string]bool),
	}
}

// Load replaces positions, reference top and expanded flags together and
// lays out once.
func (e *Engine) Load(positions []Position, editorTop *float64, expanded []string) error {
	e.positions = append([]Position(nil), positions...)
	e.editorTop = nil
	if editorTop != nil {
		value := *editorTop
		e.editorTop = &value
	}
	e.expanded = make(map[string]bool, len(expanded))
	for _, key := range expanded {
		e.expanded[key] = true
	}
	return e.relayout()
}

// SetPositions replaces the marker positions and re-lays out.
func (e *Engine) SetPositions(positions []Position) error {
	e.positions = append([]Position(nil), positions...)
	return e.relayout()
}

// SetEditorTop replaces the reference top and re-lays out.
func (e *Engine) SetEditorTop(top *float64) error {
	if top == nil {
		e.editorTop = nil
	} else {
		value := *top
		e.editorTop = &value
	}
	return e.relayout()
}

// SetContent replaces the content map and re-lays out.
func (e *Engine) SetContent(content map[string]string) error {
	e.content = content
	return e.relayout()
}

// ToggleExpand flips the expanded flag of one box and re-lays out every box,
// since the box's height changes. It returns the new flag.
func (e *Engine) ToggleExpand(id int) (bool, error) {
	key := strconv.Itoa(id)
	e.expanded[key] = !e.expanded[key]
	return e.expanded[key], e.relayout()
}

// Expanded reports whether the box for id is expanded.
func (e *Engine) Expanded(id int) bool {
	return e.expanded[strconv.Itoa(id)]
}

// Reset clears all expanded flags, as on a full remount.
func (e *Engine) Reset() error {
	e.expanded = make(map[string]bool)
	return e.relayout()
}

// Boxes returns the current layout.
func (e *Engine) Boxes() []Box {
	return append([]Box(nil), e.boxes...)
}

func (e *Engine) relayout() error {
	boxes, err := Layout(e.positions, e.content, e.editorTop, e.expanded, e.measurer)
	if err != nil {
		return err
	}
	e.boxes = boxes
	return nil
}
