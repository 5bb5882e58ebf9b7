package sidenote

import "math"

// HeightTable sizes boxes from heights reported by the client, keyed by
// marker id. Boxes it has no entry for go to Fallback.
type HeightTable struct {
	Heights  map[string]float64
	Fallback Measurer
}

func (t HeightTable) MeasureHeight(box Box) (float64, error) {
	if h, ok := t.Heights[box.Key]; ok {
		return h, nil
	}
	if t.Fallback == nil {
		return 0, ErrHeightUnknown
	}
	return t.Fallback.MeasureHeight(box)
}

// Estimator approximates a box height from the length of its displayed text.
type Estimator struct {
	CharsPerLine int
	LineHeight   float64
	Padding      float64
}

// DefaultEstimator matches the margin column's typography.
var DefaultEstimator = Estimator{CharsPerLine: 28, LineHeight: 22, Padding: 16}

func (e Estimator) MeasureHeight(box Box) (float64, error) {
	perLine := e.CharsPerLine
	if perLine <= 0 {
		perLine = 1
	}
	chars := TextLength(box.HTML)
	if box.ShowToggle {
		// The toggle label takes its own line.
		chars += perLine
	}
	lines := math.Ceil(float64(chars) / float64(perLine))
	if lines < 1 {
		lines = 1
	}
	return lines*e.LineHeight + e.Padding, nil
}

// Measurement is what a client reports once its editor has rendered: marker
// positions, the top of the editor, any box heights it measured and which
// notes the reader expanded.
type Measurement struct {
	Positions []Position         `json:"positions"`
	EditorTop *float64           `json:"editorTop"`
	Heights   map[string]float64 `json:"heights"`
	Expanded  []string           `json:"expanded"`
}

// Layout places boxes for the measurement. Heights the client did not
// report are estimated.
func (m Measurement) Layout(content map[string]string) ([]Box, error) {
	engine, _, err := m.Engine(content)
	if err != nil {
		return nil, err
	}
	return engine.Boxes(), nil
}

// Engine loads the measurement into a new engine so later changes, such as
// an expand toggle, re-lay out without a fresh measurement. The returned
// map backs the engine's height table; entries written to it are used on
// the next layout.
func (m Measurement) Engine(content map[string]string) (*Engine, map[string]float64, error) {
	heights := make(map[string]float64, len(m.Heights))
	for key, h := range m.Heights {
		heights[key] = h
	}
	engine := NewEngine(HeightTable{Heights: heights, Fallback: DefaultEstimator}, content)
	if err := engine.Load(m.Positions, m.EditorTop, m.Expanded); err != nil {
		return nil, nil, err
	}
	return engine, heights, nil
}
