package sidenote

import "strconv"

// DesktopBreakpoint is the narrowest viewport that shows the margin panel.
const DesktopBreakpoint = 1024

type Mode string

const (
	ModeMargin      Mode = "margin"
	ModeBottomSheet Mode = "bottom-sheet"
)

// ModeFor picks the presentation for a viewport width in CSS pixels.
func ModeFor(viewportWidth int) Mode {
	if viewportWidth >= DesktopBreakpoint {
		return ModeMargin
	}
	return ModeBottomSheet
}

type Action string

const (
	ActionOpenEditor  Action = "open-editor"
	ActionMarginPanel Action = "margin"
	ActionBottomSheet Action = "bottom-sheet"
)

// Activation is the outcome of a click on a marker.
type Activation struct {
	MarkerID int    `json:"markerId"`
	Action   Action `json:"action"`
}

// Activate routes a marker click: editors get the content editor, readers get
// the margin panel or the bottom sheet depending on viewport width.
func Activate(markerID, viewportWidth int, editable bool) Activation {
	switch {
	case editable:
		return Activation{MarkerID: markerID, Action: ActionOpenEditor}
	case ModeFor(viewportWidth) == ModeMargin:
		return Activation{MarkerID: markerID, Action: ActionMarginPanel}
	default:
		return Activation{MarkerID: markerID, Action: ActionBottomSheet}
	}
}

// BottomSheet shows one sidenote at a time on narrow viewports.
type BottomSheet struct {
	content map[string]string
	active  int
	open    bool
}

func NewBottomSheet(content map[string]string) *BottomSheet {
	return &BottomSheet{content: content}
}

// Open shows the note for id, replacing any note already shown.
func (s *BottomSheet) Open(id int) {
	s.active = id
	s.open = true
}

// Close hides the sheet.
func (s *BottomSheet) Close() {
	s.active = 0
	s.open = false
}

// Active returns the shown note id and whether the sheet is open.
func (s *BottomSheet) Active() (int, bool) {
	return s.active, s.open
}

// Content returns the full, untruncated HTML of the shown note. A missing
// entry yields an empty string.
func (s *BottomSheet) Content() string {
	if !s.open {
		return ""
	}
	return s.content[strconv.Itoa(s.active)]
}
