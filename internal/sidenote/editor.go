package sidenote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var ErrEditorClosed = errors.New("sidenote editor is not open")

// AnnotationStore reads and writes a document's whole annotation map.
type AnnotationStore interface {
	GetAnnotationMap(ctx context.Context, documentID string) (map[string]string, error)
	PutAnnotationMap(ctx context.Context, documentID string, annotations map[string]string) error
}

// ContentEditor edits the HTML of one sidenote. Saving writes the full map
// back with only the edited entry changed.
type ContentEditor struct {
	store       AnnotationStore
	documentID  string
	markerID    int
	annotations map[string]string
	draft       string
	open        bool
}

func NewContentEditor(store AnnotationStore) *ContentEditor {
	return &ContentEditor{store: store}
}

// Open loads the annotation map and returns the current HTML for markerID,
// empty when no entry exists yet.
func (e *ContentEditor) Open(ctx context.Context, documentID string, markerID int) (string, error) {
	annotations, err := e.store.GetAnnotationMap(ctx, documentID)
	if err != nil {
		return "", fmt.Errorf("load annotations for %s: %w", documentID, err)
	}
	if annotations == nil {
		annotations = make(map[string]string)
	}
	e.documentID = documentID
	e.markerID = markerID
	e.annotations = annotations
	e.draft = annotations[strconv.Itoa(markerID)]
	e.open = true
	return e.draft, nil
}

// SetContent replaces the draft. Nothing is stored until Save.
func (e *ContentEditor) SetContent(html string) {
	e.draft = html
}

// Content returns the current draft.
func (e *ContentEditor) Content() string {
	return e.draft
}

// MarkerID returns the marker whose note is being edited.
func (e *ContentEditor) MarkerID() int {
	return e.markerID
}

// Save merges the draft into the loaded map and persists the whole map. On
// failure the editor stays open with its draft.
func (e *ContentEditor) Save(ctx context.Context) (map[string]string, error) {
	if !e.open {
		return nil, ErrEditorClosed
	}
	merged := make(map[string]string, len(e.annotations)+1)
	for k, v := range e.annotations {
		merged[k] = v
	}
	merged[strconv.Itoa(e.markerID)] = e.draft
	if err := e.store.PutAnnotationMap(ctx, e.documentID, merged); err != nil {
		return nil, fmt.Errorf("save annotations for %s: %w", e.documentID, err)
	}
	e.annotations = merged
	e.Close()
	return merged, nil
}

// Close marks the editor closed without saving the draft.
func (e *ContentEditor) Close() {
	e.open = false
}

// IsOpen reports whether Open succeeded and neither Save nor Close has run since.
func (e *ContentEditor) IsOpen() bool {
	return e.open
}
