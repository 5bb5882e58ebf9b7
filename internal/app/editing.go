package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"readingnotes/api/internal/doctree"
	"readingnotes/api/internal/gitrepo"
	"readingnotes/api/internal/media"
	"readingnotes/api/internal/sidenote"
)

const defaultAuthor = "editor"

type SavedContent struct {
	Content   json.RawMessage     `json:"content"`
	Markers   []doctree.MarkerRef `json:"markers"`
	Sidenotes map[string]string   `json:"sidenotes"`
	Revision  string              `json:"revision,omitempty"`
	// MarkerID is the marker created or removed by the edit, if any.
	MarkerID int `json:"markerId,omitempty"`
	// MarkerCountChanged warns that a whole-document save added or removed
	// markers without moving their notes.
	MarkerCountChanged bool `json:"markerCountChanged,omitempty"`
	Linked             int  `json:"linked,omitempty"`
}

// SaveContent stores a document sent by the editor. Marker ids are
// renumbered before saving; the annotation map is left as it is.
func (s *Service) SaveContent(ctx context.Context, contentID string, raw json.RawMessage, author string) (SavedContent, error) {
	if len(raw) == 0 {
		return SavedContent{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	doc, err := doctree.Parse(raw)
	if err != nil {
		return SavedContent{}, domainError(http.StatusUnprocessableEntity, "INVALID_CONTENT", "Content is not a valid document", err.Error())
	}
	doc.Renumber()
	encoded, err := json.Marshal(doc)
	if err != nil {
		return SavedContent{}, fmt.Errorf("encode content: %w", err)
	}

	sctx, cancel := s.storeContext(ctx)
	current, err := s.store.GetDocumentContent(sctx, contentID)
	cancel()
	if err != nil {
		return SavedContent{}, storeError("load content", err)
	}
	changed := false
	if previous, err := loadDocument(current.Content); err == nil {
		changed = len(previous.Markers()) != len(doc.Markers())
	}

	sctx, cancel = s.storeContext(ctx)
	err = s.store.PutDocumentContent(sctx, contentID, encoded)
	cancel()
	if err != nil {
		return SavedContent{}, storeError("save content", err)
	}

	notes, revision := s.afterSave(ctx, contentID, author, "Update reading text")
	return SavedContent{
		Content:            encoded,
		Markers:            markersOf(doc),
		Sidenotes:          notes,
		Revision:           revision,
		MarkerCountChanged: changed,
	}, nil
}

// InsertSidenote adds a marker at the start of sel. Notes of later markers
// move up one id with them.
func (s *Service) InsertSidenote(ctx context.Context, contentID string, sel doctree.Selection, author string) (SavedContent, error) {
	var inserted int
	saved, err := s.editDocument(ctx, contentID, author, func(doc *doctree.Document, notes map[string]string) (map[string]string, string, error) {
		id, err := doc.InsertSidenote(sel, true)
		if err != nil {
			return nil, "", err
		}
		inserted = id
		return shiftAnnotations(notes, id, 1), fmt.Sprintf("Insert sidenote %d", id), nil
	})
	if err != nil {
		return SavedContent{}, err
	}
	saved.MarkerID = inserted
	return saved, nil
}

// DeleteSidenote removes a marker and its note; later notes move down one id.
func (s *Service) DeleteSidenote(ctx context.Context, contentID string, id int, author string) (SavedContent, error) {
	saved, err := s.editDocument(ctx, contentID, author, func(doc *doctree.Document, notes map[string]string) (map[string]string, string, error) {
		if err := doc.DeleteSidenote(id, true); err != nil {
			return nil, "", err
		}
		return removeAnnotation(notes, id), fmt.Sprintf("Delete sidenote %d", id), nil
	})
	if err != nil {
		return SavedContent{}, err
	}
	saved.MarkerID = id
	return saved, nil
}

// MatchLinks links text of the reading that matches anchors of the source
// HTML. Nothing is saved when no anchor matched.
func (s *Service) MatchLinks(ctx context.Context, contentID, sourceHTML, author string) (SavedContent, error) {
	if strings.TrimSpace(sourceHTML) == "" {
		return SavedContent{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "html is required", nil)
	}
	var added int
	saved, err := s.editDocument(ctx, contentID, author, func(doc *doctree.Document, notes map[string]string) (map[string]string, string, error) {
		n, err := doc.ApplySourceLinks(sourceHTML, true)
		if err != nil {
			return nil, "", err
		}
		added = n
		if n == 0 {
			return notes, "", nil
		}
		return notes, fmt.Sprintf("Link %d phrases from source", n), nil
	})
	if err != nil {
		return SavedContent{}, err
	}
	saved.Linked = added
	return saved, nil
}

// documentEdit returns the new map and a revision message. An empty message
// means the edit changed nothing and is not saved.
type documentEdit func(doc *doctree.Document, notes map[string]string) (map[string]string, string, error)

// editDocument loads the tree and map, applies edit and writes both back in
// one statement so ids and notes never drift apart.
func (s *Service) editDocument(ctx context.Context, contentID, author string, edit documentEdit) (SavedContent, error) {
	sctx, cancel := s.storeContext(ctx)
	current, err := s.store.GetDocumentContent(sctx, contentID)
	cancel()
	if err != nil {
		return SavedContent{}, storeError("load content", err)
	}
	doc, err := loadDocument(current.Content)
	if err != nil {
		return SavedContent{}, err
	}
	notes, message, err := edit(doc, current.Sidenotes)
	if err != nil {
		return SavedContent{}, err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return SavedContent{}, fmt.Errorf("encode content: %w", err)
	}
	if message == "" {
		return SavedContent{Content: encoded, Markers: markersOf(doc), Sidenotes: notes}, nil
	}

	sctx, cancel = s.storeContext(ctx)
	err = s.store.PutDocument(sctx, contentID, encoded, notes)
	cancel()
	if err != nil {
		return SavedContent{}, storeError("save content", err)
	}

	saved, revision := s.afterSave(ctx, contentID, author, message)
	if saved == nil {
		saved = notes
	}
	return SavedContent{Content: encoded, Markers: markersOf(doc), Sidenotes: saved, Revision: revision}, nil
}

// GetSidenote returns the stored HTML of one note, empty when it has none.
func (s *Service) GetSidenote(ctx context.Context, contentID string, id int) (string, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	editor := sidenote.NewContentEditor(s.store)
	html, err := editor.Open(ctx, contentID, id)
	if err != nil {
		return "", storeError("get sidenote", err)
	}
	editor.Close()
	return html, nil
}

// PutSidenote replaces one note. The whole map is written back.
func (s *Service) PutSidenote(ctx context.Context, contentID string, id int, html, author string) (SavedContent, error) {
	sctx, cancel := s.storeContext(ctx)
	editor := sidenote.NewContentEditor(s.store)
	if _, err := editor.Open(sctx, contentID, id); err != nil {
		cancel()
		return SavedContent{}, storeError("open sidenote", err)
	}
	editor.SetContent(html)
	notes, err := editor.Save(sctx)
	cancel()
	if err != nil {
		return SavedContent{}, storeError("save sidenote", err)
	}

	saved, revision := s.afterSave(ctx, contentID, author, fmt.Sprintf("Edit sidenote %d", id))
	if saved == nil {
		saved = notes
	}
	return SavedContent{Sidenotes: saved, Revision: revision, MarkerID: id}, nil
}

func (s *Service) UploadImage(ctx context.Context, contentID string, body io.Reader) (media.Image, error) {
	if s.images == nil {
		return media.Image{}, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Image uploads are not configured", nil)
	}
	sctx, cancel := s.storeContext(ctx)
	_, err := s.store.GetReading(sctx, contentID)
	cancel()
	if err != nil {
		return media.Image{}, storeError("get reading", err)
	}
	return s.images.Upload(ctx, contentID, body)
}

// afterSave records a revision, refreshes the search index and tells open
// readers to re-measure. The save itself already succeeded, so failures
// here are logged only. It returns the stored map and revision hash.
func (s *Service) afterSave(ctx context.Context, contentID, author, message string) (map[string]string, string) {
	if strings.TrimSpace(author) == "" {
		author = defaultAuthor
	}
	sctx, cancel := s.storeContext(ctx)
	details, err := s.store.GetReading(sctx, contentID)
	cancel()
	if err != nil {
		logIfErr("app: reload %s after save: %v", err, contentID)
		return nil, ""
	}

	var revision string
	if s.revisions != nil {
		rev, err := s.revisions.Commit(contentID, gitrepo.Snapshot{Content: details.Content, Sidenotes: details.Sidenotes}, author, message)
		logIfErr("app: record revision of %s: %v", err, contentID)
		revision = rev.Hash
	}
	if s.search != nil {
		s.search.IndexReading(details)
	}
	if s.live != nil {
		pctx, cancel := s.storeContext(ctx)
		logIfErr("app: publish refresh of %s: %v", s.live.PublishRefresh(pctx, contentID, revision), contentID)
		cancel()
	}
	return details.Sidenotes, revision
}

func markersOf(doc *doctree.Document) []doctree.MarkerRef {
	markers := doc.Markers()
	if markers == nil {
		return []doctree.MarkerRef{}
	}
	return markers
}

// shiftAnnotations moves every note with id >= from by delta. Keys that are
// not marker ids are kept unchanged.
func shiftAnnotations(notes map[string]string, from, delta int) map[string]string {
	out := make(map[string]string, len(notes))
	for key, html := range notes {
		id, err := strconv.Atoi(key)
		if err != nil || id < from {
			out[key] = html
			continue
		}
		out[strconv.Itoa(id+delta)] = html
	}
	return out
}

func removeAnnotation(notes map[string]string, id int) map[string]string {
	rest := make(map[string]string, len(notes))
	for key, html := range notes {
		if key != strconv.Itoa(id) {
			rest[key] = html
		}
	}
	return shiftAnnotations(rest, id+1, -1)
}
