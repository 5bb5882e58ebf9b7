package search

import (
	"sort"
	"strconv"
	"strings"

	"readingnotes/api/internal/doctree"
	"readingnotes/api/internal/sidenote"
	"readingnotes/api/internal/store"
)

// RecordsFor flattens a reading and its notes into index records. Content
// that fails to parse is indexed by metadata only.
func RecordsFor(details store.ReadingDetails) (ReadingRecord, []SidenoteRecord) {
	reading := ReadingRecord{
		ID:            safeID(details.ContentID),
		ContentID:     details.ContentID,
		ProjectID:     details.ProjectID,
		Title:         details.Title,
		OriginalTitle: details.OriginalTitle,
		Author:        details.Author,
	}
	if doc, err := doctree.Parse(details.Content); err == nil {
		reading.Body = doc.PlainText()
	}

	keys := make([]string, 0, len(details.Sidenotes))
	for key := range details.Sidenotes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	notes := make([]SidenoteRecord, 0, len(keys))
	for _, key := range keys {
		markerID, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		body := strings.TrimSpace(sidenote.PlainText(details.Sidenotes[key]))
		if body == "" {
			continue
		}
		notes = append(notes, SidenoteRecord{
			ID:        SidenoteRecordID(details.ContentID, markerID),
			ProjectID: details.ProjectID,
			ContentID: details.ContentID,
			MarkerID:  markerID,
			Title:     details.Title,
			Body:      body,
		})
	}
	return reading, notes
}

// SidenoteRecordID is the primary key of a note's record.
func SidenoteRecordID(contentID string, markerID int) string {
	return safeID(contentID) + "-n" + strconv.Itoa(markerID)
}

// safeID maps a content id onto the characters Meilisearch accepts in
// primary keys.
func safeID(contentID string) string {
	var b strings.Builder
	for _, r := range contentID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
