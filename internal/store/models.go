package store

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID          string
	ProjectID   string
	Number      int
	CounterJP   string
	Title       string
	Description string
}

// Reading is one row of the curriculum overview. Title is empty when the
// row has none; SessionNumber is nil when unassigned.
type Reading struct {
	ID              string
	ProjectID       string
	ContentID       string
	Title           string
	OriginalTitle   string
	Description     string
	RequiredReading bool
	RevisionURL     string
	SessionNumber   *int
	Order           int
	Format          string
	Status          string
}

type ReadingDetails struct {
	ContentID      string
	ProjectID      string
	Title          string
	OriginalTitle  string
	Author         string
	TimeToRead     string
	LinkToOriginal string
	Image          string
	Translator     string
	Proofreader    string
	Content        json.RawMessage
	Sidenotes      map[string]string
	UpdatedAt      time.Time
}

// DocumentContent is a reading's document tree and its annotation map.
type DocumentContent struct {
	Content   json.RawMessage
	Sidenotes map[string]string
}
