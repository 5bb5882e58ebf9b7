package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultReading  ResultType = "reading"
	ResultSidenote ResultType = "sidenote"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	ContentID string     `json:"contentId"`
	MarkerID  int        `json:"markerId,omitempty"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
}

// Query describes a search request within one project.
type Query struct {
	Text       string
	ProjectID  string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results  []Result `json:"results"`
	Total    int      `json:"total"`
	Query    string   `json:"query"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ReadingRecord is the data indexed for a reading.
type ReadingRecord struct {
	ID            string `json:"id"`
	ContentID     string `json:"contentId"`
	ProjectID     string `json:"projectId"`
	Title         string `json:"title"`
	OriginalTitle string `json:"originalTitle"`
	Author        string `json:"author"`
	Body          string `json:"body"`
}

// SidenoteRecord is the data indexed for one sidenote of a reading.
type SidenoteRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	ContentID string `json:"contentId"`
	MarkerID  int    `json:"markerId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}
