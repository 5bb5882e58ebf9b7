package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxReadings  = "notes_readings"
	idxSidenotes = "notes_sidenotes"

	pruneBatch = 1000
)

// Meili searches and indexes readings and their sidenotes in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a client and configures indexes when reachable. The
// returned value is usable either way; Healthy reports availability.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxReadings,
			filterable: []string{"projectId"},
			searchable: []string{"title", "originalTitle", "author", "body"},
		},
		{
			uid:        idxSidenotes,
			filterable: []string{"projectId", "contentId"},
			searchable: []string{"body", "title"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxReadings, ResultReading},
		{idxSidenotes, ResultSidenote},
	}

	var queries []*meili.SearchRequest
	for _, target := range targets {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                projectFilter(q.ProjectID),
			AttributesToHighlight: []string{"title", "body"},
			AttributesToCrop:      []string{"body"},
			CropLength:            30,
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		})
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func projectFilter(projectID string) interface{} {
	if projectID == "" {
		return nil
	}
	return []string{fmt.Sprintf("projectId = %q", projectID)}
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxReadings:
		return ResultReading
	case idxSidenotes:
		return ResultSidenote
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.ContentID = decodeString(hit, "contentId")
	r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	if rtyp == ResultSidenote {
		if raw, ok := hit["markerId"]; ok {
			_ = json.Unmarshal(raw, &r.MarkerID)
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexReading replaces a reading and its notes. Notes that no longer exist
// are removed from the index.
func (m *Meili) IndexReading(reading ReadingRecord, notes []SidenoteRecord) error {
	if _, err := m.client.Index(idxReadings).AddDocuments([]ReadingRecord{reading}, nil); err != nil {
		return fmt.Errorf("index reading %s: %w", reading.ContentID, err)
	}
	keep := make(map[string]struct{}, len(notes))
	for _, note := range notes {
		keep[note.ID] = struct{}{}
	}
	if err := m.pruneNotes(reading.ContentID, keep); err != nil {
		return err
	}
	if len(notes) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxSidenotes).AddDocuments(notes, nil); err != nil {
		return fmt.Errorf("index sidenotes of %s: %w", reading.ContentID, err)
	}
	return nil
}

func (m *Meili) pruneNotes(contentID string, keep map[string]struct{}) error {
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{{
		IndexUID: idxSidenotes,
		Limit:    pruneBatch,
		Filter:   []string{fmt.Sprintf("contentId = %q", contentID)},
	}}})
	if err != nil {
		return fmt.Errorf("list indexed sidenotes of %s: %w", contentID, err)
	}
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			id := decodeString(hit, "id")
			if _, ok := keep[id]; ok || id == "" {
				continue
			}
			if _, err := m.client.Index(idxSidenotes).DeleteDocument(id, nil); err != nil {
				return fmt.Errorf("delete sidenote %s: %w", id, err)
			}
		}
	}
	return nil
}

// IndexReadings bulk-indexes readings and notes.
func (m *Meili) IndexReadings(readings []ReadingRecord, notes []SidenoteRecord) error {
	if len(readings) > 0 {
		if _, err := m.client.Index(idxReadings).AddDocuments(readings, nil); err != nil {
			return fmt.Errorf("bulk index readings: %w", err)
		}
	}
	if len(notes) > 0 {
		if _, err := m.client.Index(idxSidenotes).AddDocuments(notes, nil); err != nil {
			return fmt.Errorf("bulk index sidenotes: %w", err)
		}
	}
	return nil
}
