package search

import (
	"context"
	"log"

	"readingnotes/api/internal/store"
)

// ReadingLoader lists every reading of the project for reindexing.
type ReadingLoader interface {
	ListReadingDetails(ctx context.Context) ([]store.ReadingDetails, error)
}

// Service tries Meilisearch first and falls back to Postgres full-text search.
type Service struct {
	meili     *Meili
	pgfts     Searcher
	projectID string
}

// NewService creates a search service for one project. meili may be nil.
func NewService(meili *Meili, pgfts Searcher, projectID string) *Service {
	return &Service{meili: meili, pgfts: pgfts, projectID: projectID}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.ProjectID = s.projectID
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text, Degraded: true}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Degraded: true}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Degraded: q.FilterType == ResultSidenote}
}

// IndexReading pushes one reading and its notes (fire-and-forget).
func (s *Service) IndexReading(details store.ReadingDetails) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	reading, notes := RecordsFor(details)
	go func() {
		if err := s.meili.IndexReading(reading, notes); err != nil {
			log.Printf("search: index reading %s: %v", details.ContentID, err)
		}
	}()
}

// ReindexAll reads every reading from the loader and pushes it to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context, loader ReadingLoader) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	all, err := loader.ListReadingDetails(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	readings := make([]ReadingRecord, 0, len(all))
	var notes []SidenoteRecord
	for _, details := range all {
		reading, readingNotes := RecordsFor(details)
		readings = append(readings, reading)
		notes = append(notes, readingNotes...)
	}
	if err := s.meili.IndexReadings(readings, notes); err != nil {
		log.Printf("search: reindex: %v", err)
		return
	}
	log.Printf("search: reindexed %d readings and %d sidenotes", len(readings), len(notes))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
