package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches readings through the generated tsvector on reading_details.
// Sidenote text is part of that vector, so note matches surface as their
// reading.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.FilterType == ResultSidenote {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const where = `rd.fts @@ plainto_tsquery('simple', $1) AND rd.project_id = $2`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM reading_details rd WHERE `+where,
		q.Text, q.ProjectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT rd.content_id, rd.title,
			ts_headline('simple', coalesce(rd.original_title, '') || ' ' || coalesce(rd.author, ''),
				plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')
		FROM reading_details rd
		WHERE %s
		ORDER BY ts_rank(rd.fts, plainto_tsquery('simple', $1)) DESC, rd.content_id
		LIMIT %d OFFSET %d`, where, limit, offset), q.Text, q.ProjectID)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{Type: ResultReading}
		if err := rows.Scan(&r.ContentID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = safeID(r.ContentID)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
