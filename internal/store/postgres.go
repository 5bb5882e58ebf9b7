package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore reads and writes the curriculum of a single project.
type PostgresStore struct {
	db        *sql.DB
	projectID string
}

func NewPostgresStore(db *sql.DB, projectID string) *PostgresStore {
	return &PostgresStore{db: db, projectID: projectID}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, project_id, session_number, session_counter_jp, title, description
		FROM sessions
		WHERE project_id = $1
		ORDER BY session_number ASC
	`, s.projectID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Session, 0)
	for rows.Next() {
		var item Session
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Number, &item.CounterJP, &item.Title, &item.Description); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListReadings(ctx context.Context) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, project_id, content_id, COALESCE(title, ''), original_title, description,
			required_reading, revision_url, session_number, "order", format, status
		FROM reading_overview
		WHERE project_id = $1
		ORDER BY session_number ASC NULLS FIRST, "order" ASC, id ASC
	`, s.projectID)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	defer rows.Close()

	items := make([]Reading, 0)
	for rows.Next() {
		var item Reading
		var session sql.NullInt64
		if err := rows.Scan(
			&item.ID, &item.ProjectID, &item.ContentID, &item.Title, &item.OriginalTitle, &item.Description,
			&item.RequiredReading, &item.RevisionURL, &session, &item.Order, &item.Format, &item.Status,
		); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if session.Valid {
			number := int(session.Int64)
			item.SessionNumber = &number
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return items, nil
}

const readingDetailsColumns = `
	content_id, project_id, title, original_title, author, time_to_read, link_to_original,
	image, translator, proofreader, content, sidenotes, updated_at`

func scanReadingDetails(row interface{ Scan(...any) error }) (ReadingDetails, error) {
	var item ReadingDetails
	var content, sidenotes []byte
	if err := row.Scan(
		&item.ContentID, &item.ProjectID, &item.Title, &item.OriginalTitle, &item.Author, &item.TimeToRead,
		&item.LinkToOriginal, &item.Image, &item.Translator, &item.Proofreader, &content, &sidenotes, &item.UpdatedAt,
	); err != nil {
		return ReadingDetails{}, err
	}
	annotations, err := decodeAnnotationMap(sidenotes)
	if err != nil {
		return ReadingDetails{}, err
	}
	item.Content = json.RawMessage(content)
	item.Sidenotes = annotations
	return item, nil
}

// GetReading returns sql.ErrNoRows when the reading does not belong to the
// store's project.
func (s *PostgresStore) GetReading(ctx context.Context, contentID string) (ReadingDetails, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+readingDetailsColumns+`
		FROM reading_details
		WHERE content_id = $1 AND project_id = $2
	`, contentID, s.projectID)
	item, err := scanReadingDetails(row)
	if err != nil {
		return ReadingDetails{}, err
	}
	return item, nil
}

// ListReadingDetails loads every reading of the project for reindexing.
func (s *PostgresStore) ListReadingDetails(ctx context.Context) ([]ReadingDetails, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+readingDetailsColumns+`
		FROM reading_details
		WHERE project_id = $1
		ORDER BY content_id
	`, s.projectID)
	if err != nil {
		return nil, fmt.Errorf("list reading details: %w", err)
	}
	defer rows.Close()

	items := make([]ReadingDetails, 0)
	for rows.Next() {
		item, err := scanReadingDetails(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reading details: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reading details: %w", err)
	}
	return items, nil
}

// UpsertReading inserts or replaces a reading's overview and detail rows.
func (s *PostgresStore) UpsertReading(ctx context.Context, overview Reading, details ReadingDetails) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert reading: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var title any
	if overview.Title != "" {
		title = overview.Title
	}
	var session any
	if overview.SessionNumber != nil {
		session = *overview.SessionNumber
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reading_overview (project_id, content_id, title, original_title, description,
			required_reading, revision_url, session_number, "order", format, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (project_id, content_id) DO UPDATE SET
			title=EXCLUDED.title, original_title=EXCLUDED.original_title, description=EXCLUDED.description,
			required_reading=EXCLUDED.required_reading, revision_url=EXCLUDED.revision_url,
			session_number=EXCLUDED.session_number, "order"=EXCLUDED."order",
			format=EXCLUDED.format, status=EXCLUDED.status
	`, s.projectID, overview.ContentID, title, overview.OriginalTitle, overview.Description,
		overview.RequiredReading, overview.RevisionURL, session, overview.Order, overview.Format, overview.Status); err != nil {
		return fmt.Errorf("upsert reading overview: %w", err)
	}

	content := details.Content
	if len(content) == 0 {
		content = json.RawMessage(`{"type":"doc","content":[]}`)
	}
	sidenotes, err := encodeAnnotationMap(details.Sidenotes)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reading_details (project_id, content_id, title, original_title, author, time_to_read,
			link_to_original, image, translator, proofreader, content, sidenotes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb)
		ON CONFLICT (content_id) DO UPDATE SET
			title=EXCLUDED.title, original_title=EXCLUDED.original_title, author=EXCLUDED.author,
			time_to_read=EXCLUDED.time_to_read, link_to_original=EXCLUDED.link_to_original,
			image=EXCLUDED.image, translator=EXCLUDED.translator, proofreader=EXCLUDED.proofreader,
			content=EXCLUDED.content, sidenotes=EXCLUDED.sidenotes, updated_at=NOW()
	`, s.projectID, overview.ContentID, details.Title, details.OriginalTitle, details.Author, details.TimeToRead,
		details.LinkToOriginal, details.Image, details.Translator, details.Proofreader, string(content), sidenotes); err != nil {
		return fmt.Errorf("upsert reading details: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert reading: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocumentContent(ctx context.Context, contentID string) (DocumentContent, error) {
	var content, sidenotes []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT content, sidenotes FROM reading_details WHERE content_id = $1 AND project_id = $2
	`, contentID, s.projectID).Scan(&content, &sidenotes)
	if err != nil {
		return DocumentContent{}, err
	}
	annotations, err := decodeAnnotationMap(sidenotes)
	if err != nil {
		return DocumentContent{}, err
	}
	return DocumentContent{Content: json.RawMessage(content), Sidenotes: annotations}, nil
}

func (s *PostgresStore) PutDocumentContent(ctx context.Context, contentID string, content json.RawMessage) error {
	if !json.Valid(content) {
		return fmt.Errorf("put document content %s: invalid json", contentID)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reading_details SET content = $3::jsonb, updated_at = NOW()
		WHERE content_id = $1 AND project_id = $2
	`, contentID, s.projectID, string(content))
	if err != nil {
		return fmt.Errorf("put document content %s: %w", contentID, err)
	}
	return expectOneRow(res)
}

func (s *PostgresStore) GetAnnotationMap(ctx context.Context, contentID string) (map[string]string, error) {
	var sidenotes []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT sidenotes FROM reading_details WHERE content_id = $1 AND project_id = $2
	`, contentID, s.projectID).Scan(&sidenotes)
	if err != nil {
		return nil, err
	}
	return decodeAnnotationMap(sidenotes)
}

// PutAnnotationMap replaces the whole map. Concurrent writers are not
// detected; the last write wins.
func (s *PostgresStore) PutAnnotationMap(ctx context.Context, contentID string, annotations map[string]string) error {
	encoded, err := encodeAnnotationMap(annotations)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reading_details SET sidenotes = $3::jsonb, updated_at = NOW()
		WHERE content_id = $1 AND project_id = $2
	`, contentID, s.projectID, encoded)
	if err != nil {
		return fmt.Errorf("put annotation map %s: %w", contentID, err)
	}
	return expectOneRow(res)
}

// PutDocument replaces the tree and the annotation map in one statement, for
// edits that renumber markers and so re-key the map.
func (s *PostgresStore) PutDocument(ctx context.Context, contentID string, content json.RawMessage, annotations map[string]string) error {
	if !json.Valid(content) {
		return fmt.Errorf("put document %s: invalid json", contentID)
	}
	encoded, err := encodeAnnotationMap(annotations)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reading_details SET content = $3::jsonb, sidenotes = $4::jsonb, updated_at = NOW()
		WHERE content_id = $1 AND project_id = $2
	`, contentID, s.projectID, string(content), encoded)
	if err != nil {
		return fmt.Errorf("put document %s: %w", contentID, err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// decodeAnnotationMap accepts only string values; other entries are dropped
// so a malformed map renders those notes as absent.
func decodeAnnotationMap(raw []byte) (map[string]string, error) {
	out := make(map[string]string)
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode annotation map: %w", err)
	}
	for key, value := range entries {
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			continue
		}
		var html string
		if err := json.Unmarshal(value, &html); err != nil {
			continue
		}
		out[key] = html
	}
	return out, nil
}

func encodeAnnotationMap(annotations map[string]string) (string, error) {
	if annotations == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(annotations)
	if err != nil {
		return "", fmt.Errorf("encode annotation map: %w", err)
	}
	return string(encoded), nil
}
