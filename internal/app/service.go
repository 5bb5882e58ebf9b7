package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"readingnotes/api/internal/config"
	"readingnotes/api/internal/doctree"
	"readingnotes/api/internal/editgate"
	"readingnotes/api/internal/export"
	"readingnotes/api/internal/gitrepo"
	"readingnotes/api/internal/media"
	"readingnotes/api/internal/rbac"
	"readingnotes/api/internal/search"
	"readingnotes/api/internal/sidenote"
	"readingnotes/api/internal/store"
)

// DataStore is the persistence collaborator for one project.
type DataStore interface {
	ListSessions(ctx context.Context) ([]store.Session, error)
	ListReadings(ctx context.Context) ([]store.Reading, error)
	GetReading(ctx context.Context, contentID string) (store.ReadingDetails, error)
	GetDocumentContent(ctx context.Context, contentID string) (store.DocumentContent, error)
	PutDocumentContent(ctx context.Context, contentID string, content json.RawMessage) error
	PutDocument(ctx context.Context, contentID string, content json.RawMessage, annotations map[string]string) error
	GetAnnotationMap(ctx context.Context, contentID string) (map[string]string, error)
	PutAnnotationMap(ctx context.Context, contentID string, annotations map[string]string) error
	Ping(ctx context.Context) error
}

type RevisionLog interface {
	Commit(contentID string, snap gitrepo.Snapshot, author, message string) (gitrepo.Revision, error)
	History(contentID string, limit int) ([]gitrepo.Revision, error)
}

type EditGate interface {
	Enabled() bool
	Unlock(ctx context.Context, key, client string) (editgate.Unlocked, error)
	Authorize(ctx context.Context, token string) (rbac.Role, error)
	Lock(ctx context.Context, token string) error
}

type ProgressStore interface {
	MarkComplete(ctx context.Context, projectID, readerID, contentID string) error
	UnmarkComplete(ctx context.Context, projectID, readerID, contentID string) error
	Completions(ctx context.Context, projectID, readerID string) ([]string, error)
}

type SearchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexReading(details store.ReadingDetails)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type ImageStore interface {
	Upload(ctx context.Context, contentID string, body io.Reader) (media.Image, error)
}

type LiveChannel interface {
	PublishRefresh(ctx context.Context, contentID, revision string) error
	Serve(w http.ResponseWriter, r *http.Request, contentID string)
}

// Deps are the collaborators of a Service. Store is required; the rest are
// optional and their endpoints answer 503 when absent.
type Deps struct {
	Store     DataStore
	Revisions RevisionLog
	Gate      EditGate
	Progress  ProgressStore
	Search    SearchIndex
	Export    Exporter
	Images    ImageStore
	Live      LiveChannel
}

type Service struct {
	cfg       config.Config
	project   config.Project
	store     DataStore
	revisions RevisionLog
	gate      EditGate
	progress  ProgressStore
	search    SearchIndex
	exporter  Exporter
	images    ImageStore
	live      LiveChannel
	timeout   time.Duration
}

func New(cfg config.Config, deps Deps) *Service {
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		cfg:       cfg,
		project:   cfg.Project,
		store:     deps.Store,
		revisions: deps.Revisions,
		gate:      deps.Gate,
		progress:  deps.Progress,
		search:    deps.Search,
		exporter:  deps.Export,
		images:    deps.Images,
		live:      deps.Live,
		timeout:   timeout,
	}
}

func (s *Service) Project() config.Project {
	return s.project
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// storeContext bounds a persistence call so a stalled backend surfaces as a
// TIMEOUT instead of hanging the request.
func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type ReadingSummary struct {
	ContentID       string `json:"contentId"`
	Title           string `json:"title"`
	OriginalTitle   string `json:"originalTitle"`
	Description     string `json:"description"`
	RequiredReading bool   `json:"requiredReading"`
	SessionNumber   int    `json:"sessionNumber"`
	Order           int    `json:"order"`
	Format          string `json:"format"`
	Status          string `json:"status"`
	RevisionURL     string `json:"revisionUrl,omitempty"`
}

type SessionView struct {
	Number      int              `json:"sessionNumber"`
	CounterJP   string           `json:"sessionCounterJp"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Required    []ReadingSummary `json:"required"`
	Recommended []ReadingSummary `json:"recommended"`
}

// Curriculum returns the project's sessions with their readings split into
// required and recommended lists.
func (s *Service) Curriculum(ctx context.Context) ([]SessionView, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	var (
		sessions []store.Session
		readings []store.Reading
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sessions, err = s.store.ListSessions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		readings, err = s.store.ListReadings(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, storeError("load curriculum", err)
	}
	return GroupReadingsBySession(sessions, readings), nil
}

// GroupReadingsBySession attaches titled readings to their session. A reading
// without a session number belongs to session 1.
func GroupReadingsBySession(sessions []store.Session, readings []store.Reading) []SessionView {
	bySession := make(map[int][]ReadingSummary)
	for _, r := range titled(readings) {
		summary := summarize(r)
		bySession[summary.SessionNumber] = append(bySession[summary.SessionNumber], summary)
	}

	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		view := SessionView{
			Number:      sess.Number,
			CounterJP:   sess.CounterJP,
			Title:       sess.Title,
			Description: sess.Description,
			Required:    []ReadingSummary{},
			Recommended: []ReadingSummary{},
		}
		for _, r := range bySession[sess.Number] {
			if r.RequiredReading {
				view.Required = append(view.Required, r)
			} else {
				view.Recommended = append(view.Recommended, r)
			}
		}
		views = append(views, view)
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Number < views[j].Number })
	return views
}

// ListReadings returns the titled readings of the project in display order.
func (s *Service) ListReadings(ctx context.Context) ([]ReadingSummary, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	readings, err := s.store.ListReadings(ctx)
	if err != nil {
		return nil, storeError("list readings", err)
	}
	out := make([]ReadingSummary, 0, len(readings))
	for _, r := range titled(readings) {
		out = append(out, summarize(r))
	}
	return out, nil
}

func titled(readings []store.Reading) []store.Reading {
	out := make([]store.Reading, 0, len(readings))
	for _, r := range readings {
		if strings.TrimSpace(r.Title) == "" {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func summarize(r store.Reading) ReadingSummary {
	session := 1
	if r.SessionNumber != nil {
		session = *r.SessionNumber
	}
	return ReadingSummary{
		ContentID:       r.ContentID,
		Title:           r.Title,
		OriginalTitle:   r.OriginalTitle,
		Description:     r.Description,
		RequiredReading: r.RequiredReading,
		SessionNumber:   session,
		Order:           r.Order,
		Format:          r.Format,
		Status:          r.Status,
		RevisionURL:     r.RevisionURL,
	}
}

type ReadingPage struct {
	ContentID      string                `json:"contentId"`
	Title          string                `json:"title"`
	OriginalTitle  string                `json:"originalTitle"`
	Author         string                `json:"author"`
	TimeToRead     string                `json:"timeToRead"`
	LinkToOriginal string                `json:"linkToOriginal"`
	Image          string                `json:"image"`
	Translator     string                `json:"translator"`
	Proofreader    string                `json:"proofreader"`
	Content        json.RawMessage       `json:"content"`
	HTML           string                `json:"html"`
	Sidenotes      map[string]string     `json:"sidenotes"`
	Markers        []doctree.MarkerRef   `json:"markers"`
	Outline        []doctree.OutlineItem `json:"outline"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

func (s *Service) GetReading(ctx context.Context, contentID string) (ReadingPage, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	details, err := s.store.GetReading(sctx, contentID)
	if err != nil {
		return ReadingPage{}, storeError("get reading", err)
	}
	doc, err := loadDocument(details.Content)
	if err != nil {
		return ReadingPage{}, err
	}
	content, err := json.Marshal(doc)
	if err != nil {
		return ReadingPage{}, fmt.Errorf("encode content: %w", err)
	}
	notes := details.Sidenotes
	if notes == nil {
		notes = map[string]string{}
	}
	markers := doc.Markers()
	if markers == nil {
		markers = []doctree.MarkerRef{}
	}
	outline := doc.Outline()
	if outline == nil {
		outline = []doctree.OutlineItem{}
	}
	return ReadingPage{
		ContentID:      details.ContentID,
		Title:          details.Title,
		OriginalTitle:  details.OriginalTitle,
		Author:         details.Author,
		TimeToRead:     details.TimeToRead,
		LinkToOriginal: details.LinkToOriginal,
		Image:          details.Image,
		Translator:     details.Translator,
		Proofreader:    details.Proofreader,
		Content:        content,
		HTML:           doc.HTML(),
		Sidenotes:      notes,
		Markers:        markers,
		Outline:        outline,
		UpdatedAt:      details.UpdatedAt,
	}, nil
}

// loadDocument parses stored content and normalises marker ids, which older
// clients did not always keep dense. Empty content is an empty document.
func loadDocument(raw json.RawMessage) (*doctree.Document, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return doctree.New(), nil
	}
	doc, err := doctree.Parse(raw)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_CONTENT", "Content is not a valid document", err.Error())
	}
	doc.Renumber()
	return doc, nil
}

func (s *Service) Layout(ctx context.Context, contentID string, m sidenote.Measurement) ([]sidenote.Box, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	notes, err := s.store.GetAnnotationMap(sctx, contentID)
	if err != nil {
		return nil, storeError("get sidenotes", err)
	}
	boxes, err := m.Layout(notes)
	if err != nil {
		return nil, err
	}
	if boxes == nil {
		boxes = []sidenote.Box{}
	}
	return boxes, nil
}

// Activate resolves a marker click. The editor opens only when the client
// is in edit mode and the caller's role may annotate.
func (s *Service) Activate(markerID, viewportWidth int, role rbac.Role, editable bool) sidenote.Activation {
	return sidenote.Activate(markerID, viewportWidth, editable && rbac.Can(role, rbac.ActionAnnotate))
}

type Progress struct {
	Completed []string `json:"completed"`
	Done      int      `json:"done"`
	Total     int      `json:"total"`
}

func (s *Service) Completions(ctx context.Context, readerID string) (Progress, error) {
	if err := s.checkProgress(readerID); err != nil {
		return Progress{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	var (
		completed []string
		readings  []store.Reading
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		completed, err = s.progress.Completions(gctx, s.project.ID, readerID)
		return err
	})
	g.Go(func() error {
		var err error
		readings, err = s.store.ListReadings(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Progress{}, storeError("load progress", err)
	}

	known := make(map[string]struct{})
	for _, r := range titled(readings) {
		known[r.ContentID] = struct{}{}
	}
	progress := Progress{Completed: []string{}, Total: len(known)}
	for _, id := range completed {
		if _, ok := known[id]; ok {
			progress.Completed = append(progress.Completed, id)
		}
	}
	progress.Done = len(progress.Completed)
	return progress, nil
}

func (s *Service) SetCompleted(ctx context.Context, readerID, contentID string, done bool) (Progress, error) {
	if err := s.checkProgress(readerID); err != nil {
		return Progress{}, err
	}
	sctx, cancel := s.storeContext(ctx)
	var err error
	if done {
		err = s.progress.MarkComplete(sctx, s.project.ID, readerID, contentID)
	} else {
		err = s.progress.UnmarkComplete(sctx, s.project.ID, readerID, contentID)
	}
	cancel()
	if err != nil {
		return Progress{}, storeError("update progress", err)
	}
	return s.Completions(ctx, readerID)
}

func (s *Service) checkProgress(readerID string) error {
	if s.progress == nil {
		return domainError(http.StatusServiceUnavailable, "PROGRESS_UNAVAILABLE", "Reading progress is not available", nil)
	}
	if readerID == "" || len(readerID) > 128 {
		return domainError(http.StatusBadRequest, "READER_ID_REQUIRED", "X-Reader-ID header is required", nil)
	}
	return nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not available", nil)
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{Results: []search.Result{}}, nil
	}
	if q.FilterType != "" && q.FilterType != search.ResultReading && q.FilterType != search.ResultSidenote {
		return search.Response{}, domainError(http.StatusBadRequest, "INVALID_FILTER", "type must be reading or sidenote", nil)
	}
	if q.Limit <= 0 || q.Limit > 50 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.search.Search(ctx, q), nil
}

func (s *Service) Export(ctx context.Context, contentID, format string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available", nil)
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{ContentID: contentID, Format: parsed})
}

func (s *Service) Revisions(ctx context.Context, contentID string, limit int) ([]gitrepo.Revision, error) {
	if s.revisions == nil {
		return nil, domainError(http.StatusServiceUnavailable, "REVISIONS_UNAVAILABLE", "Revision history is not available", nil)
	}
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if _, err := s.store.GetReading(sctx, contentID); err != nil {
		return nil, storeError("get reading", err)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.revisions.History(contentID, limit)
}

// Authorize resolves the caller's role. Without a gate everyone reads.
func (s *Service) Authorize(ctx context.Context, token string) (rbac.Role, error) {
	if s.gate == nil {
		if token != "" {
			return rbac.RoleReader, editgate.ErrEditingDisabled
		}
		return rbac.RoleReader, nil
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.gate.Authorize(ctx, token)
}

func (s *Service) Unlock(ctx context.Context, key, client string) (editgate.Unlocked, error) {
	if s.gate == nil || !s.gate.Enabled() {
		return editgate.Unlocked{}, editgate.ErrEditingDisabled
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.gate.Unlock(ctx, key, client)
}

func (s *Service) Lock(ctx context.Context, token string) error {
	if s.gate == nil || token == "" {
		return nil
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.gate.Lock(ctx, token)
}

func (s *Service) EditingEnabled() bool {
	return s.gate != nil && s.gate.Enabled()
}

func (s *Service) ServeLive(w http.ResponseWriter, r *http.Request, contentID string) error {
	if s.live == nil {
		return domainError(http.StatusServiceUnavailable, "LIVE_UNAVAILABLE", "Live updates are not available", nil)
	}
	s.live.Serve(w, r, contentID)
	return nil
}

func parseMarkerID(value string) (int, error) {
	id, err := strconv.Atoi(value)
	if err != nil || id < 1 {
		return 0, domainError(http.StatusBadRequest, "INVALID_MARKER", "Marker id must be a positive integer", nil)
	}
	return id, nil
}

func logIfErr(format string, err error, args ...any) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	log.Printf(format, append(args, err)...)
}
