package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"readingnotes/api/internal/auth"
	"readingnotes/api/internal/config"
	"readingnotes/api/internal/editgate"
	"readingnotes/api/internal/export"
	"readingnotes/api/internal/gitrepo"
	"readingnotes/api/internal/media"
	"readingnotes/api/internal/rbac"
	"readingnotes/api/internal/search"
	"readingnotes/api/internal/store"
)

// fakeStore keeps readings in memory. Function fields override behaviour.
type fakeStore struct {
	mu       sync.Mutex
	sessions []store.Session
	readings []store.Reading
	details  map[string]store.ReadingDetails

	listSessionsFn  func(context.Context) ([]store.Session, error)
	putAnnotationFn func(context.Context, string, map[string]string) error
	pingFn          func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{details: make(map[string]store.ReadingDetails)}
}

func (f *fakeStore) ListSessions(ctx context.Context) ([]store.Session, error) {
	if f.listSessionsFn != nil {
		return f.listSessionsFn(ctx)
	}
	return f.sessions, nil
}

func (f *fakeStore) ListReadings(context.Context) ([]store.Reading, error) {
	return f.readings, nil
}

func (f *fakeStore) GetReading(_ context.Context, contentID string) (store.ReadingDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	details, ok := f.details[contentID]
	if !ok {
		return store.ReadingDetails{}, sql.ErrNoRows
	}
	details.Sidenotes = copyNotes(details.Sidenotes)
	return details, nil
}

func (f *fakeStore) GetDocumentContent(ctx context.Context, contentID string) (store.DocumentContent, error) {
	details, err := f.GetReading(ctx, contentID)
	if err != nil {
		return store.DocumentContent{}, err
	}
	return store.DocumentContent{Content: details.Content, Sidenotes: details.Sidenotes}, nil
}

func (f *fakeStore) PutDocumentContent(_ context.Context, contentID string, content json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	details, ok := f.details[contentID]
	if !ok {
		return sql.ErrNoRows
	}
	details.Content = content
	f.details[contentID] = details
	return nil
}

func (f *fakeStore) PutDocument(_ context.Context, contentID string, content json.RawMessage, annotations map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	details, ok := f.details[contentID]
	if !ok {
		return sql.ErrNoRows
	}
	details.Content = content
	details.Sidenotes = copyNotes(annotations)
	f.details[contentID] = details
	return nil
}

func (f *fakeStore) GetAnnotationMap(ctx context.Context, contentID string) (map[string]string, error) {
	details, err := f.GetReading(ctx, contentID)
	if err != nil {
		return nil, err
	}
	return details.Sidenotes, nil
}

func (f *fakeStore) PutAnnotationMap(ctx context.Context, contentID string, annotations map[string]string) error {
	if f.putAnnotationFn != nil {
		return f.putAnnotationFn(ctx, contentID, annotations)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	details, ok := f.details[contentID]
	if !ok {
		return sql.ErrNoRows
	}
	details.Sidenotes = copyNotes(annotations)
	f.details[contentID] = details
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func copyNotes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type fakeRevisions struct {
	commits []gitrepo.Snapshot
	authors []string
}

func (f *fakeRevisions) Commit(_ string, snap gitrepo.Snapshot, author, _ string) (gitrepo.Revision, error) {
	f.commits = append(f.commits, snap)
	f.authors = append(f.authors, author)
	return gitrepo.Revision{Hash: "abc1234", Author: author}, nil
}

func (f *fakeRevisions) History(string, int) ([]gitrepo.Revision, error) {
	return []gitrepo.Revision{{Hash: "abc1234", Message: "Update reading", CreatedAt: time.Unix(0, 0).UTC()}}, nil
}

// fakeGate treats "editor-token" as a valid editor token.
type fakeGate struct{}

func (fakeGate) Enabled() bool { return true }

func (fakeGate) Unlock(_ context.Context, key, _ string) (editgate.Unlocked, error) {
	if key != "open sesame" {
		return editgate.Unlocked{}, editgate.ErrWrongKey
	}
	return editgate.Unlocked{Token: "editor-token", ExpiresAt: time.Unix(1_900_000_000, 0)}, nil
}

func (fakeGate) Authorize(_ context.Context, token string) (rbac.Role, error) {
	switch token {
	case "":
		return rbac.RoleReader, nil
	case "editor-token":
		return rbac.RoleEditor, nil
	default:
		return rbac.RoleReader, auth.ErrInvalidToken
	}
}

func (fakeGate) Lock(context.Context, string) error { return nil }

type fakeProgress struct {
	mu   sync.Mutex
	done map[string]map[string]bool
}

func (f *fakeProgress) MarkComplete(_ context.Context, projectID, readerID, contentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(map[string]map[string]bool)
	}
	key := projectID + "/" + readerID
	if f.done[key] == nil {
		f.done[key] = make(map[string]bool)
	}
	f.done[key][contentID] = true
	return nil
}

func (f *fakeProgress) UnmarkComplete(_ context.Context, projectID, readerID, contentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.done[projectID+"/"+readerID], contentID)
	return nil
}

func (f *fakeProgress) Completions(_ context.Context, projectID, readerID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.done[projectID+"/"+readerID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeSearch struct {
	queries []search.Query
	indexed []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{Type: search.ResultReading, ContentID: "r1", Title: "t"}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexReading(details store.ReadingDetails) {
	f.indexed = append(f.indexed, details.ContentID)
}

type fakeExporter struct{}

func (fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	return &export.Result{Data: []byte("%PDF"), Filename: req.ContentID + "." + string(req.Format), MimeType: "application/pdf"}, nil
}

type fakeImages struct{}

func (fakeImages) Upload(_ context.Context, contentID string, body io.Reader) (media.Image, error) {
	data, _ := io.ReadAll(body)
	if len(data) == 0 {
		return media.Image{}, media.ErrEmptyImage
	}
	return media.Image{Key: "readings/" + contentID + "/img.png", URL: "http://cdn/readings/" + contentID + "/img.png", Size: int64(len(data))}, nil
}

type fakeLive struct {
	refreshed []string
}

func (f *fakeLive) PublishRefresh(_ context.Context, contentID, revision string) error {
	f.refreshed = append(f.refreshed, contentID+"@"+revision)
	return nil
}

func (f *fakeLive) Serve(w http.ResponseWriter, _ *http.Request, _ string) {
	w.WriteHeader(http.StatusTeapot)
}

const sampleContent = `{"type":"doc","content":[
	{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"はじめに"}]},
	{"type":"paragraph","content":[
		{"type":"text","text":"alpha"},{"type":"sidenote","attrs":{"id":1}},
		{"type":"text","text":" beta"},{"type":"sidenote","attrs":{"id":2}}
	]}
]}`

type testEnv struct {
	store     *fakeStore
	revisions *fakeRevisions
	progress  *fakeProgress
	search    *fakeSearch
	live      *fakeLive
	service   *Service
}

func newTestEnv() *testEnv {
	fs := newFakeStore()
	one, two := 1, 2
	fs.sessions = []store.Session{
		{Number: 2, CounterJP: "第2回", Title: "Second"},
		{Number: 1, CounterJP: "第1回", Title: "First"},
	}
	fs.readings = []store.Reading{
		{ContentID: "r3", Title: "Recommended", SessionNumber: &two, Order: 3},
		{ContentID: "r1", Title: "Required one", RequiredReading: true, Order: 1},
		{ContentID: "r2", Title: "Required two", RequiredReading: true, SessionNumber: &one, Order: 2},
		{ContentID: "draft", Title: "  ", SessionNumber: &one, Order: 4},
	}
	fs.details["r1"] = store.ReadingDetails{
		ContentID: "r1",
		Title:     "Required one",
		Content:   json.RawMessage(sampleContent),
		Sidenotes: map[string]string{"1": "<p>first</p>", "2": "<p>second</p>"},
	}

	env := &testEnv{
		store:     fs,
		revisions: &fakeRevisions{},
		progress:  &fakeProgress{},
		search:    &fakeSearch{},
		live:      &fakeLive{},
	}
	cfg := config.Config{
		StoreTimeout: time.Second,
		Project:      config.Project{ID: "ai_safety", Title: "AI Safety"},
	}
	env.service = New(cfg, Deps{
		Store:     fs,
		Revisions: env.revisions,
		Gate:      fakeGate{},
		Progress:  env.progress,
		Search:    env.search,
		Export:    fakeExporter{},
		Images:    fakeImages{},
		Live:      env.live,
	})
	return env
}
