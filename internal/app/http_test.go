package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func (r apiResponse) decode(t *testing.T, target any) {
	t.Helper()
	if err := json.Unmarshal(r.body, target); err != nil {
		t.Fatalf("decode %s: %v", r.body, err)
	}
}

func (r apiResponse) code(t *testing.T) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	r.decode(t, &payload)
	return payload.Code
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) apiResponse {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return apiResponse{status: rec.Code, header: rec.Header(), body: rec.Body.Bytes()}
}

var editorHeaders = map[string]string{"Authorization": "Bearer editor-token"}

func newTestHandler() (*testEnv, http.Handler) {
	env := newTestEnv()
	return env, NewHTTPServer(env.service, "http://localhost:5173").Handler()
}

func TestHealthAndReadiness(t *testing.T) {
	env, handler := newTestHandler()

	if resp := doRequest(t, handler, http.MethodGet, "/api/health", nil, nil); resp.status != http.StatusOK {
		t.Fatalf("health status = %d", resp.status)
	}
	if resp := doRequest(t, handler, http.MethodGet, "/api/ready", nil, nil); resp.status != http.StatusOK {
		t.Fatalf("ready status = %d", resp.status)
	}

	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	resp := doRequest(t, handler, http.MethodGet, "/api/ready", nil, nil)
	if resp.status != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", resp.status)
	}
	var payload struct {
		Status string `json:"status"`
	}
	resp.decode(t, &payload)
	if payload.Status != "not_ready" {
		t.Fatalf("status = %q", payload.Status)
	}
}

func TestCORSHeadersOnEveryResponse(t *testing.T) {
	_, handler := newTestHandler()
	resp := doRequest(t, handler, http.MethodOptions, "/api/readings/r1/content", nil, nil)
	if resp.status != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.status)
	}
	if got := resp.header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
	if !strings.Contains(resp.header.Get("Access-Control-Allow-Headers"), "X-Reader-ID") {
		t.Fatalf("allow headers = %q", resp.header.Get("Access-Control-Allow-Headers"))
	}
	if resp.header.Get("X-Request-ID") == "" {
		t.Fatal("expected a request id")
	}
}

func TestSessionsAndReadingsRoutes(t *testing.T) {
	_, handler := newTestHandler()

	resp := doRequest(t, handler, http.MethodGet, "/api/sessions", nil, nil)
	if resp.status != http.StatusOK {
		t.Fatalf("sessions status = %d", resp.status)
	}
	var sessions struct {
		Sessions []SessionView `json:"sessions"`
	}
	resp.decode(t, &sessions)
	if len(sessions.Sessions) != 2 || len(sessions.Sessions[0].Required) != 2 {
		t.Fatalf("unexpected sessions %+v", sessions.Sessions)
	}

	resp = doRequest(t, handler, http.MethodGet, "/api/readings/r1", nil, nil)
	if resp.status != http.StatusOK {
		t.Fatalf("reading status = %d", resp.status)
	}
	var page ReadingPage
	resp.decode(t, &page)
	if page.ContentID != "r1" || len(page.Markers) != 2 || !strings.Contains(page.HTML, `class="sidenote"`) {
		t.Fatalf("unexpected page %+v", page)
	}

	resp = doRequest(t, handler, http.MethodGet, "/api/readings/nope", nil, nil)
	if resp.status != http.StatusNotFound || resp.code(t) != "NOT_FOUND" {
		t.Fatalf("missing reading: %d %s", resp.status, resp.body)
	}

	resp = doRequest(t, handler, http.MethodGet, "/api/nothing-here", nil, nil)
	if resp.status != http.StatusNotFound {
		t.Fatalf("unknown route status = %d", resp.status)
	}
}

func TestContentUpdateRequiresEditor(t *testing.T) {
	env, handler := newTestHandler()
	body := map[string]any{"content": json.RawMessage(sampleContent), "author": "Avery"}

	cases := []struct {
		name    string
		headers map[string]string
		status  int
		code    string
	}{
		{"reader", nil, http.StatusForbidden, "FORBIDDEN"},
		{"bad token", map[string]string{"Authorization": "Bearer forged"}, http.StatusUnauthorized, "UNAUTHORIZED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, handler, http.MethodPut, "/api/readings/r1/content", body, tc.headers)
			if resp.status != tc.status || resp.code(t) != tc.code {
				t.Fatalf("got %d %s", resp.status, resp.body)
			}
		})
	}
	if len(env.revisions.commits) != 0 {
		t.Fatal("rejected writes must not record revisions")
	}

	resp := doRequest(t, handler, http.MethodPut, "/api/readings/r1/content", body, editorHeaders)
	if resp.status != http.StatusOK {
		t.Fatalf("editor save: %d %s", resp.status, resp.body)
	}
	var saved SavedContent
	resp.decode(t, &saved)
	if saved.Revision != "abc1234" || len(saved.Markers) != 2 {
		t.Fatalf("unexpected save %+v", saved)
	}

	resp = doRequest(t, handler, http.MethodPut, "/api/readings/r1/content", []byte("{"), editorHeaders)
	if resp.status != http.StatusBadRequest || resp.code(t) != "INVALID_BODY" {
		t.Fatalf("malformed body: %d %s", resp.status, resp.body)
	}
}

func TestUnlockEditor(t *testing.T) {
	_, handler := newTestHandler()

	resp := doRequest(t, handler, http.MethodPost, "/api/editor/unlock", map[string]string{"key": "guess"}, nil)
	if resp.status != http.StatusUnauthorized || resp.code(t) != "WRONG_KEY" {
		t.Fatalf("wrong key: %d %s", resp.status, resp.body)
	}

	resp = doRequest(t, handler, http.MethodPost, "/api/editor/unlock", map[string]string{"key": "open sesame"}, nil)
	if resp.status != http.StatusOK {
		t.Fatalf("unlock: %d %s", resp.status, resp.body)
	}
	var unlocked struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
		Role      string `json:"role"`
	}
	resp.decode(t, &unlocked)
	if unlocked.Token != "editor-token" || unlocked.ExpiresAt != 1_900_000_000 || unlocked.Role != "editor" {
		t.Fatalf("unexpected unlock %+v", unlocked)
	}

	resp = doRequest(t, handler, http.MethodGet, "/api/editor/session", nil, map[string]string{"Authorization": "Bearer " + unlocked.Token})
	var session struct {
		Role     string `json:"role"`
		Editable bool   `json:"editable"`
	}
	resp.decode(t, &session)
	if session.Role != "editor" || !session.Editable {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestSidenoteRoutes(t *testing.T) {
	env, handler := newTestHandler()

	insert := map[string]any{"selection": map[string]int{"anchor": 9, "head": 9}, "author": "Avery"}
	resp := doRequest(t, handler, http.MethodPost, "/api/readings/r1/sidenotes/insert", insert, editorHeaders)
	if resp.status != http.StatusCreated {
		t.Fatalf("insert: %d %s", resp.status, resp.body)
	}
	var saved SavedContent
	resp.decode(t, &saved)
	if saved.MarkerID != 1 || saved.Sidenotes["3"] != "<p>second</p>" {
		t.Fatalf("unexpected insert %+v", saved)
	}

	resp = doRequest(t, handler, http.MethodGet, "/api/readings/r1/sidenotes/2", nil, nil)
	var note struct {
		ID   int    `json:"id"`
		HTML string `json:"html"`
	}
	resp.decode(t, &note)
	if resp.status != http.StatusOK || note.HTML != "<p>first</p>" {
		t.Fatalf("get sidenote: %d %s", resp.status, resp.body)
	}

	resp = doRequest(t, handler, http.MethodPut, "/api/readings/r1/sidenotes/1", map[string]string{"html": "<p>new</p>"}, nil)
	if resp.status != http.StatusForbidden {
		t.Fatalf("reader edit status = %d", resp.status)
	}
	resp = doRequest(t, handler, http.MethodPut, "/api/readings/r1/sidenotes/1", map[string]string{"html": "<p>new</p>"}, editorHeaders)
	if resp.status != http.StatusOK {
		t.Fatalf("editor edit: %d %s", resp.status, resp.body)
	}
	if got, _ := env.store.GetAnnotationMap(context.Background(), "r1"); got["1"] != "<p>new</p>" || len(got) != 3 {
		t.Fatalf("stored notes = %v", got)
	}

	resp = doRequest(t, handler, http.MethodGet, "/api/readings/r1/sidenotes/zero", nil, nil)
	if resp.status != http.StatusBadRequest || resp.code(t) != "INVALID_MARKER" {
		t.Fatalf("bad marker: %d %s", resp.status, resp.body)
	}

	resp = doRequest(t, handler, http.MethodPost, "/api/readings/r1/sidenotes/delete", map[string]int{"id": 42}, editorHeaders)
	if resp.status != http.StatusUnprocessableEntity || resp.code(t) != "INVALID_POSITION" {
		t.Fatalf("delete unknown: %d %s", resp.status, resp.body)
	}
}

func TestLayoutAndActivateRoutes(t *testing.T) {
	_, handler := newTestHandler()

	measurement := map[string]any{
		"positions": []map[string]any{{"id": 1, "pos": 12, "yCoordinate": 140}, {"id": 2, "pos": 18, "yCoordinate": 150}},
		"editorTop": 100,
		"heights":   map[string]float64{"1": 50, "2": 40},
	}
	resp := doRequest(t, handler, http.MethodPost, "/api/readings/r1/layout", measurement, nil)
	if resp.status != http.StatusOK {
		t.Fatalf("layout: %d %s", resp.status, resp.body)
	}
	var layout struct {
		Boxes []struct {
			ID  int     `json:"id"`
			Top float64 `json:"top"`
		} `json:"boxes"`
	}
	resp.decode(t, &layout)
	if len(layout.Boxes) != 2 || layout.Boxes[0].Top != 40 || layout.Boxes[1].Top != 110 {
		t.Fatalf("unexpected boxes %+v", layout.Boxes)
	}

	resp = doRequest(t, handler, http.MethodPost, "/api/readings/r1/activate", map[string]int{"markerId": 2, "viewportWidth": 800}, nil)
	var activation struct {
		Action string `json:"action"`
	}
	resp.decode(t, &activation)
	if activation.Action != "bottom-sheet" {
		t.Fatalf("reader activation = %q", activation.Action)
	}
	resp = doRequest(t, handler, http.MethodPost, "/api/readings/r1/activate", map[string]int{"markerId": 2, "viewportWidth": 800}, editorHeaders)
	resp.decode(t, &activation)
	if activation.Action != "bottom-sheet" {
		t.Fatalf("editor activation outside edit mode = %q", activation.Action)
	}
	resp = doRequest(t, handler, http.MethodPost, "/api/readings/r1/activate", map[string]any{"markerId": 2, "viewportWidth": 800, "editable": true}, editorHeaders)
	resp.decode(t, &activation)
	if activation.Action != "open-editor" {
		t.Fatalf("editor activation = %q", activation.Action)
	}
}

func TestMatchLinksRoute(t *testing.T) {
	_, handler := newTestHandler()
	body := map[string]string{"html": `<p>alpha <a href="https://ex.org/beta">beta</a></p>`}

	resp := doRequest(t, handler, http.MethodPost, "/api/readings/r1/links/match", body, nil)
	if resp.status != http.StatusForbidden {
		t.Fatalf("anonymous match: %d %s", resp.status, resp.body)
	}

	resp = doRequest(t, handler, http.MethodPost, "/api/readings/r1/links/match", body, editorHeaders)
	if resp.status != http.StatusOK {
		t.Fatalf("match: %d %s", resp.status, resp.body)
	}
	var saved struct {
		Linked  int               `json:"linked"`
		Markers []json.RawMessage `json:"markers"`
	}
	resp.decode(t, &saved)
	if saved.Linked != 1 || len(saved.Markers) != 2 {
		t.Fatalf("unexpected result %s", resp.body)
	}

	resp = doRequest(t, handler, http.MethodPost, "/api/readings/missing/links/match", body, editorHeaders)
	if resp.status != http.StatusNotFound {
		t.Fatalf("unknown reading: %d %s", resp.status, resp.body)
	}
}

func TestExportRoute(t *testing.T) {
	_, handler := newTestHandler()

	resp := doRequest(t, handler, http.MethodGet, "/api/readings/r1/export?format=pdf", nil, nil)
	if resp.status != http.StatusOK || string(resp.body) != "%PDF" {
		t.Fatalf("export: %d %q", resp.status, resp.body)
	}
	if got := resp.header.Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("content type = %q", got)
	}
	if got := resp.header.Get("Content-Disposition"); got != `attachment; filename=r1.pdf` {
		t.Fatalf("content disposition = %q", got)
	}

	resp = doRequest(t, handler, http.MethodGet, "/api/readings/r1/export?format=epub", nil, nil)
	if resp.status != http.StatusBadRequest || resp.code(t) != "UNSUPPORTED_FORMAT" {
		t.Fatalf("bad format: %d %s", resp.status, resp.body)
	}
}

func TestCompletionRoutes(t *testing.T) {
	_, handler := newTestHandler()

	resp := doRequest(t, handler, http.MethodGet, "/api/me/completions", nil, nil)
	if resp.status != http.StatusBadRequest || resp.code(t) != "READER_ID_REQUIRED" {
		t.Fatalf("missing reader: %d %s", resp.status, resp.body)
	}

	reader := map[string]string{"X-Reader-ID": "reader-a"}
	resp = doRequest(t, handler, http.MethodPut, "/api/me/completions/r2", nil, reader)
	if resp.status != http.StatusOK {
		t.Fatalf("mark: %d %s", resp.status, resp.body)
	}
	var progress Progress
	resp.decode(t, &progress)
	if progress.Done != 1 || progress.Total != 3 {
		t.Fatalf("unexpected progress %+v", progress)
	}

	resp = doRequest(t, handler, http.MethodDelete, "/api/me/completions/r2", nil, reader)
	resp.decode(t, &progress)
	if progress.Done != 0 {
		t.Fatalf("unexpected progress after unmark %+v", progress)
	}
}

func TestImageUploadRoute(t *testing.T) {
	_, handler := newTestHandler()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("image", "figure.png")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\npayload"))
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/readings/r1/images", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer editor-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var image struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &image); err != nil || !strings.HasPrefix(image.URL, "http://cdn/readings/r1/") {
		t.Fatalf("unexpected image %s (%v)", rec.Body.String(), err)
	}

	resp := doRequest(t, handler, http.MethodPost, "/api/readings/r1/images", []byte{}, editorHeaders)
	if resp.status != http.StatusBadRequest || resp.code(t) != "EMPTY_IMAGE" {
		t.Fatalf("empty upload: %d %s", resp.status, resp.body)
	}

	resp = doRequest(t, handler, http.MethodPost, "/api/readings/r1/images", []byte("x"), nil)
	if resp.status != http.StatusForbidden {
		t.Fatalf("reader upload status = %d", resp.status)
	}
}

func TestSearchAndLiveRoutes(t *testing.T) {
	env, handler := newTestHandler()

	resp := doRequest(t, handler, http.MethodGet, "/api/search?q=alignment&type=sidenote&limit=5", nil, nil)
	if resp.status != http.StatusOK {
		t.Fatalf("search: %d %s", resp.status, resp.body)
	}
	if q := env.search.queries[0]; q.FilterType != "sidenote" || q.Limit != 5 {
		t.Fatalf("unexpected query %+v", q)
	}
	resp = doRequest(t, handler, http.MethodGet, "/api/search?q=x&type=thread", nil, nil)
	if resp.status != http.StatusBadRequest {
		t.Fatalf("bad filter status = %d", resp.status)
	}

	resp = doRequest(t, handler, http.MethodGet, "/api/readings/r1/live", nil, nil)
	if resp.status != http.StatusTeapot {
		t.Fatalf("live status = %d", resp.status)
	}
}
