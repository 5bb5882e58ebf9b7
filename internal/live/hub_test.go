package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

type fakeNotes struct {
	notes map[string]string
	err   error
}

func (f fakeNotes) GetAnnotationMap(context.Context, string) (map[string]string, error) {
	return f.notes, f.err
}

func setupHub(t *testing.T, notes AnnotationSource) (*Hub, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub(rdb, "ai_safety", notes, "https://notes.example.com", time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, contentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + contentID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	hello := readEvent(t, ws)
	if hello.Type != EventHello || hello.ContentID != contentID {
		t.Fatalf("expected hello, got %+v", hello)
	}
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestLayoutReadyReturnsBoxes(t *testing.T) {
	_, srv := setupHub(t, fakeNotes{notes: map[string]string{"1": "<p>a</p>", "2": "<p>b</p>"}})
	ws := dial(t, srv, "r1")

	msg := map[string]any{
		"type":      MessageLayoutReady,
		"editorTop": 0,
		"positions": []map[string]any{
			{"id": 1, "pos": 4, "yCoordinate": 100},
			{"id": 2, "pos": 9, "yCoordinate": 110},
			{"id": 3, "pos": 12, "yCoordinate": 400},
		},
		"heights": map[string]float64{"1": 80, "2": 30},
	}
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	event := readEvent(t, ws)
	if event.Type != EventLayout || len(event.Boxes) != 2 {
		t.Fatalf("unexpected layout event %+v", event)
	}
	if event.Boxes[0].Top != 100 || event.Boxes[1].Top != 200 {
		t.Fatalf("unexpected tops %v, %v", event.Boxes[0].Top, event.Boxes[1].Top)
	}
}

func TestLayoutReadyReportsSourceFailure(t *testing.T) {
	_, srv := setupHub(t, fakeNotes{err: errors.New("db down")})
	ws := dial(t, srv, "r1")

	if err := ws.WriteJSON(map[string]any{"type": MessageLayoutReady, "editorTop": 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if event := readEvent(t, ws); event.Type != EventError {
		t.Fatalf("expected error event, got %+v", event)
	}

	if err := ws.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if event := readEvent(t, ws); event.Type != EventError || !strings.Contains(event.Message, "bogus") {
		t.Fatalf("expected unknown type error, got %+v", event)
	}
}

func TestPublishRefreshReachesReadersOfSameReading(t *testing.T) {
	hub, srv := setupHub(t, fakeNotes{})
	reader := dial(t, srv, "r1")
	other := dial(t, srv, "r2")

	if err := hub.PublishRefresh(context.Background(), "r1", "abc1234"); err != nil {
		t.Fatalf("PublishRefresh() error = %v", err)
	}
	event := readEvent(t, reader)
	if event.Type != EventRefresh || event.ContentID != "r1" || event.Revision != "abc1234" {
		t.Fatalf("unexpected refresh %+v", event)
	}

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray Event
	if err := other.ReadJSON(&stray); err == nil {
		t.Fatalf("reader of another reading got %+v", stray)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker("https://notes.example.com")
	cases := map[string]bool{
		"":                          true,
		"https://notes.example.com": true,
		"https://evil.example.com":  false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := check(r); got != want {
			t.Errorf("origin %q: got %v, want %v", origin, got, want)
		}
	}
	if !originChecker("*")(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("wildcard should allow everything")
	}
}

func TestToggleExpandRelaysOutConnectionState(t *testing.T) {
	long := "<p>" + strings.Repeat("a", 150) + "</p>"
	_, srv := setupHub(t, fakeNotes{notes: map[string]string{"1": long, "2": "<p>b</p>"}})
	ws := dial(t, srv, "r1")

	if err := ws.WriteJSON(map[string]any{"type": MessageToggleExpand, "id": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if event := readEvent(t, ws); event.Type != EventError {
		t.Fatalf("toggle before layout should fail, got %+v", event)
	}

	ready := map[string]any{
		"type":      MessageLayoutReady,
		"editorTop": 0,
		"positions": []map[string]any{
			{"id": 1, "pos": 3, "yCoordinate": 100},
			{"id": 2, "pos": 9, "yCoordinate": 120},
		},
		"heights": map[string]float64{"1": 40, "2": 30},
	}
	if err := ws.WriteJSON(ready); err != nil {
		t.Fatalf("write: %v", err)
	}
	if event := readEvent(t, ws); event.Type != EventLayout || event.Boxes[1].Top != 160 {
		t.Fatalf("unexpected layout %+v", event)
	}

	cases := []struct {
		name     string
		msg      map[string]any
		expanded bool
		second   float64
	}{
		// 100..300 pushes box 2 from 120 to 320.
		{"expand with measured height", map[string]any{"type": MessageToggleExpand, "id": 1, "height": 200}, true, 320},
		// Collapsed box 1 is estimated at 5 lines: 5*22+16 = 126.
		{"collapse without height", map[string]any{"type": MessageToggleExpand, "id": 1}, false, 246},
	}
	for _, tc := range cases {
		if err := ws.WriteJSON(tc.msg); err != nil {
			t.Fatalf("%s: write: %v", tc.name, err)
		}
		event := readEvent(t, ws)
		if event.Type != EventLayout || len(event.Boxes) != 2 {
			t.Fatalf("%s: unexpected event %+v", tc.name, event)
		}
		if event.Boxes[0].Expanded != tc.expanded || event.Boxes[1].Top != tc.second {
			t.Fatalf("%s: got expanded=%v second top=%v", tc.name, event.Boxes[0].Expanded, event.Boxes[1].Top)
		}
	}
}

func TestBottomSheetMessages(t *testing.T) {
	_, srv := setupHub(t, fakeNotes{notes: map[string]string{"1": "<p>a</p>", "2": "<p>b</p>"}})
	ws := dial(t, srv, "r1")

	if err := ws.WriteJSON(map[string]any{"type": MessageOpenNote, "id": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	event := readEvent(t, ws)
	if event.Type != EventSheet || event.Sheet == nil || !event.Sheet.Open || event.Sheet.ID != 2 || event.Sheet.HTML != "<p>b</p>" {
		t.Fatalf("unexpected sheet event %+v", event)
	}

	if err := ws.WriteJSON(map[string]any{"type": MessageCloseNote}); err != nil {
		t.Fatalf("write: %v", err)
	}
	event = readEvent(t, ws)
	if event.Type != EventSheet || event.Sheet == nil || event.Sheet.Open {
		t.Fatalf("expected closed sheet, got %+v", event)
	}
}
