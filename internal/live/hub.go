// Package live runs the per-reading WebSocket channel. Clients report when
// their editor has settled and get sidenote boxes back; saves made by editors
// fan out to every open reader through Redis pub/sub.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"readingnotes/api/internal/sidenote"
)

const (
	MessageLayoutReady  = "layout-ready"
	MessageToggleExpand = "toggle-expand"
	MessageOpenNote     = "open-note"
	MessageCloseNote    = "close-note"

	EventHello   = "hello"
	EventLayout  = "layout"
	EventSheet   = "sheet"
	EventRefresh = "refresh"
	EventError   = "error"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 << 10
)

// AnnotationSource loads the annotation map used to lay out a reading.
type AnnotationSource interface {
	GetAnnotationMap(ctx context.Context, contentID string) (map[string]string, error)
}

// inbound is a client message. ID and Height belong to toggle-expand and
// the sheet messages; Height is the box's new measured height, if known.
type inbound struct {
	Type   string   `json:"type"`
	ID     int      `json:"id"`
	Height *float64 `json:"height"`
	sidenote.Measurement
}

// Event is sent to clients. Refresh events are also what travels over Redis.
type Event struct {
	Type      string         `json:"type"`
	ContentID string         `json:"contentId,omitempty"`
	Revision  string         `json:"revision,omitempty"`
	Boxes     []sidenote.Box `json:"boxes,omitempty"`
	Sheet     *Sheet         `json:"sheet,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Sheet is the bottom sheet state of one connection.
type Sheet struct {
	Open bool   `json:"open"`
	ID   int    `json:"id,omitempty"`
	HTML string `json:"html,omitempty"`
}

// session is the layout and sheet state of one connection. It is touched
// only by the connection's read loop.
type session struct {
	engine  *sidenote.Engine
	heights map[string]float64
	sheet   *sidenote.BottomSheet
}

type Hub struct {
	rdb       *redis.Client
	projectID string
	notes     AnnotationSource
	upgrader  websocket.Upgrader
	timeout   time.Duration
}

func NewHub(rdb *redis.Client, projectID string, notes AnnotationSource, allowedOrigin string, timeout time.Duration) *Hub {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Hub{
		rdb:       rdb,
		projectID: projectID,
		notes:     notes,
		timeout:   timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigin),
		},
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed == "" || allowed == "*" || origin == "" {
			return true
		}
		return strings.EqualFold(origin, allowed)
	}
}

func (h *Hub) channel(contentID string) string {
	return fmt.Sprintf("notes:live:%s:%s", h.projectID, contentID)
}

// PublishRefresh tells every reader of contentID to re-measure.
func (h *Hub) PublishRefresh(ctx context.Context, contentID, revision string) error {
	payload, err := json.Marshal(Event{Type: EventRefresh, ContentID: contentID, Revision: revision})
	if err != nil {
		return fmt.Errorf("marshal refresh: %w", err)
	}
	if err := h.rdb.Publish(ctx, h.channel(contentID), payload).Err(); err != nil {
		return fmt.Errorf("publish refresh for %s: %w", contentID, err)
	}
	return nil
}

// conn serialises writes; gorilla allows a single concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(event)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Serve upgrades the request and runs the channel for contentID until the
// client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, contentID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: upgrade failed for %s: %v", contentID, err)
		return
	}
	c := &conn{ws: ws}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := h.rdb.Subscribe(ctx, h.channel(contentID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("live: subscribe %s: %v", contentID, err)
		_ = c.send(Event{Type: EventError, Message: "live updates unavailable"})
		return
	}
	if err := c.send(Event{Type: EventHello, ContentID: contentID}); err != nil {
		return
	}

	go h.forward(ctx, c, pubsub.Channel())

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	state := &session{}
	for {
		var msg inbound
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("live: read from %s: %v", contentID, err)
			}
			return
		}
		event := h.handle(ctx, contentID, state, msg)
		if err := c.send(event); err != nil {
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, contentID string, state *session, msg inbound) Event {
	switch msg.Type {
	case MessageLayoutReady:
		notes, err := h.loadNotes(ctx, contentID)
		if err != nil {
			return Event{Type: EventError, Message: "sidenotes unavailable"}
		}
		engine, heights, err := msg.Measurement.Engine(notes)
		if err != nil {
			return Event{Type: EventError, Message: err.Error()}
		}
		state.engine, state.heights = engine, heights
		return Event{Type: EventLayout, ContentID: contentID, Boxes: engine.Boxes()}

	case MessageToggleExpand:
		if state.engine == nil {
			return Event{Type: EventError, Message: "send layout-ready before toggle-expand"}
		}
		key := strconv.Itoa(msg.ID)
		if msg.Height != nil {
			state.heights[key] = *msg.Height
		} else {
			// The reported height belongs to the old state.
			delete(state.heights, key)
		}
		if _, err := state.engine.ToggleExpand(msg.ID); err != nil {
			return Event{Type: EventError, Message: err.Error()}
		}
		return Event{Type: EventLayout, ContentID: contentID, Boxes: state.engine.Boxes()}

	case MessageOpenNote:
		notes, err := h.loadNotes(ctx, contentID)
		if err != nil {
			return Event{Type: EventError, Message: "sidenotes unavailable"}
		}
		state.sheet = sidenote.NewBottomSheet(notes)
		state.sheet.Open(msg.ID)
		id, _ := state.sheet.Active()
		return Event{Type: EventSheet, ContentID: contentID, Sheet: &Sheet{Open: true, ID: id, HTML: state.sheet.Content()}}

	case MessageCloseNote:
		if state.sheet != nil {
			state.sheet.Close()
		}
		return Event{Type: EventSheet, ContentID: contentID, Sheet: &Sheet{}}

	default:
		return Event{Type: EventError, Message: "unknown message type " + msg.Type}
	}
}

func (h *Hub) loadNotes(ctx context.Context, contentID string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	notes, err := h.notes.GetAnnotationMap(ctx, contentID)
	if err != nil {
		log.Printf("live: load sidenotes of %s: %v", contentID, err)
		return nil, err
	}
	return notes, nil
}

func (h *Hub) forward(ctx context.Context, c *conn, messages <-chan *redis.Message) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("live: drop malformed event on %s: %v", msg.Channel, err)
				continue
			}
			if err := c.send(event); err != nil {
				return
			}
		}
	}
}
