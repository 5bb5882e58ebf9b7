package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"readingnotes/api/internal/doctree"
	"readingnotes/api/internal/media"
	"readingnotes/api/internal/rbac"
	"readingnotes/api/internal/search"
	"readingnotes/api/internal/sidenote"
)

const maxBodyBytes = 4 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/project" {
		writeJSON(w, http.StatusOK, map[string]any{
			"project":        s.service.Project(),
			"editingEnabled": s.service.EditingEnabled(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sessions" {
		sessions, err := s.service.Curriculum(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/readings" {
		readings, err := s.service.ListReadings(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		resp, err := s.service.Search(r.Context(), search.Query{
			Text:       query.Get("q"),
			FilterType: search.ResultType(query.Get("type")),
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/editor/unlock" {
		var body struct {
			Key string `json:"key"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		unlocked, err := s.service.Unlock(r.Context(), body.Key, clientAddress(r))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     unlocked.Token,
			"expiresAt": unlocked.ExpiresAt.Unix(),
			"role":      rbac.RoleEditor,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/editor/lock" {
		if err := s.service.Lock(r.Context(), bearerToken(r)); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/editor/session" {
		role, err := s.service.Authorize(r.Context(), bearerToken(r))
		if err != nil {
			role = rbac.RoleReader
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"role":     role,
			"editable": rbac.Can(role, rbac.ActionEdit),
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "me" && parts[2] == "completions" {
		s.handleCompletions(w, r, parts[3:])
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "readings" {
		s.handleReading(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCompletions(w http.ResponseWriter, r *http.Request, rest []string) {
	readerID := strings.TrimSpace(r.Header.Get("X-Reader-ID"))
	if !s.requireAction(w, r, rbac.ActionTrack) {
		return
	}
	var (
		progress Progress
		err      error
	)
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		progress, err = s.service.Completions(r.Context(), readerID)
	case len(rest) == 1 && r.Method == http.MethodPut:
		progress, err = s.service.SetCompleted(r.Context(), readerID, rest[0], true)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		progress, err = s.service.SetCompleted(r.Context(), readerID, rest[0], false)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *HTTPServer) handleReading(w http.ResponseWriter, r *http.Request, contentID string, rest []string) {
	route := strings.Join(rest, "/")

	switch {
	case route == "" && r.Method == http.MethodGet:
		page, err := s.service.GetReading(r.Context(), contentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	case route == "content" && r.Method == http.MethodPut:
		if !s.requireAction(w, r, rbac.ActionEdit) {
			return
		}
		var body struct {
			Content json.RawMessage `json:"content"`
			Author  string          `json:"author"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.SaveContent(r.Context(), contentID, body.Content, body.Author)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)

	case route == "sidenotes/insert" && r.Method == http.MethodPost:
		if !s.requireAction(w, r, rbac.ActionAnnotate) {
			return
		}
		var body struct {
			Selection doctree.Selection `json:"selection"`
			Author    string            `json:"author"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.InsertSidenote(r.Context(), contentID, body.Selection, body.Author)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)

	case route == "sidenotes/delete" && r.Method == http.MethodPost:
		if !s.requireAction(w, r, rbac.ActionAnnotate) {
			return
		}
		var body struct {
			ID     int    `json:"id"`
			Author string `json:"author"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.DeleteSidenote(r.Context(), contentID, body.ID, body.Author)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)

	case route == "links/match" && r.Method == http.MethodPost:
		if !s.requireAction(w, r, rbac.ActionEdit) {
			return
		}
		var body struct {
			HTML   string `json:"html"`
			Author string `json:"author"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.MatchLinks(r.Context(), contentID, body.HTML, body.Author)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)

	case len(rest) == 2 && rest[0] == "sidenotes" && (r.Method == http.MethodGet || r.Method == http.MethodPut):
		id, err := parseMarkerID(rest[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if r.Method == http.MethodGet {
			html, err := s.service.GetSidenote(r.Context(), contentID, id)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "html": html})
			return
		}
		if !s.requireAction(w, r, rbac.ActionAnnotate) {
			return
		}
		var body struct {
			HTML   string `json:"html"`
			Author string `json:"author"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.PutSidenote(r.Context(), contentID, id, body.HTML, body.Author)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)

	case route == "images" && r.Method == http.MethodPost:
		if !s.requireAction(w, r, rbac.ActionUpload) {
			return
		}
		body, closeBody, err := imageBody(w, r)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		defer closeBody()
		image, err := s.service.UploadImage(r.Context(), contentID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, image)

	case route == "layout" && r.Method == http.MethodPost:
		var body sidenote.Measurement
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		boxes, err := s.service.Layout(r.Context(), contentID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"boxes": boxes})

	case route == "activate" && r.Method == http.MethodPost:
		var body struct {
			MarkerID      int  `json:"markerId"`
			ViewportWidth int  `json:"viewportWidth"`
			Editable      bool `json:"editable"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		role, err := s.service.Authorize(r.Context(), bearerToken(r))
		if err != nil {
			role = rbac.RoleReader
		}
		writeJSON(w, http.StatusOK, s.service.Activate(body.MarkerID, body.ViewportWidth, role, body.Editable))

	case route == "revisions" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		revisions, err := s.service.Revisions(r.Context(), contentID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})

	case route == "export" && r.Method == http.MethodGet:
		result, err := s.service.Export(r.Context(), contentID, r.URL.Query().Get("format"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	case route == "live" && r.Method == http.MethodGet:
		if err := s.service.ServeLive(w, r, contentID); err != nil {
			writeMappedError(w, err)
		}

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// requireAction resolves the bearer token and checks the role may act.
func (s *HTTPServer) requireAction(w http.ResponseWriter, r *http.Request, action rbac.Action) bool {
	role, err := s.service.Authorize(r.Context(), bearerToken(r))
	if err != nil {
		writeMappedError(w, err)
		return false
	}
	if !rbac.Can(role, action) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Editor access required", nil)
		return false
	}
	return true
}

// imageBody accepts either a multipart form with an "image" field or the raw
// image as the request body.
func imageBody(w http.ResponseWriter, r *http.Request) (io.Reader, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, media.DefaultMaxBytes+(1<<20))
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, func() { _ = r.Body.Close() }, nil
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, nil, domainError(http.StatusBadRequest, "INVALID_BODY", "multipart field \"image\" is required", nil)
	}
	return file, func() { _ = file.Close() }, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the live channel upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Reader-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
