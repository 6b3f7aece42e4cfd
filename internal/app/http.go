// Package app wires the HTTP surface of syncd: the websocket sync
// endpoint plus the small observability API.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"tome/sync/internal/auth"
	"tome/sync/internal/persist"
	"tome/sync/internal/session"
)

type HTTPServer struct {
	db            *sql.DB
	registry      *session.Registry
	coordinator   *persist.Coordinator
	authenticator *auth.Authenticator
	sync          http.Handler
}

func NewHTTPServer(db *sql.DB, registry *session.Registry, coordinator *persist.Coordinator, authenticator *auth.Authenticator, sync http.Handler) *HTTPServer {
	return &HTTPServer{
		db:            db,
		registry:      registry,
		coordinator:   coordinator,
		authenticator: authenticator,
		sync:          sync,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	// The websocket upgrade hijacks the connection, so it bypasses the
	// response-recording middleware.
	mux.Handle("/ws", s.sync)
	mux.Handle("/", s.withMiddleware(http.HandlerFunc(s.handle)))
	return mux
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":     false,
				"status": "not_ready",
				"checks": map[string]any{"database": map[string]any{"status": "error", "error": err.Error()}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"status": "ready",
			"checks": map[string]any{"database": map[string]any{"status": "ok"}},
		})
		return
	}

	// GET /api/documents/{documentId}/sync
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/documents/") && strings.HasSuffix(r.URL.Path, "/sync") {
		documentID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/documents/"), "/sync")
		if documentID == "" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleSyncStatus(w, r, documentID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSyncStatus reports live sync state for one document. The same
// authorization gate as the websocket path applies, and a refused
// caller gets the same response whether or not the document exists.
func (s *HTTPServer) handleSyncStatus(w http.ResponseWriter, r *http.Request, documentID string) {
	credential := bearerToken(r)
	if _, err := s.authenticator.Authenticate(r.Context(), credential, documentID); err != nil {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	payload := map[string]any{
		"documentId":        documentID,
		"activeConnections": s.registry.ActiveConnections(documentID),
		"pendingFlush":      s.coordinator.Pending(documentID),
		"dirty":             false,
		"lastPersistedAt":   nil,
	}
	if live, ok := s.registry.Peek(documentID); ok {
		payload["dirty"] = live.Dirty()
	}
	if at, ok := s.coordinator.LastPersistedAt(documentID); ok {
		payload["lastPersistedAt"] = at.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")

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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
