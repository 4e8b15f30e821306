// Package queryapi implements the Query API: read-only JSON access to
// the Capture Log, plus the /ws/events push endpoint backed by the
// Subscription Hub.
package queryapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"trapline/internal/capture"
	"trapline/internal/capturelog"
	"trapline/internal/hub"
	"trapline/internal/quarantine"
	"trapline/internal/session"
)

// maxListLimit bounds GET /events?limit=, mirroring the teacher's
// pagination clamp style.
const maxListLimit = 1000

// Handler serves the Query API.
type Handler struct {
	store      *capturelog.SQLiteStore
	quarantine *quarantine.Store
	sessions   *session.Manager
	hub        *hub.Hub
	mux        *http.ServeMux
}

// New builds a Handler. quarantine may be nil if file capture is
// disabled, in which case /captures/{id}/download always answers 503.
func New(store *capturelog.SQLiteStore, q *quarantine.Store, sessions *session.Manager, h *hub.Hub) *Handler {
	handler := &Handler{store: store, quarantine: q, sessions: sessions, hub: h, mux: http.NewServeMux()}

	handler.mux.HandleFunc("/events", handler.handleEvents)
	handler.mux.HandleFunc("/captures", handler.handleCaptures)
	handler.mux.HandleFunc("/captures/", handler.handleCaptureDownload)
	handler.mux.HandleFunc("/stats", handler.handleStats)
	handler.mux.HandleFunc("/ws/events", handler.handleWSEvents)

	return handler
}

// ServeHTTP implements http.Handler, adding CORS headers for dashboard
// access before delegating to the route mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.mux.ServeHTTP(w, r)
}

// handleEvents handles GET /events?limit=&offset=&service=&from=&to=
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	opts := capturelog.ListEventsOptions{Limit: 50}

	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if v := query.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	if v := query.Get("service"); v != "" {
		opts.Service = capture.Service(v)
	}
	if v := query.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := query.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}

	events, total, err := h.store.ListEvents(opts)
	if err != nil {
		slog.Error("listing events failed", "error", err)
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// handleCaptures handles GET /captures. The list of quarantined
// uploads is derived from file_upload events already indexed in the
// Capture Log, so no separate file index is needed.
func (h *Handler) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	events, _, err := h.store.ListEvents(capturelog.ListEventsOptions{
		Limit:   limit,
		Service: capture.ServiceHTTP,
	})
	if err != nil {
		slog.Error("listing captures failed", "error", err)
		http.Error(w, "failed to list captures", http.StatusInternalServerError)
		return
	}

	var files []any
	for _, evt := range events {
		if evt.EventType != capture.EventFileUpload {
			continue
		}
		var payload map[string]any
		if json.Unmarshal(evt.Payload, &payload) == nil {
			files = append(files, payload)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"captures": files, "count": len(files)})
}

// handleCaptureDownload handles GET /captures/{sha256}/download.
func (h *Handler) handleCaptureDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.quarantine == nil {
		http.Error(w, "file capture not enabled", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/captures/")
	id := strings.TrimSuffix(path, "/download")
	if id == "" || id == path {
		http.Error(w, "sha256 id required", http.StatusBadRequest)
		return
	}

	f, err := h.quarantine.Open(id)
	if err != nil {
		http.Error(w, "capture not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`"`)
	if _, err := io.Copy(w, f); err != nil {
		slog.Error("streaming capture download failed", "id", id, "error", err)
	}
}

// handleStats handles GET /stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.store.Stats()
	if err != nil {
		slog.Error("computing stats failed", "error", err)
		http.Error(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_events":        stats.TotalEvents,
		"unique_sources_24h":  stats.UniqueSources24h,
		"events_by_service":   stats.EventsByService,
		"events_per_hour_24h": stats.EventsPerHour24h,
		"top_sources":         stats.TopSources,
		"sessions":            h.sessions.Stats(),
	})
}

// handleWSEvents upgrades to a websocket and registers the connection
// as a Hub subscriber until the client disconnects.
func (h *Handler) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := h.hub.Register(conn)
	defer h.hub.Unregister(sub.ID())

	sub.Run(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
