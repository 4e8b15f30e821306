package queryapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trapline/internal/capture"
	"trapline/internal/capturelog"
	"trapline/internal/hub"
	"trapline/internal/quarantine"
	"trapline/internal/session"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()

	store, err := capturelog.NewSQLiteStore(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Insert(capture.CanonicalEvent{
		EventID:   1,
		Timestamp: time.Now(),
		Service:   capture.ServiceSSH,
		EventType: capture.EventAuthAttempt,
		SourceIP:  "203.0.113.5",
		RiskScore: 60,
		RiskLevel: "medium",
		Payload:   capture.MustJSON(capture.AuthAttemptDetails{Username: "admin", Password: "admin"}),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	q, err := quarantine.New(filepath.Join(dir, "quarantine"), 1<<20)
	if err != nil {
		t.Fatalf("quarantine.New: %v", err)
	}

	mgr := session.NewManager(session.NewMemoryStore(), time.Minute, time.Hour)
	h := hub.New(16, func() any { return map[string]string{"ok": "true"} })

	return New(store, q, mgr, h)
}

func TestHandleEventsReturnsInsertedEvent(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/events?limit=10", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "auth_attempt") {
		t.Errorf("expected response to contain auth_attempt event, got %s", rec.Body.String())
	}
}

func TestHandleEventsFiltersByService(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/events?service=mqtt", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "auth_attempt") {
		t.Errorf("expected no ssh events when filtering by mqtt, got %s", rec.Body.String())
	}
}

func TestHandleStatsReturnsAggregate(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "total_events") {
		t.Errorf("expected total_events in stats response, got %s", rec.Body.String())
	}
}

func TestHandleCaptureDownloadMissingReturns404(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/captures/deadbeef/download", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing capture, got %d", rec.Code)
	}
}

func TestEventsLimitClampedToMax(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/events?limit=999999", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"limit":1000`) {
		t.Errorf("expected limit clamped to 1000, got %s", rec.Body.String())
	}
}
