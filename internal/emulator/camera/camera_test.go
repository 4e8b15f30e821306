package camera

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"trapline/internal/capture"
	"trapline/internal/emulator/limits"
	"trapline/internal/session"
)

type recordingBus struct {
	mu     sync.Mutex
	events []capture.RawCapture
}

func (b *recordingBus) Publish(ctx context.Context, raw capture.RawCapture) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, raw)
	return int64(len(b.events)), nil
}

func (b *recordingBus) count(evtType capture.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.EventType == evtType {
			n++
		}
	}
	return n
}

func newTestEmulator() (*Emulator, *recordingBus) {
	bus := &recordingBus{}
	mgr := session.NewManager(session.NewMemoryStore(), time.Minute, time.Hour)
	cfg := DefaultConfig()
	cfg.FrameInterval = time.Millisecond
	cfg.Budget = limits.Budget{IdleTimeout: time.Minute, MaxDuration: 50 * time.Millisecond, MaxBytes: 1 << 20, MaxEvents: 1024}
	return New(cfg, bus, mgr), bus
}

func TestServeLoginCapturesCredentials(t *testing.T) {
	e, bus := newTestEmulator()

	form := url.Values{"username": {"admin"}, "password": {"12345"}}
	req := httptest.NewRequest(http.MethodPost, loginPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.9:4444"
	rec := httptest.NewRecorder()

	e.serveLogin(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if bus.count(capture.EventAuthAttempt) != 1 {
		t.Errorf("expected 1 auth_attempt event, got %d", bus.count(capture.EventAuthAttempt))
	}
}

func TestServeStreamEmitsVideoAccessAndStopsAtDurationCap(t *testing.T) {
	e, bus := newTestEmulator()

	req := httptest.NewRequest(http.MethodGet, streamPath, nil)
	req.RemoteAddr = "203.0.113.9:4444"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		e.serveStream(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveStream did not terminate on duration cap")
	}

	if bus.count(capture.EventVideoAccess) != 1 {
		t.Errorf("expected 1 video_access event, got %d", bus.count(capture.EventVideoAccess))
	}
	if bus.count(capture.EventSessionClosed) != 1 {
		t.Errorf("expected 1 session_closed event, got %d", bus.count(capture.EventSessionClosed))
	}
	if !strings.Contains(rec.Body.String(), mjpegBoundary) {
		t.Errorf("expected response body to contain mjpeg boundary")
	}
}

func TestBlackJPEGFrameIsNonEmpty(t *testing.T) {
	if len(blackJPEGFrame()) == 0 {
		t.Fatal("expected non-empty placeholder frame")
	}
}
