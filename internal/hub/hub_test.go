package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"trapline/internal/capture"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	reads    chan []byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 4)}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, nil, context.Canceled
		}
		return websocket.MessageText, data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) CloseNow() error {
	return f.Close(0, "")
}

func (f *fakeConn) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestHubRegisterSendsWelcome(t *testing.T) {
	h := New(16, func() any { return map[string]int{"total": 0} })
	conn := newFakeConn()
	sub := h.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	defer cancel()

	deadline := time.After(time.Second)
	for conn.writtenCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for welcome + stats")
		case <-time.After(time.Millisecond):
		}
	}

	var msg struct{ Type string }
	conn.mu.Lock()
	_ = json.Unmarshal(conn.written[0], &msg)
	conn.mu.Unlock()
	if msg.Type != "welcome" {
		t.Errorf("expected first message type 'welcome', got %q", msg.Type)
	}
}

func TestHubHandleBroadcastsToSubscribers(t *testing.T) {
	h := New(16, nil)
	conn := newFakeConn()
	sub := h.Register(conn)
	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	defer cancel()

	h.Handle(capture.CanonicalEvent{EventID: 1, Service: capture.ServiceHTTP})

	deadline := time.After(time.Second)
	for conn.writtenCount() < 2 { // welcome + event (no stats fn)
		select {
		case <-deadline:
			t.Fatal("timed out waiting for broadcast event")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestHubEvictsAfterConsecutiveDrops(t *testing.T) {
	h := New(1, nil)
	conn := newFakeConn()
	sub := h.Register(conn) // consumes the one queue slot with welcome (no stats fn set)

	// Flood without running the subscriber's pump so the queue stays full
	// and every enqueue past the first fails, tripping consecutive drops.
	for i := 0; i < maxConsecutiveDrops+5; i++ {
		h.Handle(capture.CanonicalEvent{EventID: int64(i)})
	}

	if h.Count() != 0 {
		t.Errorf("expected subscriber to be evicted, count=%d", h.Count())
	}
	_ = sub
}
