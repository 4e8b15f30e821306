package mqtt

import (
	"context"
	"net"
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

func (b *recordingBus) latest(evtType capture.EventType) *capture.RawCapture {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].EventType == evtType {
			return &b.events[i]
		}
	}
	return nil
}

func TestDecodeFixedHeaderConnect(t *testing.T) {
	// CONNECT packet type (1), remaining length 12 (single-byte varint).
	buf := []byte{0x10, 0x0c, 0, 0, 0, 0}
	kind, remaining, ok := decodeFixedHeader(buf)
	if kind != "CONNECT" || remaining != 12 || !ok {
		t.Errorf("got kind=%s remaining=%d ok=%v", kind, remaining, ok)
	}
}

func TestDecodeFixedHeaderMultiByteLength(t *testing.T) {
	// PUBLISH (3), remaining length 200 encoded as a 2-byte varint.
	buf := []byte{0x30, 0xc8, 0x01}
	kind, remaining, ok := decodeFixedHeader(buf)
	if kind != "PUBLISH" || remaining != 200 || !ok {
		t.Errorf("got kind=%s remaining=%d ok=%v", kind, remaining, ok)
	}
}

func TestDecodeFixedHeaderUnknownType(t *testing.T) {
	buf := []byte{0xf0, 0x00}
	kind, _, ok := decodeFixedHeader(buf)
	if kind != "unknown" || ok {
		t.Errorf("expected unknown/undecoded, got kind=%s ok=%v", kind, ok)
	}
}

func TestDecodeFixedHeaderEmpty(t *testing.T) {
	kind, remaining, ok := decodeFixedHeader(nil)
	if kind != "unknown" || remaining != 0 || ok {
		t.Errorf("got kind=%s remaining=%d ok=%v", kind, remaining, ok)
	}
}

func TestMQTTHandleConnEmitsProbeAndCloses(t *testing.T) {
	bus := &recordingBus{}
	mgr := session.NewManager(session.NewMemoryStore(), time.Minute, time.Hour)
	cfg := DefaultConfig()
	cfg.Budget = limits.Budget{IdleTimeout: time.Second, MaxDuration: time.Hour, MaxBytes: 1 << 20, MaxEvents: 1024}
	e := New(cfg, bus, mgr)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		e.handleConn(context.Background(), server)
		close(done)
	}()

	client.Write([]byte{0x10, 0x02, 0, 0})
	client.Close()
	<-done

	probe := bus.latest(capture.EventProbe)
	if probe == nil {
		t.Fatal("expected a probe event")
	}
	closed := bus.latest(capture.EventSessionClosed)
	if closed == nil {
		t.Fatal("expected a session_closed event")
	}
}
