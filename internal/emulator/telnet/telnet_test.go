package telnet

import (
	"bufio"
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
	cfg.Budget = limits.Budget{IdleTimeout: time.Second, MaxDuration: time.Hour, MaxBytes: 1 << 20, MaxEvents: 1024}
	return New(cfg, bus, mgr), bus
}

func TestTelnetCapturesCredentialsAndRejects(t *testing.T) {
	e, bus := newTestEmulator()
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		e.handleConn(context.Background(), server)
		close(done)
	}()

	reader := bufio.NewReader(client)
	reader.ReadString('\n') // banner
	readUntilColon(t, reader)
	client.Write([]byte("root\n"))
	readUntilColon(t, reader)
	client.Write([]byte("toor\n"))

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	client.Read(buf)

	client.Close()
	<-done

	if bus.count(capture.EventAuthAttempt) != 1 {
		t.Errorf("expected exactly 1 auth_attempt event, got %d", bus.count(capture.EventAuthAttempt))
	}
	if bus.count(capture.EventConnectionOpened) != 1 {
		t.Errorf("expected 1 connection_opened event")
	}
	if bus.count(capture.EventSessionClosed) != 1 {
		t.Errorf("expected 1 session_closed event")
	}
}

func readUntilColon(t *testing.T, r *bufio.Reader) {
	t.Helper()
	for {
		b, err := r.ReadByte()
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if b == ':' {
			r.ReadByte() // consume following space
			return
		}
	}
}
