package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"trapline/internal/capture"
	"trapline/internal/enrich"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []capture.CanonicalEvent
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(evt capture.CanonicalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, evt)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type blockingSink struct {
	name    string
	release chan struct{}
}

func (s *blockingSink) Name() string { return s.name }

func (s *blockingSink) Handle(evt capture.CanonicalEvent) {
	<-s.release
}

func TestBusPublishDeliversToAllSinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(enrich.New(nil), 16, 200*time.Millisecond)
	durable := newRecordingSink("capturelog")
	hub := newRecordingSink("hub")
	b.RegisterSink(ctx, durable, true)
	b.RegisterSink(ctx, hub, false)

	raw := capture.RawCapture{
		Service:   capture.ServiceHTTP,
		SourceIP:  "203.0.113.5",
		EventType: capture.EventConnectionOpened,
	}
	id, err := b.Publish(ctx, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first event id 1, got %d", id)
	}

	deadline := time.After(time.Second)
	for durable.count() == 0 || hub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sinks to receive event")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestBusEventIDsIncreaseMonotonically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(enrich.New(nil), 16, 200*time.Millisecond)
	b.RegisterSink(ctx, newRecordingSink("capturelog"), true)

	var lastID int64
	for i := 0; i < 5; i++ {
		id, _ := b.Publish(ctx, capture.RawCapture{Service: capture.ServiceHTTP, SourceIP: "203.0.113.5"})
		if id <= lastID {
			t.Fatalf("expected increasing event id, got %d after %d", id, lastID)
		}
		lastID = id
	}
}

func TestBusBestEffortSinkDropsWithoutBlocking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(enrich.New(nil), 1, 50*time.Millisecond)
	blocker := &blockingSink{name: "hub", release: make(chan struct{})}
	defer close(blocker.release)
	b.RegisterSink(ctx, blocker, false)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(ctx, capture.RawCapture{Service: capture.ServiceHTTP, SourceIP: "203.0.113.5"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("best-effort sink publish blocked the producer")
	}

	if b.DroppedTotal() == 0 {
		t.Error("expected some events to be dropped for the saturated non-durable sink")
	}
}
