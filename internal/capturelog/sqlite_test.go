package capturelog

import (
	"path/filepath"
	"testing"
	"time"

	"trapline/internal/capture"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleEvent(id int64, svc capture.Service, sourceIP string, risk int) capture.CanonicalEvent {
	return capture.CanonicalEvent{
		EventID:    id,
		Timestamp:  time.Now(),
		Service:    svc,
		EventType:  capture.EventConnectionOpened,
		SourceIP:   sourceIP,
		SourcePort: 40000,
		RiskScore:  risk,
		RiskLevel:  enrichLevel(risk),
	}
}

func enrichLevel(score int) capture.RiskLevel {
	switch {
	case score >= 70:
		return capture.RiskHigh
	case score >= 40:
		return capture.RiskMedium
	case score >= 20:
		return capture.RiskLow
	default:
		return capture.RiskInfo
	}
}

func TestSQLiteStoreInsertAndList(t *testing.T) {
	store := newTestStore(t)

	for i := int64(1); i <= 3; i++ {
		if err := store.Insert(sampleEvent(i, capture.ServiceSSH, "203.0.113.5", 10)); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	events, total, err := store.ListEvents(ListEventsOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events returned, got %d", len(events))
	}
}

func TestSQLiteStoreListFilterByService(t *testing.T) {
	store := newTestStore(t)

	store.Insert(sampleEvent(1, capture.ServiceSSH, "203.0.113.5", 10))
	store.Insert(sampleEvent(2, capture.ServiceHTTP, "203.0.113.6", 10))

	events, total, err := store.ListEvents(ListEventsOptions{Service: capture.ServiceHTTP, Limit: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || len(events) != 1 {
		t.Fatalf("expected exactly 1 http event, got total=%d len=%d", total, len(events))
	}
	if events[0].Service != capture.ServiceHTTP {
		t.Errorf("expected service http, got %s", events[0].Service)
	}
}

func TestSQLiteStoreListLimitCappedAtThousand(t *testing.T) {
	store := newTestStore(t)
	store.Insert(sampleEvent(1, capture.ServiceSSH, "203.0.113.5", 10))

	events, _, err := store.ListEvents(ListEventsOptions{Limit: 5000})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestSQLiteStoreStats(t *testing.T) {
	store := newTestStore(t)

	store.Insert(sampleEvent(1, capture.ServiceSSH, "203.0.113.5", 10))
	store.Insert(sampleEvent(2, capture.ServiceSSH, "203.0.113.6", 10))
	store.Insert(sampleEvent(3, capture.ServiceHTTP, "203.0.113.5", 10))

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("expected 3 total events, got %d", stats.TotalEvents)
	}
	if stats.EventsByService["ssh"] != 2 {
		t.Errorf("expected 2 ssh events, got %d", stats.EventsByService["ssh"])
	}
	if len(stats.TopSources) == 0 {
		t.Error("expected at least one top source")
	}
}
