package session

import (
	"testing"

	"trapline/internal/capture"
)

func TestMemoryStore_PutAndGet(t *testing.T) {
	store := NewMemoryStore()
	sess := New("test-id", capture.ServiceHTTP, "203.0.113.5", 1234)

	store.Put(sess)

	retrieved, ok := store.Get("test-id")
	if !ok {
		t.Fatal("expected to find session")
	}
	if retrieved.ID != sess.ID {
		t.Errorf("expected ID %s, got %s", sess.ID, retrieved.ID)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, ok := store.Get("nonexistent")
	if ok {
		t.Error("expected session not to be found")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	sess := New("test-id", capture.ServiceHTTP, "203.0.113.5", 1234)

	store.Put(sess)
	store.Delete("test-id")

	_, ok := store.Get("test-id")
	if ok {
		t.Error("expected session to be deleted")
	}
}

func TestMemoryStore_ListAndCount(t *testing.T) {
	store := NewMemoryStore()
	active := New("active-id", capture.ServiceHTTP, "203.0.113.5", 1234)
	closed := New("closed-id", capture.ServiceHTTP, "203.0.113.6", 1235)
	closed.Close(capture.CausePeerClose)

	store.Put(active)
	store.Put(closed)

	if got := store.Count(nil); got != 2 {
		t.Errorf("expected total count 2, got %d", got)
	}
	if got := store.Count(ActiveFilter); got != 1 {
		t.Errorf("expected active count 1, got %d", got)
	}

	activeList := store.List(ActiveFilter)
	if len(activeList) != 1 || activeList[0].ID != "active-id" {
		t.Errorf("expected only active-id in active list, got %v", activeList)
	}
}
