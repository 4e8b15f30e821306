package limits

import (
	"testing"
	"time"

	"trapline/internal/capture"
)

func TestTrackerAddBytesExceedsCap(t *testing.T) {
	tr := NewTracker(Budget{MaxBytes: 10})

	if cause, over := tr.AddBytes(5); over {
		t.Fatalf("did not expect cap exceeded yet, got cause %s", cause)
	}
	cause, over := tr.AddBytes(10)
	if !over {
		t.Fatal("expected byte cap to be exceeded")
	}
	if cause != capture.CauseMaxBytes {
		t.Errorf("expected CauseMaxBytes, got %s", cause)
	}
}

func TestTrackerAddEventExceedsCap(t *testing.T) {
	tr := NewTracker(Budget{MaxEvents: 2})

	tr.AddEvent()
	cause, over := tr.AddEvent()
	if over {
		t.Fatal("did not expect exceeded at exactly the cap")
	}
	cause, over = tr.AddEvent()
	if !over || cause != capture.CauseMaxEvents {
		t.Errorf("expected CauseMaxEvents after exceeding cap, got cause=%s over=%v", cause, over)
	}
}

func TestTrackerCheckDuration(t *testing.T) {
	tr := NewTracker(Budget{MaxDuration: 10 * time.Millisecond})
	time.Sleep(20 * time.Millisecond)

	cause, over := tr.CheckDuration()
	if !over || cause != capture.CauseMaxDuration {
		t.Errorf("expected CauseMaxDuration, got cause=%s over=%v", cause, over)
	}
}

func TestDefaultBudget(t *testing.T) {
	b := Default()
	if b.IdleTimeout != 60*time.Second {
		t.Errorf("expected 60s idle timeout, got %s", b.IdleTimeout)
	}
	if b.MaxDuration != 10*time.Minute {
		t.Errorf("expected 10m max duration, got %s", b.MaxDuration)
	}
	if b.MaxBytes != 1<<20 {
		t.Errorf("expected 1 MiB max bytes, got %d", b.MaxBytes)
	}
	if b.MaxEvents != 1024 {
		t.Errorf("expected 1024 max events, got %d", b.MaxEvents)
	}
}
