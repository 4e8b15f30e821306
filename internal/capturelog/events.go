package capturelog

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"trapline/internal/capture"
)

// syncEvery batches fsync to every N writes, so a busy honeypot
// doesn't pay an fsync per event.
const syncEvery = 64

// idleSyncInterval flushes a partial batch to disk even when traffic
// goes quiet, so events aren't left unsynced indefinitely.
const idleSyncInterval = 2 * time.Second

// AuditLog is the append-only JSON-lines side of the Capture Log,
// the source of truth for audit, independent of the indexed store.
// One writer goroutine owns the file; Append only ever queues a
// write.
type AuditLog struct {
	file    *os.File
	enc     *json.Encoder
	mu      sync.Mutex
	written int

	writes chan capture.CanonicalEvent
	done   chan struct{}
}

// OpenAuditLog opens path for append, creating it if necessary, and
// starts the writer goroutine.
func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	a := &AuditLog{
		file:   f,
		enc:    json.NewEncoder(f),
		writes: make(chan capture.CanonicalEvent, 256),
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Append queues evt to be written and, once every syncEvery writes or
// idleSyncInterval of quiet, fsynced. It reports whether evt was
// queued; false means the write queue was full and evt never reached
// the audit file, which the caller must count as a dropped event.
func (a *AuditLog) Append(evt capture.CanonicalEvent) bool {
	select {
	case a.writes <- evt:
		return true
	default:
		slog.Error("audit log write queue full, event dropped", "event_id", evt.EventID)
		return false
	}
}

func (a *AuditLog) run() {
	ticker := time.NewTicker(idleSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-a.writes:
			if !ok {
				a.flush()
				close(a.done)
				return
			}
			a.writeOne(evt)
		case <-ticker.C:
			a.flush()
		}
	}
}

func (a *AuditLog) writeOne(evt capture.CanonicalEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enc.Encode(evt); err != nil {
		slog.Error("audit log write failed", "event_id", evt.EventID, "error", err)
		return
	}
	a.written++
	if a.written >= syncEvery {
		a.syncLocked()
	}
}

func (a *AuditLog) flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.written > 0 {
		a.syncLocked()
	}
}

// syncLocked must be called with mu held.
func (a *AuditLog) syncLocked() {
	if err := a.file.Sync(); err != nil {
		slog.Error("audit log fsync failed", "error", err)
	}
	a.written = 0
}

// Close drains pending writes, does a final sync, and closes the
// underlying file.
func (a *AuditLog) Close() error {
	close(a.writes)
	<-a.done
	return a.file.Close()
}
