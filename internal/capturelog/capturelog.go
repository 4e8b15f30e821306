package capturelog

import (
	"log/slog"
	"sync/atomic"

	"trapline/internal/capture"
)

// CaptureLog is the durable Bus sink: every event is written to the
// indexed SQLite store and, independently, appended to the
// append-only JSON log. A failure in either path doesn't stop the
// other from being attempted, and both failures count as a dropped
// event.
type CaptureLog struct {
	store   *SQLiteStore
	audit   *AuditLog
	dropped atomic.Int64
}

// New wraps an already-opened store and audit log as one Bus sink.
func New(store *SQLiteStore, audit *AuditLog) *CaptureLog {
	return &CaptureLog{store: store, audit: audit}
}

// Name identifies this sink to the Bus's drop/backpressure accounting.
func (c *CaptureLog) Name() string { return "capturelog" }

// Handle persists evt to both representations. Called from the Bus's
// dedicated dispatch goroutine for this sink.
func (c *CaptureLog) Handle(evt capture.CanonicalEvent) {
	storeErr := c.store.Insert(evt)
	if storeErr != nil {
		slog.Error("capture log store insert failed", "event_id", evt.EventID, "error", storeErr)
	}

	auditOK := c.audit.Append(evt)

	if storeErr != nil || !auditOK {
		c.dropped.Add(1)
	}
}

// DroppedTotal returns the count of events that failed either the
// indexed store write or the audit append (both paths are always
// attempted for every event; either failing alone counts the event
// as dropped).
func (c *CaptureLog) DroppedTotal() int64 {
	return c.dropped.Load()
}

// Close flushes and closes both representations.
func (c *CaptureLog) Close() error {
	auditErr := c.audit.Close()
	storeErr := c.store.Close()
	if auditErr != nil {
		return auditErr
	}
	return storeErr
}
