package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trapline/internal/capture"
	"trapline/internal/telemetry"
)

// EndCallback is invoked once, with the final snapshot, when the
// idle/duration sweep closes a session. Sessions closed by their
// handler or by CloseAll at shutdown do not invoke it.
type EndCallback func(snap Session)

// Manager owns session creation and the idle-timeout sweep. Handlers
// close their own sessions directly; Manager exists to catch sessions
// a handler failed to close (a hung read, a panic recovered before
// Close was called) and to answer "how many sessions are open" for
// the Supervisor's shutdown grace-period wait.
type Manager struct {
	store           Store
	idleTimeout     time.Duration
	maxDuration     time.Duration
	cleanupInterval time.Duration
	retention       time.Duration

	onEnd  EndCallback
	tracer *telemetry.Provider
}

// NewManager creates a Manager enforcing the given idle and absolute
// duration limits.
func NewManager(store Store, idleTimeout, maxDuration time.Duration) *Manager {
	return &Manager{
		store:           store,
		idleTimeout:     idleTimeout,
		maxDuration:     maxDuration,
		cleanupInterval: 5 * time.Second,
		retention:       30 * time.Second,
	}
}

// SetEndCallback sets the callback invoked when the sweep closes a
// session. Handler-initiated closes do not go through this callback:
// the handler is responsible for emitting its own session_closed
// event before calling Close.
func (m *Manager) SetEndCallback(cb EndCallback) {
	m.onEnd = cb
}

// SetTracer attaches a telemetry provider so session open/end/force-
// close transitions are traced. Safe to leave unset (nil tracer is a
// no-op) when telemetry is disabled.
func (m *Manager) SetTracer(tracer *telemetry.Provider) {
	m.tracer = tracer
}

// NewSessionID generates a new session identifier.
func (m *Manager) NewSessionID() string {
	return uuid.New().String()
}

// Create registers a new active session in the store.
func (m *Manager) Create(svc capture.Service, sourceIP string, sourcePort int) *Session {
	sess := New(m.NewSessionID(), svc, sourceIP, sourcePort)
	m.store.Put(sess)
	if m.tracer != nil {
		m.tracer.RecordSessionOpened(context.Background(), sess.ID, string(svc), sourceIP)
	}
	return sess
}

// Run drives the idle/absolute-duration sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session manager stopping")
			return
		case <-ticker.C:
			m.sweep()
			m.cleanup()
		}
	}
}

// sweep closes any active session that has exceeded its idle timeout
// or absolute session duration.
func (m *Manager) sweep() {
	for _, sess := range m.store.List(ActiveFilter) {
		switch {
		case m.idleTimeout > 0 && sess.IdleTime() > m.idleTimeout:
			sess.Close(capture.CauseIdleTimeout)
		case m.maxDuration > 0 && sess.Duration() > m.maxDuration:
			sess.Close(capture.CauseMaxDuration)
		default:
			continue
		}
		slog.Warn("session swept by manager",
			"session_id", sess.ID,
			"cause", sess.Cause,
		)
		snap := sess.Snapshot()
		if m.tracer != nil {
			m.tracer.RecordSessionEnded(context.Background(), snap.ID, string(snap.Service), string(snap.Cause),
				snap.Duration().Milliseconds(), snap.EventCount, snap.BytesIn, snap.BytesOut)
		}
		if m.onEnd != nil {
			m.onEnd(snap)
		}
	}
}

// cleanup evicts closed sessions from the store once they've sat past
// the retention window, keeping the live-session map bounded.
func (m *Manager) cleanup() {
	for _, sess := range m.store.List(func(s *Session) bool {
		if s.IsActive() {
			return false
		}
		snap := s.Snapshot()
		return snap.EndTime != nil && time.Since(*snap.EndTime) > m.retention
	}) {
		m.store.Delete(sess.ID)
	}
}

// CloseAll closes every still-active session with the given cause,
// used by the Supervisor at shutdown.
func (m *Manager) CloseAll(cause capture.TerminationCause) []Session {
	var closed []Session
	for _, sess := range m.store.List(ActiveFilter) {
		sess.Close(cause)
		snap := sess.Snapshot()
		if m.tracer != nil {
			m.tracer.RecordSessionForceClosed(context.Background(), snap.ID)
		}
		closed = append(closed, snap)
	}
	return closed
}

// Stats summarizes the live session registry.
type Stats struct {
	Active        int   `json:"active"`
	Total         int   `json:"total"`
	TotalBytesIn  int64 `json:"total_bytes_in"`
	TotalBytesOut int64 `json:"total_bytes_out"`
}

// Stats computes current session registry statistics.
func (m *Manager) Stats() Stats {
	var st Stats
	for _, sess := range m.store.List(nil) {
		snap := sess.Snapshot()
		st.Total++
		if snap.State == Active {
			st.Active++
		}
		st.TotalBytesIn += snap.BytesIn
		st.TotalBytesOut += snap.BytesOut
	}
	return st
}
