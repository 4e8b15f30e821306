// Package session tracks the lifecycle of a single accepted connection
// across any emulator: its counters, authentication state, and the
// ordered transcript of per-session events.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"trapline/internal/capture"
)

// State represents where a session is in its lifecycle.
type State int

const (
	Active State = iota
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents one logical connection: created on accept,
// mutated only by its owning connection handler, finalized on close.
type Session struct {
	mu sync.RWMutex

	ID           string          `json:"id"`
	Service      capture.Service `json:"service"`
	State        State           `json:"state"`
	StartTime    time.Time       `json:"start_time"`
	LastActivity time.Time       `json:"last_activity"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	SourceIP     string          `json:"source_ip"`
	SourcePort   int             `json:"source_port"`

	EventCount    int   `json:"event_count"`
	BytesIn       int64 `json:"bytes_in"`
	BytesOut      int64 `json:"bytes_out"`
	Authenticated bool  `json:"authenticated"`

	Cause capture.TerminationCause `json:"cause,omitempty"`

	// Transcript holds the JSON payload of every per-session
	// CanonicalEvent emitted so far, bounded by MaxEventsPerSession.
	Transcript []json.RawMessage `json:"-"`
}

// New creates a new active session for an accepted connection.
func New(id string, svc capture.Service, sourceIP string, sourcePort int) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Service:      svc,
		State:        Active,
		StartTime:    now,
		LastActivity: now,
		SourceIP:     sourceIP,
		SourcePort:   sourcePort,
	}
}

// Touch records activity and returns the new event count.
func (s *Session) Touch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
	s.EventCount++
	return s.EventCount
}

// AddBytes adds to the byte counters.
func (s *Session) AddBytes(in, out int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BytesIn += in
	s.BytesOut += out
}

// SetAuthenticated marks whether the most recent auth attempt succeeded.
// The Telnet and camera emulators never set this true (their logins
// always fail); the SSH emulator sets it only when shell emulation is
// enabled, since it then accepts every password.
func (s *Session) SetAuthenticated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Authenticated = v
}

// Record appends an event's payload to the transcript, bounded by max.
// Returns false if the transcript is already at max (caller should
// treat this as the max-events-per-session limit being reached).
func (s *Session) Record(payload json.RawMessage, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > 0 && len(s.Transcript) >= max {
		return false
	}
	s.Transcript = append(s.Transcript, payload)
	return true
}

// Close transitions the session to Closed with the given cause. It is
// a no-op if the session is already closed.
func (s *Session) Close(cause capture.TerminationCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == Closed {
		return
	}
	s.State = Closed
	s.Cause = cause
	now := time.Now()
	s.EndTime = &now
}

// IsActive reports whether the session hasn't closed yet.
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State == Active
}

// Duration returns how long the session has run (so far, or in total
// once closed).
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// IdleTime returns how long since the last recorded activity.
func (s *Session) IdleTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.LastActivity)
}

// Snapshot returns a value copy safe to read without holding the lock.
func (s *Session) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Session{
		ID:            s.ID,
		Service:       s.Service,
		State:         s.State,
		StartTime:     s.StartTime,
		LastActivity:  s.LastActivity,
		EndTime:       s.EndTime,
		SourceIP:      s.SourceIP,
		SourcePort:    s.SourcePort,
		EventCount:    s.EventCount,
		BytesIn:       s.BytesIn,
		BytesOut:      s.BytesOut,
		Authenticated: s.Authenticated,
		Cause:         s.Cause,
	}
	snap.Transcript = make([]json.RawMessage, len(s.Transcript))
	copy(snap.Transcript, s.Transcript)
	return snap
}
