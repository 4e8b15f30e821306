// Package capture defines the honeypot pipeline's core data types:
// the raw per-protocol observation an emulator produces, and the
// canonical, enriched event every sink ultimately consumes.
package capture

import (
	"encoding/json"
	"time"
)

// Service identifies which protocol emulator produced a capture.
type Service string

const (
	ServiceSSH    Service = "ssh"
	ServiceHTTP   Service = "http"
	ServiceTelnet Service = "telnet"
	ServiceMQTT   Service = "mqtt"
	ServiceCamera Service = "camera"
)

// EventType is the kind of attacker-observable action a capture records.
type EventType string

const (
	EventConnectionOpened EventType = "connection_opened"
	EventAuthAttempt      EventType = "auth_attempt"
	EventCommand          EventType = "command"
	EventHTTPRequest      EventType = "http_request"
	EventFileUpload       EventType = "file_upload"
	EventDisconnect       EventType = "disconnect"
	EventProbe            EventType = "probe"
	EventVideoAccess      EventType = "video_access"
	EventSessionClosed    EventType = "session_closed"
	EventError            EventType = "error"
)

// TerminationCause records why a session ended.
type TerminationCause string

const (
	CausePeerClose        TerminationCause = "peer_close"
	CauseIdleTimeout       TerminationCause = "idle_timeout"
	CauseMaxDuration       TerminationCause = "max_duration"
	CauseMaxBytes          TerminationCause = "max_bytes"
	CauseMaxEvents         TerminationCause = "max_events"
	CauseProtocolViolation TerminationCause = "protocol_violation"
	CauseMaxAuthAttempts   TerminationCause = "max_auth_attempts"
	CauseInternalError     TerminationCause = "internal_error"
	CauseShutdown          TerminationCause = "shutdown"
)

// RawCapture is produced by an emulator for every attacker-observable
// action. Immutable once emitted.
type RawCapture struct {
	CaptureID  string          `json:"capture_id"`
	Service    Service         `json:"service"`
	SourceIP   string          `json:"source_ip"`
	SourcePort int             `json:"source_port"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	EventType  EventType       `json:"event_type"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Geo describes the resolved location of a source IP, or the reason
// resolution failed.
type Geo struct {
	Country        string  `json:"country,omitempty"`
	CountryCode    string  `json:"country_code,omitempty"`
	City           string  `json:"city,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	AccuracyRadius int     `json:"accuracy_radius,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// RiskLevel is the deterministic bucket derived from a risk score.
type RiskLevel string

const (
	RiskInfo   RiskLevel = "info"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// CanonicalEvent is the pipeline's central record after enrichment.
type CanonicalEvent struct {
	EventID    int64           `json:"event_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Service    Service         `json:"service"`
	EventType  EventType       `json:"event_type"`
	SessionID  string          `json:"session_id,omitempty"`
	SourceIP   string          `json:"source_ip"`
	SourcePort int             `json:"source_port"`
	Geo        Geo             `json:"geo"`
	RiskScore  int             `json:"risk_score"`
	RiskLevel  RiskLevel       `json:"risk_level"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Raw        RawCapture      `json:"raw"`
}

// FileCapture describes an artifact uploaded by an attacker and
// stored read-only in the quarantine directory.
type FileCapture struct {
	SHA256           string    `json:"sha256"`
	OriginalFilename string    `json:"original_filename"`
	Size             int64     `json:"size"`
	ContentType      string    `json:"content_type"`
	StoredPath       string    `json:"stored_path"`
	StoredAt         time.Time `json:"stored_at"`
}

// AuthAttemptDetails is the details payload of an auth_attempt capture.
type AuthAttemptDetails struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CommandDetails is the details payload of a command capture.
type CommandDetails struct {
	Text string `json:"text"`
}

// SessionClosedDetails is the details payload of a session_closed capture.
type SessionClosedDetails struct {
	Duration      time.Duration     `json:"duration"`
	Authenticated bool              `json:"authenticated"`
	Cause         TerminationCause  `json:"cause"`
	Transcript    []json.RawMessage `json:"transcript,omitempty"`
}

// HTTPRequestDetails is the details payload of an http_request capture.
type HTTPRequestDetails struct {
	Method       string              `json:"method"`
	Path         string              `json:"path"`
	Query        string              `json:"query,omitempty"`
	Headers      map[string][]string `json:"headers,omitempty"`
	BodyPreview  string              `json:"body_preview,omitempty"`
	UserAgent    string              `json:"user_agent,omitempty"`
	Files        []FileCapture       `json:"files,omitempty"`
	StatusCode   int                 `json:"status_code,omitempty"`
}

// MustJSON marshals v to json.RawMessage, panicking on failure. Only
// used for payloads built from well-typed Go structs we control,
// never for attacker-supplied data.
func MustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
