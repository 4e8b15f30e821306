package enrich

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"trapline/internal/capture"
)

// Enricher turns a RawCapture into a CanonicalEvent: geolocation plus
// a risk score, computed purely from the capture and an injected
// GeoLookup. It never blocks on network I/O and never fails: a
// missing or erroring GeoLookup degrades to geo.error, it never stops
// the event from being produced.
type Enricher struct {
	geo GeoLookup

	mu    sync.RWMutex
	rules []RiskRule
}

// New constructs an Enricher with the default risk rule table.
func New(geo GeoLookup) *Enricher {
	if geo == nil {
		geo = NullGeoLookup{}
	}
	return &Enricher{geo: geo, rules: DefaultRules()}
}

// SetRules atomically swaps the whole rule table, so a rule can be
// added or tuned without touching the evaluation loop.
func (e *Enricher) SetRules(rules []RiskRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Enrich is a pure function of raw, the Enricher's injected GeoLookup,
// and its current rule table. The returned event's EventID is left
// zero, the Bus assigns it at publish time.
func (e *Enricher) Enrich(raw capture.RawCapture) capture.CanonicalEvent {
	geo := e.lookupGeo(raw.SourceIP)
	ctx := buildRuleContext(raw)

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	score := 0
	for _, rule := range rules {
		if rule.Applies(ctx) {
			score += rule.Score
		}
	}
	if score > 100 {
		score = 100
	}

	return capture.CanonicalEvent{
		Timestamp: time.Now().UTC(),
		Service:   raw.Service,
		EventType: raw.EventType,
		SessionID: raw.SessionID,
		SourceIP:  raw.SourceIP,
		SourcePort: raw.SourcePort,
		Geo:       geo,
		RiskScore: score,
		RiskLevel: Level(score),
		Payload:   raw.Details,
		Raw:       raw,
	}
}

func (e *Enricher) lookupGeo(sourceIP string) capture.Geo {
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return capture.Geo{Error: "invalid_address"}
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return capture.Geo{Error: "private"}
	}

	result, err := e.geo.Lookup(ip)
	if err != nil {
		return capture.Geo{Error: err.Error()}
	}
	return capture.Geo{
		Country:        result.Country,
		CountryCode:    result.CountryCode,
		City:           result.City,
		Latitude:       result.Latitude,
		Longitude:      result.Longitude,
		AccuracyRadius: result.AccuracyRadius,
	}
}

// buildRuleContext unmarshals only the detail fields the rule table
// actually inspects, tolerating details that don't match the expected
// shape for the event type (malformed or attacker-influenced JSON
// must never fail enrichment).
func buildRuleContext(raw capture.RawCapture) ruleContext {
	ctx := ruleContext{
		service: raw.Service,
		evtType: raw.EventType,
	}

	switch raw.EventType {
	case capture.EventAuthAttempt:
		var d capture.AuthAttemptDetails
		if json.Unmarshal(raw.Details, &d) == nil {
			ctx.hasAuth = true
			ctx.username = d.Username
			ctx.password = d.Password
		}
	case capture.EventCommand:
		var d capture.CommandDetails
		if json.Unmarshal(raw.Details, &d) == nil {
			ctx.hasCmd = true
			ctx.command = d.Text
		}
	case capture.EventHTTPRequest:
		var d capture.HTTPRequestDetails
		if json.Unmarshal(raw.Details, &d) == nil {
			ctx.url = d.Path
			if d.Query != "" {
				ctx.url += "?" + d.Query
			}
			ctx.userAgent = d.UserAgent
			ctx.headers = d.Headers
		}
	}

	return ctx
}
