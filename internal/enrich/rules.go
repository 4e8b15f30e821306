package enrich

import (
	"strings"

	"trapline/internal/capture"
)

// RiskRule is one additive contribution to a CanonicalEvent's risk
// score. Rules are evaluated in table order, each contributing at
// most once; the table is swapped as a whole under the Enricher's lock so a
// rule can be added without touching the evaluation loop.
type RiskRule struct {
	Name    string
	Score   int
	Applies func(ctx ruleContext) bool
}

// ruleContext carries the fields rules need without exposing the full
// RawCapture/detail-unmarshalling machinery to each Applies func.
type ruleContext struct {
	service  capture.Service
	evtType  capture.EventType
	username string
	password string
	hasAuth  bool
	command  string
	hasCmd   bool
	url      string
	headers  map[string][]string
	userAgent string
}

var weakCredentials = map[string]bool{
	"admin/admin":     true,
	"root/root":       true,
	"admin/1234":      true,
	"admin/password":  true,
	"root/password":   true,
	"user/user":       true,
	"test/test":       true,
	"guest/guest":     true,
	"support/support": true,
}

var suspiciousCommandTokens = []string{
	"wget", "curl", "chmod", "rm ", "mkdir", "cd /", "passwd",
	"cat /etc/passwd", "chroot", "dd if=", "nc ", "netcat",
	"python -c", "perl -e", "php ", "exec ", "eval(", "base64 -d",
}

var suspiciousURLTokens = []string{"/admin", "/config", "/login", "/shell", "/cmd"}
var suspiciousUserAgentTokens = []string{"sqlmap", "nikto", "nessus"}

// DefaultRules is the risk rule table from the scoring contract.
// Additive with saturation applied by the caller (Level/score clamp),
// never here.
func DefaultRules() []RiskRule {
	return []RiskRule{
		{
			Name:  "weak_credential_pair",
			Score: 30,
			Applies: func(c ruleContext) bool {
				if !c.hasAuth {
					return false
				}
				return weakCredentials[c.username+"/"+c.password]
			},
		},
		{
			Name:  "privileged_username",
			Score: 20,
			Applies: func(c ruleContext) bool {
				return c.hasAuth && (c.username == "root" || c.username == "admin")
			},
		},
		{
			Name:  "empty_credential",
			Score: 10,
			Applies: func(c ruleContext) bool {
				return c.hasAuth && (c.username == "" || c.password == "")
			},
		},
		{
			Name:  "service_ssh",
			Score: 10,
			Applies: func(c ruleContext) bool {
				return c.service == capture.ServiceSSH
			},
		},
		{
			Name:  "service_telnet",
			Score: 15,
			Applies: func(c ruleContext) bool {
				return c.service == capture.ServiceTelnet
			},
		},
		{
			Name:  "command_event",
			Score: 20,
			Applies: func(c ruleContext) bool {
				return c.hasCmd
			},
		},
		{
			Name:  "suspicious_command",
			Score: 25,
			Applies: func(c ruleContext) bool {
				if !c.hasCmd {
					return false
				}
				lower := strings.ToLower(c.command)
				for _, tok := range suspiciousCommandTokens {
					if strings.Contains(lower, tok) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:  "suspicious_url",
			Score: 20,
			Applies: func(c ruleContext) bool {
				if c.evtType != capture.EventHTTPRequest {
					return false
				}
				lower := strings.ToLower(c.url)
				for _, tok := range suspiciousURLTokens {
					if strings.Contains(lower, tok) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:  "suspicious_user_agent",
			Score: 30,
			Applies: func(c ruleContext) bool {
				if c.evtType != capture.EventHTTPRequest {
					return false
				}
				lower := strings.ToLower(c.userAgent)
				for _, tok := range suspiciousUserAgentTokens {
					if strings.Contains(lower, tok) {
						return true
					}
				}
				return false
			},
		},
	}
}

// Level derives the named risk level from an additive, saturated
// score. Kept as the single place this mapping lives.
func Level(score int) capture.RiskLevel {
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
