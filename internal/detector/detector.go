package detector

import (
	"strings"

	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// Attack labels
const (
	SQLInjection     = "SQL_INJECTION"
	XSSAttempt       = "XSS_ATTEMPT"
	PathTraversal    = "PATH_TRAVERSAL"
	CommandInjection = "COMMAND_INJECTION"
	BotDetected      = "BOT_DETECTED"
)

// Security event types raised by the defense layer besides attack labels
const (
	BruteForceAttack    = "BRUTE_FORCE_ATTACK"
	DDoSAttempt         = "DDOS_ATTEMPT"
	SuspiciousLogin     = "SUSPICIOUS_LOGIN"
	SuspiciousActivity  = "SUSPICIOUS_ACTIVITY"
	RateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CustomRuleViolation = "CUSTOM_RULE_VIOLATION"
	GeoBlocked          = "GEO_BLOCKED"
	MatcherTimeout      = "MATCHER_TIMEOUT"
)

var (
	sqlSignatures = []string{"union select", "drop table", "insert into", "1=1", "or 1=1", "admin'--"}
	xssSignatures = []string{"<script", "javascript:", "onerror=", "onload=", "alert("}
	pathSignatures = []string{"../", "..\\", "/etc/passwd", "/windows/system32"}
	cmdSignatures = []string{"&&", "||", ";cat ", ";ls ", "wget ", "curl "}
	botSignatures = []string{"bot", "crawler", "spider", "scraper", "scan"}
)

var severities = map[string]models.Severity{
	BruteForceAttack:    models.SeverityCritical,
	SQLInjection:        models.SeverityCritical,
	DDoSAttempt:         models.SeverityCritical,
	CommandInjection:    models.SeverityCritical,
	XSSAttempt:          models.SeverityHigh,
	PathTraversal:       models.SeverityHigh,
	CustomRuleViolation: models.SeverityHigh,
	GeoBlocked:          models.SeverityHigh,
	SuspiciousLogin:     models.SeverityMedium,
	SuspiciousActivity:  models.SeverityMedium,
	RateLimitExceeded:   models.SeverityLow,
	BotDetected:         models.SeverityLow,
}

// Detect classifies a single request. Each signature family runs once over
// the fields it applies to; inputs are lower-cased once up front.
func Detect(req models.Request) []string {
	url := strings.ToLower(req.URL)
	if url == "" {
		url = strings.ToLower(req.Path)
	}
	query := strings.ToLower(req.Query)
	body := strings.ToLower(req.Body)
	ua := strings.ToLower(req.UserAgent)

	var labels []string

	if containsAny(sqlSignatures, url, query, body) {
		labels = append(labels, SQLInjection)
	}
	if containsAny(xssSignatures, url, query, body) {
		labels = append(labels, XSSAttempt)
	}
	if containsAny(pathSignatures, url) {
		labels = append(labels, PathTraversal)
	}
	if containsAny(cmdSignatures, query, body) {
		labels = append(labels, CommandInjection)
	}
	if containsAny(botSignatures, ua) {
		labels = append(labels, BotDetected)
	}

	return labels
}

func containsAny(signatures []string, fields ...string) bool {
	for _, field := range fields {
		if field == "" {
			continue
		}
		for _, sig := range signatures {
			if strings.Contains(field, sig) {
				return true
			}
		}
	}
	return false
}

// IsCritical reports whether any label must fail closed
func IsCritical(labels []string) bool {
	for _, l := range labels {
		if l == SQLInjection || l == CommandInjection {
			return true
		}
	}
	return false
}

// Severity maps an event type to its severity; unknown types are medium
func Severity(eventType string) models.Severity {
	if s, ok := severities[eventType]; ok {
		return s
	}
	return models.SeverityMedium
}
