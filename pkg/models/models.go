package models

import (
	"time"
)

// Severity grades security events and alerts
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Mode controls whether the defense layer enforces its decisions
type Mode string

const (
	// ModeMonitor logs every decision but never rejects a request
	ModeMonitor Mode = "MONITOR"
	// ModeBlock enforces rejections
	ModeBlock Mode = "BLOCK"
)

// ReputationStatus is the coarse label attached to every response
type ReputationStatus string

const (
	StatusWhitelisted ReputationStatus = "whitelisted"
	StatusBlacklisted ReputationStatus = "blacklisted"
	StatusTrusted     ReputationStatus = "trusted"
	StatusSuspicious  ReputationStatus = "suspicious"
	StatusNormal      ReputationStatus = "normal"
)

// Score thresholds shared by the reputation store and the response headers
const (
	NeutralScore    = 50
	TrustedScore    = 80
	SuspiciousScore = 30
	MinScore        = 0
	MaxScore        = 100
)

// Reputation is the per-IP trust record
type Reputation struct {
	IP           string     `json:"ip"`
	Score        float64    `json:"score"`
	Violations   int        `json:"violations"`
	Whitelisted  bool       `json:"whitelisted"`
	Blacklisted  bool       `json:"blacklisted"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUpdate   time.Time  `json:"last_update"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Blocked reports whether a temporary block is in force at now
func (r Reputation) Blocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// Status derives the coarse status label of a record
func (r Reputation) Status() ReputationStatus {
	switch {
	case r.Whitelisted:
		return StatusWhitelisted
	case r.Blacklisted:
		return StatusBlacklisted
	case r.Score >= TrustedScore:
		return StatusTrusted
	case r.Score <= SuspiciousScore:
		return StatusSuspicious
	default:
		return StatusNormal
	}
}

// Request is the framework-independent view of an inbound HTTP request
type Request struct {
	IP        string    `json:"ip"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`   // path plus raw query
	Query     string    `json:"query"` // serialized query parameters
	Body      string    `json:"body,omitempty"`
	UserAgent string    `json:"user_agent"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Country   string    `json:"country,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SecurityEvent is an immutable record of a detected rule/attack match or
// anomalous condition
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	IP        string                 `json:"ip"`
	Severity  Severity               `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Alert is a deduplicated notification raised on a threshold breach
type Alert struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Severity       Severity               `json:"severity"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
}

// Rejection is the body returned to a client whose request was short-circuited
type Rejection struct {
	Status     int    `json:"-"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// HealthStatus represents the health status of a service
type HealthStatus struct {
	Status    string            `json:"status"` // healthy, degraded, unhealthy
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Mode      Mode              `json:"mode"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}
