package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/detector"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// Error types derived from the response status
const (
	ServerError = "server_error"
	ClientError = "client_error"
)

// RequestRecord is one completed request
type RequestRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	IP           string        `json:"ip"`
	Method       string        `json:"method"`
	URL          string        `json:"url"`
	Status       int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
	UserAgent    string        `json:"user_agent"`
	UserID       string        `json:"user_id"`
}

// ErrorRecord is a request that completed with status >= 400
type ErrorRecord struct {
	RequestRecord
	ErrorType string `json:"error_type"`
}

// LoginRecord is one login attempt. The email is stored hashed.
type LoginRecord struct {
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	Success   bool      `json:"success"`
	EmailHash string    `json:"email,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// PerformanceSnapshot is a periodic sample of process resources
type PerformanceSnapshot struct {
	Timestamp     time.Time     `json:"timestamp"`
	HeapAlloc     uint64        `json:"heap_alloc"`
	HeapSys       uint64        `json:"heap_sys"`
	MemoryPercent float64       `json:"memory_percent"`
	Goroutines    int           `json:"goroutines"`
	NumGC         uint32        `json:"num_gc"`
	Uptime        time.Duration `json:"uptime"`
}

// Config holds sequence capacities and retention
type Config struct {
	RequestsCap       int
	ErrorsCap         int
	LoginsCap         int
	SecurityEventsCap int
	PerformanceCap    int
	Retention         time.Duration
}

// DefaultConfig returns the default telemetry configuration
func DefaultConfig() Config {
	return Config{
		RequestsCap:       1000,
		ErrorsCap:         500,
		LoginsCap:         500,
		SecurityEventsCap: 300,
		PerformanceCap:    288,
		Retention:         24 * time.Hour,
	}
}

// EventHook receives every recorded security event
type EventHook func(models.SecurityEvent)

// RequestHook receives every recorded request
type RequestHook func(RequestRecord)

// Totals are lifetime counters since process start
type Totals struct {
	Requests       int64 `json:"totalRequests"`
	Errors         int64 `json:"totalErrors"`
	Logins         int64 `json:"totalLogins"`
	SecurityEvents int64 `json:"securityEvents"`
}

// Store keeps bounded, time-ordered telemetry sequences
type Store struct {
	config Config

	mu          sync.RWMutex
	requests    *Ring[RequestRecord]
	errors      *Ring[ErrorRecord]
	logins      *Ring[LoginRecord]
	events      *Ring[models.SecurityEvent]
	performance *Ring[PerformanceSnapshot]
	totals      Totals

	hookMu       sync.RWMutex
	eventHooks   []EventHook
	requestHooks []RequestHook

	started time.Time
	now     func() time.Time
}

// New creates a telemetry store
func New(config Config) *Store {
	return &Store{
		config:      config,
		requests:    NewRing[RequestRecord](config.RequestsCap),
		errors:      NewRing[ErrorRecord](config.ErrorsCap),
		logins:      NewRing[LoginRecord](config.LoginsCap),
		events:      NewRing[models.SecurityEvent](config.SecurityEventsCap),
		performance: NewRing[PerformanceSnapshot](config.PerformanceCap),
		started:     time.Now(),
		now:         time.Now,
	}
}

// NewDefault creates a telemetry store with default capacities
func NewDefault() *Store {
	return New(DefaultConfig())
}

// OnSecurityEvent registers a hook for security events
func (s *Store) OnSecurityEvent(h EventHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.eventHooks = append(s.eventHooks, h)
}

// OnRequest registers a hook for completed requests
func (s *Store) OnRequest(h RequestHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.requestHooks = append(s.requestHooks, h)
}

// ClassifyError maps a status code to an error type
func ClassifyError(status int) string {
	switch {
	case status >= 500:
		return ServerError
	case status >= 400:
		return ClientError
	default:
		return "unknown"
	}
}

// HashEmail returns the first 8 hex chars of the SHA-256 of email
func HashEmail(email string) string {
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])[:8]
}

// RecordRequest appends a completed request, and an error entry when its
// status is 400 or above
func (s *Store) RecordRequest(r RequestRecord) {
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}

	s.mu.Lock()
	s.requests.Push(r)
	s.totals.Requests++
	if r.Status >= 400 {
		s.errors.Push(ErrorRecord{RequestRecord: r, ErrorType: ClassifyError(r.Status)})
		s.totals.Errors++
	}
	s.mu.Unlock()

	s.hookMu.RLock()
	hooks := s.requestHooks
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h(r)
	}
}

// RecordLogin appends a login attempt
func (s *Store) RecordLogin(ip string, success bool, email, reason string) {
	rec := LoginRecord{
		Timestamp: s.now(),
		IP:        ip,
		Success:   success,
		EmailHash: HashEmail(email),
		Reason:    reason,
	}

	s.mu.Lock()
	s.logins.Push(rec)
	s.totals.Logins++
	s.mu.Unlock()
}

// RecordSecurityEvent builds, stores and publishes a security event with
// the default severity of its type
func (s *Store) RecordSecurityEvent(eventType, ip string, details map[string]interface{}) models.SecurityEvent {
	return s.RecordSecurityEventWithSeverity(eventType, ip, "", details)
}

// RecordSecurityEventWithSeverity is RecordSecurityEvent with an explicit
// severity. An empty severity falls back to the type default.
func (s *Store) RecordSecurityEventWithSeverity(eventType, ip string, severity models.Severity, details map[string]interface{}) models.SecurityEvent {
	if severity == "" {
		severity = detector.Severity(eventType)
	}
	ev := models.SecurityEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		IP:        ip,
		Severity:  severity,
		Details:   details,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	s.events.Push(ev)
	s.totals.SecurityEvents++
	s.mu.Unlock()

	logger.Warn("Security event",
		zap.String("type", ev.Type),
		zap.String("ip", ev.IP),
		zap.String("severity", string(ev.Severity)),
		zap.Any("details", ev.Details),
	)

	s.hookMu.RLock()
	hooks := s.eventHooks
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h(ev)
	}
	return ev
}

// RecordPerformance appends a resource snapshot
func (s *Store) RecordPerformance(p PerformanceSnapshot) {
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	s.mu.Lock()
	s.performance.Push(p)
	s.mu.Unlock()
}

// LatestPerformance returns the newest resource snapshot
func (s *Store) LatestPerformance() (PerformanceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.performance.Last()
}

// Totals returns lifetime counters
func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals
}

// RecentEvents returns up to n security events, newest first
func (s *Store) RecentEvents(n int) []models.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SecurityEvent, 0, min(n, s.events.Len()))
	s.events.Reverse(func(ev models.SecurityEvent) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, ev)
		return true
	})
	return out
}

// Aggregate summarizes a trailing window
type Aggregate struct {
	Window          time.Duration `json:"window"`
	Requests        int           `json:"requests"`
	Errors          int           `json:"errors"`
	ErrorRate       float64       `json:"errorRate"`
	AvgResponseMs   float64       `json:"avgResponseTime"`
	Logins          int           `json:"logins"`
	FailedLogins    int           `json:"failedLogins"`
	FailedLoginRate float64       `json:"failedLoginRate"`
	UniqueIPs       int           `json:"uniqueIPs"`
	SecurityEvents  int           `json:"securityEvents"`
	CriticalEvents  int           `json:"criticalEvents"`
}

// Rollup aggregates every sequence over the trailing window
func (s *Store) Rollup(window time.Duration) Aggregate {
	cutoff := s.now().Add(-window)
	agg := Aggregate{Window: window}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ips := make(map[string]struct{})
	var totalResponse time.Duration
	s.requests.Reverse(func(r RequestRecord) bool {
		if !r.Timestamp.After(cutoff) {
			return false
		}
		agg.Requests++
		totalResponse += r.ResponseTime
		ips[r.IP] = struct{}{}
		return true
	})
	s.errors.Reverse(func(e ErrorRecord) bool {
		if !e.Timestamp.After(cutoff) {
			return false
		}
		agg.Errors++
		return true
	})
	s.logins.Reverse(func(l LoginRecord) bool {
		if !l.Timestamp.After(cutoff) {
			return false
		}
		agg.Logins++
		if !l.Success {
			agg.FailedLogins++
		}
		return true
	})
	s.events.Reverse(func(ev models.SecurityEvent) bool {
		if !ev.Timestamp.After(cutoff) {
			return false
		}
		agg.SecurityEvents++
		if ev.Severity == models.SeverityCritical {
			agg.CriticalEvents++
		}
		return true
	})

	agg.UniqueIPs = len(ips)
	if agg.Requests > 0 {
		agg.ErrorRate = float64(agg.Errors) / float64(agg.Requests) * 100
		agg.AvgResponseMs = float64(totalResponse.Milliseconds()) / float64(agg.Requests)
	}
	if agg.Logins > 0 {
		agg.FailedLoginRate = float64(agg.FailedLogins) / float64(agg.Logins) * 100
	}
	return agg
}

// Stats is the operator view of the telemetry store
type Stats struct {
	Uptime  string    `json:"uptime"`
	System  Totals    `json:"system"`
	Hourly  Aggregate `json:"hourly"`
	Daily   Aggregate `json:"daily"`
	Buffers struct {
		Requests       int `json:"requests"`
		Errors         int `json:"errors"`
		Logins         int `json:"logins"`
		SecurityEvents int `json:"security_events"`
		Performance    int `json:"performance"`
	} `json:"buffers"`
}

// Stats returns lifetime totals plus hourly and daily rollups
func (s *Store) Stats() Stats {
	st := Stats{
		Uptime: s.now().Sub(s.started).Round(time.Second).String(),
		System: s.Totals(),
		Hourly: s.Rollup(time.Hour),
		Daily:  s.Rollup(24 * time.Hour),
	}

	s.mu.RLock()
	st.Buffers.Requests = s.requests.Len()
	st.Buffers.Errors = s.errors.Len()
	st.Buffers.Logins = s.logins.Len()
	st.Buffers.SecurityEvents = s.events.Len()
	st.Buffers.Performance = s.performance.Len()
	s.mu.RUnlock()

	return st
}

// Purge drops entries older than the retention period from every sequence
func (s *Store) Purge() int {
	cutoff := s.now().Add(-s.config.Retention)

	s.mu.Lock()
	removed := s.requests.DropWhile(func(r RequestRecord) bool { return r.Timestamp.Before(cutoff) })
	removed += s.errors.DropWhile(func(e ErrorRecord) bool { return e.Timestamp.Before(cutoff) })
	removed += s.logins.DropWhile(func(l LoginRecord) bool { return l.Timestamp.Before(cutoff) })
	removed += s.events.DropWhile(func(ev models.SecurityEvent) bool { return ev.Timestamp.Before(cutoff) })
	removed += s.performance.DropWhile(func(p PerformanceSnapshot) bool { return p.Timestamp.Before(cutoff) })
	s.mu.Unlock()

	if removed > 0 {
		logger.Info("Telemetry purge complete", zap.Int("removed", removed))
	}
	return removed
}
