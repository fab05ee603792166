package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/pkg/logger"
)

// Entry is one observed request
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	UserAgent string    `json:"user_agent"`
}

// Snapshot is a point-in-time copy of an activity record
type Snapshot struct {
	IP           string    `json:"ip"`
	Requests     []Entry   `json:"requests"`
	FailedLogins int       `json:"failed_logins"`
	Errors       int       `json:"errors"`
	LastReset    time.Time `json:"last_reset"`
	LastSeen     time.Time `json:"last_seen"`
}

// Config holds activity store tuning
type Config struct {
	MaxRequests  int
	CounterReset time.Duration
	Retention    time.Duration
}

// DefaultConfig returns the default activity configuration
func DefaultConfig() Config {
	return Config{
		MaxRequests:  100,
		CounterReset: time.Hour,
		Retention:    24 * time.Hour,
	}
}

type record struct {
	mu           sync.Mutex
	requests     []Entry
	failedLogins int
	errors       int
	lastReset    time.Time
	lastSeen     time.Time
}

// Store tracks recent request history per IP
type Store struct {
	config  Config
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

// New creates a new activity store
func New(config Config) *Store {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultConfig().MaxRequests
	}
	return &Store{
		config:  config,
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// NewDefault creates a new activity store with default configuration
func NewDefault() *Store {
	return New(DefaultConfig())
}

func (s *Store) recordFor(ip string) *record {
	s.mu.RLock()
	r, ok := s.records[ip]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.records[ip]; ok {
		return r
	}
	now := s.now()
	r = &record{lastReset: now, lastSeen: now}
	s.records[ip] = r
	return r
}

// resetIfDue zeroes the counters once per reset period. Raw entries are kept.
func (r *record) resetIfDue(now time.Time, period time.Duration) bool {
	if period <= 0 || now.Sub(r.lastReset) < period {
		return false
	}
	r.failedLogins = 0
	r.errors = 0
	r.lastReset = now
	return true
}

func (r *record) snapshot(ip string) Snapshot {
	reqs := make([]Entry, len(r.requests))
	copy(reqs, r.requests)
	return Snapshot{
		IP:           ip,
		Requests:     reqs,
		FailedLogins: r.failedLogins,
		Errors:       r.errors,
		LastReset:    r.lastReset,
		LastSeen:     r.lastSeen,
	}
}

// Record appends a request to the history of ip, trimming the oldest
// entries beyond the configured maximum
func (s *Store) Record(ip string, e Entry) {
	r := s.recordFor(ip)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	r.resetIfDue(now, s.config.CounterReset)
	r.requests = append(r.requests, e)
	if over := len(r.requests) - s.config.MaxRequests; over > 0 {
		r.requests = append(r.requests[:0], r.requests[over:]...)
	}
	r.lastSeen = now
}

// RecordFailedLogin increments the failed login counter of ip
func (s *Store) RecordFailedLogin(ip string) int {
	r := s.recordFor(ip)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now()
	r.resetIfDue(now, s.config.CounterReset)
	r.failedLogins++
	r.lastSeen = now
	return r.failedLogins
}

// RecordError increments the error counter of ip
func (s *Store) RecordError(ip string) int {
	r := s.recordFor(ip)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now()
	r.resetIfDue(now, s.config.CounterReset)
	r.errors++
	r.lastSeen = now
	return r.errors
}

// Snapshot returns a copy of the record for ip. Unknown IPs yield an empty
// snapshot without creating a record.
func (s *Store) Snapshot(ip string) Snapshot {
	s.mu.RLock()
	r, ok := s.records[ip]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{IP: ip}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfDue(s.now(), s.config.CounterReset)
	return r.snapshot(ip)
}

// Len returns the number of tracked IPs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// SweepResult reports what a sweep changed
type SweepResult struct {
	Purged int `json:"purged"`
	Reset  int `json:"reset"`
}

// Sweep resets due counters and purges records idle past retention
func (s *Store) Sweep() SweepResult {
	now := s.now()
	var res SweepResult

	s.mu.RLock()
	var stale []string
	for ip, r := range s.records {
		r.mu.Lock()
		if r.resetIfDue(now, s.config.CounterReset) {
			res.Reset++
		}
		if now.Sub(r.lastSeen) > s.config.Retention {
			stale = append(stale, ip)
		}
		r.mu.Unlock()
	}
	s.mu.RUnlock()

	if len(stale) > 0 {
		s.mu.Lock()
		for _, ip := range stale {
			r, ok := s.records[ip]
			if !ok {
				continue
			}
			r.mu.Lock()
			idle := now.Sub(r.lastSeen) > s.config.Retention
			r.mu.Unlock()
			if idle {
				delete(s.records, ip)
				res.Purged++
			}
		}
		s.mu.Unlock()
	}

	if res.Purged > 0 {
		logger.Info("Activity sweep complete",
			zap.Int("purged", res.Purged),
			zap.Int("reset", res.Reset),
			zap.Int("remaining", s.Len()),
		)
	}
	return res
}
