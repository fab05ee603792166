package reputation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/pkg/iputil"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// ErrInvalidIP is returned for keys that are not IP addresses
var ErrInvalidIP = errors.New("invalid IP address")

// Change actions passed to hooks
const (
	ActionAdjust        = "adjust"
	ActionAutoBlacklist = "auto_blacklist"
	ActionWhitelist     = "whitelist"
	ActionBlacklist     = "blacklist"
	ActionReset         = "reset"
	ActionBlock         = "block"
	ActionPurge         = "purge"
)

// Change describes a mutation of a record
type Change struct {
	Action    string            `json:"action"`
	Record    models.Reputation `json:"record"`
	Delta     float64           `json:"delta"`
	Reason    string            `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
}

// Hook receives every change after it has been applied. Hooks run on the
// caller's goroutine and must not block.
type Hook func(Change)

// Config holds reputation store tuning
type Config struct {
	BlacklistScore      float64
	BlacklistViolations int
	Retention           time.Duration
	DecayAfter          time.Duration
	DecayStep           float64
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		BlacklistScore:      10,
		BlacklistViolations: 5,
		Retention:           7 * 24 * time.Hour,
		DecayAfter:          time.Hour,
		DecayStep:           5,
	}
}

type entry struct {
	mu  sync.Mutex
	rec models.Reputation
}

// Store keeps one reputation record per IP. Mutations of a single record are
// serialized by the record's own lock; the map lock is only held to find or
// insert entries.
type Store struct {
	config  Config
	mu      sync.RWMutex
	records map[string]*entry
	hooks   []Hook
	now     func() time.Time
}

// New creates a new Store with the given configuration
func New(config Config) *Store {
	return &Store{
		config:  config,
		records: make(map[string]*entry),
		now:     time.Now,
	}
}

// NewDefault creates a new Store with default configuration
func NewDefault() *Store {
	return New(DefaultConfig())
}

// AddHook registers a change observer
func (s *Store) AddHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Store) emit(c Change) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		h(c)
	}
}

// entryFor finds or lazily creates the entry for a canonical IP
func (s *Store) entryFor(ip string) *entry {
	s.mu.RLock()
	e, ok := s.records[ip]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.records[ip]; ok {
		return e
	}
	now := s.now()
	e = &entry{rec: models.Reputation{
		IP:         ip,
		Score:      models.NeutralScore,
		CreatedAt:  now,
		LastUpdate: now,
	}}
	s.records[ip] = e
	return e
}

func canonical(ip string) (string, error) {
	key, err := iputil.Canonical(ip)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return key, nil
}

// Get returns the record for ip, creating a neutral one if absent
func (s *Store) Get(ip string) (models.Reputation, error) {
	key, err := canonical(ip)
	if err != nil {
		return models.Reputation{}, err
	}

	e := s.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// Peek returns the record for ip without creating it
func (s *Store) Peek(ip string) (models.Reputation, bool) {
	key, err := canonical(ip)
	if err != nil {
		return models.Reputation{}, false
	}

	s.mu.RLock()
	e, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return models.Reputation{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Adjust applies delta to the score of ip. Negative deltas count as
// violations. Whitelisted records are left untouched.
func (s *Store) Adjust(ip string, delta float64, reason string) (models.Reputation, error) {
	key, err := canonical(ip)
	if err != nil {
		return models.Reputation{}, err
	}

	e := s.entryFor(key)
	e.mu.Lock()
	if e.rec.Whitelisted {
		rec := e.rec
		e.mu.Unlock()
		return rec, nil
	}

	now := s.now()
	e.rec.Score = clamp(e.rec.Score + delta)
	if delta < 0 {
		e.rec.Violations++
	}
	e.rec.LastUpdate = now
	e.rec.Reason = reason

	autoBlacklisted := false
	if !e.rec.Blacklisted &&
		e.rec.Score <= s.config.BlacklistScore &&
		e.rec.Violations >= s.config.BlacklistViolations {
		e.rec.Blacklisted = true
		autoBlacklisted = true
	}
	rec := e.rec
	e.mu.Unlock()

	fields := []zap.Field{
		zap.String("ip", key),
		zap.Float64("delta", delta),
		zap.Float64("score", rec.Score),
		zap.Int("violations", rec.Violations),
		zap.String("reason", reason),
	}
	if delta < 0 {
		logger.Info("Reputation adjusted", fields...)
	} else {
		logger.Debug("Reputation adjusted", fields...)
	}
	s.emit(Change{Action: ActionAdjust, Record: rec, Delta: delta, Reason: reason, Timestamp: now})

	if autoBlacklisted {
		logger.Warn("IP auto-blacklisted",
			zap.String("ip", key),
			zap.Float64("score", rec.Score),
			zap.Int("violations", rec.Violations),
		)
		s.emit(Change{Action: ActionAutoBlacklist, Record: rec, Reason: reason, Timestamp: now})
	}

	return rec, nil
}

// Whitelist pins ip at the maximum score and clears its violations and
// any blacklist or temporary block
func (s *Store) Whitelist(ip, reason string) (models.Reputation, error) {
	return s.override(ip, ActionWhitelist, reason, func(r *models.Reputation) {
		r.Score = models.MaxScore
		r.Violations = 0
		r.Whitelisted = true
		r.Blacklisted = false
		r.BlockedUntil = nil
	})
}

// Blacklist drops ip to the minimum score and clears any whitelist
func (s *Store) Blacklist(ip, reason string) (models.Reputation, error) {
	return s.override(ip, ActionBlacklist, reason, func(r *models.Reputation) {
		r.Score = models.MinScore
		r.Whitelisted = false
		r.Blacklisted = true
	})
}

// Reset returns ip to a neutral record
func (s *Store) Reset(ip, reason string) (models.Reputation, error) {
	return s.override(ip, ActionReset, reason, func(r *models.Reputation) {
		r.Score = models.NeutralScore
		r.Violations = 0
		r.Whitelisted = false
		r.Blacklisted = false
		r.BlockedUntil = nil
	})
}

// Block denies ip for d without changing its flags. Whitelisted IPs are
// never blocked.
func (s *Store) Block(ip string, d time.Duration, reason string) (models.Reputation, error) {
	key, err := canonical(ip)
	if err != nil {
		return models.Reputation{}, err
	}

	e := s.entryFor(key)
	e.mu.Lock()
	if e.rec.Whitelisted {
		rec := e.rec
		e.mu.Unlock()
		return rec, nil
	}
	now := s.now()
	until := now.Add(d)
	e.rec.BlockedUntil = &until
	e.rec.LastUpdate = now
	e.rec.Reason = reason
	rec := e.rec
	e.mu.Unlock()

	logger.Warn("IP temporarily blocked",
		zap.String("ip", key),
		zap.Duration("duration", d),
		zap.String("reason", reason),
	)
	s.emit(Change{Action: ActionBlock, Record: rec, Reason: reason, Timestamp: now})
	return rec, nil
}

func (s *Store) override(ip, action, reason string, apply func(*models.Reputation)) (models.Reputation, error) {
	key, err := canonical(ip)
	if err != nil {
		return models.Reputation{}, err
	}

	e := s.entryFor(key)
	e.mu.Lock()
	now := s.now()
	apply(&e.rec)
	e.rec.LastUpdate = now
	e.rec.Reason = reason
	rec := e.rec
	e.mu.Unlock()

	logger.Warn("Reputation override",
		zap.String("action", action),
		zap.String("ip", key),
		zap.Float64("score", rec.Score),
		zap.String("reason", reason),
	)
	s.emit(Change{Action: action, Record: rec, Reason: reason, Timestamp: now})
	return rec, nil
}

// Restore loads records, typically from a snapshot taken before a restart.
// Existing records for the same IPs are replaced.
func (s *Store) Restore(records []models.Reputation) int {
	restored := 0
	for _, r := range records {
		key, err := canonical(r.IP)
		if err != nil {
			continue
		}
		r.IP = key
		r.Score = clamp(r.Score)
		if r.LastUpdate.IsZero() {
			r.LastUpdate = s.now()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = r.LastUpdate
		}

		s.mu.Lock()
		s.records[key] = &entry{rec: r}
		s.mu.Unlock()
		restored++
	}
	return restored
}

// Query lists records by status. Suspicious excludes blacklisted records
// and trusted excludes whitelisted ones.
func (s *Store) Query(status models.ReputationStatus) []models.Reputation {
	var out []models.Reputation
	for _, rec := range s.snapshot() {
		if matches(rec, status) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].IP < out[j].IP
	})
	return out
}

func matches(r models.Reputation, status models.ReputationStatus) bool {
	switch status {
	case models.StatusWhitelisted:
		return r.Whitelisted
	case models.StatusBlacklisted:
		return r.Blacklisted
	case models.StatusSuspicious:
		return r.Score <= models.SuspiciousScore && !r.Blacklisted
	case models.StatusTrusted:
		return r.Score >= models.TrustedScore && !r.Whitelisted
	case models.StatusNormal:
		return r.Status() == models.StatusNormal
	default:
		return false
	}
}

// Flagged returns whitelisted, blacklisted and temporarily blocked records
func (s *Store) Flagged() []models.Reputation {
	now := s.now()
	var out []models.Reputation
	for _, rec := range s.snapshot() {
		if rec.Whitelisted || rec.Blacklisted || rec.Blocked(now) {
			out = append(out, rec)
		}
	}
	return out
}

// snapshot copies every record without holding the map lock while reading
// individual entries
func (s *Store) snapshot() []models.Reputation {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]models.Reputation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of tracked IPs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats holds aggregate reputation statistics
type Stats struct {
	TotalIPs     int            `json:"totalIPs"`
	Whitelisted  int            `json:"whitelisted"`
	Blacklisted  int            `json:"blacklisted"`
	Blocked      int            `json:"blocked"`
	Suspicious   int            `json:"suspicious"`
	Trusted      int            `json:"trusted"`
	Neutral      int            `json:"neutral"`
	Distribution map[string]int `json:"reputationDistribution"`
}

// Stats computes aggregate statistics over all records
func (s *Store) Stats() Stats {
	now := s.now()
	st := Stats{Distribution: make(map[string]int)}
	for _, rec := range s.snapshot() {
		st.TotalIPs++
		switch {
		case rec.Whitelisted:
			st.Whitelisted++
		case rec.Blacklisted:
			st.Blacklisted++
		case rec.Score <= models.SuspiciousScore:
			st.Suspicious++
		case rec.Score >= models.TrustedScore:
			st.Trusted++
		default:
			st.Neutral++
		}
		if rec.Blocked(now) {
			st.Blocked++
		}
		st.Distribution[bucket(rec.Score)]++
	}
	return st
}

func bucket(score float64) string {
	low := int(score) / 10 * 10
	if low >= 90 {
		return "90-100"
	}
	return fmt.Sprintf("%d-%d", low, low+9)
}

// SweepResult reports what a sweep changed
type SweepResult struct {
	Purged    int `json:"purged"`
	Decayed   int `json:"decayed"`
	Unblocked int `json:"unblocked"`
}

// Sweep decays idle unflagged scores toward neutral, lifts expired
// temporary blocks and purges neutral unflagged records idle for longer
// than the retention period. Flagged records are kept until reset.
func (s *Store) Sweep() SweepResult {
	now := s.now()
	var res SweepResult

	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	entries := make([]*entry, 0, len(s.records))
	for k, e := range s.records {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var purge []string
	for i, e := range entries {
		e.mu.Lock()
		r := &e.rec
		if r.BlockedUntil != nil && !now.Before(*r.BlockedUntil) {
			r.BlockedUntil = nil
			res.Unblocked++
		}
		flagged := r.Whitelisted || r.Blacklisted || r.BlockedUntil != nil
		idle := now.Sub(r.LastUpdate)

		if !flagged && s.config.DecayStep > 0 && idle >= s.config.DecayAfter && r.Score != models.NeutralScore {
			r.Score = decay(r.Score, s.config.DecayStep)
			res.Decayed++
		}
		if !flagged && idle > s.config.Retention && isNeutral(r.Score) {
			purge = append(purge, keys[i])
		}
		e.mu.Unlock()
	}

	var purged []models.Reputation
	if len(purge) > 0 {
		s.mu.Lock()
		for _, k := range purge {
			e, ok := s.records[k]
			if !ok {
				continue
			}
			// Skip records touched since the scan
			e.mu.Lock()
			stale := now.Sub(e.rec.LastUpdate) > s.config.Retention
			rec := e.rec
			e.mu.Unlock()
			if stale {
				delete(s.records, k)
				purged = append(purged, rec)
			}
		}
		s.mu.Unlock()
	}
	res.Purged = len(purged)
	for _, rec := range purged {
		s.emit(Change{Action: ActionPurge, Record: rec, Reason: "retention", Timestamp: now})
	}

	if res.Purged > 0 || res.Decayed > 0 || res.Unblocked > 0 {
		logger.Info("Reputation sweep complete",
			zap.Int("purged", res.Purged),
			zap.Int("decayed", res.Decayed),
			zap.Int("unblocked", res.Unblocked),
			zap.Int("remaining", s.Len()),
		)
	}
	return res
}

func isNeutral(score float64) bool {
	return score >= 40 && score <= 60
}

func decay(score, step float64) float64 {
	if score < models.NeutralScore {
		if score+step > models.NeutralScore {
			return models.NeutralScore
		}
		return score + step
	}
	if score-step < models.NeutralScore {
		return models.NeutralScore
	}
	return score - step
}

func clamp(score float64) float64 {
	if score < models.MinScore {
		return models.MinScore
	}
	if score > models.MaxScore {
		return models.MaxScore
	}
	return score
}
