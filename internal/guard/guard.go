package guard

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/activity"
	"github.com/lfrfrfr/beon-guard/internal/alerting"
	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/internal/detector"
	"github.com/lfrfrfr/beon-guard/internal/metrics"
	"github.com/lfrfrfr/beon-guard/internal/ratelimit"
	"github.com/lfrfrfr/beon-guard/internal/reputation"
	"github.com/lfrfrfr/beon-guard/internal/scoring"
	"github.com/lfrfrfr/beon-guard/internal/telemetry"
	"github.com/lfrfrfr/beon-guard/internal/waf"
	"github.com/lfrfrfr/beon-guard/pkg/iputil"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// CriticalSecurityEvent is the alert raised for every critical event
const CriticalSecurityEvent = "CRITICAL_SECURITY_EVENT"

// Stage names the interceptor that produced a decision
type Stage string

const (
	StageAdmission Stage = "admission"
	StageRules     Stage = "rules"
	StageAttack    Stage = "attack"
	StageLimits    Stage = "rate_limit"
	StageSuspicion Stage = "suspicion"
)

// GeoLookup resolves the ISO country code of an IP
type GeoLookup interface {
	Country(ip string) (string, error)
}

// Decision is the outcome of one interceptor stage
type Decision struct {
	Stage      Stage
	Rejection  *models.Rejection
	Monitored  bool
	Delay      time.Duration
	Reputation models.Reputation
}

// Blocked reports whether the request must be short-circuited
func (d Decision) Blocked() bool {
	return d.Rejection != nil && !d.Monitored
}

// Guard composes the defense components behind a framework-independent API
type Guard struct {
	cfg  *config.Config
	mode models.Mode

	matcher    *waf.Matcher
	reputation *reputation.Store
	windows    *ratelimit.Store
	limiter    *ratelimit.Limiter
	activity   *activity.Store
	scorer     *scoring.Scorer
	telemetry  *telemetry.Store
	alerts     *alerting.Dispatcher
	geo        GeoLookup

	allowed map[string]bool
	blocked map[string]bool

	now func() time.Time
}

// Option customizes a Guard
type Option func(*Guard)

// WithGeo enables country resolution for geo-blocking
func WithGeo(geo GeoLookup) Option {
	return func(g *Guard) {
		g.geo = geo
	}
}

// WithChannels registers alert notification channels
func WithChannels(channels ...alerting.Channel) Option {
	return func(g *Guard) {
		for _, c := range channels {
			g.alerts.AddChannel(c)
		}
	}
}

// New builds every store from cfg and compiles the rule table
func New(cfg *config.Config, rules *config.RulesConfig, opts ...Option) (*Guard, error) {
	matcher, err := waf.New(rules, waf.Options{
		Budget:          cfg.Defense.MatchBudget,
		MaxInspectBytes: cfg.Defense.MaxInspectBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	windows := ratelimit.NewStore()
	g := &Guard{
		cfg:        cfg,
		mode:       models.ModeMonitor,
		matcher:    matcher,
		reputation: reputation.New(ReputationConfig(cfg.Reputation)),
		windows:    windows,
		limiter:    ratelimit.NewLimiter(windows, cfg.RateLimit),
		activity:   activity.New(ActivityConfig(cfg.Activity)),
		scorer:     scoring.New(ScoringConfig(cfg.Suspicion)),
		telemetry:  telemetry.New(TelemetryConfig(cfg.Telemetry)),
		alerts:     alerting.New(AlertingConfig(cfg.Alerts, cfg.Notifications)),
		allowed:    countrySet(cfg.Geo.AllowedCountries),
		blocked:    countrySet(cfg.Geo.BlockedCountries),
		now:        time.Now,
	}
	if cfg.IsBlocking() {
		g.mode = models.ModeBlock
	}

	for _, opt := range opts {
		opt(g)
	}

	g.reputation.AddHook(func(c reputation.Change) {
		metrics.ReputationAdjustments.WithLabelValues(c.Action).Inc()
	})
	g.telemetry.OnSecurityEvent(g.onSecurityEvent)
	g.alerts.OnAlert(func(a models.Alert) {
		metrics.AlertsFired.WithLabelValues(a.Type, string(a.Severity)).Inc()
	})

	logger.Info("Guard initialized",
		zap.String("mode", string(g.mode)),
		zap.Strings("categories", matcher.Categories()),
		zap.Int("rules", matcher.RuleCount()),
		zap.Bool("geo", g.geo != nil && cfg.Geo.Enabled),
	)
	return g, nil
}

func countrySet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[strings.ToUpper(c)] = true
	}
	return set
}

func (g *Guard) onSecurityEvent(ev models.SecurityEvent) {
	metrics.SecurityEvents.WithLabelValues(ev.Type, string(ev.Severity)).Inc()
	if ev.Severity != models.SeverityCritical {
		return
	}
	g.alerts.Trigger(CriticalSecurityEvent, models.SeverityCritical, map[string]interface{}{
		"eventId": ev.ID,
		"type":    ev.Type,
		"ip":      ev.IP,
		"details": ev.Details,
	})
}

// Mode returns the enforcement mode
func (g *Guard) Mode() models.Mode { return g.mode }

// Config returns the configuration the guard was built from
func (g *Guard) Config() *config.Config { return g.cfg }

// Reputation returns the reputation store
func (g *Guard) Reputation() *reputation.Store { return g.reputation }

// Windows returns the sliding-window store shared by every limiter tier
func (g *Guard) Windows() *ratelimit.Store { return g.windows }

// Activity returns the activity store
func (g *Guard) Activity() *activity.Store { return g.activity }

// Telemetry returns the telemetry store
func (g *Guard) Telemetry() *telemetry.Store { return g.telemetry }

// Alerts returns the alert dispatcher
func (g *Guard) Alerts() *alerting.Dispatcher { return g.alerts }

// Skip reports whether path bypasses the interceptors
func (g *Guard) Skip(path string) bool {
	if !g.cfg.Defense.Enabled {
		return true
	}
	if g.cfg.Admin.Enabled && ratelimit.PathMatches(path, g.cfg.Admin.Prefix) {
		return true
	}
	for _, p := range g.cfg.Defense.SkipPaths {
		if ratelimit.PathMatches(path, p) {
			return true
		}
	}
	return false
}

func (g *Guard) pass(stage Stage) Decision {
	metrics.RecordDecision(string(stage), "pass", "")
	return Decision{Stage: stage}
}

// reject builds a rejection. In MONITOR mode it is logged and marked so
// the caller lets the request through.
func (g *Guard) reject(stage Stage, req models.Request, r models.Rejection) Decision {
	d := Decision{Stage: stage, Rejection: &r, Monitored: g.mode != models.ModeBlock}

	fields := []zap.Field{
		zap.String("stage", string(stage)),
		zap.String("code", r.Code),
		zap.Int("status", r.Status),
		zap.String("ip", req.IP),
		zap.String("method", req.Method),
		logger.Masked("path", req.Path),
	}
	if d.Monitored {
		metrics.RecordDecision(string(stage), "monitored", r.Code)
		logger.Warn("Request would be rejected (monitor mode)", fields...)
	} else {
		metrics.RecordDecision(string(stage), "rejected", r.Code)
		logger.Warn("Request rejected", fields...)
	}
	return d
}

// penalize lowers the reputation of ip and applies a temporary block once
// its violations reach the configured maximum
func (g *Guard) penalize(ip string, penalty float64, reason string) models.Reputation {
	rec, err := g.reputation.Adjust(ip, -math.Abs(penalty), reason)
	if err != nil {
		logger.Error("Failed to adjust reputation", zap.String("ip", ip), zap.Error(err))
		return rec
	}
	if rec.Whitelisted || rec.Blacklisted || rec.Blocked(g.now()) {
		return rec
	}
	if rec.Violations >= g.cfg.Defense.MaxViolations {
		blocked, err := g.reputation.Block(ip, g.cfg.Defense.BlockDuration, "too many violations")
		if err == nil {
			return blocked
		}
	}
	return rec
}

func (g *Guard) event(eventType string, req models.Request, details map[string]interface{}) {
	g.eventWithSeverity(eventType, "", req, details)
}

func (g *Guard) eventWithSeverity(eventType string, severity models.Severity, req models.Request, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["method"] = req.Method
	details["url"] = logger.Mask(req.URL)
	details["userAgent"] = req.UserAgent
	g.telemetry.RecordSecurityEventWithSeverity(eventType, req.IP, severity, details)
}

// Admit resolves the reputation of the client and rejects blacklisted,
// temporarily blocked and geo-restricted clients
func (g *Guard) Admit(req models.Request) Decision {
	rec, err := g.reputation.Get(req.IP)
	if err != nil {
		logger.Error("Admission failed open", zap.String("ip", req.IP), zap.Error(err))
		return g.pass(StageAdmission)
	}

	var d Decision
	switch {
	case rec.Blacklisted:
		d = g.reject(StageAdmission, req, models.Rejection{
			Status: http.StatusForbidden,
			Error:  "Access denied",
			Code:   "IP_BLACKLISTED",
		})
	case rec.Blocked(g.now()):
		d = g.reject(StageAdmission, req, models.Rejection{
			Status:     http.StatusForbidden,
			Error:      "Access temporarily blocked",
			Code:       "IP_BLOCKED",
			RetryAfter: int(math.Ceil(rec.BlockedUntil.Sub(g.now()).Seconds())),
		})
	default:
		d = g.checkGeo(req)
	}
	d.Reputation = rec
	return d
}

func (g *Guard) checkGeo(req models.Request) Decision {
	if !g.cfg.Geo.Enabled || g.geo == nil {
		return g.pass(StageAdmission)
	}

	// Internal traffic has no country
	if addr, err := iputil.ParseIP(req.IP); err != nil || !iputil.IsPublic(addr) {
		return g.pass(StageAdmission)
	}

	country, err := g.geo.Country(req.IP)
	metrics.RecordGeoIPLookup(err == nil)
	if err != nil || country == "" {
		// Unresolvable addresses are let through
		return g.pass(StageAdmission)
	}
	country = strings.ToUpper(country)

	if g.blocked[country] || (len(g.allowed) > 0 && !g.allowed[country]) {
		g.event(detector.GeoBlocked, req, map[string]interface{}{"country": country})
		return g.reject(StageAdmission, req, models.Rejection{
			Status: http.StatusForbidden,
			Error:  "Access not allowed from your region",
			Code:   "GEO_BLOCKED",
		})
	}
	return g.pass(StageAdmission)
}

// CheckRules runs the pattern matcher. Every match is recorded as a
// security event; blocking rules reject the request.
func (g *Guard) CheckRules(ctx context.Context, req models.Request) Decision {
	res := g.matcher.Classify(ctx, req)
	metrics.MatchDuration.Observe(float64(res.Elapsed.Microseconds()))

	if res.TimedOut {
		metrics.MatchTimeouts.Inc()
		logger.Error("Pattern matcher exceeded its time budget",
			zap.String("ip", req.IP),
			logger.Masked("path", req.Path),
			zap.Duration("elapsed", res.Elapsed),
		)
	}
	if len(res.Matches) == 0 {
		return g.pass(StageRules)
	}

	for _, m := range res.Matches {
		metrics.RecordRuleMatch(m.Category, m.Label)
		g.eventWithSeverity(m.Label, m.Severity, req, map[string]interface{}{
			"category": m.Category,
			"ruleId":   m.RuleID,
			"block":    m.Block,
		})
	}

	if m, ok := res.Blocking(); ok {
		g.penalize(req.IP, g.cfg.Defense.RulePenalty, "rule violation: "+m.Category)
		return g.reject(StageRules, req, models.Rejection{
			Status: http.StatusForbidden,
			Error:  "Access denied",
			Code:   "CUSTOM_RULE_VIOLATION",
		})
	}

	g.penalize(req.IP, g.cfg.Defense.RuleLogPenalty, "rule match: "+res.Matches[0].Category)
	return g.pass(StageRules)
}

// CheckAttacks runs the attack detector. Critical findings reject the
// request; the rest are recorded.
func (g *Guard) CheckAttacks(req models.Request) Decision {
	labels := detector.Detect(req)
	if len(labels) == 0 {
		return g.pass(StageAttack)
	}

	for _, l := range labels {
		metrics.RecordAttack(l)
		g.event(l, req, map[string]interface{}{"labels": labels})
	}

	if detector.IsCritical(labels) {
		g.penalize(req.IP, g.cfg.Defense.AttackPenalty, "attack detected: "+strings.Join(labels, ","))
		return g.reject(StageAttack, req, models.Rejection{
			Status: http.StatusForbidden,
			Error:  "Request blocked",
			Code:   "ATTACK_BLOCKED",
		})
	}
	return g.pass(StageAttack)
}

// CheckLimits applies the global tier, the endpoint tier and the route
// tiers in that order. Trusted and whitelisted clients skip the global tier.
func (g *Guard) CheckLimits(req models.Request) Decision {
	rec, _ := g.reputation.Peek(req.IP)

	var checks []ratelimit.Decision
	if !rec.Whitelisted && rec.Score < g.cfg.RateLimit.TrustedBypassScore {
		checks = append(checks, g.limiter.Check(ratelimit.TierGlobal, req.IP))
	}
	if !denied(checks) {
		if d, ok := g.limiter.CheckEndpoint(req.IP, req.Path); ok {
			checks = append(checks, d)
		}
	}
	if !denied(checks) && matchesAny(req.Path, g.cfg.Defense.LoginPaths) {
		checks = append(checks, g.limiter.Check(ratelimit.TierLogin, ratelimit.Key(req.IP, req.Email)))
	}
	if !denied(checks) && matchesAny(req.Path, g.cfg.Defense.SensitivePaths) {
		checks = append(checks, g.limiter.Check(ratelimit.TierSensitive, ratelimit.Key(req.IP, req.UserID)))
	}
	if !denied(checks) && matchesAny(req.Path, g.cfg.Defense.DownloadPaths) {
		checks = append(checks, g.limiter.Check(ratelimit.TierDownload, ratelimit.Key(req.IP, req.UserID)))
	}
	if !denied(checks) && g.cfg.Defense.APIPrefix != "" && ratelimit.PathMatches(req.Path, g.cfg.Defense.APIPrefix) {
		checks = append(checks, g.limiter.Check(ratelimit.TierAPI, ratelimit.Key(req.IP, req.UserID)))
	}

	if !denied(checks) {
		return g.pass(StageLimits)
	}

	d := checks[len(checks)-1]
	metrics.RecordRateLimit(string(d.Policy.Tier))

	eventType := detector.RateLimitExceeded
	if d.Policy.Tier == ratelimit.TierLogin {
		eventType = detector.BruteForceAttack
	}
	g.event(eventType, req, map[string]interface{}{
		"tier":   string(d.Policy.Tier),
		"code":   d.Policy.Code,
		"window": d.Policy.Window.String(),
		"max":    d.Policy.Max,
	})
	g.penalize(req.IP, d.Policy.Penalty, "rate limit: "+string(d.Policy.Tier))

	return g.reject(StageLimits, req, d.Rejection())
}

func denied(checks []ratelimit.Decision) bool {
	return len(checks) > 0 && !checks[len(checks)-1].Allowed
}

func matchesAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if ratelimit.PathMatches(path, p) {
			return true
		}
	}
	return false
}

// CheckSuspicion scores the request against the client's recent activity,
// records it, and applies the verdict
func (g *Guard) CheckSuspicion(req models.Request) Decision {
	now := g.now()
	snap := g.activity.Snapshot(req.IP)
	g.activity.Record(req.IP, activity.Entry{
		Timestamp: now,
		URL:       requestURL(req),
		Method:    req.Method,
		UserAgent: req.UserAgent,
	})

	sc := g.cfg.Suspicion
	slowKey := ratelimit.Key("slowdown", req.IP)
	if sc.DelayWindow > 0 {
		g.windows.Allow(slowKey, sc.DelayWindow, math.MaxInt32)
	}

	if !sc.Enabled {
		return g.pass(StageSuspicion)
	}

	score := g.scorer.Score(snap, req, now)
	metrics.SuspicionScoreDistribution.Observe(float64(score))
	v := g.scorer.Assess(score)

	switch v.Action {
	case scoring.ActionBlock:
		g.event(detector.SuspiciousActivity, req, map[string]interface{}{
			"score":   score,
			"signals": g.scorer.Signals(snap, req, now),
		})
		g.penalize(req.IP, v.Delta, "suspicious behavior")
		return g.reject(StageSuspicion, req, v.Rejection())

	case scoring.ActionSlow:
		g.penalize(req.IP, v.Delta, "moderately suspicious behavior")
		d := g.pass(StageSuspicion)
		if g.mode == models.ModeBlock && g.windows.Count(slowKey, sc.DelayWindow) > sc.DelayAfter {
			d.Delay = v.Delay
			logger.Info("Request slowed down",
				zap.String("ip", req.IP),
				zap.Int("score", score),
				zap.Duration("delay", v.Delay),
			)
		}
		return d

	case scoring.ActionReward:
		if _, err := g.reputation.Adjust(req.IP, v.Delta, "good behavior"); err != nil {
			logger.Debug("Reward skipped", zap.String("ip", req.IP), zap.Error(err))
		}
	}
	return g.pass(StageSuspicion)
}

// Inspect runs every stage in order and stops at the first rejection that
// is enforced
func (g *Guard) Inspect(ctx context.Context, req models.Request) Decision {
	adm := g.Admit(req)
	if adm.Blocked() {
		return adm
	}

	stages := []func() Decision{
		func() Decision { return g.CheckRules(ctx, req) },
		func() Decision { return g.CheckAttacks(req) },
		func() Decision { return g.CheckLimits(req) },
		func() Decision { return g.CheckSuspicion(req) },
	}
	last := adm
	for _, run := range stages {
		d := run()
		d.Reputation = adm.Reputation
		if d.Blocked() {
			return d
		}
		last = d
	}
	return last
}

// OnResponseComplete records the outcome of a request that reached the
// route handler or was rejected
func (g *Guard) OnResponseComplete(req models.Request, status int, elapsed time.Duration) {
	g.telemetry.RecordRequest(telemetry.RequestRecord{
		Timestamp:    g.now(),
		IP:           req.IP,
		Method:       req.Method,
		URL:          requestURL(req),
		Status:       status,
		ResponseTime: elapsed,
		UserAgent:    req.UserAgent,
		UserID:       req.UserID,
	})
	metrics.RecordRequest(req.Method, strconv.Itoa(status), elapsed.Seconds())

	if status >= 400 {
		g.activity.RecordError(req.IP)
	}

	if req.Method == http.MethodPost && matchesAny(req.Path, g.cfg.Defense.LoginPaths) {
		g.observeLogin(req, status)
	}

	if threshold := g.cfg.Defense.SlowRequestThreshold; threshold > 0 && elapsed > threshold {
		logger.Warn("Slow request",
			zap.String("ip", req.IP),
			zap.String("method", req.Method),
			logger.Masked("path", req.Path),
			zap.Duration("elapsed", elapsed),
		)
	}
	if status >= 500 {
		logger.Error("Server error response",
			zap.String("ip", req.IP),
			zap.String("method", req.Method),
			logger.Masked("path", req.Path),
			zap.Int("status", status),
		)
	}
}

func (g *Guard) observeLogin(req models.Request, status int) {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		if status < 400 {
			g.telemetry.RecordLogin(req.IP, true, req.Email, "")
		}
		return
	}

	g.telemetry.RecordLogin(req.IP, false, req.Email, "invalid credentials")
	failures := g.activity.RecordFailedLogin(req.IP)
	if failures == g.cfg.Suspicion.FailedLogins+1 {
		g.event(detector.SuspiciousLogin, req, map[string]interface{}{
			"failedLogins": failures,
			"email":        telemetry.HashEmail(req.Email),
		})
	}
}

func requestURL(req models.Request) string {
	if req.URL != "" {
		return req.URL
	}
	return req.Path
}

// TestResult is the side-effect free classification of a sample request
type TestResult struct {
	Matcher  waf.Result `json:"matcher"`
	Attacks  []string   `json:"attacks"`
	Critical bool       `json:"critical"`
	Blocking bool       `json:"blocking"`
}

// Test classifies a sample request without touching any store
func (g *Guard) Test(ctx context.Context, req models.Request) TestResult {
	res := g.matcher.Classify(ctx, req)
	labels := detector.Detect(req)
	_, blocking := res.Blocking()
	return TestResult{
		Matcher:  res,
		Attacks:  labels,
		Critical: detector.IsCritical(labels),
		Blocking: blocking,
	}
}

// Dashboard is the operator overview
type Dashboard struct {
	Mode         models.Mode            `json:"mode"`
	Reputation   reputation.Stats       `json:"reputation"`
	Telemetry    telemetry.Stats        `json:"telemetry"`
	Alerts       alerting.Stats         `json:"alerts"`
	ActiveAlerts []models.Alert         `json:"activeAlerts"`
	RecentEvents []models.SecurityEvent `json:"recentEvents"`
	TrackedKeys  map[string]int         `json:"trackedKeys"`
	Channels     []string               `json:"channels"`
}

// Dashboard collects the current state of every store
func (g *Guard) Dashboard() Dashboard {
	return Dashboard{
		Mode:         g.mode,
		Reputation:   g.reputation.Stats(),
		Telemetry:    g.telemetry.Stats(),
		Alerts:       g.alerts.Stats(),
		ActiveAlerts: g.alerts.Active(),
		RecentEvents: g.telemetry.RecentEvents(20),
		TrackedKeys: map[string]int{
			"reputation": g.reputation.Len(),
			"activity":   g.activity.Len(),
			"windows":    g.windows.Len(),
		},
		Channels: g.alerts.Channels(),
	}
}
