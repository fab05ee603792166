package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/activity"
	"github.com/lfrfrfr/beon-guard/internal/alerting"
	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/internal/metrics"
	"github.com/lfrfrfr/beon-guard/internal/ratelimit"
	"github.com/lfrfrfr/beon-guard/internal/reputation"
	"github.com/lfrfrfr/beon-guard/internal/telemetry"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// Alert types raised by the periodic jobs
const (
	HighErrorRate     = "HIGH_ERROR_RATE"
	HighResponseTime  = "HIGH_RESPONSE_TIME"
	HighFailedLogins  = "HIGH_FAILED_LOGINS"
	HighRequestVolume = "HIGH_REQUEST_VOLUME"
	HighMemoryUsage   = "HIGH_MEMORY_USAGE"
	HighBlockedIPs    = "HIGH_BLOCKED_IPS"
	HighViolations    = "HIGH_VIOLATIONS"
)

// Finding is a threshold breach that should become an alert
type Finding struct {
	Type     string
	Severity models.Severity
	Data     map[string]interface{}
}

// EvaluateTraffic checks a short rollup against the traffic thresholds
func EvaluateTraffic(agg telemetry.Aggregate, t config.AlertsConfig) []Finding {
	var out []Finding
	if agg.ErrorRate > t.ErrorRate {
		out = append(out, Finding{HighErrorRate, models.SeverityHigh, map[string]interface{}{
			"errorRate": agg.ErrorRate,
			"threshold": t.ErrorRate,
			"requests":  agg.Requests,
		}})
	}
	if agg.AvgResponseMs > t.ResponseTimeMs {
		out = append(out, Finding{HighResponseTime, models.SeverityMedium, map[string]interface{}{
			"avgResponseTime": agg.AvgResponseMs,
			"threshold":       t.ResponseTimeMs,
		}})
	}
	if agg.FailedLogins > t.FailedLogins {
		out = append(out, Finding{HighFailedLogins, models.SeverityHigh, map[string]interface{}{
			"failedLogins": agg.FailedLogins,
			"threshold":    t.FailedLogins,
		}})
	}
	if agg.Requests > t.RequestVolume {
		out = append(out, Finding{HighRequestVolume, models.SeverityMedium, map[string]interface{}{
			"requests":  agg.Requests,
			"threshold": t.RequestVolume,
		}})
	}
	return out
}

// EvaluateMemory checks a resource snapshot against the memory threshold
func EvaluateMemory(p telemetry.PerformanceSnapshot, t config.AlertsConfig) []Finding {
	if p.MemoryPercent <= t.MemoryPercent {
		return nil
	}
	return []Finding{{HighMemoryUsage, models.SeverityHigh, map[string]interface{}{
		"memoryPercent": p.MemoryPercent,
		"heapAlloc":     p.HeapAlloc,
		"threshold":     t.MemoryPercent,
	}}}
}

// EvaluateDefense checks the blocked population and the hourly event count
func EvaluateDefense(blocked, eventsLastHour int, t config.AlertsConfig) []Finding {
	var out []Finding
	if blocked > t.BlockedIPs {
		out = append(out, Finding{HighBlockedIPs, models.SeverityHigh, map[string]interface{}{
			"blockedIPs": blocked,
			"threshold":  t.BlockedIPs,
		}})
	}
	if eventsLastHour > t.ViolationsPerHour {
		out = append(out, Finding{HighViolations, models.SeverityHigh, map[string]interface{}{
			"violations": eventsLastHour,
			"threshold":  t.ViolationsPerHour,
		}})
	}
	return out
}

// Sample reads the current process resource usage
func Sample(started time.Time) telemetry.PerformanceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := telemetry.PerformanceSnapshot{
		Timestamp:  time.Now(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		Goroutines: runtime.NumGoroutine(),
		NumGC:      ms.NumGC,
		Uptime:     time.Since(started),
	}
	if ms.HeapSys > 0 {
		snap.MemoryPercent = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}
	return snap
}

// Stores groups the in-memory stores the jobs read and sweep
type Stores struct {
	Telemetry  *telemetry.Store
	Reputation *reputation.Store
	Activity   *activity.Store
	Windows    *ratelimit.Store
	Alerts     *alerting.Dispatcher
}

// Monitor runs the periodic analysis and housekeeping jobs
type Monitor struct {
	config  config.AlertsConfig
	stores  Stores
	cron    *cron.Cron
	started time.Time

	mu      sync.Mutex
	running bool
	extra   []job
}

type job struct {
	name     string
	schedule string
	run      func()
}

// New creates a monitor over the given stores
func New(cfg config.AlertsConfig, stores Stores) *Monitor {
	l := cronLogger{}
	return &Monitor{
		config:  cfg,
		stores:  stores,
		started: time.Now(),
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}
}

// Start schedules every job and starts the scheduler. It does not block.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}

	jobs := []job{
		{"analysis", m.config.AnalysisSchedule, m.Analyze},
		{"performance", m.config.PerformanceSchedule, m.Performance},
		{"defense", m.config.DefenseSchedule, m.CheckDefense},
		{"report", m.config.ReportSchedule, func() { _, _ = m.Report() }},
		{"cleanup", m.config.CleanupSchedule, m.Cleanup},
		{"sweep", m.config.SweepSchedule, m.Sweep},
	}
	jobs = append(jobs, m.extra...)
	for _, job := range jobs {
		if _, err := m.cron.AddFunc(job.schedule, job.run); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", job.name, err)
		}
		logger.Info("Scheduled monitor job", zap.String("job", job.name), zap.String("schedule", job.schedule))
	}

	m.cron.Start()
	m.running = true
	return nil
}

// Schedule adds a job to run alongside the built-in ones. It must be called
// before Start.
func (m *Monitor) Schedule(name, schedule string, run func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule for %s job: %w", name, err)
	}
	m.extra = append(m.extra, job{name: name, schedule: schedule, run: run})
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		logger.Warn("Monitor jobs still running at shutdown")
	}
	m.running = false
}

func (m *Monitor) raise(findings []Finding) {
	for _, f := range findings {
		m.stores.Alerts.Trigger(f.Type, f.Severity, f.Data)
	}
}

// Analyze checks the last analysis window of traffic
func (m *Monitor) Analyze() {
	window := m.config.AnalysisWindow
	if window <= 0 {
		window = time.Minute
	}
	m.raise(EvaluateTraffic(m.stores.Telemetry.Rollup(window), m.config))
}

// Performance records a resource snapshot and checks memory usage
func (m *Monitor) Performance() {
	snap := Sample(m.started)
	m.stores.Telemetry.RecordPerformance(snap)
	logger.Debug("Performance snapshot",
		zap.Uint64("heap_alloc", snap.HeapAlloc),
		zap.Float64("memory_percent", snap.MemoryPercent),
		zap.Int("goroutines", snap.Goroutines),
	)
	m.raise(EvaluateMemory(snap, m.config))
}

// CheckDefense checks the blocked population and the recent event volume
func (m *Monitor) CheckDefense() {
	st := m.stores.Reputation.Stats()
	events := m.stores.Telemetry.Rollup(time.Hour).SecurityEvents
	m.raise(EvaluateDefense(st.Blacklisted+st.Blocked, events, m.config))
}

// Report writes an hourly security report into the report directory and
// returns its path
func (m *Monitor) Report() (string, error) {
	rep := m.stores.Telemetry.SecurityReport(time.Hour)

	dir := m.config.ReportDir
	if dir == "" {
		dir = "logs/reports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("Failed to create report directory", zap.String("dir", dir), zap.Error(err))
		return "", err
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("security-report-%s.json", rep.End.UTC().Format("2006-01-02-15")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Error("Failed to write security report", zap.String("path", path), zap.Error(err))
		return "", err
	}

	logger.Info("Security report generated",
		zap.String("path", path),
		zap.Int("requests", rep.Summary.Requests),
		zap.Int("security_events", rep.Summary.SecurityEvents),
		zap.Int("suspicious_ips", len(rep.SuspiciousIPs)),
	)
	return path, nil
}

// Cleanup drops expired telemetry and alerts
func (m *Monitor) Cleanup() {
	removed := m.stores.Telemetry.Purge()
	removed += m.stores.Alerts.Purge()
	logger.Debug("Cleanup complete", zap.Int("removed", removed))
}

// Sweep runs the store sweeps and refreshes the store size gauges
func (m *Monitor) Sweep() {
	rep := m.stores.Reputation.Sweep()
	act := m.stores.Activity.Sweep()
	windows := m.stores.Windows.Sweep()

	metrics.TrackedIPs.WithLabelValues("reputation").Set(float64(m.stores.Reputation.Len()))
	metrics.TrackedIPs.WithLabelValues("activity").Set(float64(m.stores.Activity.Len()))
	metrics.TrackedIPs.WithLabelValues("windows").Set(float64(m.stores.Windows.Len()))

	logger.Info("Store sweep complete",
		zap.Int("reputation_purged", rep.Purged),
		zap.Int("reputation_decayed", rep.Decayed),
		zap.Int("reputation_unblocked", rep.Unblocked),
		zap.Int("activity_purged", act.Purged),
		zap.Int("windows_dropped", windows),
	)
}

// cronLogger routes scheduler messages into the global logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Sugar().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
