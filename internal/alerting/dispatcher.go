package alerting

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// ErrAlertNotFound is returned when acknowledging an unknown alert
var ErrAlertNotFound = errors.New("alert not found")

// Channel delivers alerts to an external destination
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert) error
}

// Config holds dispatcher tuning
type Config struct {
	Cooldown      time.Duration
	ActiveWindow  time.Duration
	Retention     time.Duration
	MaxAlerts     int
	SendTimeout   time.Duration
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		Cooldown:      5 * time.Minute,
		ActiveWindow:  time.Hour,
		Retention:     24 * time.Hour,
		MaxAlerts:     500,
		SendTimeout:   5 * time.Second,
		RatePerSecond: 2,
		Burst:         10,
	}
}

// Dispatcher deduplicates alerts per type and fans them out to channels
type Dispatcher struct {
	config Config

	mu        sync.RWMutex
	alerts    []*models.Alert
	lastFired map[string]time.Time

	channels []Channel
	hooks    []func(models.Alert)
	limiter  *rate.Limiter
	inflight sync.WaitGroup

	now func() time.Time
}

// New creates a dispatcher delivering to the given channels
func New(config Config, channels ...Channel) *Dispatcher {
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = DefaultConfig().MaxAlerts
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultConfig().SendTimeout
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		config:    config,
		lastFired: make(map[string]time.Time),
		channels:  channels,
		limiter:   rate.NewLimiter(limit, burst),
		now:       time.Now,
	}
}

// AddChannel registers a notification channel
func (d *Dispatcher) AddChannel(c Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, c)
}

// Channels returns the registered channel names
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		names = append(names, c.Name())
	}
	return names
}

// OnAlert registers a hook called synchronously for every fired alert
func (d *Dispatcher) OnAlert(h func(models.Alert)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Trigger fires an alert of alertType unless one fired within the cooldown.
// The second return reports whether an alert was created.
func (d *Dispatcher) Trigger(alertType string, severity models.Severity, data map[string]interface{}) (models.Alert, bool) {
	now := d.now()

	d.mu.Lock()
	if last, ok := d.lastFired[alertType]; ok && now.Sub(last) < d.config.Cooldown {
		d.mu.Unlock()
		logger.Debug("Alert suppressed by cooldown", zap.String("type", alertType))
		return models.Alert{}, false
	}

	alert := &models.Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Data:      data,
		Timestamp: now,
	}
	d.lastFired[alertType] = now
	d.alerts = append(d.alerts, alert)
	if over := len(d.alerts) - d.config.MaxAlerts; over > 0 {
		d.alerts = append(d.alerts[:0], d.alerts[over:]...)
	}
	snapshot := *alert
	channels := d.channels
	hooks := d.hooks
	d.mu.Unlock()

	logger.Warn("Alert triggered",
		zap.String("id", snapshot.ID),
		zap.String("type", snapshot.Type),
		zap.String("severity", string(snapshot.Severity)),
		zap.Any("data", snapshot.Data),
	)

	for _, h := range hooks {
		h(snapshot)
	}
	d.notify(channels, snapshot)

	return snapshot, true
}

// notify sends the alert to every channel in the background. Sends past
// the token bucket are dropped and logged.
func (d *Dispatcher) notify(channels []Channel, alert models.Alert) {
	if len(channels) == 0 {
		return
	}
	if !d.limiter.Allow() {
		logger.Warn("Alert notification throttled", zap.String("id", alert.ID), zap.String("type", alert.Type))
		return
	}

	for _, ch := range channels {
		d.inflight.Add(1)
		go func(ch Channel) {
			defer d.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
			defer cancel()

			a := alert
			if err := ch.Send(ctx, &a); err != nil {
				logger.Error("Alert notification failed",
					zap.String("channel", ch.Name()),
					zap.String("id", alert.ID),
					zap.Error(err),
				)
				return
			}
			logger.Debug("Alert notification sent", zap.String("channel", ch.Name()), zap.String("id", alert.ID))
		}(ch)
	}
}

// Wait blocks until in-flight notifications finish
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Close waits for in-flight notifications and closes channels that hold
// resources
func (d *Dispatcher) Close() error {
	d.Wait()

	d.mu.RLock()
	channels := d.channels
	d.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Acknowledge marks an alert as acknowledged. Acknowledging twice keeps the
// first acknowledgement.
func (d *Dispatcher) Acknowledge(id, by string) (models.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, a := range d.alerts {
		if a.ID != id {
			continue
		}
		if !a.Acknowledged {
			now := d.now()
			a.Acknowledged = true
			a.AcknowledgedAt = &now
			a.AcknowledgedBy = by
			logger.Info("Alert acknowledged", zap.String("id", id), zap.String("by", by))
		}
		return *a, nil
	}
	return models.Alert{}, ErrAlertNotFound
}

// Active returns unacknowledged alerts from the active window, newest first
func (d *Dispatcher) Active() []models.Alert {
	cutoff := d.now().Add(-d.config.ActiveWindow)
	return d.collect(func(a *models.Alert) bool {
		return !a.Acknowledged && a.Timestamp.After(cutoff)
	})
}

// All returns every retained alert, newest first
func (d *Dispatcher) All() []models.Alert {
	return d.collect(func(*models.Alert) bool { return true })
}

// Since returns alerts fired after t, newest first
func (d *Dispatcher) Since(t time.Time) []models.Alert {
	return d.collect(func(a *models.Alert) bool { return a.Timestamp.After(t) })
}

func (d *Dispatcher) collect(keep func(*models.Alert) bool) []models.Alert {
	d.mu.RLock()
	var out []models.Alert
	for _, a := range d.alerts {
		if keep(a) {
			out = append(out, *a)
		}
	}
	d.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Stats summarizes retained alerts
type Stats struct {
	Total          int `json:"total"`
	Recent         int `json:"recent"`
	Active         int `json:"active"`
	Unacknowledged int `json:"unacknowledged"`
}

// Stats returns alert counters
func (d *Dispatcher) Stats() Stats {
	cutoff := d.now().Add(-d.config.ActiveWindow)

	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Stats{Total: len(d.alerts)}
	for _, a := range d.alerts {
		recent := a.Timestamp.After(cutoff)
		if recent {
			st.Recent++
		}
		if !a.Acknowledged {
			st.Unacknowledged++
			if recent {
				st.Active++
			}
		}
	}
	return st
}

// Purge drops alerts and cooldown entries older than the retention period
func (d *Dispatcher) Purge() int {
	cutoff := d.now().Add(-d.config.Retention)

	d.mu.Lock()
	kept := d.alerts[:0]
	for _, a := range d.alerts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	removed := len(d.alerts) - len(kept)
	for i := len(kept); i < len(d.alerts); i++ {
		d.alerts[i] = nil
	}
	d.alerts = kept

	for t, last := range d.lastFired {
		if last.Before(cutoff) {
			delete(d.lastFired, t)
		}
	}
	d.mu.Unlock()

	if removed > 0 {
		logger.Info("Alert purge complete", zap.Int("removed", removed))
	}
	return removed
}
