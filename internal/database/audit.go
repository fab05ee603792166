package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/metrics"
	"github.com/lfrfrfr/beon-guard/internal/reputation"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// AuditWriter persists audit records
type AuditWriter interface {
	InsertChanges(ctx context.Context, changes []reputation.Change) (int, error)
	UpsertAlert(ctx context.Context, a models.Alert) error
}

// AuditorConfig tunes the background writer
type AuditorConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultAuditorConfig returns the default auditor configuration
func DefaultAuditorConfig() AuditorConfig {
	return AuditorConfig{
		QueueSize:     1024,
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// Auditor queues reputation changes and alerts and writes them in the
// background. Hooks never block; records are dropped when the queue is full.
type Auditor struct {
	writer AuditWriter
	config AuditorConfig

	changes chan reputation.Change
	alerts  chan models.Alert
	done    chan struct{}

	wg   sync.WaitGroup
	once sync.Once
}

// NewAuditor creates an auditor over writer
func NewAuditor(writer AuditWriter, config AuditorConfig) *Auditor {
	def := DefaultAuditorConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	return &Auditor{
		writer:  writer,
		config:  config,
		changes: make(chan reputation.Change, config.QueueSize),
		alerts:  make(chan models.Alert, config.QueueSize),
		done:    make(chan struct{}),
	}
}

// ChangeHook returns the reputation hook. Rewards are not audited.
func (a *Auditor) ChangeHook() reputation.Hook {
	return func(c reputation.Change) {
		if c.Action == reputation.ActionAdjust && c.Delta >= 0 {
			return
		}
		select {
		case a.changes <- c:
		default:
			metrics.SinkDropped.WithLabelValues("postgres").Inc()
		}
	}
}

// RecordAlert queues a new or updated alert
func (a *Auditor) RecordAlert(alert models.Alert) {
	select {
	case a.alerts <- alert:
	default:
		metrics.SinkDropped.WithLabelValues("postgres").Inc()
	}
}

// Start runs the writer loop until Stop
func (a *Auditor) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop flushes what is queued and waits for the writer loop
func (a *Auditor) Stop() {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
}

func (a *Auditor) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]reputation.Change, 0, a.config.BatchSize)
	for {
		select {
		case c := <-a.changes:
			batch = append(batch, c)
			if len(batch) >= a.config.BatchSize {
				batch = a.flush(batch)
			}
		case alert := <-a.alerts:
			a.writeAlert(alert)
		case <-ticker.C:
			batch = a.flush(batch)
		case <-a.done:
			a.drain(batch)
			return
		}
	}
}

func (a *Auditor) drain(batch []reputation.Change) {
	for {
		select {
		case c := <-a.changes:
			batch = append(batch, c)
		case alert := <-a.alerts:
			a.writeAlert(alert)
		default:
			a.flush(batch)
			return
		}
	}
}

func (a *Auditor) flush(batch []reputation.Change) []reputation.Change {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout)
	defer cancel()

	n, err := a.writer.InsertChanges(ctx, batch)
	if err != nil {
		logger.Warn("Failed to write reputation audit", zap.Int("batch", len(batch)), zap.Error(err))
	} else if n < len(batch) {
		logger.Warn("Reputation audit partially written", zap.Int("written", n), zap.Int("batch", len(batch)))
	}
	return batch[:0]
}

func (a *Auditor) writeAlert(alert models.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout)
	defer cancel()

	if err := a.writer.UpsertAlert(ctx, alert); err != nil {
		logger.Warn("Failed to write alert", zap.String("id", alert.ID), zap.Error(err))
	}
}
