package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/metrics"
	"github.com/lfrfrfr/beon-guard/internal/telemetry"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// Sink receives archived batches
type Sink interface {
	WriteRequests(ctx context.Context, logs []RequestLog) error
	WriteEvents(ctx context.Context, logs []EventLog) error
}

// ArchiverConfig tunes batching
type ArchiverConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// Archiver buffers telemetry records and writes them to a sink in batches
type Archiver struct {
	sink   Sink
	config ArchiverConfig

	requests chan RequestLog
	events   chan EventLog
	done     chan struct{}

	wg   sync.WaitGroup
	once sync.Once
}

// NewArchiver creates an archiver over sink
func NewArchiver(sink Sink, config ArchiverConfig) *Archiver {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.BatchSize * 4
	}
	return &Archiver{
		sink:     sink,
		config:   config,
		requests: make(chan RequestLog, config.QueueSize),
		events:   make(chan EventLog, config.QueueSize),
		done:     make(chan struct{}),
	}
}

// FromRequest converts a telemetry record. Sensitive query values are
// masked before they leave the process.
func FromRequest(r telemetry.RequestRecord) RequestLog {
	return RequestLog{
		Timestamp:      r.Timestamp,
		IP:             r.IP,
		Method:         r.Method,
		URL:            logger.Mask(r.URL),
		Status:         uint16(r.Status),
		ResponseTimeMs: float32(r.ResponseTime.Seconds() * 1000),
		UserAgent:      r.UserAgent,
		UserID:         r.UserID,
	}
}

// FromEvent converts a security event, encoding its details as JSON
func FromEvent(ev models.SecurityEvent) EventLog {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		details = []byte("{}")
	}
	return EventLog{
		Timestamp: ev.Timestamp,
		ID:        ev.ID,
		Type:      ev.Type,
		Severity:  string(ev.Severity),
		IP:        ev.IP,
		Details:   string(details),
	}
}

// RequestHook returns the telemetry request hook. It never blocks.
func (a *Archiver) RequestHook() telemetry.RequestHook {
	return func(r telemetry.RequestRecord) {
		select {
		case a.requests <- FromRequest(r):
		default:
			metrics.SinkDropped.WithLabelValues("clickhouse").Inc()
		}
	}
}

// EventHook returns the telemetry security event hook. It never blocks.
func (a *Archiver) EventHook() telemetry.EventHook {
	return func(ev models.SecurityEvent) {
		select {
		case a.events <- FromEvent(ev):
		default:
			metrics.SinkDropped.WithLabelValues("clickhouse").Inc()
		}
	}
}

// Start runs the batching loop until Stop
func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop flushes what is buffered and waits for the loop
func (a *Archiver) Stop() {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
}

func (a *Archiver) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	reqs := make([]RequestLog, 0, a.config.BatchSize)
	evs := make([]EventLog, 0, a.config.BatchSize)

	for {
		select {
		case r := <-a.requests:
			reqs = append(reqs, r)
			if len(reqs) >= a.config.BatchSize {
				reqs = a.flushRequests(reqs)
			}
		case ev := <-a.events:
			evs = append(evs, ev)
			if len(evs) >= a.config.BatchSize {
				evs = a.flushEvents(evs)
			}
		case <-ticker.C:
			reqs = a.flushRequests(reqs)
			evs = a.flushEvents(evs)
		case <-a.done:
		drain:
			for {
				select {
				case r := <-a.requests:
					reqs = append(reqs, r)
				case ev := <-a.events:
					evs = append(evs, ev)
				default:
					break drain
				}
			}
			a.flushRequests(reqs)
			a.flushEvents(evs)
			return
		}
	}
}

func (a *Archiver) flushRequests(batch []RequestLog) []RequestLog {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.sink.WriteRequests(ctx, batch); err != nil {
		logger.Error("Failed to archive requests", zap.Int("batch", len(batch)), zap.Error(err))
	}
	return batch[:0]
}

func (a *Archiver) flushEvents(batch []EventLog) []EventLog {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.sink.WriteEvents(ctx, batch); err != nil {
		logger.Error("Failed to archive security events", zap.Int("batch", len(batch)), zap.Error(err))
	}
	return batch[:0]
}
