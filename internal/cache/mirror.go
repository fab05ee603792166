package cache

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

// Mirror copies flagged reputation changes into a snapshot store in the
// background. Changes are dropped when the queue is full.
type Mirror struct {
	store   Snapshots
	queue   chan reputation.Change
	timeout time.Duration
	now     func() time.Time

	wg   sync.WaitGroup
	once sync.Once
}

// NewMirror creates a mirror with a bounded queue
func NewMirror(store Snapshots, queueSize int) *Mirror {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Mirror{
		store:   store,
		queue:   make(chan reputation.Change, queueSize),
		timeout: 2 * time.Second,
		now:     time.Now,
	}
}

// Hook returns the reputation hook feeding the mirror. It never blocks.
func (m *Mirror) Hook() reputation.Hook {
	return func(c reputation.Change) {
		if !relevant(c) {
			return
		}
		select {
		case m.queue <- c:
		default:
			metrics.SinkDropped.WithLabelValues("redis").Inc()
		}
	}
}

// relevant keeps the changes that alter what must survive a restart
func relevant(c reputation.Change) bool {
	switch c.Action {
	case reputation.ActionWhitelist, reputation.ActionBlacklist, reputation.ActionAutoBlacklist,
		reputation.ActionBlock, reputation.ActionReset, reputation.ActionPurge:
		return true
	default:
		return false
	}
}

// Start consumes the queue until Stop is called
func (m *Mirror) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for c := range m.queue {
			m.apply(c)
		}
	}()
}

// Stop drains the queue and waits for the consumer
func (m *Mirror) Stop() {
	m.once.Do(func() {
		close(m.queue)
	})
	m.wg.Wait()
}

func (m *Mirror) apply(c reputation.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	rec := c.Record
	var err error
	if flagged(rec, m.now()) {
		err = m.store.Save(ctx, rec)
	} else {
		err = m.store.Delete(ctx, rec.IP)
	}
	if err != nil {
		logger.Warn("Failed to mirror reputation change",
			zap.String("ip", rec.IP),
			zap.String("action", c.Action),
			zap.Error(err),
		)
	}
}

func flagged(r models.Reputation, now time.Time) bool {
	return r.Whitelisted || r.Blacklisted || r.Blocked(now)
}

// Restore loads the stored records into the reputation store. Expired
// temporary blocks are not restored.
func Restore(ctx context.Context, store Snapshots, rep *reputation.Store) (int, error) {
	records, err := store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	live := records[:0]
	for _, r := range records {
		if flagged(r, now) {
			live = append(live, r)
		}
	}

	n := rep.Restore(live)
	logger.Info("Reputation snapshot restored", zap.Int("records", n), zap.Int("stored", len(records)))
	return n, nil
}
