package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/metrics"
	"github.com/lfrfrfr/beon-guard/internal/reputation"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// PostgresDB stores the audit trail of reputation changes and alerts
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB creates a new PostgreSQL connection pool
func NewPostgresDB(dsn string, maxConns, minConns int) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MinConns = int32(minConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL database")
	return &PostgresDB{pool: pool}, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS reputation_audit (
	id            BIGSERIAL PRIMARY KEY,
	ip            INET NOT NULL,
	action        VARCHAR(32) NOT NULL,
	delta         DOUBLE PRECISION NOT NULL DEFAULT 0,
	score         DOUBLE PRECISION NOT NULL,
	violations    INTEGER NOT NULL,
	whitelisted   BOOLEAN NOT NULL,
	blacklisted   BOOLEAN NOT NULL,
	blocked_until TIMESTAMP WITH TIME ZONE,
	reason        TEXT,
	created_at    TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS reputation_audit_ip_idx ON reputation_audit (ip, created_at DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id              UUID PRIMARY KEY,
	type            VARCHAR(64) NOT NULL,
	severity        VARCHAR(16) NOT NULL,
	data            JSONB,
	created_at      TIMESTAMP WITH TIME ZONE NOT NULL,
	acknowledged    BOOLEAN NOT NULL DEFAULT FALSE,
	acknowledged_at TIMESTAMP WITH TIME ZONE,
	acknowledged_by VARCHAR(255)
);
CREATE INDEX IF NOT EXISTS alerts_created_idx ON alerts (created_at DESC);
`

// Migrate creates the audit tables if they do not exist
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func observe(queryType string, start time.Time) {
	metrics.PostgresQueryDuration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
}

// InsertChanges writes reputation changes in one batch
func (db *PostgresDB) InsertChanges(ctx context.Context, changes []reputation.Change) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	defer observe("insert_changes", time.Now())

	batch := &pgx.Batch{}
	for _, c := range changes {
		batch.Queue(`
			INSERT INTO reputation_audit (ip, action, delta, score, violations, whitelisted, blacklisted, blocked_until, reason, created_at)
			VALUES ($1::inet, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			c.Record.IP,
			c.Action,
			c.Delta,
			c.Record.Score,
			c.Record.Violations,
			c.Record.Whitelisted,
			c.Record.Blacklisted,
			c.Record.BlockedUntil,
			c.Reason,
			c.Timestamp,
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range changes {
		if _, err := results.Exec(); err != nil {
			logger.Debug("Audit insert failed", zap.Error(err))
			continue
		}
		inserted++
	}
	return inserted, nil
}

// UpsertAlert inserts an alert or updates its acknowledgement
func (db *PostgresDB) UpsertAlert(ctx context.Context, a models.Alert) error {
	defer observe("upsert_alert", time.Now())

	data, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal alert data: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO alerts (id, type, severity, data, created_at, acknowledged, acknowledged_at, acknowledged_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			acknowledged = EXCLUDED.acknowledged,
			acknowledged_at = EXCLUDED.acknowledged_at,
			acknowledged_by = EXCLUDED.acknowledged_by`,
		a.ID, a.Type, string(a.Severity), data, a.Timestamp, a.Acknowledged, a.AcknowledgedAt, a.AcknowledgedBy,
	)
	if err != nil {
		return fmt.Errorf("upsert alert failed: %w", err)
	}
	return nil
}

// AuditEntry is one stored reputation change
type AuditEntry struct {
	ID           int64      `json:"id"`
	IP           string     `json:"ip"`
	Action       string     `json:"action"`
	Delta        float64    `json:"delta"`
	Score        float64    `json:"score"`
	Violations   int        `json:"violations"`
	Whitelisted  bool       `json:"whitelisted"`
	Blacklisted  bool       `json:"blacklisted"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	Reason       *string    `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// History returns the most recent changes recorded for ip
func (db *PostgresDB) History(ctx context.Context, ip string, limit int) ([]AuditEntry, error) {
	defer observe("history", time.Now())

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, host(ip), action, delta, score, violations, whitelisted, blacklisted, blocked_until, reason, created_at
		FROM reputation_audit
		WHERE ip = $1::inet
		ORDER BY created_at DESC
		LIMIT $2`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.IP, &e.Action, &e.Delta, &e.Score, &e.Violations,
			&e.Whitelisted, &e.Blacklisted, &e.BlockedUntil, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupOlderThan removes audit rows and alerts older than age
func (db *PostgresDB) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	defer observe("cleanup", time.Now())

	cutoff := time.Now().Add(-age)
	total := 0
	for _, q := range []string{
		`DELETE FROM reputation_audit WHERE created_at < $1`,
		`DELETE FROM alerts WHERE created_at < $1`,
	} {
		result, err := db.pool.Exec(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup failed: %w", err)
		}
		total += int(result.RowsAffected())
	}
	return total, nil
}

// Health checks database health
func (db *PostgresDB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.pool.Ping(ctx)
}
