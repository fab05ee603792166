package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/metrics"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
)

// Client archives request and security event logs in ClickHouse
type Client struct {
	conn driver.Conn
}

// Config holds ClickHouse configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// RequestLog is one archived request
type RequestLog struct {
	Timestamp      time.Time
	IP             string
	Method         string
	URL            string
	Status         uint16
	ResponseTimeMs float32
	UserAgent      string
	UserID         string
}

// EventLog is one archived security event
type EventLog struct {
	Timestamp time.Time
	ID        string
	Type      string
	Severity  string
	IP        string
	Details   string
}

// NewClient creates a new ClickHouse client
func NewClient(cfg Config) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("Connected to ClickHouse", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &Client{conn: conn}, nil
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS request_log (
		timestamp        DateTime64(3),
		ip               String,
		method           LowCardinality(String),
		url              String,
		status           UInt16,
		response_time_ms Float32,
		user_agent       String,
		user_id          String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMMDD(timestamp)
	ORDER BY (timestamp, ip)
	TTL toDateTime(timestamp) + INTERVAL 30 DAY`,
	`CREATE TABLE IF NOT EXISTS security_events (
		timestamp DateTime64(3),
		id        String,
		type      LowCardinality(String),
		severity  LowCardinality(String),
		ip        String,
		details   String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMMDD(timestamp)
	ORDER BY (timestamp, type)
	TTL toDateTime(timestamp) + INTERVAL 90 DAY`,
}

// Migrate creates the archive tables if they do not exist
func (c *Client) Migrate(ctx context.Context) error {
	for _, q := range tables {
		if err := c.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// WriteRequests inserts a batch of request logs
func (c *Client) WriteRequests(ctx context.Context, logs []RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO request_log (
			timestamp, ip, method, url, status, response_time_ms, user_agent, user_id
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, l := range logs {
		if err := batch.Append(l.Timestamp, l.IP, l.Method, l.URL, l.Status, l.ResponseTimeMs, l.UserAgent, l.UserID); err != nil {
			logger.Error("Failed to append to batch", zap.String("table", "request_log"), zap.Error(err))
		}
	}

	metrics.ClickHouseBatchSize.WithLabelValues("request_log").Observe(float64(len(logs)))
	return batch.Send()
}

// WriteEvents inserts a batch of security events
func (c *Client) WriteEvents(ctx context.Context, logs []EventLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO security_events (timestamp, id, type, severity, ip, details)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, l := range logs {
		if err := batch.Append(l.Timestamp, l.ID, l.Type, l.Severity, l.IP, l.Details); err != nil {
			logger.Error("Failed to append to batch", zap.String("table", "security_events"), zap.Error(err))
		}
	}

	metrics.ClickHouseBatchSize.WithLabelValues("security_events").Observe(float64(len(logs)))
	return batch.Send()
}

// HourlyStats represents hourly traffic statistics
type HourlyStats struct {
	Hour           time.Time `json:"hour"`
	TotalRequests  uint64    `json:"total_requests"`
	UniqueIPs      uint64    `json:"unique_ips"`
	Errors         uint64    `json:"errors"`
	AvgResponseMs  float64   `json:"avg_response_time_ms"`
	SecurityEvents uint64    `json:"security_events"`
}

// GetHourlyStats retrieves hourly statistics for the trailing hours
func (c *Client) GetHourlyStats(ctx context.Context, hours int) ([]HourlyStats, error) {
	query := `
		SELECT
			r.hour,
			r.total_requests,
			r.unique_ips,
			r.errors,
			r.avg_response_time,
			ifNull(e.events, 0)
		FROM (
			SELECT
				toStartOfHour(timestamp) AS hour,
				count() AS total_requests,
				uniq(ip) AS unique_ips,
				countIf(status >= 400) AS errors,
				avg(response_time_ms) AS avg_response_time
			FROM request_log
			WHERE timestamp >= now() - INTERVAL ? HOUR
			GROUP BY hour
		) AS r
		LEFT JOIN (
			SELECT toStartOfHour(timestamp) AS hour, count() AS events
			FROM security_events
			WHERE timestamp >= now() - INTERVAL ? HOUR
			GROUP BY hour
		) AS e ON r.hour = e.hour
		ORDER BY r.hour DESC
	`

	rows, err := c.conn.Query(ctx, query, hours, hours)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []HourlyStats
	for rows.Next() {
		var s HourlyStats
		if err := rows.Scan(&s.Hour, &s.TotalRequests, &s.UniqueIPs, &s.Errors, &s.AvgResponseMs, &s.SecurityEvents); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

// TopOffender is an IP ranked by its security events
type TopOffender struct {
	IP       string    `json:"ip"`
	Events   uint64    `json:"events"`
	Critical uint64    `json:"critical"`
	Types    []string  `json:"types"`
	LastSeen time.Time `json:"last_seen"`
}

// GetTopOffenders retrieves the IPs with the most security events in the
// last 24 hours
func (c *Client) GetTopOffenders(ctx context.Context, limit int) ([]TopOffender, error) {
	query := `
		SELECT
			ip,
			count() AS events,
			countIf(severity = 'critical') AS critical,
			groupUniqArray(10)(type) AS types,
			max(timestamp) AS last_seen
		FROM security_events
		WHERE timestamp >= now() - INTERVAL 24 HOUR
		GROUP BY ip
		ORDER BY events DESC
		LIMIT ?
	`

	rows, err := c.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TopOffender
	for rows.Next() {
		var t TopOffender
		if err := rows.Scan(&t.IP, &t.Events, &t.Critical, &t.Types, &t.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the ClickHouse connection
func (c *Client) Close() error {
	return c.conn.Close()
}
