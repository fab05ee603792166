package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	// HTTPRequestDuration tracks request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// Decisions counts interceptor outcomes
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Total defense decisions by stage and outcome",
		},
		[]string{"stage", "outcome", "code"},
	)

	// RuleMatches counts pattern matcher hits by category
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_rule_matches_total",
			Help: "Total pattern matcher matches by category and label",
		},
		[]string{"category", "label"},
	)

	// MatchDuration tracks pattern matcher evaluation time
	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guard_match_duration_microseconds",
			Help:    "Pattern matcher evaluation time in microseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	// MatchTimeouts counts evaluations abandoned past the budget
	MatchTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guard_match_timeouts_total",
			Help: "Total pattern matcher evaluations that exceeded the time budget",
		},
	)

	// AttackDetections counts attack detector labels
	AttackDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_attack_detections_total",
			Help: "Total attack detections by label",
		},
		[]string{"label"},
	)

	// RateLimitHits counts limiter rejections by tier
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_rate_limit_hits_total",
			Help: "Total rate limit rejections by tier",
		},
		[]string{"tier"},
	)

	// SuspicionScoreDistribution tracks suspicion score distribution
	SuspicionScoreDistribution = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guard_suspicion_score_distribution",
			Help:    "Distribution of suspicion scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// ReputationAdjustments counts reputation changes by action
	ReputationAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_reputation_changes_total",
			Help: "Total reputation store changes by action",
		},
		[]string{"action"},
	)

	// TrackedIPs tracks the size of the in-memory stores
	TrackedIPs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_tracked_keys",
			Help: "Number of keys held by each in-memory store",
		},
		[]string{"store"},
	)

	// SecurityEvents counts security events by type and severity
	SecurityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_security_events_total",
			Help: "Total security events by type and severity",
		},
		[]string{"type", "severity"},
	)

	// AlertsFired counts fired alerts by type
	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_alerts_total",
			Help: "Total alerts fired by type",
		},
		[]string{"type", "severity"},
	)

	// GeoIPLookups counts GeoIP lookups
	GeoIPLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_geoip_lookups_total",
			Help: "Total GeoIP lookups by result",
		},
		[]string{"result"},
	)

	// PostgresQueryDuration tracks PostgreSQL query duration
	PostgresQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guard_postgres_query_duration_milliseconds",
			Help:    "PostgreSQL query duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"query_type"},
	)

	// RedisOperations counts Redis operations
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_redis_operations_total",
			Help: "Total Redis operations",
		},
		[]string{"operation", "result"},
	)

	// ClickHouseBatchSize tracks ClickHouse batch sizes
	ClickHouseBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guard_clickhouse_batch_size",
			Help:    "ClickHouse batch insert sizes",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"table"},
	)

	// SinkDropped counts records dropped because a sink queue was full
	SinkDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_sink_dropped_total",
			Help: "Total records dropped by asynchronous sinks",
		},
		[]string{"sink"},
	)

	// SystemInfo provides system information
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_system_info",
			Help: "System information",
		},
		[]string{"version", "go_version", "mode"},
	)
)

// RecordRequest records a completed HTTP request
func RecordRequest(method, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, status).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(seconds)
}

// RecordDecision records an interceptor outcome
func RecordDecision(stage, outcome, code string) {
	Decisions.WithLabelValues(stage, outcome, code).Inc()
}

// RecordRuleMatch records a pattern matcher hit
func RecordRuleMatch(category, label string) {
	RuleMatches.WithLabelValues(category, label).Inc()
}

// RecordAttack records an attack detector label
func RecordAttack(label string) {
	AttackDetections.WithLabelValues(label).Inc()
}

// RecordRateLimit records a limiter rejection
func RecordRateLimit(tier string) {
	RateLimitHits.WithLabelValues(tier).Inc()
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	RedisOperations.WithLabelValues(operation, result).Inc()
}

// RecordGeoIPLookup records a GeoIP lookup
func RecordGeoIPLookup(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	GeoIPLookups.WithLabelValues(result).Inc()
}
