package config

import (
	"time"

	"github.com/spf13/viper"
)

// Profile holds the values that differ between deployment environments
type Profile struct {
	Mode          string
	LogLevel      string
	BlockDuration time.Duration
	MaxViolations int
	GeoBlocking   bool
}

var profiles = map[string]Profile{
	"development": {
		Mode:          "MONITOR",
		LogLevel:      "debug",
		BlockDuration: 5 * time.Minute,
		MaxViolations: 10,
		GeoBlocking:   false,
	},
	"staging": {
		Mode:          "MONITOR",
		LogLevel:      "info",
		BlockDuration: 30 * time.Minute,
		MaxViolations: 7,
		GeoBlocking:   false,
	},
	"production": {
		Mode:          "BLOCK",
		LogLevel:      "warn",
		BlockDuration: time.Hour,
		MaxViolations: 5,
		GeoBlocking:   true,
	},
}

// ProfileFor returns the profile for an environment, falling back to
// development for unknown names
func ProfileFor(env string) Profile {
	if p, ok := profiles[env]; ok {
		return p
	}
	return profiles["development"]
}

func setDefaults(v *viper.Viper, p Profile) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.body_limit", 4*1024*1024)
	v.SetDefault("server.trusted_proxies", []string{"127.0.0.1", "::1"})

	// Logging defaults
	v.SetDefault("logging.level", p.LogLevel)
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	// Defense defaults
	v.SetDefault("defense.enabled", true)
	v.SetDefault("defense.mode", p.Mode)
	v.SetDefault("defense.block_duration", p.BlockDuration)
	v.SetDefault("defense.max_violations", p.MaxViolations)
	v.SetDefault("defense.skip_paths", []string{"/health", "/metrics"})
	v.SetDefault("defense.match_budget", "5ms")
	v.SetDefault("defense.max_inspect_bytes", 64*1024)
	v.SetDefault("defense.slow_request_threshold", "10s")
	v.SetDefault("defense.rule_penalty", 10)
	v.SetDefault("defense.rule_log_penalty", 5)
	v.SetDefault("defense.attack_penalty", 30)
	v.SetDefault("defense.login_paths", []string{"/api/login", "/login"})
	v.SetDefault("defense.sensitive_paths", []string{"/api/financeiro", "/api/usuario/senha", "/api/enviarSac"})
	v.SetDefault("defense.download_paths", []string{"/api/notas-fiscais/download", "/download"})
	v.SetDefault("defense.api_prefix", "/api/")
	v.SetDefault("defense.user_id_header", "")

	// Limiter tiers
	v.SetDefault("rate_limit.global.window", "15m")
	v.SetDefault("rate_limit.global.max", 1000)
	v.SetDefault("rate_limit.global.penalty", 5)
	v.SetDefault("rate_limit.login.window", "60m")
	v.SetDefault("rate_limit.login.max", 10)
	v.SetDefault("rate_limit.login.penalty", 15)
	v.SetDefault("rate_limit.api.window", "15m")
	v.SetDefault("rate_limit.api.max", 300)
	v.SetDefault("rate_limit.api.penalty", 10)
	v.SetDefault("rate_limit.sensitive.window", "60m")
	v.SetDefault("rate_limit.sensitive.max", 20)
	v.SetDefault("rate_limit.sensitive.penalty", 20)
	v.SetDefault("rate_limit.download.window", "60m")
	v.SetDefault("rate_limit.download.max", 100)
	v.SetDefault("rate_limit.download.penalty", 5)
	v.SetDefault("rate_limit.endpoint_penalty", 5)
	v.SetDefault("rate_limit.trusted_bypass_score", 80)
	v.SetDefault("rate_limit.endpoints", []map[string]interface{}{
		{"path": "/api/login", "window": "5m", "max": 5},
		{"path": "/api/usuario", "window": "1m", "max": 60},
		{"path": "/api/pedidos", "window": "1m", "max": 30},
		{"path": "/api/financeiro", "window": "1m", "max": 20},
		{"path": "/api/notas-fiscais", "window": "1m", "max": 30},
		{"path": "/api/enviarSac", "window": "5m", "max": 3},
	})

	// Suspicion scorer
	v.SetDefault("suspicion.enabled", true)
	v.SetDefault("suspicion.window", "5m")
	v.SetDefault("suspicion.volume_high", 100)
	v.SetDefault("suspicion.volume_medium", 50)
	v.SetDefault("suspicion.failed_logins", 5)
	v.SetDefault("suspicion.errors", 10)
	v.SetDefault("suspicion.concentration_min", 20)
	v.SetDefault("suspicion.bot_agents", []string{"bot", "crawler"})
	v.SetDefault("suspicion.suspicious_hour_start", 2)
	v.SetDefault("suspicion.suspicious_hour_end", 5)
	v.SetDefault("suspicion.timezone", "America/Sao_Paulo")
	v.SetDefault("suspicion.block_score", 80)
	v.SetDefault("suspicion.block_penalty", 20)
	v.SetDefault("suspicion.block_retry_after", "1h")
	v.SetDefault("suspicion.slow_score", 60)
	v.SetDefault("suspicion.slow_penalty", 10)
	v.SetDefault("suspicion.reward_score", 20)
	v.SetDefault("suspicion.reward", 1)
	v.SetDefault("suspicion.delay_base", "100ms")
	v.SetDefault("suspicion.delay_max", "5s")
	v.SetDefault("suspicion.delay_after", 10)
	v.SetDefault("suspicion.delay_window", "15m")

	// Reputation store
	v.SetDefault("reputation.blacklist_score", 10)
	v.SetDefault("reputation.blacklist_violations", 5)
	v.SetDefault("reputation.retention", "168h")
	v.SetDefault("reputation.decay_after", "1h")
	v.SetDefault("reputation.decay_step", 5)

	// Activity store
	v.SetDefault("activity.max_requests", 100)
	v.SetDefault("activity.counter_reset", "1h")
	v.SetDefault("activity.retention", "24h")

	// Telemetry store
	v.SetDefault("telemetry.requests_cap", 1000)
	v.SetDefault("telemetry.errors_cap", 500)
	v.SetDefault("telemetry.logins_cap", 500)
	v.SetDefault("telemetry.security_events_cap", 300)
	v.SetDefault("telemetry.performance_cap", 288)
	v.SetDefault("telemetry.retention", "24h")

	// Alert thresholds and schedules
	v.SetDefault("alerts.cooldown", "5m")
	v.SetDefault("alerts.analysis_window", "1m")
	v.SetDefault("alerts.error_rate", 5)
	v.SetDefault("alerts.response_time_ms", 5000)
	v.SetDefault("alerts.failed_logins", 10)
	v.SetDefault("alerts.request_volume", 500)
	v.SetDefault("alerts.memory_percent", 85)
	v.SetDefault("alerts.blocked_ips", 50)
	v.SetDefault("alerts.violations_per_hour", 10)
	v.SetDefault("alerts.analysis_schedule", "@every 30s")
	v.SetDefault("alerts.performance_schedule", "@every 5m")
	v.SetDefault("alerts.defense_schedule", "@every 1m")
	v.SetDefault("alerts.report_schedule", "@every 1h")
	v.SetDefault("alerts.cleanup_schedule", "@every 1h")
	v.SetDefault("alerts.sweep_schedule", "@every 6h")
	v.SetDefault("alerts.report_dir", "logs/reports")

	// Notification channels
	v.SetDefault("notifications.rate_per_second", 2)
	v.SetDefault("notifications.burst", 10)
	v.SetDefault("notifications.webhook.timeout", "5s")
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.email.from", "guard@mvk.com.br")
	v.SetDefault("notifications.email.recipients", []string{"security@mvk.com.br", "admin@mvk.com.br"})
	v.SetDefault("notifications.kafka.topic", "guard-alerts")
	v.SetDefault("notifications.file.enabled", true)
	v.SetDefault("notifications.file.dir", "logs/alerts")

	// Geo restrictions
	v.SetDefault("geo.enabled", p.GeoBlocking)
	v.SetDefault("geo.allowed_countries", []string{"BR", "US"})
	v.SetDefault("geo.blocked_countries", []string{"CN", "RU", "KP"})

	// Admin surface
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.prefix", "/_guard")

	// Upstream
	v.SetDefault("proxy.timeout", "30s")

	// PostgreSQL defaults
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "beon_guard")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_connections", 10)
	v.SetDefault("database.postgres.min_connections", 2)
	v.SetDefault("database.postgres.queue_size", 1024)

	// ClickHouse defaults
	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "beon_guard")
	v.SetDefault("clickhouse.batch_size", 500)
	v.SetDefault("clickhouse.flush_interval", "5s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.prefix", "guard:rep:")

	// Export defaults
	v.SetDefault("export.output_path", "./data/mmdb/blocklist.mmdb")
	v.SetDefault("export.record_size", 28)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.path", "/health")
}
