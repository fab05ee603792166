package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/lfrfrfr/beon-guard/pkg/iputil"
)

// Config holds all configuration for the application
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Env           string              `mapstructure:"environment" validate:"oneof=development staging production"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Defense       DefenseConfig       `mapstructure:"defense"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Suspicion     SuspicionConfig     `mapstructure:"suspicion"`
	Reputation    ReputationConfig    `mapstructure:"reputation"`
	Activity      ActivityConfig      `mapstructure:"activity"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Geo           GeoConfig           `mapstructure:"geo"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Proxy         ProxyConfig         `mapstructure:"proxy"`
	Database      DatabaseConfig      `mapstructure:"database"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Export        ExportConfig        `mapstructure:"export"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Health        HealthConfig        `mapstructure:"health"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	BodyLimit      int           `mapstructure:"body_limit" validate:"min=1024"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	Output     string `mapstructure:"output" validate:"oneof=stdout file"`
	FilePath   string `mapstructure:"file_path" validate:"required_if=Output file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefenseConfig holds the request interceptor configuration
type DefenseConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Mode                 string        `mapstructure:"mode" validate:"oneof=MONITOR BLOCK"`
	BlockDuration        time.Duration `mapstructure:"block_duration" validate:"min=1s"`
	MaxViolations        int           `mapstructure:"max_violations" validate:"min=1"`
	SkipPaths            []string      `mapstructure:"skip_paths"`
	RulesFile            string        `mapstructure:"rules_file"`
	MatchBudget          time.Duration `mapstructure:"match_budget" validate:"min=100us"`
	MaxInspectBytes      int           `mapstructure:"max_inspect_bytes" validate:"min=256"`
	SlowRequestThreshold time.Duration `mapstructure:"slow_request_threshold"`
	RulePenalty          float64       `mapstructure:"rule_penalty"`
	RuleLogPenalty       float64       `mapstructure:"rule_log_penalty"`
	AttackPenalty        float64       `mapstructure:"attack_penalty"`
	LoginPaths           []string      `mapstructure:"login_paths"`
	SensitivePaths       []string      `mapstructure:"sensitive_paths"`
	DownloadPaths        []string      `mapstructure:"download_paths"`
	APIPrefix            string        `mapstructure:"api_prefix"`
	UserIDHeader         string        `mapstructure:"user_id_header"`
}

// LimitConfig is a window/threshold pair with its reputation penalty
type LimitConfig struct {
	Window  time.Duration `mapstructure:"window" validate:"min=1s"`
	Max     int           `mapstructure:"max" validate:"min=1"`
	Penalty float64       `mapstructure:"penalty" validate:"min=0"`
}

// EndpointLimitConfig is a per-endpoint limit matched by path prefix
type EndpointLimitConfig struct {
	Path   string        `mapstructure:"path" validate:"required,startswith=/"`
	Window time.Duration `mapstructure:"window" validate:"min=1s"`
	Max    int           `mapstructure:"max" validate:"min=1"`
}

// RateLimitConfig holds all limiter tiers
type RateLimitConfig struct {
	Global             LimitConfig           `mapstructure:"global"`
	Login              LimitConfig           `mapstructure:"login"`
	API                LimitConfig           `mapstructure:"api"`
	Sensitive          LimitConfig           `mapstructure:"sensitive"`
	Download           LimitConfig           `mapstructure:"download"`
	EndpointPenalty    float64               `mapstructure:"endpoint_penalty"`
	Endpoints          []EndpointLimitConfig `mapstructure:"endpoints" validate:"dive"`
	TrustedBypassScore float64               `mapstructure:"trusted_bypass_score"`
}

// SuspicionConfig holds the suspicious-behavior scorer thresholds
type SuspicionConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Window              time.Duration `mapstructure:"window"`
	VolumeHigh          int           `mapstructure:"volume_high"`
	VolumeMedium        int           `mapstructure:"volume_medium"`
	FailedLogins        int           `mapstructure:"failed_logins"`
	Errors              int           `mapstructure:"errors"`
	ConcentrationMin    int           `mapstructure:"concentration_min"`
	BotAgents           []string      `mapstructure:"bot_agents"`
	SuspiciousHourStart int           `mapstructure:"suspicious_hour_start" validate:"min=0,max=23"`
	SuspiciousHourEnd   int           `mapstructure:"suspicious_hour_end" validate:"min=0,max=23"`
	Timezone            string        `mapstructure:"timezone"`
	BlockScore          int           `mapstructure:"block_score"`
	BlockPenalty        float64       `mapstructure:"block_penalty"`
	BlockRetryAfter     time.Duration `mapstructure:"block_retry_after"`
	SlowScore           int           `mapstructure:"slow_score"`
	SlowPenalty         float64       `mapstructure:"slow_penalty"`
	RewardScore         int           `mapstructure:"reward_score"`
	Reward              float64       `mapstructure:"reward"`
	DelayBase           time.Duration `mapstructure:"delay_base"`
	DelayMax            time.Duration `mapstructure:"delay_max"`
	DelayAfter          int           `mapstructure:"delay_after"`
	DelayWindow         time.Duration `mapstructure:"delay_window"`
}

// ReputationConfig holds reputation store tuning
type ReputationConfig struct {
	BlacklistScore      float64       `mapstructure:"blacklist_score"`
	BlacklistViolations int           `mapstructure:"blacklist_violations" validate:"min=1"`
	Retention           time.Duration `mapstructure:"retention"`
	DecayAfter          time.Duration `mapstructure:"decay_after"`
	DecayStep           float64       `mapstructure:"decay_step" validate:"min=0"`
}

// ActivityConfig holds activity record tuning
type ActivityConfig struct {
	MaxRequests  int           `mapstructure:"max_requests" validate:"min=1"`
	CounterReset time.Duration `mapstructure:"counter_reset"`
	Retention    time.Duration `mapstructure:"retention"`
}

// TelemetryConfig holds metrics store capacities
type TelemetryConfig struct {
	RequestsCap       int           `mapstructure:"requests_cap" validate:"min=1"`
	ErrorsCap         int           `mapstructure:"errors_cap" validate:"min=1"`
	LoginsCap         int           `mapstructure:"logins_cap" validate:"min=1"`
	SecurityEventsCap int           `mapstructure:"security_events_cap" validate:"min=1"`
	PerformanceCap    int           `mapstructure:"performance_cap" validate:"min=1"`
	Retention         time.Duration `mapstructure:"retention"`
}

// AlertsConfig holds alert thresholds and job schedules
type AlertsConfig struct {
	Cooldown            time.Duration `mapstructure:"cooldown" validate:"min=5m,max=15m"`
	AnalysisWindow      time.Duration `mapstructure:"analysis_window"`
	ErrorRate           float64       `mapstructure:"error_rate"`
	ResponseTimeMs      float64       `mapstructure:"response_time_ms"`
	FailedLogins        int           `mapstructure:"failed_logins"`
	RequestVolume       int           `mapstructure:"request_volume"`
	MemoryPercent       float64       `mapstructure:"memory_percent"`
	BlockedIPs          int           `mapstructure:"blocked_ips"`
	ViolationsPerHour   int           `mapstructure:"violations_per_hour"`
	AnalysisSchedule    string        `mapstructure:"analysis_schedule" validate:"required"`
	PerformanceSchedule string        `mapstructure:"performance_schedule" validate:"required"`
	DefenseSchedule     string        `mapstructure:"defense_schedule" validate:"required"`
	ReportSchedule      string        `mapstructure:"report_schedule" validate:"required"`
	CleanupSchedule     string        `mapstructure:"cleanup_schedule" validate:"required"`
	SweepSchedule       string        `mapstructure:"sweep_schedule" validate:"required"`
	ReportDir           string        `mapstructure:"report_dir"`
}

// NotificationsConfig holds alert notification channels
type NotificationsConfig struct {
	RatePerSecond float64        `mapstructure:"rate_per_second" validate:"gt=0"`
	Burst         int            `mapstructure:"burst" validate:"min=1"`
	Webhook       WebhookConfig  `mapstructure:"webhook"`
	Email         EmailConfig    `mapstructure:"email"`
	Kafka         KafkaConfig    `mapstructure:"kafka"`
	File          FileSinkConfig `mapstructure:"file"`
}

// WebhookConfig holds webhook channel configuration
type WebhookConfig struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"max=9s"`
}

// EmailConfig holds SMTP channel configuration
type EmailConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	SMTPHost   string   `mapstructure:"smtp_host" validate:"required_if=Enabled true"`
	SMTPPort   int      `mapstructure:"smtp_port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from" validate:"omitempty,email"`
	Recipients []string `mapstructure:"recipients" validate:"dive,email"`
}

// KafkaConfig holds the alert topic configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic"`
}

// FileSinkConfig holds the daily alert log configuration
type FileSinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// GeoConfig holds geo-blocking configuration
type GeoConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	DatabasePath     string   `mapstructure:"database_path"`
	AllowedCountries []string `mapstructure:"allowed_countries"`
	BlockedCountries []string `mapstructure:"blocked_countries"`
}

// AdminConfig holds the operator surface configuration
type AdminConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Prefix  string   `mapstructure:"prefix" validate:"startswith=/"`
	APIKeys []string `mapstructure:"api_keys"`
}

// ProxyConfig holds the upstream the guard protects
type ProxyConfig struct {
	Upstream string        `mapstructure:"upstream" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig holds database configurations
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
	QueueSize      int    `mapstructure:"queue_size"`
}

// DSN returns the PostgreSQL connection string
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.Username, p.Password, p.Database, p.SSLMode,
	)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Database      string        `mapstructure:"database"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Prefix   string `mapstructure:"prefix"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ExportConfig holds the blocklist MMDB export configuration
type ExportConfig struct {
	OutputPath string `mapstructure:"output_path"`
	RecordSize int    `mapstructure:"record_size" validate:"oneof=24 28 32"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file (optional) with GUARD_* environment
// overrides. Environment profile values act as defaults beneath both.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("environment", "GUARD_ENVIRONMENT", "APP_ENV")
	_ = v.BindEnv("notifications.webhook.url", "GUARD_NOTIFICATIONS_WEBHOOK_URL", "WAF_WEBHOOK_URL")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetDefault("environment", "development")
	setDefaults(v, ProfileFor(v.GetString("environment")))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the struct tags and cross-field constraints
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := iputil.ParsePrefixes(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("invalid configuration: server.trusted_proxies: %w", err)
	}
	if c.Suspicion.Timezone != "" {
		if _, err := time.LoadLocation(c.Suspicion.Timezone); err != nil {
			return fmt.Errorf("invalid configuration: suspicion.timezone: %w", err)
		}
	}
	if c.Suspicion.SlowScore > c.Suspicion.BlockScore {
		return fmt.Errorf("invalid configuration: suspicion.slow_score must not exceed block_score")
	}
	if c.Suspicion.VolumeMedium > c.Suspicion.VolumeHigh {
		return fmt.Errorf("invalid configuration: suspicion.volume_medium must not exceed volume_high")
	}

	return nil
}

// IsBlocking reports whether rejections are enforced
func (c *Config) IsBlocking() bool {
	return c.Defense.Mode == "BLOCK"
}
