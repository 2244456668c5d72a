package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Mutation  MutationConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	LogLevel        string
	MigrateOnStart  bool // apply the embedded schema migrations before serving
}

// RedisConfig holds Redis connection settings. An empty Host disables Redis
// and the in-memory stores are used instead.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds the settings needed to validate access tokens
type JWTConfig struct {
	Secret string
	Issuer string
}

// MutationConfig tunes the ordered mutation dispatcher
type MutationConfig struct {
	// LaneCount > 0 selects hashed lanes; 0 gives every partition its own lane.
	LaneCount       int
	IdleLaneTimeout time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	LockTimeout     time.Duration
	TxTimeout       time.Duration
	DrainOnShutdown bool
	// PollInterval < 0 disables claiming stored mutations after startup
	PollInterval time.Duration
	PollBatch    int
	DedupTTL     time.Duration
	Retention    time.Duration
}

// CacheConfig tunes the dashboard metrics cache
type CacheConfig struct {
	TTL          time.Duration
	StaleGrace   time.Duration
	StaleWait    time.Duration // 0: always wait for the in-flight computation
	RefreshAhead time.Duration
	KeyPrefix    string
	CutoffPolicy string // shared, split
	WarmWorkers  int
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
	DBTraceEnabled    bool
	DBLogFullSQL      bool
	DBSlowQueryThresh time.Duration
}

// Load reads configuration.
// Priority (highest to lowest):
// 1. Environment variables with SAAS_ prefix (e.g., SAAS_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SAAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := fromViper(v)
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			LogLevel:        v.GetString("database.log_level"),
			MigrateOnStart:  v.GetBool("database.migrate_on_start"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Mutation: MutationConfig{
			LaneCount:       v.GetInt("mutation.lane_count"),
			IdleLaneTimeout: v.GetDuration("mutation.idle_lane_timeout"),
			MaxRetries:      v.GetInt("mutation.max_retries"),
			BaseBackoff:     v.GetDuration("mutation.base_backoff"),
			MaxBackoff:      v.GetDuration("mutation.max_backoff"),
			LockTimeout:     v.GetDuration("mutation.lock_timeout"),
			TxTimeout:       v.GetDuration("mutation.tx_timeout"),
			DrainOnShutdown: v.GetBool("mutation.drain_on_shutdown"),
			PollInterval:    v.GetDuration("mutation.poll_interval"),
			PollBatch:       v.GetInt("mutation.poll_batch"),
			DedupTTL:        v.GetDuration("mutation.dedup_ttl"),
			Retention:       v.GetDuration("mutation.retention"),
		},
		Cache: CacheConfig{
			TTL:          v.GetDuration("cache.ttl"),
			StaleGrace:   v.GetDuration("cache.stale_grace"),
			StaleWait:    v.GetDuration("cache.stale_wait"),
			RefreshAhead: v.GetDuration("cache.refresh_ahead"),
			KeyPrefix:    v.GetString("cache.key_prefix"),
			CutoffPolicy: v.GetString("cache.cutoff_policy"),
			WarmWorkers:  v.GetInt("cache.warm_workers"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "saas-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "saas"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "saas-backend"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Mutation.IdleLaneTimeout == 0 {
		cfg.Mutation.IdleLaneTimeout = time.Minute
	}
	if cfg.Mutation.MaxRetries == 0 {
		cfg.Mutation.MaxRetries = 5
	}
	if cfg.Mutation.BaseBackoff == 0 {
		cfg.Mutation.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.Mutation.MaxBackoff == 0 {
		cfg.Mutation.MaxBackoff = 5 * time.Second
	}
	if cfg.Mutation.LockTimeout == 0 {
		cfg.Mutation.LockTimeout = 5 * time.Second
	}
	if cfg.Mutation.TxTimeout == 0 {
		cfg.Mutation.TxTimeout = 10 * time.Second
	}
	if cfg.Mutation.PollInterval == 0 {
		cfg.Mutation.PollInterval = 5 * time.Second
	}
	if cfg.Mutation.PollBatch == 0 {
		cfg.Mutation.PollBatch = 100
	}
	if cfg.Mutation.DedupTTL == 0 {
		cfg.Mutation.DedupTTL = 24 * time.Hour
	}
	if cfg.Mutation.Retention == 0 {
		cfg.Mutation.Retention = 7 * 24 * time.Hour
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 3600 * time.Second
	}
	if cfg.Cache.StaleGrace == 0 {
		cfg.Cache.StaleGrace = 10 * time.Minute
	}
	if cfg.Cache.RefreshAhead == 0 {
		cfg.Cache.RefreshAhead = 5 * time.Minute
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "dashboard_metrics"
	}
	if cfg.Cache.CutoffPolicy == "" {
		cfg.Cache.CutoffPolicy = "shared"
	}
	if cfg.Cache.WarmWorkers == 0 {
		cfg.Cache.WarmWorkers = 4
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 15 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Mutation.LaneCount < 0 {
		return fmt.Errorf("mutation.lane_count cannot be negative")
	}
	if c.Mutation.PollBatch < 0 {
		return fmt.Errorf("mutation.poll_batch cannot be negative")
	}
	if c.Mutation.MaxRetries < 0 {
		return fmt.Errorf("mutation.max_retries cannot be negative")
	}
	if c.Mutation.MaxBackoff < c.Mutation.BaseBackoff {
		return fmt.Errorf("mutation.max_backoff (%s) must be >= mutation.base_backoff (%s)",
			c.Mutation.MaxBackoff, c.Mutation.BaseBackoff)
	}
	if c.Mutation.LockTimeout > c.Mutation.TxTimeout {
		return fmt.Errorf("mutation.lock_timeout (%s) cannot exceed mutation.tx_timeout (%s)",
			c.Mutation.LockTimeout, c.Mutation.TxTimeout)
	}

	if c.Cache.StaleWait < 0 {
		return fmt.Errorf("cache.stale_wait cannot be negative")
	}
	switch c.Cache.CutoffPolicy {
	case "shared", "split":
	default:
		return fmt.Errorf("cache.cutoff_policy must be 'shared' or 'split', got %q", c.Cache.CutoffPolicy)
	}

	if c.App.Env == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
