package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the attribution engine.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Ingest     IngestConfig
	Identity   IdentityConfig
	Aggregate  AggregateConfig
	Query      QueryConfig
	Validator  ValidatorConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type ClickHouseConfig struct {
	Addr     string
	Database string
	User     string
	Password string
	MaxConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NATSConfig struct {
	Enabled bool
	URL     string
	Name    string
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures the MaxMind lookup used as a fingerprint signal.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// IngestConfig bounds per-tenant write volume and retention.
type IngestConfig struct {
	// TenantRPS is the sustained per-tenant ingest rate before writes are
	// rejected as overloaded.
	TenantRPS   float64
	TenantBurst int
	// Retention is the horizon after which raw events are purge-eligible
	// and idempotency keys expire.
	Retention time.Duration
}

// IdentityConfig tunes device-fingerprint matching. The confidence
// threshold deliberately favors under-merging over over-merging.
type IdentityConfig struct {
	ConfidenceThreshold float64
	LockStripes         int
}

// AggregateConfig tunes incremental rollup maintenance. Events older than
// the lookback window require an explicit backfill.
type AggregateConfig struct {
	Lookback             time.Duration
	RefreshInterval      time.Duration
	ReconcileTolerance   float64
	ReconcileInterval    time.Duration
}

// QueryConfig bounds long-running aggregate reads.
type QueryConfig struct {
	Timeout time.Duration
}

// ValidatorConfig schedules ground-truth audits.
type ValidatorConfig struct {
	Interval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("CASTSIGNAL_HTTP_ADDR", ":8080"),
			Env:             getEnv("CASTSIGNAL_ENV", "development"),
			ShutdownTimeout: getDurationEnv("CASTSIGNAL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("CASTSIGNAL_DB_HOST", "localhost"),
			Port:     getIntEnv("CASTSIGNAL_DB_PORT", 5432),
			User:     getEnv("CASTSIGNAL_DB_USER", "castsignal"),
			Password: getEnv("CASTSIGNAL_DB_PASSWORD", "castsignal_secret"),
			DBName:   getEnv("CASTSIGNAL_DB_NAME", "castsignal"),
			SSLMode:  getEnv("CASTSIGNAL_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("CASTSIGNAL_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("CASTSIGNAL_DB_MIN_CONNS", 5),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     getEnv("CASTSIGNAL_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("CASTSIGNAL_CLICKHOUSE_DB", "castsignal"),
			User:     getEnv("CASTSIGNAL_CLICKHOUSE_USER", "default"),
			Password: getEnv("CASTSIGNAL_CLICKHOUSE_PASSWORD", ""),
			MaxConns: getIntEnv("CASTSIGNAL_CLICKHOUSE_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("CASTSIGNAL_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("CASTSIGNAL_REDIS_PASSWORD", ""),
			DB:       getIntEnv("CASTSIGNAL_REDIS_DB", 0),
		},
		NATS: NATSConfig{
			Enabled: getBoolEnv("CASTSIGNAL_NATS_ENABLED", false),
			URL:     getEnv("CASTSIGNAL_NATS_URL", "nats://localhost:4222"),
			Name:    getEnv("CASTSIGNAL_NATS_NAME", "attribution-engine"),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("CASTSIGNAL_AUTH_ENABLED", true),
			MasterKey: getEnv("CASTSIGNAL_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("CASTSIGNAL_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("CASTSIGNAL_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("CASTSIGNAL_RATE_LIMIT_RPS", 1000),
			Burst:   getIntEnv("CASTSIGNAL_RATE_LIMIT_BURST", 200),
		},
		Log: LogConfig{
			Level:  getEnv("CASTSIGNAL_LOG_LEVEL", "info"),
			Format: getEnv("CASTSIGNAL_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("CASTSIGNAL_METRICS_ENABLED", true),
			Path:    getEnv("CASTSIGNAL_METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("CASTSIGNAL_GEO_ENABLED", false),
			DatabasePath: getEnv("CASTSIGNAL_GEO_DB_PATH", "/app/data/GeoLite2-City.mmdb"),
		},
		Ingest: IngestConfig{
			TenantRPS:   getFloatEnv("CASTSIGNAL_INGEST_TENANT_RPS", 500),
			TenantBurst: getIntEnv("CASTSIGNAL_INGEST_TENANT_BURST", 1000),
			Retention:   getDurationEnv("CASTSIGNAL_INGEST_RETENTION", 2*365*24*time.Hour),
		},
		Identity: IdentityConfig{
			ConfidenceThreshold: getFloatEnv("CASTSIGNAL_IDENTITY_CONFIDENCE_THRESHOLD", 0.8),
			LockStripes:         getIntEnv("CASTSIGNAL_IDENTITY_LOCK_STRIPES", 256),
		},
		Aggregate: AggregateConfig{
			Lookback:           getDurationEnv("CASTSIGNAL_AGGREGATE_LOOKBACK", 2*time.Hour),
			RefreshInterval:    getDurationEnv("CASTSIGNAL_AGGREGATE_REFRESH_INTERVAL", 5*time.Minute),
			ReconcileTolerance: getFloatEnv("CASTSIGNAL_AGGREGATE_RECONCILE_TOLERANCE", 0.01),
			ReconcileInterval:  getDurationEnv("CASTSIGNAL_AGGREGATE_RECONCILE_INTERVAL", time.Hour),
		},
		Query: QueryConfig{
			Timeout: getDurationEnv("CASTSIGNAL_QUERY_TIMEOUT", 5*time.Second),
		},
		Validator: ValidatorConfig{
			Interval: getDurationEnv("CASTSIGNAL_VALIDATOR_INTERVAL", 6*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("CASTSIGNAL_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Identity.ConfidenceThreshold < 0 || c.Identity.ConfidenceThreshold > 1 {
		return fmt.Errorf("CASTSIGNAL_IDENTITY_CONFIDENCE_THRESHOLD must be within [0,1]")
	}
	if c.Identity.LockStripes <= 0 {
		return fmt.Errorf("CASTSIGNAL_IDENTITY_LOCK_STRIPES must be positive")
	}
	if c.Aggregate.Lookback <= 0 {
		return fmt.Errorf("CASTSIGNAL_AGGREGATE_LOOKBACK must be positive")
	}
	if c.Aggregate.ReconcileTolerance < 0 {
		return fmt.Errorf("CASTSIGNAL_AGGREGATE_RECONCILE_TOLERANCE must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
