package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Bot            BotConfig            `yaml:"bot"`
	Solana         SolanaConfig         `yaml:"solana"`
	Oracle         OracleConfig         `yaml:"oracle"`
	Payments       PaymentsConfig       `yaml:"payments"`
	Storage        StorageConfig        `yaml:"storage"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration for the webhook surface.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// BotConfig holds messenger bot identity and delivery settings.
type BotConfig struct {
	Token             string   `yaml:"-"` // Loaded from env only; never from file
	APIBaseURL        string   `yaml:"api_base_url"`
	WebhookBaseURL    string   `yaml:"webhook_base_url"`
	PrimaryAdminID    int64    `yaml:"primary_admin_id"`
	SecondaryAdminIDs []int64  `yaml:"secondary_admin_ids"`
	SupportHandle     string   `yaml:"support_handle"`
	SendTimeout       Duration `yaml:"send_timeout"`
	SendRetries       int      `yaml:"send_retries"`
}

// AdminIDs returns the primary admin followed by any secondary admins.
func (b BotConfig) AdminIDs() []int64 {
	ids := make([]int64, 0, len(b.SecondaryAdminIDs)+1)
	if b.PrimaryAdminID != 0 {
		ids = append(ids, b.PrimaryAdminID)
	}
	for _, id := range b.SecondaryAdminIDs {
		if id != 0 && id != b.PrimaryAdminID {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsAdmin reports whether the given user id belongs to an operator.
func (b BotConfig) IsAdmin(userID int64) bool {
	if userID == 0 {
		return false
	}
	if userID == b.PrimaryAdminID {
		return true
	}
	for _, id := range b.SecondaryAdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// SolanaConfig holds chain access and treasury settings.
type SolanaConfig struct {
	RPCURL         string `yaml:"rpc_url"`
	TreasuryWallet string `yaml:"treasury_wallet"` // sweep destination
	RecoveryWallet string `yaml:"recovery_wallet"` // optional stuck-funds destination
	Commitment     string `yaml:"commitment"`      // processed | confirmed | finalized
	AutoSweep      bool   `yaml:"auto_sweep"`      // sweep settled wallets during scans (default: true)
}

// OracleConfig holds price oracle cache lifetimes and upstream timeouts.
type OracleConfig struct {
	MemoryTTL       Duration `yaml:"memory_ttl"`        // layer 1 freshness (default: 5m)
	PersistTTL      Duration `yaml:"persist_ttl"`       // layer 2 freshness (default: 10m)
	StaleTTL        Duration `yaml:"stale_ttl"`         // layer 4 last-resort age (default: 1h)
	RequestTimeout  Duration `yaml:"request_timeout"`   // per upstream request (default: 5s)
	DEXQuoteTimeout Duration `yaml:"dex_quote_timeout"` // native DEX quote request (default: 10s)
	FallbackEURUSD  float64  `yaml:"fallback_eur_usd"`  // used when every FX source fails (default: 0.92)
}

// PaymentsConfig holds order lifecycle settings.
type PaymentsConfig struct {
	BasketTimeout        Duration `yaml:"basket_timeout"`         // reservation lifetime (default: 5m)
	PaymentWindow        Duration `yaml:"payment_window"`         // pending-deposit lifetime (default: 20m)
	MinRefillEUR         float64  `yaml:"min_refill_eur"`         // smallest accepted refill (default: 1.00)
	FeeAdjustmentPercent float64  `yaml:"fee_adjustment_percent"` // percent padding on EUR to SOL conversion (default: 0)
	MediaDir             string   `yaml:"media_dir"`              // root of per-product media directories
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "sqlite", or "postgres"
	SQLitePath      string             `yaml:"sqlite_path"`      // Path to the sqlite database file
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	CleanupInterval Duration           `yaml:"cleanup_interval"` // SQLite maintenance cadence: WAL checkpoint and optimize (default: 5m)
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// SchedulerConfig holds the cadence of the periodic jobs. Zero values fall
// back to the standard schedule in finalize.
type SchedulerConfig struct {
	BasketExpiry         JobConfig `yaml:"basket_expiry"`
	PaymentTimeout       JobConfig `yaml:"payment_timeout"`
	AbandonedReservation JobConfig `yaml:"abandoned_reservation"`
	PaymentRecovery      JobConfig `yaml:"payment_recovery"`
	SolanaScan           JobConfig `yaml:"solana_scan"`
	PriceRefresh         JobConfig `yaml:"price_refresh"`
}

// JobConfig configures a single periodic job.
type JobConfig struct {
	Interval     Duration `yaml:"interval"`
	InitialDelay Duration `yaml:"initial_delay"`
}

// RateLimitConfig holds webhook rate limiting configuration.
type RateLimitConfig struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-IP rate limiting
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`    // Enable circuit breakers (default: true)
	SolanaRPC BreakerServiceConfig `yaml:"solana_rpc"` // Solana RPC circuit breaker
	PriceAPI  BreakerServiceConfig `yaml:"price_api"`  // Exchange/DEX quote circuit breaker
	FXAPI     BreakerServiceConfig `yaml:"fx_api"`     // FX rate circuit breaker
	Messenger BreakerServiceConfig `yaml:"messenger"`  // Messenger API circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
