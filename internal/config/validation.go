package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Bot.APIBaseURL == "" {
		c.Bot.APIBaseURL = "https://api.telegram.org"
	}
	c.Bot.APIBaseURL = strings.TrimSuffix(c.Bot.APIBaseURL, "/")
	if c.Bot.SendTimeout.Duration <= 0 {
		c.Bot.SendTimeout = Duration{Duration: 10 * time.Second}
	}
	if c.Bot.SendRetries <= 0 {
		c.Bot.SendRetries = 3
	}
	if c.Solana.RPCURL == "" {
		c.Solana.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	switch strings.ToLower(c.Solana.Commitment) {
	case "processed", "confirmed", "finalized":
		c.Solana.Commitment = strings.ToLower(c.Solana.Commitment)
	default:
		c.Solana.Commitment = "confirmed"
	}

	if c.Oracle.MemoryTTL.Duration <= 0 {
		c.Oracle.MemoryTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Oracle.PersistTTL.Duration <= 0 {
		c.Oracle.PersistTTL = Duration{Duration: 10 * time.Minute}
	}
	if c.Oracle.StaleTTL.Duration <= 0 {
		c.Oracle.StaleTTL = Duration{Duration: time.Hour}
	}
	if c.Oracle.RequestTimeout.Duration <= 0 {
		c.Oracle.RequestTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Oracle.DEXQuoteTimeout.Duration <= 0 {
		c.Oracle.DEXQuoteTimeout = Duration{Duration: 10 * time.Second}
	}
	if c.Oracle.FallbackEURUSD <= 0 {
		c.Oracle.FallbackEURUSD = 0.92
	}

	if c.Payments.BasketTimeout.Duration <= 0 {
		c.Payments.BasketTimeout = Duration{Duration: 5 * time.Minute}
	}
	if c.Payments.PaymentWindow.Duration <= 0 {
		c.Payments.PaymentWindow = Duration{Duration: 20 * time.Minute}
	}
	if c.Payments.MediaDir == "" {
		c.Payments.MediaDir = "./media"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/solvend.db"
	}
	if c.Storage.CleanupInterval.Duration <= 0 {
		c.Storage.CleanupInterval = Duration{Duration: 5 * time.Minute}
	}

	applyJobDefaults(&c.Scheduler.BasketExpiry, 5*time.Minute, 10*time.Second)
	applyJobDefaults(&c.Scheduler.PaymentTimeout, 10*time.Minute, time.Minute)
	applyJobDefaults(&c.Scheduler.AbandonedReservation, 3*time.Minute, 2*time.Minute)
	applyJobDefaults(&c.Scheduler.PaymentRecovery, 5*time.Minute, 3*time.Minute)
	applyJobDefaults(&c.Scheduler.SolanaScan, time.Minute, 30*time.Second)
	applyJobDefaults(&c.Scheduler.PriceRefresh, 4*time.Minute, time.Minute)

	return c.validate()
}

// applyJobDefaults fills in the standard cadence when a job is left at zero.
func applyJobDefaults(job *JobConfig, interval, initialDelay time.Duration) {
	if job.Interval.Duration <= 0 {
		job.Interval = Duration{Duration: interval}
	}
	if job.InitialDelay.Duration <= 0 {
		job.InitialDelay = Duration{Duration: initialDelay}
	}
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Bot.Token == "" {
		errs = append(errs, "bot token (SOLVEND_BOT_TOKEN) is required")
	}
	if c.Bot.PrimaryAdminID == 0 {
		errs = append(errs, "bot.primary_admin_id is required")
	}

	if c.Solana.TreasuryWallet == "" {
		errs = append(errs, "solana.treasury_wallet is required")
	} else if _, err := solana.PublicKeyFromBase58(c.Solana.TreasuryWallet); err != nil {
		errs = append(errs, fmt.Sprintf("solana.treasury_wallet is not a valid address: %v", err))
	}
	if c.Solana.RecoveryWallet != "" {
		if _, err := solana.PublicKeyFromBase58(c.Solana.RecoveryWallet); err != nil {
			errs = append(errs, fmt.Sprintf("solana.recovery_wallet is not a valid address: %v", err))
		}
	}

	if c.Payments.MinRefillEUR < 0 {
		errs = append(errs, "payments.min_refill_eur must not be negative")
	}
	if c.Payments.FeeAdjustmentPercent <= -100 {
		errs = append(errs, "payments.fee_adjustment_percent must be greater than -100")
	}

	switch c.Storage.Backend {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, sqlite, postgres)", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url (SOLVEND_DB_URL) is required when backend is postgres")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
