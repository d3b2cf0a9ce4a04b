package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use SOLVEND_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "SOLVEND_SERVER_ADDRESS")

	// Logging config
	setIfEnv(&c.Logging.Level, "SOLVEND_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "SOLVEND_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "SOLVEND_ENVIRONMENT")

	// Bot config
	setIfEnv(&c.Bot.Token, "SOLVEND_BOT_TOKEN")
	setIfEnv(&c.Bot.APIBaseURL, "SOLVEND_BOT_API_BASE_URL")
	setIfEnv(&c.Bot.WebhookBaseURL, "SOLVEND_WEBHOOK_BASE_URL")
	setInt64IfEnv(&c.Bot.PrimaryAdminID, "SOLVEND_PRIMARY_ADMIN_ID")
	setInt64ListIfEnv(&c.Bot.SecondaryAdminIDs, "SOLVEND_SECONDARY_ADMIN_IDS")
	setIfEnv(&c.Bot.SupportHandle, "SOLVEND_SUPPORT_HANDLE")

	// Solana config
	setIfEnv(&c.Solana.RPCURL, "SOLVEND_RPC_URL")
	setIfEnv(&c.Solana.TreasuryWallet, "SOLVEND_TREASURY_WALLET")
	setIfEnv(&c.Solana.RecoveryWallet, "SOLVEND_RECOVERY_WALLET")
	setIfEnv(&c.Solana.Commitment, "SOLVEND_COMMITMENT")
	setBoolIfEnv(&c.Solana.AutoSweep, "SOLVEND_AUTO_SWEEP")

	// Payments config
	setDurationIfEnv(&c.Payments.BasketTimeout, "SOLVEND_BASKET_TIMEOUT")
	setDurationIfEnv(&c.Payments.PaymentWindow, "SOLVEND_PAYMENT_WINDOW")
	setFloatIfEnv(&c.Payments.MinRefillEUR, "SOLVEND_MIN_REFILL_EUR")
	setFloatIfEnv(&c.Payments.FeeAdjustmentPercent, "SOLVEND_FEE_ADJUSTMENT_PERCENT")
	setIfEnv(&c.Payments.MediaDir, "SOLVEND_MEDIA_DIR")

	// Storage config
	setIfEnv(&c.Storage.Backend, "SOLVEND_DB_BACKEND")
	setIfEnv(&c.Storage.SQLitePath, "SOLVEND_DB_PATH")
	setIfEnv(&c.Storage.PostgresURL, "SOLVEND_DB_URL")

	// Circuit breaker toggle
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "SOLVEND_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Accepts Go-style strings like "5m" or "1h30m", or a bare number of
// seconds for compatibility with older deployments.
func setDurationIfEnv(target *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if dur, err := time.ParseDuration(v); err == nil {
		*target = Duration{Duration: dur}
		return
	}
	if dur, err := time.ParseDuration(fmt.Sprintf("%ss", strings.TrimSpace(v))); err == nil {
		*target = Duration{Duration: dur}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*target = parsed
		}
	}
}

// setFloatIfEnv sets a float64 pointer from an environment variable.
func setFloatIfEnv(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*target = parsed
		}
	}
}

// setInt64ListIfEnv sets an int64 slice from a comma-separated environment
// variable. Entries that fail to parse are skipped.
func setInt64ListIfEnv(target *[]int64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if parsed, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, parsed)
		}
	}
	if len(ids) > 0 {
		*target = ids
	}
}
