package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Bot: BotConfig{
			APIBaseURL:  "https://api.telegram.org",
			SendTimeout: Duration{Duration: 10 * time.Second},
			SendRetries: 3,
		},
		Solana: SolanaConfig{
			RPCURL:     "https://api.mainnet-beta.solana.com",
			Commitment: "confirmed",
			AutoSweep:  true,
		},
		Oracle: OracleConfig{
			MemoryTTL:       Duration{Duration: 5 * time.Minute},
			PersistTTL:      Duration{Duration: 10 * time.Minute},
			StaleTTL:        Duration{Duration: time.Hour},
			RequestTimeout:  Duration{Duration: 5 * time.Second},
			DEXQuoteTimeout: Duration{Duration: 10 * time.Second},
			FallbackEURUSD:  0.92,
		},
		Payments: PaymentsConfig{
			BasketTimeout: Duration{Duration: 5 * time.Minute},
			PaymentWindow: Duration{Duration: 20 * time.Minute},
			MinRefillEUR:  1.00,
			MediaDir:      "./media",
		},
		Storage: StorageConfig{
			Backend:         "sqlite",
			SQLitePath:      "./data/solvend.db",
			CleanupInterval: Duration{Duration: 5 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			BasketExpiry: JobConfig{
				Interval:     Duration{Duration: 5 * time.Minute},
				InitialDelay: Duration{Duration: 10 * time.Second},
			},
			PaymentTimeout: JobConfig{
				Interval:     Duration{Duration: 10 * time.Minute},
				InitialDelay: Duration{Duration: time.Minute},
			},
			AbandonedReservation: JobConfig{
				Interval:     Duration{Duration: 3 * time.Minute},
				InitialDelay: Duration{Duration: 2 * time.Minute},
			},
			PaymentRecovery: JobConfig{
				Interval:     Duration{Duration: 5 * time.Minute},
				InitialDelay: Duration{Duration: 3 * time.Minute},
			},
			SolanaScan: JobConfig{
				Interval:     Duration{Duration: time.Minute},
				InitialDelay: Duration{Duration: 30 * time.Second},
			},
			PriceRefresh: JobConfig{
				Interval:     Duration{Duration: 4 * time.Minute},
				InitialDelay: Duration{Duration: time.Minute},
			},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to absorb webhook floods, not
			// restrict legitimate traffic
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			SolanaRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			PriceAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			FXAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Messenger: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Longer timeout for message delivery
				ConsecutiveFailures: 10,                                   // More tolerant for user notifications
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
