package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/SolVend/engine/internal/config"
)

// ServiceType names one upstream dependency. Each gets its own breaker
// so a flapping quote source cannot take payments down with it.
type ServiceType string

const (
	ServiceSolanaRPC ServiceType = "solana_rpc"
	ServicePriceAPI  ServiceType = "price_api"
	ServiceFXAPI     ServiceType = "fx_api"
	ServiceMessenger ServiceType = "messenger"
)

// Manager holds one breaker per upstream service.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	// Global enable/disable toggle
	Enabled bool

	// Solana RPC circuit breaker config
	SolanaRPC BreakerConfig

	// Exchange/DEX quote circuit breaker config
	PriceAPI BreakerConfig

	// FX rate circuit breaker config
	FXAPI BreakerConfig

	// Messenger API circuit breaker config
	Messenger BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests caps probes allowed through a half-open breaker.
	MaxRequests uint32

	// Interval is the closed-state period after which counts reset.
	// Zero means counts accumulate forever.
	Interval time.Duration

	// Timeout is how long an open breaker stays open before probing.
	Timeout time.Duration

	// A breaker trips on ConsecutiveFailures in a row, or when the
	// failure ratio over at least MinRequests reaches FailureRatio.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig builds the manager from the application config
// section, one breaker per upstream.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled:   cfg.Enabled,
		SolanaRPC: fromServiceConfig(cfg.SolanaRPC),
		PriceAPI:  fromServiceConfig(cfg.PriceAPI),
		FXAPI:     fromServiceConfig(cfg.FXAPI),
		Messenger: fromServiceConfig(cfg.Messenger),
	})
}

func fromServiceConfig(cfg config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	}
}

// NewManager creates a circuit breaker manager with the given configuration.
// A disabled config yields a pass-through manager with no breakers.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceSolanaRPC] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceSolanaRPC), cfg.SolanaRPC))
	m.breakers[ServicePriceAPI] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServicePriceAPI), cfg.PriceAPI))
	m.breakers[ServiceFXAPI] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceFXAPI), cfg.FXAPI))
	m.breakers[ServiceMessenger] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceMessenger), cfg.Messenger))

	return m
}

// Execute runs fn behind the service's breaker. Disabled or unknown
// services execute directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// State reports a breaker's state for operator diagnostics.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// Counts returns a breaker's request statistics.
func (m *Manager) Counts(service ServiceType) Counts {
	if !m.config.Enabled {
		return Counts{}
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			// An opening breaker halts payments or quotes, so it is worth
			// a warning even before callers start seeing errors.
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_changed")
		},
	}
}

// DefaultConfig returns the standard thresholds. The messenger breaker
// is slower to trip: a burst of blocked recipients must not cut off
// everyone else's notifications.
func DefaultConfig() Config {
	standard := BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return Config{
		Enabled:   true,
		SolanaRPC: standard,
		PriceAPI:  standard,
		FXAPI:     standard,
		Messenger: BreakerConfig{
			MaxRequests:         5,
			Interval:            60 * time.Second,
			Timeout:             60 * time.Second,
			ConsecutiveFailures: 10,
			FailureRatio:        0.7,
			MinRequests:         20,
		},
	}
}
