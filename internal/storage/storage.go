// Package storage provides the persistence layer: users, inventory,
// reservations, pending deposits, ephemeral wallets, discount codes,
// settings, and the audit log.
//
// Three backends implement the Store interface: an in-memory store for
// tests and development, SQLite (the default, via modernc.org/sqlite), and
// PostgreSQL. Every multi-row mutation runs inside one write transaction
// acquired immediately; transaction bodies are retried on transient
// contention with exponential backoff.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/metrics"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrNoStock is returned when a conditional stock decrement matched zero rows.
var ErrNoStock = errors.New("storage: out of stock")

// ErrInsufficientBalance is returned when a debit would drive a balance negative.
var ErrInsufficientBalance = errors.New("storage: insufficient balance")

// ErrWalletConflict is returned when a conditional wallet transition matched
// zero rows because the wallet is no longer in the expected status.
var ErrWalletConflict = errors.New("storage: wallet status conflict")

// Store captures the persistence requirements of the payment and
// fulfillment core.
//
// # Composite operations
//
// ReserveUnit, ReleaseReservations, FinalizePurchase, and AdjustBalance are
// multi-row mutations; each runs inside a single immediately-acquired write
// transaction so no check-then-update ever spans transactions.
type Store interface {
	// Users
	GetOrCreateUser(ctx context.Context, userID int64, username string) (User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	SetUserBanned(ctx context.Context, userID int64, banned bool) error
	SetUserReseller(ctx context.Context, userID int64, reseller bool) error
	SetUserLanguage(ctx context.Context, userID int64, lang string) error

	// Products
	SaveProduct(ctx context.Context, p Product) (Product, error)
	GetProduct(ctx context.Context, productID int64) (Product, error)
	DeleteProducts(ctx context.Context, productIDs []int64) error

	// Reservations. ReserveUnit moves one unit available→reserved and
	// appends a basket row; ReleaseReservations moves the user's held
	// units back (rows reserved before the cutoff only; zero cutoff means
	// all) and returns what it released.
	ReserveUnit(ctx context.Context, res BasketReservation) (BasketReservation, error)
	ListReservations(ctx context.Context, userID int64) ([]BasketReservation, error)
	ListReservationsOlderThan(ctx context.Context, cutoff time.Time) ([]BasketReservation, error)
	ReleaseReservations(ctx context.Context, userID int64, before time.Time) ([]BasketReservation, error)

	// Purchases. FinalizePurchase is the atomic commit: consume one unit
	// per snapshot item (the user's live hold first, loose stock as
	// fallback), insert purchase rows at snapshot prices, bump the user's
	// purchase counter, conditionally increment the coupon, and clear the
	// user's basket without restoring stock.
	FinalizePurchase(ctx context.Context, req FinalizeRequest) (FinalizeResult, error)
	ListUserPurchases(ctx context.Context, userID int64) ([]Purchase, error)

	// Balance and audit
	AdjustBalance(ctx context.Context, adj BalanceAdjustment) (BalanceResult, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)

	// Pending deposits. DeletePendingDeposit returns ErrNotFound when the
	// deposit is already gone; callers use that as the already-processed
	// signal.
	SavePendingDeposit(ctx context.Context, dep PendingDeposit) error
	GetPendingDeposit(ctx context.Context, paymentID string) (PendingDeposit, error)
	DeletePendingDeposit(ctx context.Context, paymentID string) error
	ListPendingDeposits(ctx context.Context) ([]PendingDeposit, error)
	ListPendingDepositsOlderThan(ctx context.Context, cutoff time.Time) ([]PendingDeposit, error)
	HasPendingDepositForUser(ctx context.Context, userID int64) (bool, error)

	// Ephemeral wallets. CreateWallet is idempotent on order id: when a
	// row already exists it is returned unchanged and no insert happens.
	// TransitionWallet is conditional on the current status and reports
	// ErrWalletConflict on a lost race; SetWalletStatus is unconditional
	// (recovery paths).
	CreateWallet(ctx context.Context, w Wallet) (Wallet, error)
	GetWalletByOrderID(ctx context.Context, orderID string) (Wallet, error)
	GetWalletByAddress(ctx context.Context, publicKey string) (Wallet, error)
	ListWalletsByStatus(ctx context.Context, status WalletStatus) ([]Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)
	TransitionWallet(ctx context.Context, walletID int64, from, to WalletStatus, received decimal.NullDecimal) error
	SetWalletStatus(ctx context.Context, walletID int64, to WalletStatus) error

	// Discount codes
	SaveDiscountCode(ctx context.Context, code DiscountCode) error
	GetDiscountCode(ctx context.Context, code string) (DiscountCode, error)

	// Reseller discounts
	SaveResellerDiscount(ctx context.Context, d ResellerDiscount) error
	GetResellerPercent(ctx context.Context, userID int64, productType string) (decimal.Decimal, error)

	// Settings
	GetSetting(ctx context.Context, key string) (Setting, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "sqlite", or "postgres"
	SQLitePath      string
	PostgresURL     string
	PostgresPool    config.PostgresPoolConfig
	CleanupInterval time.Duration    // SQLite maintenance cadence (wal_checkpoint + optimize)
	Metrics         *metrics.Metrics // optional; records query durations when set
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// State is lost on restart; development and tests only.
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = "./data/solvend.db"
		}
		return NewSQLiteStore(path, cfg.CleanupInterval, cfg.Metrics)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool, cfg.Metrics)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
