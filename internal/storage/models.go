package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a bot account. Created on first interaction, never deleted.
type User struct {
	UserID         int64
	Username       string
	Lang           string
	BalanceEUR     decimal.Decimal
	IsReseller     bool
	IsBanned       bool
	TotalPurchases int64
	CreatedAt      time.Time
}

// Product is one stock line. Available counts sellable units not held by
// any basket; Reserved counts units currently held. Both stay >= 0.
type Product struct {
	ID          int64
	City        string
	District    string
	ProductType string
	Size        string
	Name        string
	PriceEUR    decimal.Decimal
	Available   int64
	Reserved    int64
	PickupText  string
	MediaDir    string
}

// BasketReservation is one held unit. Each row corresponds to one
// available→reserved move on its product.
type BasketReservation struct {
	ID               int64
	UserID           int64
	ProductID        int64
	ProductType      string
	SnapshotPriceEUR decimal.Decimal
	ReservedAt       time.Time
}

// DiscountKind enumerates coupon value semantics.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixedEUR   DiscountKind = "fixed_eur"
)

// DiscountCode is a single- or multi-use coupon. UsesCount only increases
// and the increment is always conditional on max_uses.
type DiscountCode struct {
	Code      string
	Kind      DiscountKind
	Value     decimal.Decimal
	MaxUses   *int64 // nil means unlimited
	UsesCount int64
	Active    bool
}

// Exhausted reports whether the code has no uses left.
func (d *DiscountCode) Exhausted() bool {
	return d.MaxUses != nil && d.UsesCount >= *d.MaxUses
}

// ResellerDiscount is a per-user per-product-type percentage discount.
type ResellerDiscount struct {
	ResellerUserID int64
	ProductType    string
	Percent        decimal.Decimal
}

// SnapshotItem is one priced unit captured at invoice time. PricePaid
// already includes the reseller discount; it is authoritative for both the
// payment amount and finalization, never recomputed later.
type SnapshotItem struct {
	ProductID   int64           `json:"product_id"`
	Name        string          `json:"name"`
	ProductType string          `json:"product_type"`
	Size        string          `json:"size"`
	PricePaid   decimal.Decimal `json:"price_paid"`
	City        string          `json:"city"`
	District    string          `json:"district"`
}

// PendingDeposit binds a payment id to its basket snapshot, expected SOL
// and EUR target. Removed on success, cancel, or timeout; its presence is
// the idempotency key for settlement.
type PendingDeposit struct {
	PaymentID    string
	UserID       int64
	Currency     string
	TargetEUR    decimal.Decimal
	ExpectedSOL  decimal.Decimal
	IsPurchase   bool
	Basket       []SnapshotItem
	DiscountCode string
	CreatedAt    time.Time
}

// AgeAt returns how long the deposit has been open at the given moment.
func (d *PendingDeposit) AgeAt(now time.Time) time.Duration {
	return now.Sub(d.CreatedAt)
}

// WalletStatus is the ephemeral wallet lifecycle state.
type WalletStatus string

const (
	WalletPending  WalletStatus = "pending"
	WalletPaid     WalletStatus = "paid"
	WalletSwept    WalletStatus = "swept"
	WalletRefunded WalletStatus = "refunded"
	WalletExpired  WalletStatus = "expired"
)

// Wallet is a per-order ephemeral keypair. PrivateKey holds the key
// material as a JSON array of 64 bytes; it is secret but funds are
// transient, so it rests in the same store as everything else.
type Wallet struct {
	ID                int64
	UserID            int64
	OrderID           string
	PublicKey         string
	PrivateKey        string
	ExpectedSOL       decimal.Decimal
	AmountReceivedSOL decimal.NullDecimal
	Status            WalletStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AgeAt returns how long the wallet has existed at the given moment.
func (w *Wallet) AgeAt(now time.Time) time.Duration {
	return now.Sub(w.CreatedAt)
}

// Purchase is an append-only row per sold unit, priced at the snapshot.
type Purchase struct {
	ID           int64
	UserID       int64
	ProductID    int64
	ProductName  string
	ProductType  string
	Size         string
	PricePaidEUR decimal.Decimal
	City         string
	District     string
	PurchasedAt  time.Time
}

// Setting is a key/value row. The price oracle persists its quote cache
// here under "sol_price_eur_cache".
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// AuditEntry is an append-only record of a balance or operator action.
// TargetUserID zero means no target; AdminID zero means a system action.
type AuditEntry struct {
	ID           int64
	At           time.Time
	AdminID      int64
	Action       string
	TargetUserID int64
	Reason       string
	AmountChange decimal.NullDecimal
	OldValue     string
	NewValue     string
}

// FinalizeRequest is the input to the atomic purchase commit.
type FinalizeRequest struct {
	UserID       int64
	Items        []SnapshotItem
	DiscountCode string
}

// FinalizeResult reports what the commit did. CouponExhausted is set when
// a code was present but its conditional increment matched zero rows; the
// sale still stands.
type FinalizeResult struct {
	UnitsSold       int
	CouponApplied   bool
	CouponExhausted bool
}

// BalanceAdjustment is a transactional balance change plus its audit
// trail. Delta is positive for credits and negative for debits.
type BalanceAdjustment struct {
	UserID  int64
	Delta   decimal.Decimal
	AdminID int64
	Action  string
	Reason  string
}

// BalanceResult carries the balance before and after an adjustment.
type BalanceResult struct {
	Old decimal.Decimal
	New decimal.Decimal
}
