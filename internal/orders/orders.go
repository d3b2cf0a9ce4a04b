// Package orders coordinates an order from priced basket to fulfilled
// purchase: it snapshots and re-validates the basket, opens crypto
// invoices against the wallet engine, consumes the scanner's settlement
// signals, and drives finalization, media delivery, and the cleanup paths
// for cancelled and timed-out payments.
//
// The pending deposit row is the unit of idempotency: it is written once
// when an invoice opens and deleted exactly once by whichever path ends
// the payment. Every settlement consumer first takes a per-payment lock
// and then treats a missing deposit as "already processed".
package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/inventory"
	"github.com/SolVend/engine/internal/ledger"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/messenger"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/money"
	"github.com/SolVend/engine/internal/pricing"
	"github.com/SolVend/engine/internal/storage"
	"github.com/SolVend/engine/internal/wallet"
)

const (
	// finalizeAttempts bounds how often a settled purchase is retried
	// before it is parked for manual recovery.
	finalizeAttempts = 3

	// finalizeBackoff is the base delay between finalize attempts; each
	// retry waits three times longer than the previous one.
	finalizeBackoff = 5 * time.Second
)

// ActionFinalizeFailed is the audit action written when a settled payment
// could not be finalized and was parked for the operator.
const ActionFinalizeFailed = "PURCHASE_FINALIZE_FAILED"

// Store is the slice of the storage layer the coordinator needs.
type Store interface {
	GetUser(ctx context.Context, userID int64) (storage.User, error)
	GetProduct(ctx context.Context, productID int64) (storage.Product, error)
	GetDiscountCode(ctx context.Context, code string) (storage.DiscountCode, error)
	SavePendingDeposit(ctx context.Context, dep storage.PendingDeposit) error
	GetPendingDeposit(ctx context.Context, paymentID string) (storage.PendingDeposit, error)
	DeletePendingDeposit(ctx context.Context, paymentID string) error
	ListPendingDepositsOlderThan(ctx context.Context, cutoff time.Time) ([]storage.PendingDeposit, error)
	GetWalletByOrderID(ctx context.Context, orderID string) (storage.Wallet, error)
	ListWalletsByStatus(ctx context.Context, status storage.WalletStatus) ([]storage.Wallet, error)
	AppendAudit(ctx context.Context, entry storage.AuditEntry) error
}

// Inventory is the slice of the reservation state machine the coordinator
// drives. Implemented by inventory.Service.
type Inventory interface {
	Basket(ctx context.Context, userID int64) ([]storage.BasketReservation, error)
	Unreserve(ctx context.Context, userID int64) ([]storage.BasketReservation, error)
	Finalize(ctx context.Context, userID int64, items []storage.SnapshotItem, discountCode string) (storage.FinalizeResult, error)
	HardDelete(ctx context.Context, productIDs []int64) error
}

// Pricer snapshots baskets and re-validates coupons. Implemented by
// pricing.Service.
type Pricer interface {
	PriceBasket(ctx context.Context, userID int64, reservations []storage.BasketReservation) (pricing.PricedBasket, error)
	ValidateAndApplyAtomic(ctx context.Context, code string, subtotal, expectedTotal decimal.Decimal) (decimal.Decimal, error)
}

// Funds is the slice of the balance ledger the coordinator spends and
// credits through. Implemented by ledger.Service.
type Funds interface {
	Credit(ctx context.Context, userID int64, amount decimal.Decimal, reason string) (storage.BalanceResult, error)
	DebitThenFinalize(ctx context.Context, userID int64, amount decimal.Decimal, items []storage.SnapshotItem, discountCode string) (storage.FinalizeResult, error)
}

// Minter is the slice of the wallet engine the coordinator drives.
// Implemented by wallet.Engine.
type Minter interface {
	Mint(ctx context.Context, userID int64, orderID string, eurAmount decimal.Decimal) (wallet.Invoice, error)
	Sweep(ctx context.Context, w storage.Wallet) error
}

// Deliverer sends purchased media and pickup text. Implemented by
// messenger.Client. Unlike the Notifier these sends return errors, because
// fulfillment depends on them.
type Deliverer interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMediaGroup(ctx context.Context, chatID int64, items []messenger.MediaItem) error
	SendAnimation(ctx context.Context, chatID int64, item messenger.MediaItem) error
}

// Invoice is an opened crypto payment: where to send funds, how much, and
// until when.
type Invoice struct {
	PaymentID   string
	Address     string
	TotalEUR    decimal.Decimal
	ExpectedSOL decimal.Decimal
	EURPerSOL   decimal.Decimal
	ExpiresAt   time.Time
}

// Receipt is the outcome of a completed balance purchase.
type Receipt struct {
	TotalEUR  decimal.Decimal
	UnitsSold int
	Delivered bool
}

// Quote is a priced basket as shown to the user before they commit.
type Quote struct {
	Items        []storage.SnapshotItem
	Subtotal     decimal.Decimal
	Total        decimal.Decimal
	DiscountCode string
}

// PaymentStatus reports where a user's open payment stands.
type PaymentStatus struct {
	PaymentID   string
	Address     string
	Status      storage.WalletStatus
	TargetEUR   decimal.Decimal
	ExpectedSOL decimal.Decimal
	ReceivedSOL decimal.Decimal
	IsPurchase  bool
	ExpiresAt   time.Time
}

// Coordinator owns the order lifecycle. It implements wallet.Settler and
// is attached to the engine with SetSettler after both exist.
type Coordinator struct {
	store    Store
	inv      Inventory
	prices   Pricer
	funds    Funds
	wallets  Minter
	deliver  Deliverer
	notifier messenger.Notifier
	metrics  *metrics.Metrics
	cfg      config.PaymentsConfig

	window    time.Duration
	retryBase time.Duration
	now       func() time.Time
	inflight  inflightLocks
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithFinalizeBackoff overrides the base delay between finalize retries.
func WithFinalizeBackoff(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retryBase = d
		}
	}
}

// NewCoordinator builds the order coordinator. notifier and m may be nil;
// the notifier then falls back to the no-op implementation.
func NewCoordinator(cfg config.PaymentsConfig, store Store, inv Inventory, prices Pricer, funds Funds, wallets Minter, deliver Deliverer, notifier messenger.Notifier, m *metrics.Metrics, opts ...Option) *Coordinator {
	if notifier == nil {
		notifier = messenger.NoopNotifier{}
	}
	window := cfg.PaymentWindow.Duration
	if window <= 0 {
		window = 20 * time.Minute
	}
	c := &Coordinator{
		store:     store,
		inv:       inv,
		prices:    prices,
		funds:     funds,
		wallets:   wallets,
		deliver:   deliver,
		notifier:  notifier,
		metrics:   m,
		cfg:       cfg,
		window:    window,
		retryBase: finalizeBackoff,
		now:       time.Now,
	}
	c.inflight.locks = make(map[string]*inflightLock)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QuoteBasket prices the user's current holds and applies the coupon the
// way the checkout screen shows it. The returned total is what the pay
// operations expect back as expectedTotal; they re-validate the coupon
// atomically against it before any money moves.
func (c *Coordinator) QuoteBasket(ctx context.Context, userID int64, discountCode string) (Quote, error) {
	reservations, err := c.inv.Basket(ctx, userID)
	if err != nil {
		return Quote{}, fmt.Errorf("load basket: %w", err)
	}
	if len(reservations) == 0 {
		return Quote{}, errors.New(errors.ErrCodeBasketEmpty, "no items reserved")
	}

	priced, err := c.prices.PriceBasket(ctx, userID, reservations)
	if err != nil {
		return Quote{}, fmt.Errorf("price basket: %w", err)
	}

	quote := Quote{
		Items:        priced.Items,
		Subtotal:     priced.Subtotal,
		Total:        priced.Subtotal,
		DiscountCode: discountCode,
	}
	if discountCode != "" {
		dc, err := c.store.GetDiscountCode(ctx, discountCode)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return Quote{}, errors.Newf(errors.ErrCodeDiscountInvalid, "discount code %q does not exist", discountCode)
			}
			return Quote{}, fmt.Errorf("load discount code: %w", err)
		}
		if !dc.Active {
			return Quote{}, errors.Newf(errors.ErrCodeDiscountInvalid, "discount code %q is inactive", discountCode)
		}
		if dc.Exhausted() {
			return Quote{}, errors.Newf(errors.ErrCodeDiscountExhausted, "discount code %q has no uses left", discountCode)
		}
		quote.Total = pricing.ApplyCode(priced.Subtotal, dc)
	}
	return quote, nil
}

// PayBasketWithCrypto snapshots the reserved basket, re-validates the
// coupon against the total the user was shown, mints the payment wallet,
// and records the pending deposit. If the deposit cannot be written the
// reservation is released and the minted wallet is left for the scanner's
// expiry path.
func (c *Coordinator) PayBasketWithCrypto(ctx context.Context, userID int64, discountCode string, expectedTotal decimal.Decimal) (Invoice, error) {
	log := logger.FromContext(ctx)

	snapshot, total, err := c.snapshotBasket(ctx, userID, discountCode, expectedTotal)
	if err != nil {
		return Invoice{}, err
	}

	paymentID := c.paymentID(userID, "PURCHASE")
	minted, err := c.wallets.Mint(ctx, userID, paymentID, total)
	if err != nil {
		return Invoice{}, err
	}

	dep := storage.PendingDeposit{
		PaymentID:    paymentID,
		UserID:       userID,
		Currency:     "SOL",
		TargetEUR:    total,
		ExpectedSOL:  minted.ExpectedSOL,
		IsPurchase:   true,
		Basket:       snapshot.Items,
		DiscountCode: discountCode,
		CreatedAt:    c.now(),
	}
	if err := c.store.SavePendingDeposit(ctx, dep); err != nil {
		// Without the deposit a settlement cannot be tied back to this
		// order, so the holds go back to stock. The wallet row stays; the
		// scanner expires it once the window passes.
		if _, uerr := c.inv.Unreserve(ctx, userID); uerr != nil {
			log.Error().Err(uerr).Int64("user_id", userID).Msg("orders.unreserve_failed")
		}
		return Invoice{}, errors.Wrap(err, errors.ErrCodeDatabaseError, "record pending deposit")
	}

	if c.metrics != nil {
		c.metrics.ObservePayment("purchase", "sol")
	}
	log.Info().
		Str("payment_id", paymentID).
		Int64("user_id", userID).
		Str("total_eur", money.FormatEUR(total)).
		Str("expected_sol", money.FormatSOL(minted.ExpectedSOL)).
		Int("items", len(snapshot.Items)).
		Msg("orders.invoice_opened")

	return Invoice{
		PaymentID:   paymentID,
		Address:     minted.Address,
		TotalEUR:    total,
		ExpectedSOL: minted.ExpectedSOL,
		EURPerSOL:   minted.EURPerSOL,
		ExpiresAt:   c.now().Add(c.window),
	}, nil
}

// PayBasketWithBalance settles the basket from the user's internal
// balance and delivers immediately. The debit and the purchase commit are
// compensated as a pair by the ledger; delivery failure leaves the
// purchase standing with its product rows retained.
func (c *Coordinator) PayBasketWithBalance(ctx context.Context, userID int64, discountCode string, expectedTotal decimal.Decimal) (Receipt, error) {
	snapshot, total, err := c.snapshotBasket(ctx, userID, discountCode, expectedTotal)
	if err != nil {
		return Receipt{}, err
	}

	res, err := c.funds.DebitThenFinalize(ctx, userID, total, snapshot.Items, discountCode)
	if err != nil {
		return Receipt{}, err
	}

	if c.metrics != nil {
		c.metrics.ObservePayment("purchase", "balance")
	}
	clog := logger.FromContext(ctx)
	clog.Info().
		Int64("user_id", userID).
		Str("total_eur", money.FormatEUR(total)).
		Int("units", res.UnitsSold).
		Msg("orders.balance_purchase")

	delivered := c.deliverAndClean(ctx, userID, snapshot.Items, "balance purchase")
	return Receipt{TotalEUR: total, UnitsSold: res.UnitsSold, Delivered: delivered}, nil
}

// Refill opens a crypto invoice that tops up the internal balance.
func (c *Coordinator) Refill(ctx context.Context, userID int64, eurAmount decimal.Decimal) (Invoice, error) {
	minRefill := decimal.NewFromFloat(c.cfg.MinRefillEUR)
	if eurAmount.LessThan(minRefill) {
		return Invoice{}, errors.Newf(errors.ErrCodeBelowMinRefill,
			"minimum refill is %s EUR", money.FormatEUR(minRefill))
	}

	paymentID := c.paymentID(userID, "REFILL")
	minted, err := c.wallets.Mint(ctx, userID, paymentID, eurAmount)
	if err != nil {
		return Invoice{}, err
	}

	dep := storage.PendingDeposit{
		PaymentID:   paymentID,
		UserID:      userID,
		Currency:    "SOL",
		TargetEUR:   eurAmount,
		ExpectedSOL: minted.ExpectedSOL,
		IsPurchase:  false,
		CreatedAt:   c.now(),
	}
	if err := c.store.SavePendingDeposit(ctx, dep); err != nil {
		return Invoice{}, errors.Wrap(err, errors.ErrCodeDatabaseError, "record pending deposit")
	}

	if c.metrics != nil {
		c.metrics.ObservePayment("refill", "sol")
	}
	clog := logger.FromContext(ctx)
	clog.Info().
		Str("payment_id", paymentID).
		Int64("user_id", userID).
		Str("target_eur", money.FormatEUR(eurAmount)).
		Str("expected_sol", money.FormatSOL(minted.ExpectedSOL)).
		Msg("orders.refill_opened")

	return Invoice{
		PaymentID:   paymentID,
		Address:     minted.Address,
		TotalEUR:    eurAmount,
		ExpectedSOL: minted.ExpectedSOL,
		EURPerSOL:   minted.EURPerSOL,
		ExpiresAt:   c.now().Add(c.window),
	}, nil
}

// Cancel closes an open payment at the user's request: the deposit is
// removed and the holds go back to stock. The wallet row is left alone;
// if funds arrive later anyway the scanner refunds them to the balance.
func (c *Coordinator) Cancel(ctx context.Context, userID int64, paymentID string) error {
	unlock := c.inflight.lock(paymentID)
	defer unlock()

	dep, err := c.store.GetPendingDeposit(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.New(errors.ErrCodeDepositNotFound, "no pending payment")
		}
		return fmt.Errorf("load pending deposit: %w", err)
	}
	if dep.UserID != userID {
		return errors.New(errors.ErrCodeUnauthorized, "payment belongs to another user")
	}

	if err := c.store.DeletePendingDeposit(ctx, paymentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // raced a settlement or expiry; that path won
		}
		return fmt.Errorf("remove pending deposit: %w", err)
	}

	log := logger.FromContext(ctx)
	if dep.IsPurchase {
		if _, err := c.inv.Unreserve(ctx, userID); err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("orders.unreserve_failed")
		}
	}
	c.observeSettlement(dep, "cancelled")
	log.Info().
		Str("payment_id", paymentID).
		Int64("user_id", userID).
		Str("trigger", "user_cancellation").
		Msg("orders.payment_cancelled")
	return nil
}

// CheckPayment reports the live state of one of the user's open payments.
func (c *Coordinator) CheckPayment(ctx context.Context, userID int64, paymentID string) (PaymentStatus, error) {
	dep, err := c.store.GetPendingDeposit(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PaymentStatus{}, errors.New(errors.ErrCodeDepositNotFound, "no pending payment")
		}
		return PaymentStatus{}, fmt.Errorf("load pending deposit: %w", err)
	}
	if dep.UserID != userID {
		return PaymentStatus{}, errors.New(errors.ErrCodeUnauthorized, "payment belongs to another user")
	}

	status := PaymentStatus{
		PaymentID:   dep.PaymentID,
		TargetEUR:   dep.TargetEUR,
		ExpectedSOL: dep.ExpectedSOL,
		IsPurchase:  dep.IsPurchase,
		ExpiresAt:   dep.CreatedAt.Add(c.window),
	}
	w, err := c.store.GetWalletByOrderID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PaymentStatus{}, errors.New(errors.ErrCodeWalletNotFound, "no wallet for payment")
		}
		return PaymentStatus{}, fmt.Errorf("load wallet: %w", err)
	}
	status.Address = w.PublicKey
	status.Status = w.Status
	if w.AmountReceivedSOL.Valid {
		status.ReceivedSOL = w.AmountReceivedSOL.Decimal
	}
	return status, nil
}

// snapshotBasket prices the user's holds and re-validates the coupon
// right before money moves. An empty basket or a coupon that drifted from
// what the user saw aborts the payment.
func (c *Coordinator) snapshotBasket(ctx context.Context, userID int64, discountCode string, expectedTotal decimal.Decimal) (pricing.PricedBasket, decimal.Decimal, error) {
	reservations, err := c.inv.Basket(ctx, userID)
	if err != nil {
		return pricing.PricedBasket{}, decimal.Decimal{}, fmt.Errorf("load basket: %w", err)
	}
	if len(reservations) == 0 {
		return pricing.PricedBasket{}, decimal.Decimal{}, errors.New(errors.ErrCodeBasketEmpty, "no items reserved")
	}

	priced, err := c.prices.PriceBasket(ctx, userID, reservations)
	if err != nil {
		return pricing.PricedBasket{}, decimal.Decimal{}, fmt.Errorf("price basket: %w", err)
	}

	total := priced.Subtotal
	if discountCode != "" {
		total, err = c.prices.ValidateAndApplyAtomic(ctx, discountCode, priced.Subtotal, expectedTotal)
		if err != nil {
			return pricing.PricedBasket{}, decimal.Decimal{}, err
		}
	}
	return priced, total, nil
}

// paymentID builds the id payment rows are keyed by:
// USER<id>_<KIND>_<unix>_<6 hex chars>.
func (c *Coordinator) paymentID(userID int64, kind string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("USER%d_%s_%d_%s", userID, kind, c.now().Unix(), suffix)
}

func (c *Coordinator) observeSettlement(dep storage.PendingDeposit, outcome string) {
	if c.metrics == nil {
		return
	}
	kind := "refill"
	if dep.IsPurchase {
		kind = "purchase"
	}
	amount := 0.0
	if outcome == "paid" {
		amount = dep.TargetEUR.InexactFloat64()
	}
	c.metrics.ObserveSettlement(kind, outcome, amount, c.now().Sub(dep.CreatedAt))
}

// inflightLocks serializes work per payment id. Entries are refcounted so
// the map does not grow with every payment ever seen.
type inflightLocks struct {
	mu    sync.Mutex
	locks map[string]*inflightLock
}

type inflightLock struct {
	mu   sync.Mutex
	refs int
}

func (l *inflightLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &inflightLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Compile-time checks that the concrete services satisfy the consumer
// interfaces.
var (
	_ Inventory = (*inventory.Service)(nil)
	_ Pricer    = (*pricing.Service)(nil)
	_ Funds     = (*ledger.Service)(nil)
	_ Minter    = (*wallet.Engine)(nil)
	_ Deliverer = (*messenger.Client)(nil)
)
