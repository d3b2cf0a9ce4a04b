// Package wallet runs the ephemeral payment wallets: one fresh keypair per
// order, a periodic scan that classifies funded wallets against their quoted
// amount, sweeps to the treasury, and recovery tooling for funds left on
// dead rows.
//
// The scan is the single writer of wallet status transitions. Everything it
// decides is conditional on the row still being in the status it read, so a
// restarted process or an operator command racing the scan loses cleanly.
package wallet

import (
	"context"
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/messenger"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/money"
	"github.com/SolVend/engine/internal/solana"
	"github.com/SolVend/engine/internal/storage"
)

const (
	// sweepFeeLamports is left behind to pay the transfer itself.
	sweepFeeLamports = 5000
	// dustLamports is the balance below which a sweep is pointless; it
	// equals the fee, so anything under it could never cover a transfer.
	dustLamports = 5000
)

var (
	// paymentTolerance accepts deposits within 0.5% of the quoted amount,
	// absorbing rounding and fees on the payer's side.
	paymentTolerance = decimal.NewFromFloat(0.995)

	// surplusIgnoreSOL is the overpayment below which no credit is issued.
	surplusIgnoreSOL = decimal.NewFromFloat(0.0005)

	// stuckDustSOL is the on-chain balance above which a wallet counts as
	// holding stuck funds.
	stuckDustSOL = decimal.NewFromFloat(0.0001)
)

// Store is the slice of the storage layer the engine needs.
type Store interface {
	CreateWallet(ctx context.Context, w storage.Wallet) (storage.Wallet, error)
	GetWalletByOrderID(ctx context.Context, orderID string) (storage.Wallet, error)
	GetWalletByAddress(ctx context.Context, publicKey string) (storage.Wallet, error)
	ListWalletsByStatus(ctx context.Context, status storage.WalletStatus) ([]storage.Wallet, error)
	ListWallets(ctx context.Context) ([]storage.Wallet, error)
	TransitionWallet(ctx context.Context, walletID int64, from, to storage.WalletStatus, received decimal.NullDecimal) error
	SetWalletStatus(ctx context.Context, walletID int64, to storage.WalletStatus) error
}

// Chain is the slice of the Solana client the engine needs. Implemented by
// solana.Client; tests substitute a fake.
type Chain interface {
	Balance(ctx context.Context, account solanago.PublicKey) (uint64, error)
	LatestIncomingSignature(ctx context.Context, account solanago.PublicKey) (string, error)
	Transfer(ctx context.Context, from solanago.PrivateKey, to solanago.PublicKey, lamports uint64) (string, error)
}

// Quoter produces the current EUR-per-SOL quote. Implemented by oracle.Oracle.
type Quoter interface {
	QuoteEURPerSOL(ctx context.Context) (decimal.Decimal, error)
}

// Crediter is the slice of the balance ledger used for overpayment and
// underpayment credits. Implemented by ledger.Service.
type Crediter interface {
	Credit(ctx context.Context, userID int64, amount decimal.Decimal, reason string) (storage.BalanceResult, error)
}

// Settlement is what the scanner hands the coordinator when a wallet is paid.
type Settlement struct {
	PaymentID   string
	UserID      int64
	PaidSOL     decimal.Decimal
	TxSignature string // empty when the lookup failed; links are optional
}

// Settler receives scan outcomes. The order coordinator implements it; it is
// attached with SetSettler after construction because the coordinator also
// drives the engine.
type Settler interface {
	OnSettled(ctx context.Context, s Settlement)
	OnExpired(ctx context.Context, paymentID string)
}

// Pacing bounds how fast the engine hits the RPC endpoint. Free endpoints
// throttle aggressively, so scans crawl on purpose. Tests shrink these.
type Pacing struct {
	ScanDelay  time.Duration // before each balance read in Scan
	RPCDelay   time.Duration // between balance reads in FindStuck
	BatchDelay time.Duration // between FindStuck batches
	SweepDelay time.Duration // between recovery transfers
	BatchSize  int           // FindStuck batch size
}

func defaultPacing() Pacing {
	return Pacing{
		ScanDelay:  200 * time.Millisecond,
		RPCDelay:   150 * time.Millisecond,
		BatchDelay: time.Second,
		SweepDelay: 500 * time.Millisecond,
		BatchSize:  10,
	}
}

// Engine owns the wallet lifecycle from Mint to swept.
type Engine struct {
	store    Store
	chain    Chain
	quotes   Quoter
	credits  Crediter
	notifier messenger.Notifier
	metrics  *metrics.Metrics
	settler  Settler

	treasury  string
	recovery  string
	autoSweep bool
	feeAdjust decimal.Decimal
	window    time.Duration // pending wallet lifetime before expiry

	pacing Pacing
	now    func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPacing overrides the RPC pacing. Zero fields keep their defaults.
func WithPacing(p Pacing) Option {
	return func(e *Engine) {
		if p.ScanDelay > 0 {
			e.pacing.ScanDelay = p.ScanDelay
		}
		if p.RPCDelay > 0 {
			e.pacing.RPCDelay = p.RPCDelay
		}
		if p.BatchDelay > 0 {
			e.pacing.BatchDelay = p.BatchDelay
		}
		if p.SweepDelay > 0 {
			e.pacing.SweepDelay = p.SweepDelay
		}
		if p.BatchSize > 0 {
			e.pacing.BatchSize = p.BatchSize
		}
	}
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds the wallet engine. notifier and m may be nil; the
// notifier then falls back to the no-op implementation.
func NewEngine(cfg config.SolanaConfig, payments config.PaymentsConfig, store Store, chain Chain, quotes Quoter, credits Crediter, notifier messenger.Notifier, m *metrics.Metrics, opts ...Option) *Engine {
	if notifier == nil {
		notifier = messenger.NoopNotifier{}
	}
	window := payments.PaymentWindow.Duration
	if window <= 0 {
		window = 20 * time.Minute
	}
	e := &Engine{
		store:     store,
		chain:     chain,
		quotes:    quotes,
		credits:   credits,
		notifier:  notifier,
		metrics:   m,
		treasury:  cfg.TreasuryWallet,
		recovery:  cfg.RecoveryWallet,
		autoSweep: cfg.AutoSweep,
		feeAdjust: decimal.NewFromFloat(payments.FeeAdjustmentPercent),
		window:    window,
		pacing:    defaultPacing(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSettler attaches the settlement consumer. Must be called before the
// first Scan; scans without a settler still classify and sweep but nobody
// finalizes the orders.
func (e *Engine) SetSettler(s Settler) { e.settler = s }

// Invoice is the payment target handed to the user.
type Invoice struct {
	Address     string
	ExpectedSOL decimal.Decimal
	EURPerSOL   decimal.Decimal
}

// Mint creates the ephemeral wallet for an order and returns the address
// and quoted SOL amount. Without a quote nothing is written. Idempotent on
// order id: an existing row wins and the fresh keypair is discarded.
func (e *Engine) Mint(ctx context.Context, userID int64, orderID string, eurAmount decimal.Decimal) (Invoice, error) {
	if !eurAmount.IsPositive() {
		return Invoice{}, money.ErrNegativeAmount
	}
	quote, err := e.quotes.QuoteEURPerSOL(ctx)
	if err != nil {
		return Invoice{}, errors.Wrap(err, errors.ErrCodeQuoteUnavailable, "cannot price order")
	}

	// Pad the EUR target before converting so on-chain fees on the payer
	// side do not push an honest payment under the tolerance line.
	target := eurAmount
	if e.feeAdjust.IsPositive() {
		target = eurAmount.Mul(hundred.Add(e.feeAdjust)).Div(hundred)
	}
	expected := money.CeilSOL(target.Div(quote))

	private, public, err := solana.GenerateKeypair()
	if err != nil {
		return Invoice{}, errors.Wrap(err, errors.ErrCodeInternalError, "generate keypair")
	}
	row, err := e.store.CreateWallet(ctx, storage.Wallet{
		UserID:      userID,
		OrderID:     orderID,
		PublicKey:   public.String(),
		PrivateKey:  solana.MarshalPrivateKey(private),
		ExpectedSOL: expected,
		Status:      storage.WalletPending,
	})
	if err != nil {
		return Invoice{}, errors.Wrap(err, errors.ErrCodeDatabaseError, "persist wallet")
	}
	clog := logger.FromContext(ctx)
	clog.Info().
		Int64("user_id", userID).
		Str("order_id", orderID).
		Str("address", logger.TruncateAddress(row.PublicKey)).
		Str("expected_sol", money.FormatSOL(row.ExpectedSOL)).
		Msg("wallet.minted")
	return Invoice{Address: row.PublicKey, ExpectedSOL: row.ExpectedSOL, EURPerSOL: quote}, nil
}

var hundred = decimal.NewFromInt(100)

// Scan walks every pending wallet, classifies it, and finishes with a
// re-sweep pass over wallets stuck in paid. Per-wallet problems are logged
// and skipped; the next tick retries them.
func (e *Engine) Scan(ctx context.Context) error {
	start := time.Now()
	pending, err := e.store.ListWalletsByStatus(ctx, storage.WalletPending)
	if err != nil {
		return fmt.Errorf("list pending wallets: %w", err)
	}
	for _, w := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.pause(ctx, e.pacing.ScanDelay) // RPC rate limit
		e.scanWallet(ctx, w)
	}
	e.resweepPaid(ctx)
	if e.metrics != nil {
		e.metrics.ObserveWalletScan(time.Since(start))
	}
	return nil
}

func (e *Engine) scanWallet(ctx context.Context, w storage.Wallet) {
	log := logger.FromContext(ctx)
	account, err := solanago.PublicKeyFromBase58(w.PublicKey)
	if err != nil {
		log.Error().Err(err).Str("address", logger.TruncateAddress(w.PublicKey)).Msg("wallet.bad_address")
		return
	}
	lamports, err := e.chain.Balance(ctx, account)
	if err != nil {
		log.Warn().Err(err).Str("address", logger.TruncateAddress(w.PublicKey)).Msg("wallet.balance_check_failed")
		return
	}

	balance := money.FromLamports(lamports)
	switch {
	case balance.IsPositive() && balance.GreaterThanOrEqual(w.ExpectedSOL.Mul(paymentTolerance)):
		e.settle(ctx, w, balance, lamports)
	case balance.IsPositive():
		e.refundUnderpayment(ctx, w, balance, lamports)
	case w.AgeAt(e.now()) > e.window:
		e.expire(ctx, w)
	}
}

// settle moves a funded wallet pending→paid, credits any overpayment, and
// signals the coordinator.
func (e *Engine) settle(ctx context.Context, w storage.Wallet, balance decimal.Decimal, lamports uint64) {
	log := logger.FromContext(ctx)
	err := e.store.TransitionWallet(ctx, w.ID, storage.WalletPending, storage.WalletPaid, decimal.NewNullDecimal(balance))
	if errors.Is(err, storage.ErrWalletConflict) {
		return // someone else already moved it
	}
	if err != nil {
		log.Error().Err(err).Str("order_id", w.OrderID).Msg("wallet.transition_failed")
		return
	}
	e.observeTransition(storage.WalletPaid)
	log.Info().
		Str("order_id", w.OrderID).
		Int64("user_id", w.UserID).
		Str("amount_sol", money.FormatSOL(balance)).
		Str("expected_sol", money.FormatSOL(w.ExpectedSOL)).
		Msg("wallet.payment_detected")

	sig := e.incomingSignature(ctx, w.PublicKey)
	e.creditSurplus(ctx, w, balance)

	if e.settler != nil {
		e.settler.OnSettled(ctx, Settlement{
			PaymentID:   w.OrderID,
			UserID:      w.UserID,
			PaidSOL:     balance,
			TxSignature: sig,
		})
	}

	w.Status = storage.WalletPaid
	e.autoSweepWallet(ctx, w, lamports)
}

// creditSurplus books an overpayment onto the user's balance at the current
// quote. Tiny surpluses are not worth a ledger row.
func (e *Engine) creditSurplus(ctx context.Context, w storage.Wallet, balance decimal.Decimal) {
	surplus := balance.Sub(w.ExpectedSOL)
	if surplus.LessThanOrEqual(surplusIgnoreSOL) {
		return
	}
	log := logger.FromContext(ctx)
	quote, err := e.quotes.QuoteEURPerSOL(ctx)
	if err != nil {
		log.Error().Err(err).Str("order_id", w.OrderID).Msg("wallet.overpayment_unpriced")
		return
	}
	surplusEUR := money.QuantizeEUR(surplus.Mul(quote))
	if !surplusEUR.IsPositive() {
		return
	}
	reason := fmt.Sprintf("Overpayment bonus for order %s", w.OrderID)
	if _, err := e.credits.Credit(ctx, w.UserID, surplusEUR, reason); err != nil {
		log.Error().Err(err).
			Str("order_id", w.OrderID).
			Str("surplus_eur", money.FormatEUR(surplusEUR)).
			Msg("wallet.overpayment_credit_failed")
		return
	}
	log.Info().
		Str("order_id", w.OrderID).
		Str("surplus_sol", money.FormatSOL(surplus)).
		Str("surplus_eur", money.FormatEUR(surplusEUR)).
		Msg("wallet.overpayment_credited")
}

// refundUnderpayment credits a short deposit back to the user's internal
// balance at the current quote and closes the wallet. The credit lands
// before the status moves, so a crash in between re-runs the refund instead
// of losing it; the duplicate-credit window is a single row update.
func (e *Engine) refundUnderpayment(ctx context.Context, w storage.Wallet, balance decimal.Decimal, lamports uint64) {
	log := logger.FromContext(ctx)
	quote, err := e.quotes.QuoteEURPerSOL(ctx)
	if err != nil {
		// Cannot price the refund; stays pending for the next tick.
		log.Warn().Err(err).Str("order_id", w.OrderID).Msg("wallet.refund_unpriced")
		return
	}
	refund := money.QuantizeEUR(balance.Mul(quote))
	if !refund.IsPositive() {
		return // sub-cent inflow, the expiry path will close it
	}

	reason := fmt.Sprintf("Underpayment refund %s", w.OrderID)
	if _, err := e.credits.Credit(ctx, w.UserID, refund, reason); err != nil {
		log.Error().Err(err).Str("order_id", w.OrderID).Msg("wallet.refund_credit_failed")
		return
	}
	err = e.store.TransitionWallet(ctx, w.ID, storage.WalletPending, storage.WalletRefunded, decimal.NewNullDecimal(balance))
	if err != nil {
		// The credit stands either way; the user already has the ledger's
		// refund notice, so only the row is off.
		log.Error().Err(err).Str("order_id", w.OrderID).Msg("wallet.refund_not_recorded")
		return
	}
	e.observeTransition(storage.WalletRefunded)
	log.Info().
		Str("order_id", w.OrderID).
		Int64("user_id", w.UserID).
		Str("amount_sol", money.FormatSOL(balance)).
		Str("refund_eur", money.FormatEUR(refund)).
		Msg("wallet.underpayment_refunded")

	e.notifier.NotifyUser(ctx, w.UserID, fmt.Sprintf(
		"⚠️ Underpayment detected (%s SOL). Refunded %s EUR to balance. Please use Top Up.",
		money.FormatSOL(balance), money.FormatEUR(refund)))

	sig := e.incomingSignature(ctx, w.PublicKey)
	e.notifier.LogPurchase(ctx, refundLogText(w, balance, refund, sig))

	w.Status = storage.WalletRefunded
	e.autoSweepWallet(ctx, w, lamports)
}

func refundLogText(w storage.Wallet, balance, refund decimal.Decimal, sig string) string {
	text := fmt.Sprintf("❌ Underpayment refunded\nUser: %d\nReceived: %s SOL (~%s EUR)\nPayment: %s",
		w.UserID, money.FormatSOL(balance), money.FormatEUR(refund), w.OrderID)
	if sig != "" {
		text += "\nTx: " + solana.SolscanTxURL + sig
	}
	return text
}

// expire closes an unfunded wallet after the payment window and signals the
// coordinator to release the order.
func (e *Engine) expire(ctx context.Context, w storage.Wallet) {
	log := logger.FromContext(ctx)
	err := e.store.TransitionWallet(ctx, w.ID, storage.WalletPending, storage.WalletExpired, decimal.NullDecimal{})
	if errors.Is(err, storage.ErrWalletConflict) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("order_id", w.OrderID).Msg("wallet.transition_failed")
		return
	}
	e.observeTransition(storage.WalletExpired)
	log.Info().
		Str("order_id", w.OrderID).
		Int64("user_id", w.UserID).
		Dur("age", w.AgeAt(e.now())).
		Msg("wallet.expired")
	if e.settler != nil {
		e.settler.OnExpired(ctx, w.OrderID)
	}
}

// resweepPaid retries the sweep for wallets that settled but whose funds
// never moved (RPC failure, crash between transfer and status write).
func (e *Engine) resweepPaid(ctx context.Context) {
	if !e.autoSweep || e.treasury == "" {
		return
	}
	log := logger.FromContext(ctx)
	paid, err := e.store.ListWalletsByStatus(ctx, storage.WalletPaid)
	if err != nil {
		log.Warn().Err(err).Msg("wallet.resweep_list_failed")
		return
	}
	for _, w := range paid {
		if ctx.Err() != nil {
			return
		}
		if err := e.Sweep(ctx, w); err != nil {
			log.Warn().Err(err).Str("address", logger.TruncateAddress(w.PublicKey)).Msg("wallet.resweep_failed")
		}
	}
}

func (e *Engine) autoSweepWallet(ctx context.Context, w storage.Wallet, lamports uint64) {
	if !e.autoSweep || e.treasury == "" {
		return
	}
	if err := e.sweepLamports(ctx, w, lamports); err != nil {
		// The paid re-sweep pass picks it up next tick.
		clog := logger.FromContext(ctx)
		clog.Warn().Err(err).Str("address", logger.TruncateAddress(w.PublicKey)).Msg("wallet.sweep_deferred")
	}
}

// Sweep moves a wallet's funds to the treasury and marks the row swept.
// Callable repeatedly: dust-only paid wallets are closed without a transfer,
// and a wallet already emptied is a no-op.
func (e *Engine) Sweep(ctx context.Context, w storage.Wallet) error {
	account, err := solanago.PublicKeyFromBase58(w.PublicKey)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidWallet, "bad wallet address")
	}
	lamports, err := e.chain.Balance(ctx, account)
	if err != nil {
		return fmt.Errorf("sweep balance check: %w", err)
	}
	return e.sweepLamports(ctx, w, lamports)
}

func (e *Engine) sweepLamports(ctx context.Context, w storage.Wallet, lamports uint64) error {
	if e.treasury == "" {
		return errors.New(errors.ErrCodeConfigError, "no treasury wallet configured")
	}
	log := logger.FromContext(ctx)

	if lamports < dustLamports {
		// Nothing worth moving; a settled wallet holding dust is finished.
		if w.Status == storage.WalletPaid {
			if err := e.store.SetWalletStatus(ctx, w.ID, storage.WalletSwept); err != nil {
				return fmt.Errorf("close dust wallet: %w", err)
			}
			e.observeSweep("dust", lamports)
		}
		return nil
	}
	amount := lamports - sweepFeeLamports
	if amount == 0 {
		return nil
	}

	key, err := solana.ValidateKeyDerivation(w.PrivateKey, w.PublicKey)
	if err != nil {
		e.observeSweep("corrupt_key", 0)
		e.notifier.AlertOperator(ctx, fmt.Sprintf(
			"Wallet %s (order %s) holds %s SOL but its key material is corrupt. Manual recovery required.",
			w.PublicKey, w.OrderID, money.FormatSOL(money.FromLamports(lamports))))
		return errors.Wrap(err, errors.ErrCodeCorruptKey, "sweep aborted")
	}
	treasury, err := solanago.PublicKeyFromBase58(e.treasury)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigError, "bad treasury address")
	}

	sig, err := e.chain.Transfer(ctx, key, treasury, amount)
	if err != nil {
		e.observeSweep("failed", 0)
		return errors.Wrap(err, errors.ErrCodeSweepFailed, "sweep transfer")
	}
	if err := e.store.SetWalletStatus(ctx, w.ID, storage.WalletSwept); err != nil {
		// Funds moved; the next pass sees an empty paid wallet and closes
		// it through the dust path.
		log.Error().Err(err).Str("address", logger.TruncateAddress(w.PublicKey)).Msg("wallet.sweep_not_recorded")
		return fmt.Errorf("record sweep: %w", err)
	}
	e.observeSweep("swept", amount)
	log.Info().
		Str("address", logger.TruncateAddress(w.PublicKey)).
		Str("order_id", w.OrderID).
		Uint64("lamports", amount).
		Str("tx", sig).
		Msg("wallet.swept")
	return nil
}

func (e *Engine) incomingSignature(ctx context.Context, address string) string {
	account, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return ""
	}
	sig, err := e.chain.LatestIncomingSignature(ctx, account)
	if err != nil {
		clog := logger.FromContext(ctx)
		clog.Debug().Err(err).Str("address", logger.TruncateAddress(address)).Msg("wallet.signature_lookup_failed")
		return ""
	}
	return sig
}

func (e *Engine) observeTransition(to storage.WalletStatus) {
	if e.metrics != nil {
		e.metrics.ObserveWalletTransition(string(to))
	}
}

func (e *Engine) observeSweep(result string, lamports uint64) {
	if e.metrics != nil {
		e.metrics.ObserveSweep(result, lamports)
	}
}

// pause sleeps for d unless the context ends first.
func (e *Engine) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
