package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/solana"
	"github.com/SolVend/engine/internal/storage"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func newAddress(t *testing.T) string {
	t.Helper()
	_, pub, err := solana.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return pub.String()
}

type transferCall struct {
	from     string
	to       string
	lamports uint64
}

// fakeChain holds balances in memory and empties an account on transfer.
type fakeChain struct {
	mu          sync.Mutex
	balances    map[string]uint64
	sigs        map[string]string
	transfers   []transferCall
	balanceErr  error
	transferErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{balances: make(map[string]uint64), sigs: make(map[string]string)}
}

func (f *fakeChain) setBalance(address string, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = lamports
}

func (f *fakeChain) Balance(_ context.Context, account solanago.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.balances[account.String()], nil
}

func (f *fakeChain) LatestIncomingSignature(_ context.Context, account solanago.PublicKey) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigs[account.String()], nil
}

func (f *fakeChain) Transfer(_ context.Context, from solanago.PrivateKey, to solanago.PublicKey, lamports uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transfers = append(f.transfers, transferCall{from: from.PublicKey().String(), to: to.String(), lamports: lamports})
	f.balances[from.PublicKey().String()] = 0
	return fmt.Sprintf("txsig-%d", len(f.transfers)), nil
}

type fakeQuoter struct {
	quote decimal.Decimal
	err   error
}

func (f *fakeQuoter) QuoteEURPerSOL(context.Context) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.quote, nil
}

type creditCall struct {
	userID int64
	amount decimal.Decimal
	reason string
}

type recordingCrediter struct {
	mu    sync.Mutex
	calls []creditCall
	err   error
}

func (r *recordingCrediter) Credit(_ context.Context, userID int64, amount decimal.Decimal, reason string) (storage.BalanceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return storage.BalanceResult{}, r.err
	}
	r.calls = append(r.calls, creditCall{userID: userID, amount: amount, reason: reason})
	return storage.BalanceResult{New: amount}, nil
}

type recordingSettler struct {
	mu      sync.Mutex
	settled []Settlement
	expired []string
}

func (r *recordingSettler) OnSettled(_ context.Context, s Settlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, s)
}

func (r *recordingSettler) OnExpired(_ context.Context, paymentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, paymentID)
}

type stubNotifier struct {
	mu      sync.Mutex
	notices []string
	alerts  []string
	logs    []string
}

func (s *stubNotifier) NotifyUser(_ context.Context, _ int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, text)
}

func (s *stubNotifier) AlertOperator(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, text)
}

func (s *stubNotifier) LogPurchase(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, text)
}

type engineFixture struct {
	engine   *Engine
	store    *storage.MemoryStore
	chain    *fakeChain
	quotes   *fakeQuoter
	credits  *recordingCrediter
	settler  *recordingSettler
	notifier *stubNotifier
	treasury string
}

func testPacing() Pacing {
	return Pacing{
		ScanDelay:  time.Nanosecond,
		RPCDelay:   time.Nanosecond,
		BatchDelay: time.Nanosecond,
		SweepDelay: time.Nanosecond,
		BatchSize:  2,
	}
}

func newFixture(t *testing.T, mutate func(*config.SolanaConfig, *config.PaymentsConfig), opts ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    storage.NewMemoryStore(),
		chain:    newFakeChain(),
		quotes:   &fakeQuoter{quote: dec(t, "100")},
		credits:  &recordingCrediter{},
		settler:  &recordingSettler{},
		notifier: &stubNotifier{},
		treasury: newAddress(t),
	}
	cfg := config.SolanaConfig{TreasuryWallet: f.treasury, AutoSweep: true}
	pay := config.PaymentsConfig{PaymentWindow: config.Duration{Duration: 20 * time.Minute}}
	if mutate != nil {
		mutate(&cfg, &pay)
	}
	opts = append([]Option{WithPacing(testPacing())}, opts...)
	f.engine = NewEngine(cfg, pay, f.store, f.chain, f.quotes, f.credits, f.notifier, nil, opts...)
	f.engine.SetSettler(f.settler)
	return f
}

// mint creates a wallet through the engine and returns the stored row.
func (f *engineFixture) mint(t *testing.T, userID int64, orderID, eur string) storage.Wallet {
	t.Helper()
	ctx := context.Background()
	if _, err := f.engine.Mint(ctx, userID, orderID, dec(t, eur)); err != nil {
		t.Fatalf("Mint(%s): %v", orderID, err)
	}
	w, err := f.store.GetWalletByOrderID(ctx, orderID)
	if err != nil {
		t.Fatalf("GetWalletByOrderID(%s): %v", orderID, err)
	}
	return w
}

func (f *engineFixture) walletStatus(t *testing.T, orderID string) storage.WalletStatus {
	t.Helper()
	w, err := f.store.GetWalletByOrderID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetWalletByOrderID(%s): %v", orderID, err)
	}
	return w.Status
}

func TestMintQuotesAndPersists(t *testing.T) {
	f := newFixture(t, nil)
	f.quotes.quote = dec(t, "147.13")

	inv, err := f.engine.Mint(context.Background(), 7, "OD1", dec(t, "10.00"))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	// 10 / 147.13 = 0.0679670..., rounded up to the next 0.00001.
	if !inv.ExpectedSOL.Equal(dec(t, "0.06797")) {
		t.Errorf("expected SOL = %s, want 0.06797", inv.ExpectedSOL)
	}
	if !inv.EURPerSOL.Equal(dec(t, "147.13")) {
		t.Errorf("quote = %s, want 147.13", inv.EURPerSOL)
	}

	w, err := f.store.GetWalletByOrderID(context.Background(), "OD1")
	if err != nil {
		t.Fatalf("wallet row: %v", err)
	}
	if w.Status != storage.WalletPending || w.UserID != 7 || w.PublicKey != inv.Address {
		t.Errorf("row = %+v", w)
	}
	if _, err := solana.ValidateKeyDerivation(w.PrivateKey, w.PublicKey); err != nil {
		t.Errorf("stored key material does not derive the address: %v", err)
	}
}

func TestMintAppliesFeeAdjustment(t *testing.T) {
	f := newFixture(t, func(_ *config.SolanaConfig, pay *config.PaymentsConfig) {
		pay.FeeAdjustmentPercent = 2
	})

	inv, err := f.engine.Mint(context.Background(), 7, "OD1", dec(t, "10.00"))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	// 10 * 1.02 / 100 = 0.102 exactly.
	if !inv.ExpectedSOL.Equal(dec(t, "0.102")) {
		t.Errorf("expected SOL = %s, want 0.102", inv.ExpectedSOL)
	}
}

func TestMintIdempotentOnOrderID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.Mint(ctx, 7, "OD1", dec(t, "10.00"))
	if err != nil {
		t.Fatalf("first Mint: %v", err)
	}
	f.quotes.quote = dec(t, "50") // price moved; the stored invoice must not
	second, err := f.engine.Mint(ctx, 7, "OD1", dec(t, "10.00"))
	if err != nil {
		t.Fatalf("second Mint: %v", err)
	}
	if second.Address != first.Address {
		t.Errorf("address changed on retry: %s != %s", second.Address, first.Address)
	}
	if !second.ExpectedSOL.Equal(first.ExpectedSOL) {
		t.Errorf("expected SOL changed on retry: %s != %s", second.ExpectedSOL, first.ExpectedSOL)
	}
	all, _ := f.store.ListWallets(ctx)
	if len(all) != 1 {
		t.Errorf("wallet rows = %d, want 1", len(all))
	}
}

func TestMintWithoutQuoteWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.quotes.err = fmt.Errorf("all sources down")

	_, err := f.engine.Mint(context.Background(), 7, "OD1", dec(t, "10.00"))
	if !errors.HasCode(err, errors.ErrCodeQuoteUnavailable) {
		t.Fatalf("error = %v, want quote_unavailable", err)
	}
	all, _ := f.store.ListWallets(context.Background())
	if len(all) != 0 {
		t.Errorf("wallet rows = %d, want none", len(all))
	}
}

func TestScanSettlesFundedWallet(t *testing.T) {
	f := newFixture(t, nil)
	w := f.mint(t, 7, "OD1", "10.00") // expected 0.1 SOL at quote 100
	f.chain.setBalance(w.PublicKey, 100_000_000)
	f.chain.sigs[w.PublicKey] = "fundsig"

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(f.settler.settled) != 1 {
		t.Fatalf("settlements = %d, want 1", len(f.settler.settled))
	}
	s := f.settler.settled[0]
	if s.PaymentID != "OD1" || s.UserID != 7 || !s.PaidSOL.Equal(dec(t, "0.1")) || s.TxSignature != "fundsig" {
		t.Errorf("settlement = %+v", s)
	}
	if len(f.credits.calls) != 0 {
		t.Errorf("exact payment still credited: %+v", f.credits.calls)
	}

	// Auto-sweep moved the funds to the treasury and closed the row.
	if len(f.chain.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(f.chain.transfers))
	}
	tr := f.chain.transfers[0]
	if tr.to != f.treasury || tr.lamports != 100_000_000-5000 {
		t.Errorf("sweep transfer = %+v", tr)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletSwept {
		t.Errorf("status = %s, want swept", got)
	}
	row, _ := f.store.GetWalletByOrderID(context.Background(), "OD1")
	if !row.AmountReceivedSOL.Valid || !row.AmountReceivedSOL.Decimal.Equal(dec(t, "0.1")) {
		t.Errorf("amount received = %+v", row.AmountReceivedSOL)
	}
}

func TestScanAcceptsPaymentWithinTolerance(t *testing.T) {
	f := newFixture(t, nil)
	w := f.mint(t, 7, "OD1", "10.00") // expected 0.1 SOL
	f.chain.setBalance(w.PublicKey, 99_500_000) // exactly 99.5% of expected

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(f.settler.settled) != 1 {
		t.Fatalf("settlements = %d, want 1 (tolerance boundary is inclusive)", len(f.settler.settled))
	}
	if len(f.credits.calls) != 0 {
		t.Errorf("tolerated shortfall credited as refund: %+v", f.credits.calls)
	}
}

func TestScanCreditsOverpayment(t *testing.T) {
	f := newFixture(t, nil)
	w := f.mint(t, 7, "OD1", "10.00")           // expected 0.1 SOL
	f.chain.setBalance(w.PublicKey, 110_000_000) // 0.11 SOL, surplus 0.01

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(f.settler.settled) != 1 {
		t.Fatalf("settlements = %d, want 1", len(f.settler.settled))
	}
	if len(f.credits.calls) != 1 {
		t.Fatalf("credits = %d, want 1", len(f.credits.calls))
	}
	c := f.credits.calls[0]
	if c.userID != 7 || !c.amount.Equal(dec(t, "1.00")) || !strings.Contains(c.reason, "Overpayment bonus for order OD1") {
		t.Errorf("credit = %+v", c)
	}
}

func TestScanIgnoresTinySurplus(t *testing.T) {
	f := newFixture(t, nil)
	w := f.mint(t, 7, "OD1", "10.00")
	f.chain.setBalance(w.PublicKey, 100_030_000) // surplus 0.0003 SOL, under the floor

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(f.settler.settled) != 1 {
		t.Fatalf("settlements = %d, want 1", len(f.settler.settled))
	}
	if len(f.credits.calls) != 0 {
		t.Errorf("sub-threshold surplus credited: %+v", f.credits.calls)
	}
}

func TestScanRefundsUnderpayment(t *testing.T) {
	f := newFixture(t, func(cfg *config.SolanaConfig, _ *config.PaymentsConfig) {
		cfg.AutoSweep = false // freeze the row in refunded for assertions
	})
	w := f.mint(t, 7, "OD1", "10.00")           // expected 0.1 SOL
	f.chain.setBalance(w.PublicKey, 50_000_000) // 0.05 SOL

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(f.credits.calls) != 1 {
		t.Fatalf("credits = %d, want 1", len(f.credits.calls))
	}
	c := f.credits.calls[0]
	if !c.amount.Equal(dec(t, "5.00")) || !strings.Contains(c.reason, "Underpayment refund OD1") {
		t.Errorf("credit = %+v", c)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletRefunded {
		t.Errorf("status = %s, want refunded", got)
	}
	if len(f.settler.settled) != 0 {
		t.Errorf("underpayment reached the coordinator: %+v", f.settler.settled)
	}
	if len(f.notifier.notices) != 1 || !strings.Contains(f.notifier.notices[0], "Underpayment detected") {
		t.Errorf("user notices = %v", f.notifier.notices)
	}
	if len(f.notifier.logs) != 1 || !strings.Contains(f.notifier.logs[0], "User: 7") {
		t.Errorf("purchase logs = %v", f.notifier.logs)
	}
	row, _ := f.store.GetWalletByOrderID(context.Background(), "OD1")
	if !row.AmountReceivedSOL.Valid || !row.AmountReceivedSOL.Decimal.Equal(dec(t, "0.05")) {
		t.Errorf("amount received = %+v", row.AmountReceivedSOL)
	}
}

func TestScanRefundWaitsForQuote(t *testing.T) {
	f := newFixture(t, nil)
	w := f.mint(t, 7, "OD1", "10.00")
	f.chain.setBalance(w.PublicKey, 50_000_000)
	f.quotes.err = fmt.Errorf("all sources down")

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletPending {
		t.Errorf("status = %s, want still pending while unpriceable", got)
	}
	if len(f.credits.calls) != 0 {
		t.Errorf("refund credited without a quote: %+v", f.credits.calls)
	}

	f.quotes.err = nil
	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(f.credits.calls) != 1 {
		t.Errorf("credits after quote recovery = %d, want 1", len(f.credits.calls))
	}
}

func TestScanExpiresStaleEmptyWallet(t *testing.T) {
	f := newFixture(t, nil, WithClock(func() time.Time { return time.Now().Add(21 * time.Minute) }))
	f.mint(t, 7, "OD1", "10.00") // no funds ever arrive

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletExpired {
		t.Errorf("status = %s, want expired", got)
	}
	if len(f.settler.expired) != 1 || f.settler.expired[0] != "OD1" {
		t.Errorf("expiry signals = %v", f.settler.expired)
	}
}

func TestScanLeavesFreshEmptyWalletPending(t *testing.T) {
	f := newFixture(t, nil)
	f.mint(t, 7, "OD1", "10.00")

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletPending {
		t.Errorf("status = %s, want pending", got)
	}
	if len(f.settler.expired) != 0 || len(f.settler.settled) != 0 {
		t.Errorf("fresh wallet produced signals: %+v / %+v", f.settler.settled, f.settler.expired)
	}
}

func TestScanResweepsPaidDust(t *testing.T) {
	f := newFixture(t, nil)
	w := f.mint(t, 7, "OD1", "10.00")
	if err := f.store.TransitionWallet(context.Background(), w.ID, storage.WalletPending, storage.WalletPaid, decimal.NullDecimal{}); err != nil {
		t.Fatalf("force paid: %v", err)
	}
	f.chain.setBalance(w.PublicKey, 3000) // dust below the fee

	if err := f.engine.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletSwept {
		t.Errorf("status = %s, want swept (dust close-out)", got)
	}
	if len(f.chain.transfers) != 0 {
		t.Errorf("dust produced a transfer: %+v", f.chain.transfers)
	}
}

func TestSweepAlertsOnCorruptKey(t *testing.T) {
	f := newFixture(t, nil)
	// Key material from a different keypair than the recorded address.
	priv, _, err := solana.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	w, err := f.store.CreateWallet(context.Background(), storage.Wallet{
		UserID:      7,
		OrderID:     "OD1",
		PublicKey:   newAddress(t),
		PrivateKey:  solana.MarshalPrivateKey(priv),
		ExpectedSOL: dec(t, "0.1"),
	})
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	f.chain.setBalance(w.PublicKey, 1_000_000_000)

	err = f.engine.Sweep(context.Background(), w)
	if !errors.HasCode(err, errors.ErrCodeCorruptKey) {
		t.Fatalf("error = %v, want corrupt_key", err)
	}
	if len(f.chain.transfers) != 0 {
		t.Errorf("corrupt key still transferred: %+v", f.chain.transfers)
	}
	if len(f.notifier.alerts) != 1 || !strings.Contains(f.notifier.alerts[0], w.PublicKey) {
		t.Errorf("alerts = %v", f.notifier.alerts)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletPending {
		t.Errorf("status = %s, want untouched pending", got)
	}
}

func TestFindStuckChecksAllStatuses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Marked swept, but the sweep transaction never landed.
	leaky := f.mint(t, 7, "OD1", "10.00")
	if err := f.store.SetWalletStatus(ctx, leaky.ID, storage.WalletSwept); err != nil {
		t.Fatalf("mark swept: %v", err)
	}
	f.chain.setBalance(leaky.PublicKey, 500_000_000)

	// Properly empty.
	f.mint(t, 8, "OD2", "10.00")

	// Corrupt key material holding funds.
	priv, _, err := solana.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	corrupt, err := f.store.CreateWallet(ctx, storage.Wallet{
		UserID:      9,
		OrderID:     "OD3",
		PublicKey:   newAddress(t),
		PrivateKey:  solana.MarshalPrivateKey(priv),
		ExpectedSOL: dec(t, "0.1"),
	})
	if err != nil {
		t.Fatalf("seed corrupt wallet: %v", err)
	}
	f.chain.setBalance(corrupt.PublicKey, 700_000_000)

	stuck, err := f.engine.FindStuck(ctx)
	if err != nil {
		t.Fatalf("FindStuck: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("stuck = %d, want 1", len(stuck))
	}
	s := stuck[0]
	if s.Wallet.OrderID != "OD1" || s.Lamports != 500_000_000 || !s.SOL.Equal(dec(t, "0.5")) {
		t.Errorf("stuck wallet = %+v", s)
	}
	if !s.EUREst.Equal(dec(t, "50.00")) {
		t.Errorf("eur estimate = %s, want 50.00", s.EUREst)
	}
	if len(f.notifier.alerts) != 1 || !strings.Contains(f.notifier.alerts[0], corrupt.PublicKey) {
		t.Errorf("corrupt-key alerts = %v", f.notifier.alerts)
	}
}

func TestRecoverDrainsStuckWallets(t *testing.T) {
	f := newFixture(t, nil)
	recoveryAddr := newAddress(t)
	f.engine.recovery = recoveryAddr

	leaky := f.mint(t, 7, "OD1", "10.00")
	if err := f.store.SetWalletStatus(context.Background(), leaky.ID, storage.WalletExpired); err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	f.chain.setBalance(leaky.PublicKey, 500_000_000)

	report, err := f.engine.Recover(context.Background(), "")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.Target != recoveryAddr {
		t.Errorf("target = %s, want the recovery wallet", report.Target)
	}
	if len(report.Recovered) != 1 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}
	r := report.Recovered[0]
	if r.Address != leaky.PublicKey || !r.SOL.Equal(dec(t, "0.5")) || r.TxSignature == "" {
		t.Errorf("recovered = %+v", r)
	}
	if !report.TotalSOL.Equal(dec(t, "0.5")) {
		t.Errorf("total = %s, want 0.5", report.TotalSOL)
	}
	if len(f.chain.transfers) != 1 || f.chain.transfers[0].to != recoveryAddr || f.chain.transfers[0].lamports != 500_000_000-5000 {
		t.Errorf("transfers = %+v", f.chain.transfers)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletSwept {
		t.Errorf("status = %s, want swept", got)
	}
}

func TestRecoverRequiresTarget(t *testing.T) {
	f := newFixture(t, func(cfg *config.SolanaConfig, _ *config.PaymentsConfig) {
		cfg.TreasuryWallet = ""
		cfg.RecoveryWallet = ""
	})
	_, err := f.engine.Recover(context.Background(), "")
	if !errors.HasCode(err, errors.ErrCodeConfigError) {
		t.Fatalf("error = %v, want config_error", err)
	}
}

func TestRecoverSingle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.RecoverSingle(ctx, newAddress(t), ""); !errors.HasCode(err, errors.ErrCodeWalletNotFound) {
		t.Fatalf("unknown address error = %v, want wallet_not_found", err)
	}

	w := f.mint(t, 7, "OD1", "10.00")
	f.chain.setBalance(w.PublicKey, 200_000_000)
	r, err := f.engine.RecoverSingle(ctx, w.PublicKey, "")
	if err != nil {
		t.Fatalf("RecoverSingle: %v", err)
	}
	if r.Address != w.PublicKey || !r.SOL.Equal(dec(t, "0.2")) || r.TxSignature == "" {
		t.Errorf("recovered = %+v", r)
	}
	if got := f.walletStatus(t, "OD1"); got != storage.WalletSwept {
		t.Errorf("status = %s, want swept", got)
	}

	empty := f.mint(t, 8, "OD2", "10.00")
	if _, err := f.engine.RecoverSingle(ctx, empty.PublicKey, ""); !errors.HasCode(err, errors.ErrCodeInsufficientFunds) {
		t.Fatalf("empty wallet error = %v, want insufficient_funds", err)
	}
}

func TestCheckWallet(t *testing.T) {
	f := newFixture(t, nil)
	addr := newAddress(t)
	f.chain.setBalance(addr, 123_456_789)

	b, err := f.engine.CheckWallet(context.Background(), addr)
	if err != nil {
		t.Fatalf("CheckWallet: %v", err)
	}
	if b.Lamports != 123_456_789 || !b.SOL.Equal(dec(t, "0.123456789")) {
		t.Errorf("balance = %+v", b)
	}
	if !b.EUREst.Equal(dec(t, "12.35")) {
		t.Errorf("eur estimate = %s, want 12.35", b.EUREst)
	}

	if _, err := f.engine.CheckWallet(context.Background(), "not-base58!"); !errors.HasCode(err, errors.ErrCodeInvalidWallet) {
		t.Errorf("bad address error = %v, want invalid_wallet", err)
	}
}

func TestRecoveryStatus(t *testing.T) {
	f := newFixture(t, nil)
	st := f.engine.RecoveryStatus()
	if !st.TreasuryConfigured || st.RecoveryConfigured || !st.AutoSweep {
		t.Errorf("status = %+v", st)
	}
	if st.Target != f.treasury {
		t.Errorf("target = %s, want treasury fallback", st.Target)
	}

	recovery := newAddress(t)
	f.engine.recovery = recovery
	st = f.engine.RecoveryStatus()
	if !st.RecoveryConfigured || st.Target != recovery {
		t.Errorf("status = %+v", st)
	}
}
