package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/inventory"
	"github.com/SolVend/engine/internal/money"
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

type recordingNotifier struct {
	mu     sync.Mutex
	users  map[int64][]string
	alerts []string
	logs   []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{users: make(map[int64][]string)}
}

func (r *recordingNotifier) NotifyUser(_ context.Context, userID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = append(r.users[userID], text)
}

func (r *recordingNotifier) AlertOperator(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, text)
}

func (r *recordingNotifier) LogPurchase(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, text)
}

func (r *recordingNotifier) lastUserNotice(userID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.users[userID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

// finalizeFn adapts a func to the Finalizer interface.
type finalizeFn func(context.Context, int64, []storage.SnapshotItem, string) (storage.FinalizeResult, error)

func (f finalizeFn) Finalize(ctx context.Context, userID int64, items []storage.SnapshotItem, code string) (storage.FinalizeResult, error) {
	return f(ctx, userID, items, code)
}

func seedUser(t *testing.T, store *storage.MemoryStore, userID int64, balance string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.GetOrCreateUser(ctx, userID, fmt.Sprintf("user%d", userID)); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if balance != "0" && balance != "0.00" {
		_, err := store.AdjustBalance(ctx, storage.BalanceAdjustment{
			UserID: userID, Delta: dec(t, balance), Action: "SEED",
		})
		if err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
}

func lastAudit(t *testing.T, store *storage.MemoryStore) storage.AuditEntry {
	t.Helper()
	entries, err := store.ListAuditEntries(context.Background(), 1)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no audit entries")
	}
	return entries[0]
}

func TestCreditRejectsNonPositive(t *testing.T) {
	store := storage.NewMemoryStore()
	seedUser(t, store, 7, "0")
	rec := newRecordingNotifier()
	svc := NewService(store, nil, rec, nil)

	for _, amount := range []string{"0", "-5.00"} {
		if _, err := svc.Credit(context.Background(), 7, dec(t, amount), "Refill"); !errors.Is(err, money.ErrNegativeAmount) {
			t.Errorf("Credit(%s) error = %v, want ErrNegativeAmount", amount, err)
		}
	}
	if got := rec.lastUserNotice(7); got != "" {
		t.Errorf("rejected credit still notified: %q", got)
	}
}

func TestCreditUpdatesBalanceAndAudits(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedUser(t, store, 7, "0")
	rec := newRecordingNotifier()
	svc := NewService(store, nil, rec, nil)

	res, err := svc.Credit(ctx, 7, dec(t, "12.50"), "Refill payment USER7_REFILL_1_abc123")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !res.Old.IsZero() || !res.New.Equal(dec(t, "12.50")) {
		t.Errorf("result = %s -> %s, want 0.00 -> 12.50", res.Old, res.New)
	}

	entry := lastAudit(t, store)
	if entry.Action != ActionCreditAuto || entry.AdminID != 0 || entry.TargetUserID != 7 {
		t.Errorf("audit = %+v", entry)
	}
	if entry.OldValue != "0.00" || entry.NewValue != "12.50" {
		t.Errorf("audit old/new = %s/%s", entry.OldValue, entry.NewValue)
	}

	notice := rec.lastUserNotice(7)
	if !strings.Contains(notice, "credited by 12.50 EUR") || !strings.Contains(notice, "New balance: 12.50 EUR") {
		t.Errorf("notice = %q", notice)
	}
}

func TestCreditToUnknownUser(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store, nil, nil, nil)

	_, err := svc.Credit(context.Background(), 999, dec(t, "5.00"), "Refill")
	if !errors.HasCode(err, errors.ErrCodeUserNotFound) {
		t.Fatalf("error = %v, want user_not_found", err)
	}
}

func TestCreditNoticeSelection(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{
			name:   "overpayment praises the purchase",
			reason: "Overpayment on payment USER7_PURCHASE_1_abc123",
			want:   "an overpayment of 3.10 EUR",
		},
		{
			name:   "underpayment consoles and keeps the funds",
			reason: "Underpayment on payment USER7_PURCHASE_1_abc123",
			want:   "purchase failed due to underpayment",
		},
		{
			name:   "refill gets the generic credit line",
			reason: "Refill payment USER7_REFILL_1_abc123",
			want:   "Your balance has been credited by 3.10 EUR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			seedUser(t, store, 7, "0")
			rec := newRecordingNotifier()
			svc := NewService(store, nil, rec, nil)

			if _, err := svc.Credit(context.Background(), 7, dec(t, "3.10"), tt.reason); err != nil {
				t.Fatalf("Credit: %v", err)
			}
			if notice := rec.lastUserNotice(7); !strings.Contains(notice, tt.want) {
				t.Errorf("notice = %q, want substring %q", notice, tt.want)
			}
		})
	}
}

func TestDebit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedUser(t, store, 7, "20.00")
	svc := NewService(store, nil, nil, nil)

	res, err := svc.Debit(ctx, 7, dec(t, "12.50"), "Purchase with balance")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !res.New.Equal(dec(t, "7.50")) {
		t.Errorf("new balance = %s, want 7.50", res.New)
	}
	entry := lastAudit(t, store)
	if entry.Action != ActionDebitAuto {
		t.Errorf("audit action = %s, want %s", entry.Action, ActionDebitAuto)
	}
	if !entry.AmountChange.Decimal.Equal(dec(t, "-12.50")) {
		t.Errorf("audit amount = %s, want -12.50", entry.AmountChange.Decimal)
	}

	// Short funds never go negative.
	_, err = svc.Debit(ctx, 7, dec(t, "10.00"), "Purchase with balance")
	if !errors.HasCode(err, errors.ErrCodeInsufficientBalance) {
		t.Fatalf("error = %v, want insufficient_balance", err)
	}
	user, err := store.GetUser(ctx, 7)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !user.BalanceEUR.Equal(dec(t, "7.50")) {
		t.Errorf("balance after failed debit = %s, want 7.50", user.BalanceEUR)
	}

	if _, err := svc.Debit(ctx, 7, dec(t, "0"), "Purchase"); !errors.Is(err, money.ErrNegativeAmount) {
		t.Errorf("zero debit error = %v, want ErrNegativeAmount", err)
	}
	if _, err := svc.Debit(ctx, 999, dec(t, "1.00"), "Purchase"); !errors.HasCode(err, errors.ErrCodeUserNotFound) {
		t.Errorf("unknown user error = %v, want user_not_found", err)
	}
}

func paymentsForTest(t *testing.T) config.PaymentsConfig {
	t.Helper()
	return config.PaymentsConfig{
		BasketTimeout: config.Duration{Duration: 5 * time.Minute},
		PaymentWindow: config.Duration{Duration: 20 * time.Minute},
		MediaDir:      t.TempDir(),
	}
}

func TestDebitThenFinalizeCommitsPurchase(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedUser(t, store, 7, "50.00")
	p, err := store.SaveProduct(ctx, storage.Product{
		City: "Berlin", District: "Mitte", ProductType: "sticker", Size: "2g",
		Name: "Sticker Pack", PriceEUR: dec(t, "25.00"), Available: 1,
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}

	rec := newRecordingNotifier()
	inv := inventory.NewService(store, paymentsForTest(t))
	svc := NewService(store, inv, rec, nil)

	items := []storage.SnapshotItem{{
		ProductID: p.ID, Name: p.Name, ProductType: p.ProductType,
		Size: p.Size, PricePaid: dec(t, "25.00"), City: p.City, District: p.District,
	}}
	result, err := svc.DebitThenFinalize(ctx, 7, dec(t, "25.00"), items, "")
	if err != nil {
		t.Fatalf("DebitThenFinalize: %v", err)
	}
	if result.UnitsSold != 1 {
		t.Errorf("units sold = %d, want 1", result.UnitsSold)
	}

	user, _ := store.GetUser(ctx, 7)
	if !user.BalanceEUR.Equal(dec(t, "25.00")) {
		t.Errorf("balance = %s, want 25.00", user.BalanceEUR)
	}
	purchases, _ := store.ListUserPurchases(ctx, 7)
	if len(purchases) != 1 {
		t.Errorf("purchases = %d, want 1", len(purchases))
	}
}

func TestDebitThenFinalizeCompensatesOnFailedCommit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedUser(t, store, 7, "30.00")

	rec := newRecordingNotifier()
	inv := inventory.NewService(store, paymentsForTest(t))
	svc := NewService(store, inv, rec, nil)

	// Snapshot references a product that no longer exists.
	items := []storage.SnapshotItem{{ProductID: 9999, Name: "Gone", ProductType: "sticker", PricePaid: dec(t, "10.00")}}
	_, err := svc.DebitThenFinalize(ctx, 7, dec(t, "10.00"), items, "")
	if !errors.HasCode(err, errors.ErrCodeStockVanished) {
		t.Fatalf("error = %v, want stock_vanished (the finalize error)", err)
	}

	user, _ := store.GetUser(ctx, 7)
	if !user.BalanceEUR.Equal(dec(t, "30.00")) {
		t.Errorf("balance = %s, want the debit refunded to 30.00", user.BalanceEUR)
	}
	if notice := rec.lastUserNotice(7); !strings.Contains(notice, "Refund after failed purchase processing") {
		t.Errorf("refund notice = %q", notice)
	}
	entry := lastAudit(t, store)
	if entry.Action != ActionCreditAuto {
		t.Errorf("last audit = %s, want the compensating credit", entry.Action)
	}
}

// flakyStore fails credits while letting everything else through, to force
// the compensation path itself to fail.
type flakyStore struct {
	*storage.MemoryStore
	failCredits bool
}

func (f *flakyStore) AdjustBalance(ctx context.Context, adj storage.BalanceAdjustment) (storage.BalanceResult, error) {
	if f.failCredits && adj.Delta.IsPositive() {
		return storage.BalanceResult{}, fmt.Errorf("store offline")
	}
	return f.MemoryStore.AdjustBalance(ctx, adj)
}

func TestDebitThenFinalizeCompensationFailurePagesOperator(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	seedUser(t, mem, 7, "30.00")
	store := &flakyStore{MemoryStore: mem, failCredits: true}

	rec := newRecordingNotifier()
	failing := finalizeFn(func(context.Context, int64, []storage.SnapshotItem, string) (storage.FinalizeResult, error) {
		return storage.FinalizeResult{}, errors.New(errors.ErrCodeStockVanished, "snapshot no longer in stock")
	})
	svc := NewService(store, failing, rec, nil)

	_, err := svc.DebitThenFinalize(ctx, 7, dec(t, "10.00"), []storage.SnapshotItem{{ProductID: 1}}, "")
	if !errors.HasCode(err, errors.ErrCodeCompensationFailed) {
		t.Fatalf("error = %v, want compensation_failed", err)
	}

	// The debit stands; funds are parked, not lost silently.
	user, _ := mem.GetUser(ctx, 7)
	if !user.BalanceEUR.Equal(dec(t, "20.00")) {
		t.Errorf("balance = %s, want 20.00 (debit parked)", user.BalanceEUR)
	}
	if len(rec.alerts) != 1 || !strings.Contains(rec.alerts[0], "CRITICAL") || !strings.Contains(rec.alerts[0], "user 7") {
		t.Errorf("operator alerts = %v", rec.alerts)
	}
	entry := lastAudit(t, mem)
	if entry.Action != ActionCompensationFailed {
		t.Errorf("last audit = %s, want %s", entry.Action, ActionCompensationFailed)
	}
	if !strings.Contains(entry.Reason, "store offline") {
		t.Errorf("audit reason should carry the credit error, got %q", entry.Reason)
	}
}

func TestAdminAdjust(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedUser(t, store, 7, "0")
	svc := NewService(store, nil, nil, nil)

	if _, err := svc.AdminAdjust(ctx, 99, 7, decimal.Zero, "typo fix"); !errors.HasCode(err, errors.ErrCodeInvalidAmount) {
		t.Fatalf("zero delta error = %v, want invalid_amount", err)
	}

	res, err := svc.AdminAdjust(ctx, 99, 7, dec(t, "10.00"), "goodwill")
	if err != nil {
		t.Fatalf("AdminAdjust up: %v", err)
	}
	if !res.New.Equal(dec(t, "10.00")) {
		t.Errorf("balance = %s, want 10.00", res.New)
	}
	entry := lastAudit(t, store)
	if entry.Action != ActionAdjust || entry.AdminID != 99 {
		t.Errorf("audit = %+v", entry)
	}

	res, err = svc.AdminAdjust(ctx, 99, 7, dec(t, "-4.00"), "correction")
	if err != nil {
		t.Fatalf("AdminAdjust down: %v", err)
	}
	if !res.New.Equal(dec(t, "6.00")) {
		t.Errorf("balance = %s, want 6.00", res.New)
	}

	if _, err := svc.AdminAdjust(ctx, 99, 7, dec(t, "-100.00"), "too far"); !errors.HasCode(err, errors.ErrCodeInsufficientBalance) {
		t.Fatalf("overdraw error = %v, want insufficient_balance", err)
	}
}
