package bot

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/orders"
	"github.com/SolVend/engine/internal/storage"
	"github.com/SolVend/engine/internal/wallet"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

type sentMsg struct {
	chatID int64
	text   string
}

type chanReplier struct{ out chan sentMsg }

func (r *chanReplier) SendMessage(_ context.Context, chatID int64, text string) error {
	r.out <- sentMsg{chatID: chatID, text: text}
	return nil
}

func (r *chanReplier) await(t *testing.T) sentMsg {
	t.Helper()
	select {
	case msg := <-r.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no reply arrived")
		return sentMsg{}
	}
}

type fakeUserStore struct {
	banned map[int64]bool
	err    error
}

func (s *fakeUserStore) GetOrCreateUser(_ context.Context, userID int64, username string) (storage.User, error) {
	if s.err != nil {
		return storage.User{}, s.err
	}
	return storage.User{UserID: userID, Username: username, IsBanned: s.banned[userID]}, nil
}

func newTestDispatcher(t *testing.T, store Store, opts ...Option) (*Dispatcher, *chanReplier) {
	t.Helper()
	r := &chanReplier{out: make(chan sentMsg, 16)}
	d := NewDispatcher(config.BotConfig{Token: "tok", PrimaryAdminID: 99}, store, r, nil, opts...)
	return d, r
}

func callbackUpdate(userID int64, data string) Update {
	return Update{
		UpdateID: 1,
		Callback: &CallbackQuery{ID: "cb1", From: &Actor{ID: userID, Username: "u7"}, Data: data},
	}
}

func TestRequestFromCallback(t *testing.T) {
	req, ok := callbackUpdate(7, "refill:10.00").request()
	if !ok {
		t.Fatal("callback update not recognized")
	}
	if req.Action != "refill" || len(req.Args) != 1 || req.Args[0] != "10.00" {
		t.Errorf("request = %+v, want refill with one arg", req)
	}
	if req.UserID != 7 || req.ChatID != 7 {
		t.Errorf("user/chat = %d/%d, want 7/7", req.UserID, req.ChatID)
	}

	// A callback attached to a message replies into that chat.
	u := callbackUpdate(7, "refill:10.00")
	u.Callback.Message = &Message{Chat: Chat{ID: 4242}}
	req, _ = u.request()
	if req.ChatID != 4242 {
		t.Errorf("chat = %d, want the attached message's chat", req.ChatID)
	}
}

func TestRequestFromMessage(t *testing.T) {
	u := Update{Message: &Message{
		From: &Actor{ID: 7, Username: "u7"},
		Chat: Chat{ID: 7},
		Text: "/check_payment USER7_PURCHASE_1_abc123",
	}}
	req, ok := u.request()
	if !ok {
		t.Fatal("command message not recognized")
	}
	if req.Action != "check_payment" || len(req.Args) != 1 {
		t.Errorf("request = %+v, want check_payment with one arg", req)
	}

	for name, u := range map[string]Update{
		"plain text":   {Message: &Message{From: &Actor{ID: 7}, Chat: Chat{ID: 7}, Text: "hello"}},
		"empty update": {},
		"no sender":    {Message: &Message{Chat: Chat{ID: 7}, Text: "/refill 5"}},
		"bare slash":   {Message: &Message{From: &Actor{ID: 7}, Chat: Chat{ID: 7}, Text: "/"}},
	} {
		if _, ok := u.request(); ok {
			t.Errorf("%s produced a request", name)
		}
	}
}

func TestDispatchRoutesAndReplies(t *testing.T) {
	d, r := newTestDispatcher(t, &fakeUserStore{})
	d.Handle("ping", func(_ context.Context, req Request) (string, error) {
		return "pong " + req.Args[0], nil
	})

	d.Start(context.Background())
	defer d.Stop()

	if !d.Submit(callbackUpdate(7, "ping:now")) {
		t.Fatal("submit refused")
	}
	msg := r.await(t)
	if msg.chatID != 7 || msg.text != "pong now" {
		t.Errorf("reply = %+v, want pong to chat 7", msg)
	}
}

func TestDispatchBansFirst(t *testing.T) {
	d, r := newTestDispatcher(t, &fakeUserStore{banned: map[int64]bool{7: true}})
	handled := false
	d.Handle("ping", func(context.Context, Request) (string, error) {
		handled = true
		return "pong", nil
	})

	d.Start(context.Background())
	defer d.Stop()

	d.Submit(callbackUpdate(7, "ping"))
	msg := r.await(t)
	if !strings.Contains(msg.text, "suspended") {
		t.Errorf("reply = %q, want ban notice", msg.text)
	}
	if handled {
		t.Error("handler ran for a banned user")
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	d, r := newTestDispatcher(t, &fakeUserStore{})
	d.Start(context.Background())
	defer d.Stop()

	d.Submit(callbackUpdate(7, "frobnicate"))
	msg := r.await(t)
	if !strings.Contains(msg.text, `Unknown action "frobnicate"`) {
		t.Errorf("reply = %q, want unknown-action notice", msg.text)
	}
}

func TestDispatchAdminGate(t *testing.T) {
	d, r := newTestDispatcher(t, &fakeUserStore{})
	d.HandleAdmin("sweep", func(context.Context, Request) (string, error) {
		return "sweeping", nil
	})

	d.Start(context.Background())
	defer d.Stop()

	d.Submit(callbackUpdate(7, "sweep"))
	if msg := r.await(t); !strings.Contains(msg.text, "restricted") {
		t.Errorf("reply for user = %q, want restriction notice", msg.text)
	}

	d.Submit(callbackUpdate(99, "sweep"))
	if msg := r.await(t); msg.text != "sweeping" {
		t.Errorf("reply for admin = %q, want handler output", msg.text)
	}
}

func TestDispatchErrorReplies(t *testing.T) {
	d, r := newTestDispatcher(t, &fakeUserStore{})
	d.Handle("coded", func(context.Context, Request) (string, error) {
		return "", errors.New(errors.ErrCodeBasketEmpty, "no items reserved")
	})
	d.Handle("plain", func(context.Context, Request) (string, error) {
		return "", fmt.Errorf("disk exploded")
	})

	d.Start(context.Background())
	defer d.Stop()

	d.Submit(callbackUpdate(7, "coded"))
	if msg := r.await(t); msg.text != "❌ no items reserved" {
		t.Errorf("coded error reply = %q", msg.text)
	}

	// Internals never leak into chat.
	d.Submit(callbackUpdate(7, "plain"))
	msg := r.await(t)
	if strings.Contains(msg.text, "disk exploded") {
		t.Errorf("reply leaked internals: %q", msg.text)
	}
	if !strings.Contains(msg.text, "Something went wrong") {
		t.Errorf("reply = %q, want generic notice", msg.text)
	}
}

func TestDispatchSupportHandle(t *testing.T) {
	r := &chanReplier{out: make(chan sentMsg, 16)}
	cfg := config.BotConfig{Token: "tok", PrimaryAdminID: 99, SupportHandle: "@solvend_support"}
	d := NewDispatcher(cfg, &fakeUserStore{banned: map[int64]bool{8: true}}, r, nil)
	d.Handle("plain", func(context.Context, Request) (string, error) {
		return "", fmt.Errorf("boom")
	})

	d.Start(context.Background())
	defer d.Stop()

	d.Submit(callbackUpdate(7, "plain"))
	if msg := r.await(t); !strings.Contains(msg.text, "@solvend_support") {
		t.Errorf("generic error reply = %q, want support handle", msg.text)
	}

	d.Submit(callbackUpdate(8, "plain"))
	if msg := r.await(t); !strings.Contains(msg.text, "@solvend_support") {
		t.Errorf("ban notice = %q, want support handle", msg.text)
	}
}

func TestSubmitLifecycle(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeUserStore{}, WithQueueSize(1))
	if d.Submit(callbackUpdate(7, "ping")) {
		t.Error("submit accepted before start")
	}
	if d.Ready() {
		t.Error("dispatcher ready before start")
	}

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Handle("block", func(context.Context, Request) (string, error) {
		started <- struct{}{}
		<-gate
		return "", nil
	})

	d.Start(context.Background())
	if !d.Submit(callbackUpdate(7, "block")) {
		t.Fatal("submit refused while running")
	}
	<-started // the loop is now stuck inside the handler

	if !d.Submit(callbackUpdate(7, "block")) {
		t.Fatal("queue rejected an update it had room for")
	}
	if d.Submit(callbackUpdate(7, "block")) {
		t.Error("submit accepted past queue capacity")
	}

	close(gate)
	d.Stop()
	if d.Ready() {
		t.Error("dispatcher still ready after stop")
	}
}

type fakeCheckout struct {
	quote   orders.Quote
	invoice orders.Invoice
	receipt orders.Receipt
	status  orders.PaymentStatus

	quotedCode string
	paidCoupon string
	paidTotal  decimal.Decimal
	refilled   decimal.Decimal
	cancelled  string
	checked    string
}

func (f *fakeCheckout) QuoteBasket(_ context.Context, _ int64, code string) (orders.Quote, error) {
	f.quotedCode = code
	return f.quote, nil
}

func (f *fakeCheckout) PayBasketWithCrypto(_ context.Context, _ int64, coupon string, total decimal.Decimal) (orders.Invoice, error) {
	f.paidCoupon, f.paidTotal = coupon, total
	return f.invoice, nil
}

func (f *fakeCheckout) PayBasketWithBalance(_ context.Context, _ int64, coupon string, total decimal.Decimal) (orders.Receipt, error) {
	f.paidCoupon, f.paidTotal = coupon, total
	return f.receipt, nil
}

func (f *fakeCheckout) Refill(_ context.Context, _ int64, amount decimal.Decimal) (orders.Invoice, error) {
	f.refilled = amount
	return f.invoice, nil
}

func (f *fakeCheckout) Cancel(_ context.Context, _ int64, paymentID string) error {
	f.cancelled = paymentID
	return nil
}

func (f *fakeCheckout) CheckPayment(_ context.Context, _ int64, paymentID string) (orders.PaymentStatus, error) {
	f.checked = paymentID
	return f.status, nil
}

type fakeTreasury struct {
	report    wallet.RecoveryReport
	recovered wallet.RecoveredWallet
	balance   wallet.Balance
	status    wallet.Status

	recoverTarget string
	singleAddress string
	checked       string
}

func (f *fakeTreasury) Recover(_ context.Context, target string) (wallet.RecoveryReport, error) {
	f.recoverTarget = target
	return f.report, nil
}

func (f *fakeTreasury) RecoverSingle(_ context.Context, address, _ string) (wallet.RecoveredWallet, error) {
	f.singleAddress = address
	return f.recovered, nil
}

func (f *fakeTreasury) CheckWallet(_ context.Context, address string) (wallet.Balance, error) {
	f.checked = address
	return f.balance, nil
}

func (f *fakeTreasury) RecoveryStatus() wallet.Status { return f.status }

type fakeFunds struct {
	adminID int64
	userID  int64
	delta   decimal.Decimal
	reason  string
	result  storage.BalanceResult
}

func (f *fakeFunds) AdminAdjust(_ context.Context, adminID, userID int64, delta decimal.Decimal, reason string) (storage.BalanceResult, error) {
	f.adminID, f.userID, f.delta, f.reason = adminID, userID, delta, reason
	return f.result, nil
}

func standardFixture(t *testing.T) (*Dispatcher, *fakeCheckout, *fakeTreasury, *fakeFunds) {
	t.Helper()
	ord := &fakeCheckout{
		quote: orders.Quote{
			Items:    make([]storage.SnapshotItem, 2),
			Subtotal: dec(t, "25.00"),
			Total:    dec(t, "22.50"),
		},
		invoice: orders.Invoice{
			PaymentID:   "USER7_PURCHASE_1_abc123",
			Address:     "PAYADDR1",
			TotalEUR:    dec(t, "22.50"),
			ExpectedSOL: dec(t, "0.22500"),
			EURPerSOL:   dec(t, "100.00"),
			ExpiresAt:   time.Date(2025, 6, 1, 15, 4, 0, 0, time.UTC),
		},
		receipt: orders.Receipt{TotalEUR: dec(t, "22.50"), UnitsSold: 2, Delivered: false},
		status: orders.PaymentStatus{
			PaymentID:   "USER7_PURCHASE_1_abc123",
			Address:     "PAYADDR1",
			Status:      storage.WalletPending,
			TargetEUR:   dec(t, "22.50"),
			ExpectedSOL: dec(t, "0.22500"),
		},
	}
	treasury := &fakeTreasury{
		report: wallet.RecoveryReport{
			Target:   "TREASURY1",
			TotalSOL: dec(t, "1.5"),
			Recovered: []wallet.RecoveredWallet{
				{Address: "W1", SOL: dec(t, "1.5"), TxSignature: "sig1"},
			},
		},
		recovered: wallet.RecoveredWallet{Address: "W2", SOL: dec(t, "0.3"), TxSignature: "sig2"},
		balance:   wallet.Balance{Address: "W3", SOL: dec(t, "0.5"), EUREst: dec(t, "50.00")},
		status:    wallet.Status{TreasuryConfigured: true, Target: "TREASURY1", AutoSweep: true},
	}
	funds := &fakeFunds{result: storage.BalanceResult{Old: dec(t, "10.00"), New: dec(t, "5.00")}}

	d, _ := newTestDispatcher(t, &fakeUserStore{})
	RegisterStandard(d, ord, treasury, funds)
	return d, ord, treasury, funds
}

func run(t *testing.T, d *Dispatcher, action string, args ...string) (string, error) {
	t.Helper()
	fn, ok := d.handlers[action]
	if !ok {
		t.Fatalf("action %q not registered", action)
	}
	return fn(context.Background(), Request{UserID: 99, Username: "op", ChatID: 99, Action: action, Args: args})
}

func TestStandardCheckoutCommands(t *testing.T) {
	d, ord, _, _ := standardFixture(t)

	reply, err := run(t, d, "quote_basket", "SAVE10")
	if err != nil {
		t.Fatalf("quote_basket: %v", err)
	}
	if ord.quotedCode != "SAVE10" || !strings.Contains(reply, "Subtotal: 25.00 EUR") || !strings.Contains(reply, "Total: 22.50 EUR") {
		t.Errorf("quote reply = %q (code %q)", reply, ord.quotedCode)
	}

	// Explicit coupon and committed total pass straight through.
	reply, err = run(t, d, "pay_basket_sol", "SAVE10", "22.50")
	if err != nil {
		t.Fatalf("pay_basket_sol: %v", err)
	}
	if ord.paidCoupon != "SAVE10" || !ord.paidTotal.Equal(dec(t, "22.50")) {
		t.Errorf("paid with coupon %q total %s", ord.paidCoupon, ord.paidTotal)
	}
	for _, want := range []string{"Payment open", "PAYADDR1", "0.22500 SOL", "USER7_PURCHASE_1_abc123", "15:04 UTC"} {
		if !strings.Contains(reply, want) {
			t.Errorf("invoice reply %q missing %q", reply, want)
		}
	}

	// A bare action quotes first and commits to that total.
	ord.paidTotal = decimal.Decimal{}
	if _, err := run(t, d, "pay_basket_balance"); err != nil {
		t.Fatalf("pay_basket_balance: %v", err)
	}
	if !ord.paidTotal.Equal(dec(t, "22.50")) {
		t.Errorf("bare pay committed to %s, want the fresh quote", ord.paidTotal)
	}

	reply, err = run(t, d, "pay_basket_balance", "", "22.50")
	if err != nil {
		t.Fatalf("pay_basket_balance: %v", err)
	}
	if !strings.Contains(reply, "Paid 22.50 EUR") || !strings.Contains(reply, "Delivery is pending") {
		t.Errorf("receipt reply = %q", reply)
	}

	reply, err = run(t, d, "refill", "10.00")
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if !ord.refilled.Equal(dec(t, "10.00")) || !strings.Contains(reply, "Top-up open") {
		t.Errorf("refill = %s, reply %q", ord.refilled, reply)
	}
	if _, err := run(t, d, "refill"); !errors.HasCode(err, errors.ErrCodeMissingField) {
		t.Errorf("refill without amount = %v, want missing_field", err)
	}
	if _, err := run(t, d, "refill", "ten"); !errors.HasCode(err, errors.ErrCodeInvalidAmount) {
		t.Errorf("refill with text amount = %v, want invalid_amount", err)
	}

	if _, err := run(t, d, "cancel_payment", "PID1"); err != nil || ord.cancelled != "PID1" {
		t.Errorf("cancel_payment = %v (cancelled %q)", err, ord.cancelled)
	}

	reply, err = run(t, d, "check_payment", "USER7_PURCHASE_1_abc123")
	if err != nil {
		t.Fatalf("check_payment: %v", err)
	}
	if ord.checked != "USER7_PURCHASE_1_abc123" || !strings.Contains(reply, "Status: pending") {
		t.Errorf("status reply = %q", reply)
	}
}

func TestStandardOperatorCommands(t *testing.T) {
	d, _, treasury, funds := standardFixture(t)

	for _, action := range []string{"recover_funds", "recover_wallet", "check_wallet", "recovery_status", "adjust_balance"} {
		if !d.admin[action] {
			t.Errorf("%s is not operator-gated", action)
		}
	}

	reply, err := run(t, d, "recover_funds", "TREASURY1")
	if err != nil {
		t.Fatalf("recover_funds: %v", err)
	}
	if treasury.recoverTarget != "TREASURY1" || !strings.Contains(reply, "1 recovered, 0 failed") || !strings.Contains(reply, "1.50000 SOL") {
		t.Errorf("recovery reply = %q", reply)
	}

	reply, err = run(t, d, "recover_wallet", "W2")
	if err != nil {
		t.Fatalf("recover_wallet: %v", err)
	}
	if treasury.singleAddress != "W2" || !strings.Contains(reply, "sig2") {
		t.Errorf("single recovery reply = %q", reply)
	}
	if _, err := run(t, d, "recover_wallet"); !errors.HasCode(err, errors.ErrCodeMissingField) {
		t.Errorf("recover_wallet without address = %v, want missing_field", err)
	}

	reply, err = run(t, d, "check_wallet", "W3")
	if err != nil {
		t.Fatalf("check_wallet: %v", err)
	}
	if treasury.checked != "W3" || !strings.Contains(reply, "0.50000 SOL") || !strings.Contains(reply, "50.00 EUR") {
		t.Errorf("balance reply = %q", reply)
	}

	reply, err = run(t, d, "recovery_status")
	if err != nil {
		t.Fatalf("recovery_status: %v", err)
	}
	for _, want := range []string{"Treasury: configured", "Recovery wallet: missing", "Auto-sweep: on", "TREASURY1"} {
		if !strings.Contains(reply, want) {
			t.Errorf("status reply %q missing %q", reply, want)
		}
	}

	reply, err = run(t, d, "adjust_balance", "7", "-5.00", "refund", "typo")
	if err != nil {
		t.Fatalf("adjust_balance: %v", err)
	}
	if funds.adminID != 99 || funds.userID != 7 || !funds.delta.Equal(dec(t, "-5.00")) || funds.reason != "refund typo" {
		t.Errorf("adjust = admin %d user %d delta %s reason %q", funds.adminID, funds.userID, funds.delta, funds.reason)
	}
	if !strings.Contains(reply, "10.00 → 5.00 EUR") {
		t.Errorf("adjust reply = %q", reply)
	}

	if _, err := run(t, d, "adjust_balance", "seven", "-5.00", "x"); !errors.HasCode(err, errors.ErrCodeInvalidField) {
		t.Errorf("bad user id = %v, want invalid_field", err)
	}
	if _, err := run(t, d, "adjust_balance", "7", "-5.00"); !errors.HasCode(err, errors.ErrCodeMissingField) {
		t.Errorf("missing reason = %v, want missing_field", err)
	}
}
