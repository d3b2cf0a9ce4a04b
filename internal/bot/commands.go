package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/ledger"
	"github.com/SolVend/engine/internal/money"
	"github.com/SolVend/engine/internal/orders"
	"github.com/SolVend/engine/internal/storage"
	"github.com/SolVend/engine/internal/wallet"
)

// Orders is the coordinator slice the checkout commands drive.
// Implemented by orders.Coordinator.
type Orders interface {
	QuoteBasket(ctx context.Context, userID int64, discountCode string) (orders.Quote, error)
	PayBasketWithCrypto(ctx context.Context, userID int64, discountCode string, expectedTotal decimal.Decimal) (orders.Invoice, error)
	PayBasketWithBalance(ctx context.Context, userID int64, discountCode string, expectedTotal decimal.Decimal) (orders.Receipt, error)
	Refill(ctx context.Context, userID int64, eurAmount decimal.Decimal) (orders.Invoice, error)
	Cancel(ctx context.Context, userID int64, paymentID string) error
	CheckPayment(ctx context.Context, userID int64, paymentID string) (orders.PaymentStatus, error)
}

// Treasury is the wallet-engine slice behind the operator commands.
// Implemented by wallet.Engine.
type Treasury interface {
	Recover(ctx context.Context, target string) (wallet.RecoveryReport, error)
	RecoverSingle(ctx context.Context, address, target string) (wallet.RecoveredWallet, error)
	CheckWallet(ctx context.Context, address string) (wallet.Balance, error)
	RecoveryStatus() wallet.Status
}

// Funds is the ledger slice for operator balance corrections. Implemented
// by ledger.Service.
type Funds interface {
	AdminAdjust(ctx context.Context, adminID, userID int64, delta decimal.Decimal, reason string) (storage.BalanceResult, error)
}

// RegisterStandard wires the full command set: checkout and payment
// actions for everyone, treasury and balance tooling for operators.
func RegisterStandard(d *Dispatcher, ord Orders, treasury Treasury, funds Funds) {
	d.Handle("quote_basket", func(ctx context.Context, req Request) (string, error) {
		quote, err := ord.QuoteBasket(ctx, req.UserID, argAt(req.Args, 0))
		if err != nil {
			return "", err
		}
		return quoteReply(quote), nil
	})

	d.Handle("pay_basket_sol", func(ctx context.Context, req Request) (string, error) {
		coupon, total, err := payTotal(ctx, ord, req)
		if err != nil {
			return "", err
		}
		inv, err := ord.PayBasketWithCrypto(ctx, req.UserID, coupon, total)
		if err != nil {
			return "", err
		}
		return invoiceReply("💳 Payment open", inv), nil
	})

	d.Handle("pay_basket_balance", func(ctx context.Context, req Request) (string, error) {
		coupon, total, err := payTotal(ctx, ord, req)
		if err != nil {
			return "", err
		}
		receipt, err := ord.PayBasketWithBalance(ctx, req.UserID, coupon, total)
		if err != nil {
			return "", err
		}
		return receiptReply(receipt), nil
	})

	d.Handle("refill", func(ctx context.Context, req Request) (string, error) {
		raw, err := requireArg(req.Args, 0, "refill amount")
		if err != nil {
			return "", err
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return "", err
		}
		inv, err := ord.Refill(ctx, req.UserID, amount)
		if err != nil {
			return "", err
		}
		return invoiceReply("💳 Top-up open", inv), nil
	})

	d.Handle("cancel_payment", func(ctx context.Context, req Request) (string, error) {
		paymentID, err := requireArg(req.Args, 0, "payment id")
		if err != nil {
			return "", err
		}
		if err := ord.Cancel(ctx, req.UserID, paymentID); err != nil {
			return "", err
		}
		return "🚫 Payment cancelled. Reserved items have been released.", nil
	})

	d.Handle("check_payment", func(ctx context.Context, req Request) (string, error) {
		paymentID, err := requireArg(req.Args, 0, "payment id")
		if err != nil {
			return "", err
		}
		status, err := ord.CheckPayment(ctx, req.UserID, paymentID)
		if err != nil {
			return "", err
		}
		return paymentStatusReply(status), nil
	})

	d.HandleAdmin("recover_funds", func(ctx context.Context, req Request) (string, error) {
		report, err := treasury.Recover(ctx, argAt(req.Args, 0))
		if err != nil {
			return "", err
		}
		return recoveryReply(report), nil
	})

	d.HandleAdmin("recover_wallet", func(ctx context.Context, req Request) (string, error) {
		address, err := requireArg(req.Args, 0, "wallet address")
		if err != nil {
			return "", err
		}
		rec, err := treasury.RecoverSingle(ctx, address, argAt(req.Args, 1))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("♻️ Recovered %s SOL from %s\nTx: %s",
			money.FormatSOL(rec.SOL), rec.Address, rec.TxSignature), nil
	})

	d.HandleAdmin("check_wallet", func(ctx context.Context, req Request) (string, error) {
		address, err := requireArg(req.Args, 0, "wallet address")
		if err != nil {
			return "", err
		}
		balance, err := treasury.CheckWallet(ctx, address)
		if err != nil {
			return "", err
		}
		reply := fmt.Sprintf("👛 %s\nBalance: %s SOL", balance.Address, money.FormatSOL(balance.SOL))
		if !balance.EUREst.IsZero() {
			reply += fmt.Sprintf(" (~%s EUR)", money.FormatEUR(balance.EUREst))
		}
		return reply, nil
	})

	d.HandleAdmin("recovery_status", func(_ context.Context, _ Request) (string, error) {
		return recoveryStatusReply(treasury.RecoveryStatus()), nil
	})

	d.HandleAdmin("adjust_balance", func(ctx context.Context, req Request) (string, error) {
		rawUser, err := requireArg(req.Args, 0, "target user id")
		if err != nil {
			return "", err
		}
		targetID, err := strconv.ParseInt(rawUser, 10, 64)
		if err != nil {
			return "", errors.Newf(errors.ErrCodeInvalidField, "user id %q is not a number", rawUser)
		}
		rawDelta, err := requireArg(req.Args, 1, "adjustment amount")
		if err != nil {
			return "", err
		}
		delta, err := parseAmount(rawDelta)
		if err != nil {
			return "", err
		}
		reason := strings.Join(req.Args[2:], " ")
		if reason == "" {
			return "", errors.New(errors.ErrCodeMissingField, "an adjustment reason is required")
		}
		res, err := funds.AdminAdjust(ctx, req.UserID, targetID, delta, reason)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("💰 Balance adjusted for user %d: %s → %s EUR",
			targetID, money.FormatEUR(res.Old), money.FormatEUR(res.New)), nil
	})
}

// payTotal resolves the coupon and the total the user committed to. The
// checkout UI passes both through the callback; a bare action quotes the
// basket fresh instead.
func payTotal(ctx context.Context, ord Orders, req Request) (string, decimal.Decimal, error) {
	coupon := argAt(req.Args, 0)
	if raw := argAt(req.Args, 1); raw != "" {
		total, err := parseAmount(raw)
		return coupon, total, err
	}
	quote, err := ord.QuoteBasket(ctx, req.UserID, coupon)
	if err != nil {
		return "", decimal.Decimal{}, err
	}
	return coupon, quote.Total, nil
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return strings.TrimSpace(args[i])
	}
	return ""
}

func requireArg(args []string, i int, name string) (string, error) {
	v := argAt(args, i)
	if v == "" {
		return "", errors.Newf(errors.ErrCodeMissingField, "%s is required", name)
	}
	return v, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Newf(errors.ErrCodeInvalidAmount, "amount %q is not a number", s)
	}
	return d, nil
}

func quoteReply(q orders.Quote) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "🧾 Basket: %d item(s)\nSubtotal: %s EUR", len(q.Items), money.FormatEUR(q.Subtotal))
	if q.DiscountCode != "" {
		fmt.Fprintf(b, "\nCoupon %s applied", q.DiscountCode)
	}
	fmt.Fprintf(b, "\nTotal: %s EUR", money.FormatEUR(q.Total))
	return b.String()
}

func invoiceReply(header string, inv orders.Invoice) string {
	return fmt.Sprintf(
		"%s\nSend exactly %s SOL to:\n%s\n\nTotal: %s EUR (rate %s EUR/SOL)\nExpires: %s\nPayment id: %s",
		header,
		money.FormatSOL(inv.ExpectedSOL),
		inv.Address,
		money.FormatEUR(inv.TotalEUR),
		money.FormatEUR(inv.EURPerSOL),
		inv.ExpiresAt.UTC().Format("15:04 MST"),
		inv.PaymentID,
	)
}

func receiptReply(r orders.Receipt) string {
	reply := fmt.Sprintf("✅ Paid %s EUR from balance. %d item(s) sold.", money.FormatEUR(r.TotalEUR), r.UnitsSold)
	if !r.Delivered {
		reply += "\n⚠️ Delivery is pending; support has been notified."
	}
	return reply
}

func paymentStatusReply(s orders.PaymentStatus) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "🔎 Payment %s\nStatus: %s\nAddress: %s\nExpected: %s SOL (%s EUR)",
		s.PaymentID, s.Status, s.Address, money.FormatSOL(s.ExpectedSOL), money.FormatEUR(s.TargetEUR))
	if !s.ReceivedSOL.IsZero() {
		fmt.Fprintf(b, "\nReceived: %s SOL", money.FormatSOL(s.ReceivedSOL))
	}
	fmt.Fprintf(b, "\nExpires: %s", s.ExpiresAt.UTC().Format("15:04 MST"))
	return b.String()
}

func recoveryReply(rep wallet.RecoveryReport) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "♻️ Recovery run: %d recovered, %d failed\nTotal: %s SOL",
		len(rep.Recovered), len(rep.Failed), money.FormatSOL(rep.TotalSOL))
	if rep.Target != "" {
		fmt.Fprintf(b, "\nTarget: %s", rep.Target)
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(b, "\n⚠️ %s: %s", f.Address, f.Reason)
	}
	return b.String()
}

func recoveryStatusReply(s wallet.Status) string {
	onOff := map[bool]string{true: "configured", false: "missing"}
	sweep := "off"
	if s.AutoSweep {
		sweep = "on"
	}
	target := s.Target
	if target == "" {
		target = "none"
	}
	return fmt.Sprintf("⚙️ Sweep and recovery\nTreasury: %s\nRecovery wallet: %s\nDefault target: %s\nAuto-sweep: %s",
		onOff[s.TreasuryConfigured], onOff[s.RecoveryConfigured], target, sweep)
}

// Compile-time checks that the concrete services satisfy the command
// interfaces.
var (
	_ Orders   = (*orders.Coordinator)(nil)
	_ Treasury = (*wallet.Engine)(nil)
	_ Funds    = (*ledger.Service)(nil)
)
