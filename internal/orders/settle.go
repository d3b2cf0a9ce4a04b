package orders

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/money"
	"github.com/SolVend/engine/internal/solana"
	"github.com/SolVend/engine/internal/storage"
	"github.com/SolVend/engine/internal/wallet"
)

// OnSettled consumes the scanner's payment signal. The pending deposit is
// the idempotency token: a missing row means the payment already ran.
func (c *Coordinator) OnSettled(ctx context.Context, s wallet.Settlement) {
	unlock := c.inflight.lock(s.PaymentID)
	defer unlock()

	log := logger.FromContext(ctx)
	dep, err := c.store.GetPendingDeposit(ctx, s.PaymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Info().Str("payment_id", s.PaymentID).Msg("orders.settlement_already_processed")
		} else {
			log.Error().Err(err).Str("payment_id", s.PaymentID).Msg("orders.deposit_lookup_failed")
		}
		return
	}

	if dep.IsPurchase {
		c.settlePurchase(ctx, dep, s)
	} else {
		c.settleRefill(ctx, dep, s)
	}
}

// settleRefill books the paid EUR target onto the user's balance. The
// ledger sends the user notice; a failed credit keeps the deposit so the
// recovery pass re-drives it.
func (c *Coordinator) settleRefill(ctx context.Context, dep storage.PendingDeposit, s wallet.Settlement) {
	log := logger.FromContext(ctx)
	reason := fmt.Sprintf("Refill payment %s", dep.PaymentID)
	if _, err := c.funds.Credit(ctx, dep.UserID, dep.TargetEUR, reason); err != nil {
		log.Error().Err(err).
			Str("payment_id", dep.PaymentID).
			Int64("user_id", dep.UserID).
			Msg("orders.refill_credit_failed")
		return
	}

	c.removeDeposit(ctx, dep.PaymentID)
	c.observeSettlement(dep, "paid")
	log.Info().
		Str("payment_id", dep.PaymentID).
		Int64("user_id", dep.UserID).
		Str("target_eur", money.FormatEUR(dep.TargetEUR)).
		Msg("orders.refill_settled")
	c.notifier.LogPurchase(ctx, c.settleLogText(ctx, dep, s))
}

// settlePurchase runs the atomic commit for a paid basket, removes the
// deposit, and delivers. A commit that keeps failing is parked: the
// deposit stays as the recoverable artifact and the operator is paged.
func (c *Coordinator) settlePurchase(ctx context.Context, dep storage.PendingDeposit, s wallet.Settlement) {
	log := logger.FromContext(ctx)
	if len(dep.Basket) == 0 {
		log.Error().Str("payment_id", dep.PaymentID).Msg("orders.snapshot_missing")
		c.notifier.AlertOperator(ctx, fmt.Sprintf(
			"Payment %s for user %d settled but its basket snapshot is missing. Deposit retained; manual fulfillment required.",
			dep.PaymentID, dep.UserID))
		return
	}

	res, err := c.finalizeWithRetry(ctx, dep)
	if err != nil {
		c.parkFailedFinalize(ctx, dep, err)
		return
	}

	c.removeDeposit(ctx, dep.PaymentID)
	c.observeSettlement(dep, "paid")
	log.Info().
		Str("payment_id", dep.PaymentID).
		Int64("user_id", dep.UserID).
		Int("units", res.UnitsSold).
		Str("total_eur", money.FormatEUR(dep.TargetEUR)).
		Msg("orders.purchase_settled")
	c.notifier.LogPurchase(ctx, c.settleLogText(ctx, dep, s))

	c.deliverAndClean(ctx, dep.UserID, dep.Basket, dep.PaymentID)
}

// finalizeWithRetry attempts the purchase commit with exponential backoff
// between attempts. Payment already succeeded on-chain at this point, so
// transient store trouble is worth waiting out.
func (c *Coordinator) finalizeWithRetry(ctx context.Context, dep storage.PendingDeposit) (storage.FinalizeResult, error) {
	log := logger.FromContext(ctx)
	var lastErr error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.retryBase * time.Duration(pow3(attempt-1))
			log.Warn().
				Str("payment_id", dep.PaymentID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("orders.finalize_retry")
			if !c.pause(ctx, backoff) {
				return storage.FinalizeResult{}, ctx.Err()
			}
		}

		res, err := c.inv.Finalize(ctx, dep.UserID, dep.Basket, dep.DiscountCode)
		if c.metrics != nil {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			c.metrics.ObserveFinalize(outcome, attempt)
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return storage.FinalizeResult{}, lastErr
}

// parkFailedFinalize records the worst purchase outcome short of losing
// money: paid on-chain, nothing sold. The deposit row stays so recovery
// and the operator can finish the job.
func (c *Coordinator) parkFailedFinalize(ctx context.Context, dep storage.PendingDeposit, ferr error) {
	log := logger.FromContext(ctx)
	log.Error().
		Err(ferr).
		Str("payment_id", dep.PaymentID).
		Int64("user_id", dep.UserID).
		Msg("orders.finalize_exhausted")

	entry := storage.AuditEntry{
		Action:       ActionFinalizeFailed,
		TargetUserID: dep.UserID,
		Reason: fmt.Sprintf("payment %s (%s EUR) settled on-chain but finalization failed after %d attempts: %v",
			dep.PaymentID, money.FormatEUR(dep.TargetEUR), finalizeAttempts, ferr),
	}
	if err := c.store.AppendAudit(ctx, entry); err != nil {
		log.Error().Err(err).Str("payment_id", dep.PaymentID).Msg("orders.audit_failed")
	}

	c.notifier.AlertOperator(ctx, fmt.Sprintf(
		"CRITICAL: payment %s for user %d settled on-chain but finalization failed after %d attempts. Deposit retained for manual recovery. Last error: %v",
		dep.PaymentID, dep.UserID, finalizeAttempts, ferr))
	c.notifier.NotifyUser(ctx, dep.UserID, "❌ Error processing purchase. Contact support.")
	c.observeSettlement(dep, "finalize_failed")
}

// OnExpired consumes the scanner's expiry signal and doubles as the
// cleanup step of the timeout job: remove the deposit, release the holds,
// tell the user.
func (c *Coordinator) OnExpired(ctx context.Context, paymentID string) {
	unlock := c.inflight.lock(paymentID)
	defer unlock()

	log := logger.FromContext(ctx)
	dep, err := c.store.GetPendingDeposit(ctx, paymentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("payment_id", paymentID).Msg("orders.deposit_lookup_failed")
		}
		return // already cleaned up
	}

	if err := c.store.DeletePendingDeposit(ctx, paymentID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("payment_id", paymentID).Msg("orders.deposit_remove_failed")
		}
		return
	}

	if dep.IsPurchase {
		if _, err := c.inv.Unreserve(ctx, dep.UserID); err != nil {
			log.Error().Err(err).Int64("user_id", dep.UserID).Msg("orders.unreserve_failed")
		}
	}
	c.observeSettlement(dep, "expired")
	log.Info().
		Str("payment_id", paymentID).
		Int64("user_id", dep.UserID).
		Msg("orders.payment_expired")
	c.notifier.NotifyUser(ctx, dep.UserID, expiredNotice(dep))
}

func expiredNotice(dep storage.PendingDeposit) string {
	if !dep.IsPurchase {
		return "⏰ Payment timeout: your top-up window has closed. No funds were received."
	}
	b := &strings.Builder{}
	b.WriteString("⏰ Payment timeout: your payment window has closed. Released items:")
	for _, it := range dep.Basket {
		fmt.Fprintf(b, "\n• %s %s", it.Name, it.Size)
	}
	return b.String()
}

// ExpireDeposits sweeps deposits that outlived the payment window and
// whose wallet can no longer signal: the wallet row is gone or sits in a
// terminal non-paid status. Wallets still pending belong to the scanner
// and paid ones to the recovery pass, so both are skipped.
func (c *Coordinator) ExpireDeposits(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)
	cutoff := c.now().Add(-c.window)
	stale, err := c.store.ListPendingDepositsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale deposits: %w", err)
	}

	expired := 0
	for _, dep := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		w, err := c.store.GetWalletByOrderID(ctx, dep.PaymentID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// No wallet will ever signal for this deposit.
		case err != nil:
			log.Warn().Err(err).Str("payment_id", dep.PaymentID).Msg("orders.wallet_lookup_failed")
			continue
		case w.Status == storage.WalletPending || w.Status == storage.WalletPaid:
			continue
		}
		c.OnExpired(ctx, dep.PaymentID)
		expired++
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("orders.deposits_expired")
	}
	return expired, nil
}

// RecoverPending re-drives payments that settled on-chain but never
// finished: deposits past the window whose wallet holds received funds run
// through the settlement path again, and paid wallets whose sweep never
// landed are swept.
func (c *Coordinator) RecoverPending(ctx context.Context) error {
	log := logger.FromContext(ctx)
	cutoff := c.now().Add(-c.window)
	stale, err := c.store.ListPendingDepositsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale deposits: %w", err)
	}

	redriven := 0
	for _, dep := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w, err := c.store.GetWalletByOrderID(ctx, dep.PaymentID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				log.Warn().Err(err).Str("payment_id", dep.PaymentID).Msg("orders.wallet_lookup_failed")
			}
			continue
		}
		// Swept counts too: the sweep may have landed while finalization
		// crashed, and the user's money reached us either way.
		if w.Status != storage.WalletPaid && w.Status != storage.WalletSwept {
			continue
		}
		paid := w.ExpectedSOL
		if w.AmountReceivedSOL.Valid {
			paid = w.AmountReceivedSOL.Decimal
		}
		log.Warn().
			Str("payment_id", dep.PaymentID).
			Int64("user_id", dep.UserID).
			Str("wallet_status", string(w.Status)).
			Msg("orders.redriving_settlement")
		c.OnSettled(ctx, wallet.Settlement{
			PaymentID: dep.PaymentID,
			UserID:    dep.UserID,
			PaidSOL:   paid,
		})
		redriven++
	}

	c.resweepPaid(ctx)

	if redriven > 0 {
		log.Info().Int("redriven", redriven).Msg("orders.recovery_complete")
	}
	return nil
}

// resweepPaid retries sweeps for settled wallets whose funds never moved.
func (c *Coordinator) resweepPaid(ctx context.Context) {
	log := logger.FromContext(ctx)
	paid, err := c.store.ListWalletsByStatus(ctx, storage.WalletPaid)
	if err != nil {
		log.Warn().Err(err).Msg("orders.resweep_list_failed")
		return
	}
	for _, w := range paid {
		if ctx.Err() != nil {
			return
		}
		if err := c.wallets.Sweep(ctx, w); err != nil {
			log.Warn().Err(err).Str("address", logger.TruncateAddress(w.PublicKey)).Msg("orders.resweep_failed")
		}
	}
}

// removeDeposit deletes the idempotency row; a row already gone means a
// concurrent path won, which is fine once finalization committed.
func (c *Coordinator) removeDeposit(ctx context.Context, paymentID string) {
	if err := c.store.DeletePendingDeposit(ctx, paymentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		clog := logger.FromContext(ctx)
		clog.Error().Err(err).Str("payment_id", paymentID).Msg("orders.deposit_remove_failed")
	}
}

// settleLogText builds the operator log line for a settled payment.
func (c *Coordinator) settleLogText(ctx context.Context, dep storage.PendingDeposit, s wallet.Settlement) string {
	kind := "Refill"
	if dep.IsPurchase {
		kind = "Purchase"
	}
	who := strconv.FormatInt(dep.UserID, 10)
	if u, err := c.store.GetUser(ctx, dep.UserID); err == nil && u.Username != "" {
		who = fmt.Sprintf("%d (@%s)", dep.UserID, u.Username)
	}
	text := fmt.Sprintf("✅ %s settled\nUser: %s\nPaid: %s SOL (%s EUR)\nPayment: %s",
		kind, who, money.FormatSOL(s.PaidSOL), money.FormatEUR(dep.TargetEUR), dep.PaymentID)
	if dep.IsPurchase {
		text += fmt.Sprintf("\nItems: %d", len(dep.Basket))
	}
	if s.TxSignature != "" {
		text += "\nTx: " + solana.SolscanTxURL + s.TxSignature
	}
	return text
}

func (c *Coordinator) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func pow3(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 3
	}
	return v
}
