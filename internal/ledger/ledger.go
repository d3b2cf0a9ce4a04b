// Package ledger moves the internal EUR balance: system credits from the
// payment engine, debits for balance purchases, operator adjustments, and
// the debit→finalize→compensate flow behind pay-with-balance. Every
// movement runs as one store transaction that carries its own audit row.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/messenger"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/money"
	"github.com/SolVend/engine/internal/storage"
)

// Audit actions written by this package.
const (
	ActionCreditAuto         = "BALANCE_CREDIT_AUTO"
	ActionDebitAuto          = "BALANCE_DEBIT_AUTO"
	ActionAdjust             = "BALANCE_ADJUST"
	ActionCompensationFailed = "BALANCE_COMPENSATION_FAILED"
)

// Store is the slice of the storage layer the ledger mutates.
type Store interface {
	AdjustBalance(ctx context.Context, adj storage.BalanceAdjustment) (storage.BalanceResult, error)
	AppendAudit(ctx context.Context, entry storage.AuditEntry) error
}

// Finalizer commits a snapshot purchase. Satisfied by inventory.Service.
type Finalizer interface {
	Finalize(ctx context.Context, userID int64, items []storage.SnapshotItem, discountCode string) (storage.FinalizeResult, error)
}

// Service applies balance movements. The notifier and metrics may be nil
// in tests; a nil notifier is replaced with the noop one.
type Service struct {
	store    Store
	inv      Finalizer
	notifier messenger.Notifier
	metrics  *metrics.Metrics
}

// NewService builds a ledger service.
func NewService(store Store, inv Finalizer, notifier messenger.Notifier, m *metrics.Metrics) *Service {
	if notifier == nil {
		notifier = messenger.NoopNotifier{}
	}
	return &Service{store: store, inv: inv, notifier: notifier, metrics: m}
}

// Credit adds funds and tells the user, with the notice keyed off the
// reason the way the payment flow words it (overpayment after a settled
// purchase, underpayment consolation, plain refill/refund credit).
func (s *Service) Credit(ctx context.Context, userID int64, amount decimal.Decimal, reason string) (storage.BalanceResult, error) {
	if !amount.IsPositive() {
		return storage.BalanceResult{}, money.ErrNegativeAmount
	}

	res, err := s.store.AdjustBalance(ctx, storage.BalanceAdjustment{
		UserID: userID,
		Delta:  amount,
		Action: ActionCreditAuto,
		Reason: reason,
	})
	if err != nil {
		return storage.BalanceResult{}, mapBalanceErr(err)
	}

	kind := kindOf(reason)
	if s.metrics != nil {
		s.metrics.ObserveBalanceCredit(kind, amount.InexactFloat64())
	}
	clog := logger.FromContext(ctx)
	clog.Info().
		Int64("user_id", userID).
		Str("amount_eur", money.FormatEUR(amount)).
		Str("new_balance_eur", money.FormatEUR(res.New)).
		Str("reason", reason).
		Msg("ledger.credited")

	s.notifier.NotifyUser(ctx, userID, creditNotice(kind, amount, res.New, reason))
	return res, nil
}

// Debit removes funds. The store rejects a debit that would drive the
// balance negative; that surfaces as insufficient_balance. Debits carry
// no user notice; the order flow owns those messages.
func (s *Service) Debit(ctx context.Context, userID int64, amount decimal.Decimal, reason string) (storage.BalanceResult, error) {
	if !amount.IsPositive() {
		return storage.BalanceResult{}, money.ErrNegativeAmount
	}

	res, err := s.store.AdjustBalance(ctx, storage.BalanceAdjustment{
		UserID: userID,
		Delta:  amount.Neg(),
		Action: ActionDebitAuto,
		Reason: reason,
	})
	if err != nil {
		return storage.BalanceResult{}, mapBalanceErr(err)
	}

	if s.metrics != nil {
		s.metrics.ObserveBalanceDebit(kindOf(reason), amount.InexactFloat64())
	}
	clog := logger.FromContext(ctx)
	clog.Info().
		Int64("user_id", userID).
		Str("amount_eur", money.FormatEUR(amount)).
		Str("new_balance_eur", money.FormatEUR(res.New)).
		Str("reason", reason).
		Msg("ledger.debited")
	return res, nil
}

// DebitThenFinalize pays a basket from the internal balance: debit first,
// then the atomic purchase commit. A failed commit refunds the debit and
// the finalize error is returned. A failed refund is the worst state this
// system can reach — money taken, nothing sold, nothing returned — so it
// is audited and an operator is paged before the error surfaces.
func (s *Service) DebitThenFinalize(ctx context.Context, userID int64, amount decimal.Decimal, items []storage.SnapshotItem, discountCode string) (storage.FinalizeResult, error) {
	if _, err := s.Debit(ctx, userID, amount, "Purchase with balance"); err != nil {
		return storage.FinalizeResult{}, err
	}

	result, err := s.inv.Finalize(ctx, userID, items, discountCode)
	if err == nil {
		return result, nil
	}

	log := logger.FromContext(ctx)
	log.Error().
		Err(err).
		Int64("user_id", userID).
		Str("amount_eur", money.FormatEUR(amount)).
		Msg("ledger.finalize_failed_after_debit")

	if _, cerr := s.Credit(ctx, userID, amount, "Refund after failed purchase processing"); cerr != nil {
		log.Error().
			Err(cerr).
			Int64("user_id", userID).
			Str("amount_eur", money.FormatEUR(amount)).
			Msg("ledger.compensation_failed")

		entry := storage.AuditEntry{
			Action:       ActionCompensationFailed,
			TargetUserID: userID,
			Reason:       fmt.Sprintf("finalize: %v; compensating credit: %v", err, cerr),
			AmountChange: decimal.NewNullDecimal(amount.Neg()),
		}
		if aerr := s.store.AppendAudit(ctx, entry); aerr != nil {
			log.Error().Err(aerr).Msg("ledger.compensation_audit_failed")
		}
		s.notifier.AlertOperator(ctx, fmt.Sprintf(
			"CRITICAL: user %d paid %s EUR from balance, the sale failed, and the refund also failed. Manual credit required. finalize: %v / refund: %v",
			userID, money.FormatEUR(amount), err, cerr))

		return storage.FinalizeResult{}, errors.Wrap(err, errors.ErrCodeCompensationFailed, "debit not restored after failed finalization")
	}

	return storage.FinalizeResult{}, err
}

// AdminAdjust applies an operator's manual correction in either direction
// and audits it under the admin's id.
func (s *Service) AdminAdjust(ctx context.Context, adminID, userID int64, delta decimal.Decimal, reason string) (storage.BalanceResult, error) {
	if delta.IsZero() {
		return storage.BalanceResult{}, errors.New(errors.ErrCodeInvalidAmount, "zero adjustment")
	}

	res, err := s.store.AdjustBalance(ctx, storage.BalanceAdjustment{
		UserID:  userID,
		Delta:   delta,
		AdminID: adminID,
		Action:  ActionAdjust,
		Reason:  reason,
	})
	if err != nil {
		return storage.BalanceResult{}, mapBalanceErr(err)
	}

	if s.metrics != nil {
		if delta.IsPositive() {
			s.metrics.ObserveBalanceCredit("admin", delta.InexactFloat64())
		} else {
			s.metrics.ObserveBalanceDebit("admin", delta.Neg().InexactFloat64())
		}
	}
	clog := logger.FromContext(ctx)
	clog.Info().
		Int64("admin_id", adminID).
		Int64("user_id", userID).
		Str("delta_eur", money.FormatEUR(delta)).
		Str("old_eur", money.FormatEUR(res.Old)).
		Str("new_eur", money.FormatEUR(res.New)).
		Str("reason", reason).
		Msg("ledger.admin_adjusted")
	return res, nil
}

func mapBalanceErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrInsufficientBalance):
		return errors.Wrap(err, errors.ErrCodeInsufficientBalance, "balance too low")
	case errors.Is(err, storage.ErrNotFound):
		return errors.Wrap(err, errors.ErrCodeUserNotFound, "unknown user")
	default:
		return err
	}
}

// kindOf maps a free-form reason onto the small label set the metrics and
// notice templates key on. Refund is checked before Purchase so the
// compensation reason classifies as a refund.
func kindOf(reason string) string {
	switch {
	case strings.Contains(reason, "Overpayment"):
		return "overpayment"
	case strings.Contains(reason, "Underpayment"):
		return "underpayment"
	case strings.Contains(reason, "Refill"):
		return "refill"
	case strings.Contains(reason, "Refund"):
		return "refund"
	case strings.Contains(reason, "Purchase"):
		return "purchase"
	default:
		return "other"
	}
}

func creditNotice(kind string, amount, newBalance decimal.Decimal, reason string) string {
	switch kind {
	case "overpayment":
		return fmt.Sprintf("✅ Your purchase was successful! Additionally, an overpayment of %s EUR has been credited to your balance. Your new balance is %s EUR.",
			money.FormatEUR(amount), money.FormatEUR(newBalance))
	case "underpayment":
		return fmt.Sprintf("ℹ️ Your purchase failed due to underpayment, but the received amount (%s EUR) has been credited to your balance. Your new balance is %s EUR.",
			money.FormatEUR(amount), money.FormatEUR(newBalance))
	default:
		return fmt.Sprintf("✅ Your balance has been credited by %s EUR. Reason: %s. New balance: %s EUR.",
			money.FormatEUR(amount), reason, money.FormatEUR(newBalance))
	}
}
