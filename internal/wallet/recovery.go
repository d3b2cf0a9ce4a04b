package wallet

import (
	"context"
	"fmt"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/money"
	"github.com/SolVend/engine/internal/solana"
	"github.com/SolVend/engine/internal/storage"
)

// StuckWallet is a wallet row whose on-chain balance outlived its lifecycle.
type StuckWallet struct {
	Wallet   storage.Wallet
	Lamports uint64
	SOL      decimal.Decimal
	EUREst   decimal.Decimal // zero when no quote was available
}

// RecoveredWallet reports one successful recovery transfer.
type RecoveredWallet struct {
	Address     string
	OrderID     string
	UserID      int64
	SOL         decimal.Decimal
	EUREst      decimal.Decimal
	TxSignature string
}

// FailedRecovery reports one wallet the recovery run could not empty.
type FailedRecovery struct {
	Address string
	SOL     decimal.Decimal
	Reason  string
}

// RecoveryReport summarizes a stuck-funds recovery run.
type RecoveryReport struct {
	Target      string
	Recovered   []RecoveredWallet
	Failed      []FailedRecovery
	TotalSOL    decimal.Decimal
	TotalEUREst decimal.Decimal
}

// Status is the recovery configuration summary for operator commands.
type Status struct {
	TreasuryConfigured bool
	RecoveryConfigured bool
	Target             string // where Recover sends funds by default
	AutoSweep          bool
}

// FindStuck checks the on-chain balance of every wallet row regardless of
// recorded status (a row marked swept may hide a failed sweep transaction)
// and returns the ones still holding more than dust. Reads are batched and
// paced to survive free RPC endpoints.
func (e *Engine) FindStuck(ctx context.Context) ([]StuckWallet, error) {
	log := logger.FromContext(ctx)
	wallets, err := e.store.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	if len(wallets) == 0 {
		return nil, nil
	}
	log.Info().Int("wallets", len(wallets)).Msg("wallet.stuck_scan_started")

	// One quote for the whole pass; estimates stay zero without one.
	quote, err := e.quotes.QuoteEURPerSOL(ctx)
	if err != nil {
		quote = decimal.Zero
	}

	var stuck []StuckWallet
	failed := 0
	for i, w := range wallets {
		if ctx.Err() != nil {
			return stuck, ctx.Err()
		}
		if i > 0 {
			if i%e.pacing.BatchSize == 0 {
				e.pause(ctx, e.pacing.BatchDelay)
			} else {
				e.pause(ctx, e.pacing.RPCDelay)
			}
		}

		if _, err := solana.ValidateKeyDerivation(w.PrivateKey, w.PublicKey); err != nil {
			failed++
			log.Warn().Err(err).Str("address", logger.TruncateAddress(w.PublicKey)).Msg("wallet.corrupt_key_skipped")
			e.notifier.AlertOperator(ctx, fmt.Sprintf(
				"Wallet %s (order %s) has corrupt key material; excluded from recovery.", w.PublicKey, w.OrderID))
			continue
		}
		account, err := solanago.PublicKeyFromBase58(w.PublicKey)
		if err != nil {
			failed++
			continue
		}
		lamports, err := e.chain.Balance(ctx, account)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("address", logger.TruncateAddress(w.PublicKey)).Msg("wallet.stuck_check_failed")
			continue
		}

		sol := money.FromLamports(lamports)
		if sol.LessThanOrEqual(stuckDustSOL) {
			continue
		}
		s := StuckWallet{Wallet: w, Lamports: lamports, SOL: sol}
		if quote.IsPositive() {
			s.EUREst = money.QuantizeEUR(sol.Mul(quote))
		}
		stuck = append(stuck, s)
		log.Info().
			Str("address", logger.TruncateAddress(w.PublicKey)).
			Str("status", string(w.Status)).
			Str("sol", money.FormatSOL(sol)).
			Str("eur_est", money.FormatEUR(s.EUREst)).
			Msg("wallet.stuck_found")
	}

	log.Info().
		Int("stuck", len(stuck)).
		Int("failed_checks", failed).
		Msg("wallet.stuck_scan_complete")
	return stuck, nil
}

// Recover sweeps every stuck wallet to the target address. An empty target
// falls back to the recovery wallet, then the treasury. Individual failures
// do not stop the run; they are collected in the report.
func (e *Engine) Recover(ctx context.Context, target string) (RecoveryReport, error) {
	target = e.recoveryTarget(target)
	if target == "" {
		return RecoveryReport{}, errors.New(errors.ErrCodeConfigError, "no recovery wallet configured")
	}
	to, err := solanago.PublicKeyFromBase58(target)
	if err != nil {
		return RecoveryReport{}, errors.Wrap(err, errors.ErrCodeInvalidWallet, "bad recovery target")
	}

	stuck, err := e.FindStuck(ctx)
	if err != nil {
		return RecoveryReport{Target: target}, err
	}
	report := RecoveryReport{Target: target, TotalSOL: decimal.Zero, TotalEUREst: decimal.Zero}
	log := logger.FromContext(ctx)

	for i, s := range stuck {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if i > 0 {
			e.pause(ctx, e.pacing.SweepDelay)
		}
		sig, err := e.drain(ctx, s, to)
		if err != nil {
			log.Error().Err(err).Str("address", logger.TruncateAddress(s.Wallet.PublicKey)).Msg("wallet.recovery_failed")
			report.Failed = append(report.Failed, FailedRecovery{
				Address: s.Wallet.PublicKey,
				SOL:     s.SOL,
				Reason:  err.Error(),
			})
			continue
		}
		report.Recovered = append(report.Recovered, RecoveredWallet{
			Address:     s.Wallet.PublicKey,
			OrderID:     s.Wallet.OrderID,
			UserID:      s.Wallet.UserID,
			SOL:         s.SOL,
			EUREst:      s.EUREst,
			TxSignature: sig,
		})
		report.TotalSOL = report.TotalSOL.Add(s.SOL)
		report.TotalEUREst = report.TotalEUREst.Add(s.EUREst)
	}

	log.Info().
		Str("target", logger.TruncateAddress(target)).
		Int("recovered", len(report.Recovered)).
		Int("failed", len(report.Failed)).
		Str("total_sol", money.FormatSOL(report.TotalSOL)).
		Msg("wallet.recovery_complete")
	return report, nil
}

// RecoverSingle sweeps one wallet, looked up by address, to the target.
func (e *Engine) RecoverSingle(ctx context.Context, address, target string) (RecoveredWallet, error) {
	target = e.recoveryTarget(target)
	if target == "" {
		return RecoveredWallet{}, errors.New(errors.ErrCodeConfigError, "no recovery wallet configured")
	}
	to, err := solanago.PublicKeyFromBase58(target)
	if err != nil {
		return RecoveredWallet{}, errors.Wrap(err, errors.ErrCodeInvalidWallet, "bad recovery target")
	}
	w, err := e.store.GetWalletByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return RecoveredWallet{}, errors.Wrap(err, errors.ErrCodeWalletNotFound, "unknown wallet address")
		}
		return RecoveredWallet{}, err
	}

	balance, err := e.CheckWallet(ctx, address)
	if err != nil {
		return RecoveredWallet{}, err
	}
	if balance.SOL.LessThanOrEqual(stuckDustSOL) {
		return RecoveredWallet{}, errors.Newf(errors.ErrCodeInsufficientFunds,
			"nothing to recover, balance is %s SOL", money.FormatSOL(balance.SOL))
	}

	s := StuckWallet{Wallet: w, Lamports: balance.Lamports, SOL: balance.SOL, EUREst: balance.EUREst}
	sig, err := e.drain(ctx, s, to)
	if err != nil {
		return RecoveredWallet{}, err
	}
	return RecoveredWallet{
		Address:     w.PublicKey,
		OrderID:     w.OrderID,
		UserID:      w.UserID,
		SOL:         s.SOL,
		EUREst:      s.EUREst,
		TxSignature: sig,
	}, nil
}

// drain empties a stuck wallet to the target and marks the row swept.
func (e *Engine) drain(ctx context.Context, s StuckWallet, to solanago.PublicKey) (string, error) {
	if s.Lamports <= sweepFeeLamports {
		return "", errors.New(errors.ErrCodeInsufficientFunds, "balance cannot cover the network fee")
	}
	key, err := solana.ValidateKeyDerivation(s.Wallet.PrivateKey, s.Wallet.PublicKey)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeCorruptKey, "recovery aborted")
	}
	sig, err := e.chain.Transfer(ctx, key, to, s.Lamports-sweepFeeLamports)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSweepFailed, "recovery transfer")
	}
	if err := e.store.SetWalletStatus(ctx, s.Wallet.ID, storage.WalletSwept); err != nil {
		clog := logger.FromContext(ctx)
		clog.Error().Err(err).
			Str("address", logger.TruncateAddress(s.Wallet.PublicKey)).
			Msg("wallet.recovery_not_recorded")
	}
	if e.metrics != nil {
		e.metrics.ObserveRecovery(s.Lamports - sweepFeeLamports)
	}
	clog := logger.FromContext(ctx)
	clog.Info().
		Str("address", logger.TruncateAddress(s.Wallet.PublicKey)).
		Str("sol", money.FormatSOL(s.SOL)).
		Str("tx", sig).
		Msg("wallet.recovered")
	return sig, nil
}

// Balance is an operator-facing balance snapshot of one address.
type Balance struct {
	Address  string
	Lamports uint64
	SOL      decimal.Decimal
	EUREst   decimal.Decimal
}

// CheckWallet reads one wallet's on-chain balance with an EUR estimate. The
// address does not have to belong to a stored wallet.
func (e *Engine) CheckWallet(ctx context.Context, address string) (Balance, error) {
	account, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return Balance{}, errors.Wrap(err, errors.ErrCodeInvalidWallet, "bad wallet address")
	}
	lamports, err := e.chain.Balance(ctx, account)
	if err != nil {
		return Balance{}, fmt.Errorf("check balance: %w", err)
	}
	b := Balance{Address: address, Lamports: lamports, SOL: money.FromLamports(lamports)}
	if quote, err := e.quotes.QuoteEURPerSOL(ctx); err == nil {
		b.EUREst = money.QuantizeEUR(b.SOL.Mul(quote))
	}
	return b, nil
}

// RecoveryStatus reports the sweep and recovery configuration.
func (e *Engine) RecoveryStatus() Status {
	return Status{
		TreasuryConfigured: e.treasury != "",
		RecoveryConfigured: e.recovery != "",
		Target:             e.recoveryTarget(""),
		AutoSweep:          e.autoSweep,
	}
}

// recoveryTarget resolves the destination for recovered funds: explicit
// target, then the recovery wallet, then the treasury.
func (e *Engine) recoveryTarget(target string) string {
	if target != "" {
		return target
	}
	if e.recovery != "" {
		return e.recovery
	}
	return e.treasury
}
