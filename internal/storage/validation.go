package storage

import (
	"fmt"
	"time"
)

// validateAndPrepareReservation validates required fields and sets the
// default timestamp.
func validateAndPrepareReservation(res *BasketReservation) error {
	if res.UserID == 0 {
		return fmt.Errorf("reservation requires user id")
	}
	if res.ProductID == 0 {
		return fmt.Errorf("reservation requires product id")
	}
	if res.ReservedAt.IsZero() {
		res.ReservedAt = time.Now().UTC()
	}
	return nil
}

// validateAndPrepareDeposit validates required fields and sets defaults.
func validateAndPrepareDeposit(dep *PendingDeposit) error {
	if dep.PaymentID == "" {
		return fmt.Errorf("pending deposit requires payment id")
	}
	if dep.UserID == 0 {
		return fmt.Errorf("pending deposit requires user id")
	}
	if dep.Currency == "" {
		dep.Currency = "SOL"
	}
	if !dep.TargetEUR.IsPositive() {
		return fmt.Errorf("pending deposit requires a positive EUR target")
	}
	if !dep.ExpectedSOL.IsPositive() {
		return fmt.Errorf("pending deposit requires a positive expected SOL amount")
	}
	if dep.IsPurchase && len(dep.Basket) == 0 {
		return fmt.Errorf("purchase deposit requires a basket snapshot")
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}
	return nil
}

// validateAndPrepareWallet validates required fields and sets defaults.
func validateAndPrepareWallet(w *Wallet) error {
	if w.OrderID == "" {
		return fmt.Errorf("wallet requires order id")
	}
	if w.UserID == 0 {
		return fmt.Errorf("wallet requires user id")
	}
	if w.PublicKey == "" {
		return fmt.Errorf("wallet requires public key")
	}
	if w.PrivateKey == "" {
		return fmt.Errorf("wallet requires private key material")
	}
	if !w.ExpectedSOL.IsPositive() {
		return fmt.Errorf("wallet requires a positive expected SOL amount")
	}
	if w.Status == "" {
		w.Status = WalletPending
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	return nil
}

// validateAndPrepareAudit validates required fields and sets the default
// timestamp.
func validateAndPrepareAudit(entry *AuditEntry) error {
	if entry.Action == "" {
		return fmt.Errorf("audit entry requires an action")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	return nil
}
