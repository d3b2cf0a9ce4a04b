package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type resellerKey struct {
	userID      int64
	productType string
}

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development. Composite operations stage their mutations
// and apply them only when every step succeeded, mirroring the transaction
// semantics of the SQL backends.
type MemoryStore struct {
	mu sync.RWMutex

	users             map[int64]User
	products          map[int64]Product
	nextProductID     int64
	reservations      map[int64]BasketReservation
	nextReservationID int64
	purchases         []Purchase
	nextPurchaseID    int64
	deposits          map[string]PendingDeposit
	wallets           map[int64]Wallet
	walletsByOrder    map[string]int64
	nextWalletID      int64
	discounts         map[string]DiscountCode
	resellerPercent   map[resellerKey]decimal.Decimal
	settings          map[string]Setting
	audit             []AuditEntry
	nextAuditID       int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:           make(map[int64]User),
		products:        make(map[int64]Product),
		reservations:    make(map[int64]BasketReservation),
		deposits:        make(map[string]PendingDeposit),
		wallets:         make(map[int64]Wallet),
		walletsByOrder:  make(map[string]int64),
		discounts:       make(map[string]DiscountCode),
		resellerPercent: make(map[resellerKey]decimal.Decimal),
		settings:        make(map[string]Setting),
	}
}

// Close implements the Store interface; nothing to release.
func (m *MemoryStore) Close() error {
	return nil
}

// GetOrCreateUser returns the user row, creating it on first interaction.
// A changed non-empty username is written back.
func (m *MemoryStore) GetOrCreateUser(_ context.Context, userID int64, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[userID]; ok {
		if username != "" && u.Username != username {
			u.Username = username
			m.users[userID] = u
		}
		return u, nil
	}

	u := User{
		UserID:     userID,
		Username:   username,
		Lang:       "en",
		BalanceEUR: decimal.Zero,
		CreatedAt:  time.Now().UTC(),
	}
	m.users[userID] = u
	return u, nil
}

// GetUser retrieves a user by id.
func (m *MemoryStore) GetUser(_ context.Context, userID int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// SetUserBanned flips the ban flag.
func (m *MemoryStore) SetUserBanned(_ context.Context, userID int64, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsBanned = banned
	m.users[userID] = u
	return nil
}

// SetUserReseller flips the reseller flag. Tier rows are kept either way;
// only the flag gates whether they apply.
func (m *MemoryStore) SetUserReseller(_ context.Context, userID int64, reseller bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsReseller = reseller
	m.users[userID] = u
	return nil
}

// SetUserLanguage sets the user's locale.
func (m *MemoryStore) SetUserLanguage(_ context.Context, userID int64, lang string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Lang = lang
	m.users[userID] = u
	return nil
}

// SaveProduct inserts or updates a product row. A zero ID gets the next
// free one assigned.
func (m *MemoryStore) SaveProduct(_ context.Context, p Product) (Product, error) {
	if p.Available < 0 || p.Reserved < 0 {
		return Product{}, fmt.Errorf("product counters must not be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == 0 {
		m.nextProductID++
		p.ID = m.nextProductID
	} else if p.ID > m.nextProductID {
		m.nextProductID = p.ID
	}
	m.products[p.ID] = p
	return p, nil
}

// GetProduct retrieves a product by id.
func (m *MemoryStore) GetProduct(_ context.Context, productID int64) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[productID]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

// DeleteProducts removes product rows. Already-missing rows are no-ops.
func (m *MemoryStore) DeleteProducts(_ context.Context, productIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range productIDs {
		delete(m.products, id)
	}
	return nil
}

// ReserveUnit moves one unit available→reserved and appends a basket row.
func (m *MemoryStore) ReserveUnit(_ context.Context, res BasketReservation) (BasketReservation, error) {
	if err := validateAndPrepareReservation(&res); err != nil {
		return BasketReservation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[res.ProductID]
	if !ok {
		return BasketReservation{}, ErrNotFound
	}
	if p.Available <= 0 {
		return BasketReservation{}, ErrNoStock
	}

	p.Available--
	p.Reserved++
	m.products[res.ProductID] = p

	if res.ProductType == "" {
		res.ProductType = p.ProductType
	}
	if res.SnapshotPriceEUR.IsZero() {
		res.SnapshotPriceEUR = p.PriceEUR
	}
	m.nextReservationID++
	res.ID = m.nextReservationID
	m.reservations[res.ID] = res
	return res, nil
}

// ListReservations returns the user's basket rows, oldest first.
func (m *MemoryStore) ListReservations(_ context.Context, userID int64) ([]BasketReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []BasketReservation
	for _, r := range m.reservations {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out, nil
}

// ListReservationsOlderThan returns every reservation held since before the
// cutoff, across all users, oldest first.
func (m *MemoryStore) ListReservationsOlderThan(_ context.Context, cutoff time.Time) ([]BasketReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []BasketReservation
	for _, r := range m.reservations {
		if r.ReservedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out, nil
}

// ReleaseReservations moves the user's held units back to available and
// deletes the basket rows. A zero cutoff releases everything; otherwise
// only rows reserved before the cutoff. Products deleted in the meantime
// are skipped.
func (m *MemoryStore) ReleaseReservations(_ context.Context, userID int64, before time.Time) ([]BasketReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []BasketReservation
	for id, r := range m.reservations {
		if r.UserID != userID {
			continue
		}
		if !before.IsZero() && !r.ReservedAt.Before(before) {
			continue
		}
		if p, ok := m.products[r.ProductID]; ok {
			p.Available++
			if p.Reserved > 0 {
				p.Reserved--
			}
			m.products[r.ProductID] = p
		}
		released = append(released, r)
		delete(m.reservations, id)
	}
	sortReservations(released)
	return released, nil
}

// FinalizePurchase is the atomic purchase commit. Each snapshot unit
// consumes the user's live hold when one exists and falls back to loose
// stock otherwise, so late settlements after basket expiry still succeed
// when a unit is available. Nothing is written when any unit cannot be
// consumed.
func (m *MemoryStore) FinalizePurchase(_ context.Context, req FinalizeRequest) (FinalizeResult, error) {
	if len(req.Items) == 0 {
		return FinalizeResult{}, fmt.Errorf("finalize requires at least one snapshot item")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[req.UserID]
	if !ok {
		return FinalizeResult{}, ErrNotFound
	}

	// Count how many of the user's own holds cover each product.
	held := make(map[int64]int64)
	for _, r := range m.reservations {
		if r.UserID == req.UserID {
			held[r.ProductID]++
		}
	}

	// Stage stock consumption on copies; commit only if every unit fits.
	staged := make(map[int64]Product)
	for _, item := range req.Items {
		p, ok := staged[item.ProductID]
		if !ok {
			p, ok = m.products[item.ProductID]
			if !ok {
				return FinalizeResult{}, fmt.Errorf("product %d: %w", item.ProductID, ErrNoStock)
			}
		}
		switch {
		case held[item.ProductID] > 0 && p.Reserved > 0:
			held[item.ProductID]--
			p.Reserved--
		case p.Available > 0:
			p.Available--
		default:
			return FinalizeResult{}, fmt.Errorf("product %d: %w", item.ProductID, ErrNoStock)
		}
		staged[item.ProductID] = p
	}

	now := time.Now().UTC()
	for id, p := range staged {
		m.products[id] = p
	}
	for _, item := range req.Items {
		m.nextPurchaseID++
		m.purchases = append(m.purchases, Purchase{
			ID:           m.nextPurchaseID,
			UserID:       req.UserID,
			ProductID:    item.ProductID,
			ProductName:  item.Name,
			ProductType:  item.ProductType,
			Size:         item.Size,
			PricePaidEUR: item.PricePaid,
			City:         item.City,
			District:     item.District,
			PurchasedAt:  now,
		})
	}
	user.TotalPurchases += int64(len(req.Items))
	m.users[req.UserID] = user

	result := FinalizeResult{UnitsSold: len(req.Items)}
	if req.DiscountCode != "" {
		code, ok := m.discounts[req.DiscountCode]
		switch {
		case ok && code.Active && !code.Exhausted():
			code.UsesCount++
			m.discounts[req.DiscountCode] = code
			result.CouponApplied = true
		default:
			// The payment already happened; never roll back the sale.
			result.CouponExhausted = true
		}
	}

	// Clear the user's basket. The sold units were consumed above, so the
	// rows are deleted without restoring stock.
	for id, r := range m.reservations {
		if r.UserID == req.UserID {
			delete(m.reservations, id)
		}
	}

	return result, nil
}

// ListUserPurchases returns the user's purchase rows, oldest first.
func (m *MemoryStore) ListUserPurchases(_ context.Context, userID int64) ([]Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Purchase
	for _, p := range m.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

// AdjustBalance applies a read-modify-write balance change and appends the
// audit entry in the same critical section.
func (m *MemoryStore) AdjustBalance(_ context.Context, adj BalanceAdjustment) (BalanceResult, error) {
	if adj.Action == "" {
		return BalanceResult{}, fmt.Errorf("balance adjustment requires an action")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[adj.UserID]
	if !ok {
		return BalanceResult{}, ErrNotFound
	}

	oldBalance := user.BalanceEUR
	newBalance := oldBalance.Add(adj.Delta)
	if newBalance.IsNegative() {
		return BalanceResult{}, ErrInsufficientBalance
	}

	user.BalanceEUR = newBalance
	m.users[adj.UserID] = user

	m.nextAuditID++
	m.audit = append(m.audit, AuditEntry{
		ID:           m.nextAuditID,
		At:           time.Now().UTC(),
		AdminID:      adj.AdminID,
		Action:       adj.Action,
		TargetUserID: adj.UserID,
		Reason:       adj.Reason,
		AmountChange: decimal.NewNullDecimal(adj.Delta),
		OldValue:     oldBalance.StringFixed(2),
		NewValue:     newBalance.StringFixed(2),
	})

	return BalanceResult{Old: oldBalance, New: newBalance}, nil
}

// AppendAudit records an audit entry.
func (m *MemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	if err := validateAndPrepareAudit(&entry); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAuditID++
	entry.ID = m.nextAuditID
	m.audit = append(m.audit, entry)
	return nil
}

// ListAuditEntries returns the most recent audit entries, newest first.
func (m *MemoryStore) ListAuditEntries(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

// SavePendingDeposit persists a new pending deposit.
func (m *MemoryStore) SavePendingDeposit(_ context.Context, dep PendingDeposit) error {
	if err := validateAndPrepareDeposit(&dep); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deposits[dep.PaymentID]; exists {
		return fmt.Errorf("pending deposit already exists: %s", dep.PaymentID)
	}
	m.deposits[dep.PaymentID] = dep
	return nil
}

// GetPendingDeposit retrieves a deposit by payment id.
func (m *MemoryStore) GetPendingDeposit(_ context.Context, paymentID string) (PendingDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dep, ok := m.deposits[paymentID]
	if !ok {
		return PendingDeposit{}, ErrNotFound
	}
	return dep, nil
}

// DeletePendingDeposit removes a deposit. ErrNotFound means it was already
// processed by another path.
func (m *MemoryStore) DeletePendingDeposit(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deposits[paymentID]; !ok {
		return ErrNotFound
	}
	delete(m.deposits, paymentID)
	return nil
}

// ListPendingDeposits returns all open deposits, oldest first.
func (m *MemoryStore) ListPendingDeposits(_ context.Context) ([]PendingDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PendingDeposit, 0, len(m.deposits))
	for _, dep := range m.deposits {
		out = append(out, dep)
	}
	sortDeposits(out)
	return out, nil
}

// ListPendingDepositsOlderThan returns deposits created before the cutoff,
// oldest first.
func (m *MemoryStore) ListPendingDepositsOlderThan(_ context.Context, cutoff time.Time) ([]PendingDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PendingDeposit
	for _, dep := range m.deposits {
		if dep.CreatedAt.Before(cutoff) {
			out = append(out, dep)
		}
	}
	sortDeposits(out)
	return out, nil
}

// HasPendingDepositForUser reports whether any deposit is open for the user.
func (m *MemoryStore) HasPendingDepositForUser(_ context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, dep := range m.deposits {
		if dep.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// CreateWallet persists a new ephemeral wallet. Idempotent on order id:
// when a row already exists it is returned unchanged and nothing is
// written.
func (m *MemoryStore) CreateWallet(_ context.Context, w Wallet) (Wallet, error) {
	if err := validateAndPrepareWallet(&w); err != nil {
		return Wallet{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, exists := m.walletsByOrder[w.OrderID]; exists {
		return m.wallets[id], nil
	}

	m.nextWalletID++
	w.ID = m.nextWalletID
	m.wallets[w.ID] = w
	m.walletsByOrder[w.OrderID] = w.ID
	return w, nil
}

// GetWalletByOrderID retrieves a wallet by its order id.
func (m *MemoryStore) GetWalletByOrderID(_ context.Context, orderID string) (Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.walletsByOrder[orderID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return m.wallets[id], nil
}

// GetWalletByAddress retrieves a wallet by its public key.
func (m *MemoryStore) GetWalletByAddress(_ context.Context, publicKey string) (Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.wallets {
		if w.PublicKey == publicKey {
			return w, nil
		}
	}
	return Wallet{}, ErrNotFound
}

// ListWalletsByStatus returns wallets in the given status, oldest first.
func (m *MemoryStore) ListWalletsByStatus(_ context.Context, status WalletStatus) ([]Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Wallet
	for _, w := range m.wallets {
		if w.Status == status {
			out = append(out, w)
		}
	}
	sortWallets(out)
	return out, nil
}

// ListWallets returns every wallet regardless of status, oldest first.
func (m *MemoryStore) ListWallets(_ context.Context) ([]Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	sortWallets(out)
	return out, nil
}

// TransitionWallet moves a wallet from one status to another, recording the
// received amount when provided. ErrWalletConflict signals a lost race.
func (m *MemoryStore) TransitionWallet(_ context.Context, walletID int64, from, to WalletStatus, received decimal.NullDecimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	if w.Status != from {
		return ErrWalletConflict
	}
	w.Status = to
	if received.Valid {
		w.AmountReceivedSOL = received
	}
	w.UpdatedAt = time.Now().UTC()
	m.wallets[walletID] = w
	return nil
}

// SetWalletStatus sets the status regardless of the current one.
func (m *MemoryStore) SetWalletStatus(_ context.Context, walletID int64, to WalletStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	w.Status = to
	w.UpdatedAt = time.Now().UTC()
	m.wallets[walletID] = w
	return nil
}

// SaveDiscountCode inserts or updates a coupon.
func (m *MemoryStore) SaveDiscountCode(_ context.Context, code DiscountCode) error {
	if code.Code == "" {
		return fmt.Errorf("discount code requires a code")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.discounts[code.Code] = code
	return nil
}

// GetDiscountCode retrieves a coupon by code.
func (m *MemoryStore) GetDiscountCode(_ context.Context, code string) (DiscountCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.discounts[code]
	if !ok {
		return DiscountCode{}, ErrNotFound
	}
	return d, nil
}

// SaveResellerDiscount inserts or updates a reseller tier.
func (m *MemoryStore) SaveResellerDiscount(_ context.Context, d ResellerDiscount) error {
	if d.ResellerUserID == 0 || d.ProductType == "" {
		return fmt.Errorf("reseller discount requires user id and product type")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.resellerPercent[resellerKey{d.ResellerUserID, d.ProductType}] = d.Percent
	return nil
}

// GetResellerPercent returns the user's percentage for a product type.
func (m *MemoryStore) GetResellerPercent(_ context.Context, userID int64, productType string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pct, ok := m.resellerPercent[resellerKey{userID, productType}]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return pct, nil
}

// GetSetting retrieves a setting row.
func (m *MemoryStore) GetSetting(_ context.Context, key string) (Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[key]
	if !ok {
		return Setting{}, ErrNotFound
	}
	return s, nil
}

// SetSetting upserts a setting row with the current timestamp.
func (m *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting requires a key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[key] = Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return nil
}

func sortReservations(rs []BasketReservation) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}

func sortDeposits(ds []PendingDeposit) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].CreatedAt.Before(ds[j].CreatedAt) })
}

func sortWallets(ws []Wallet) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
}
