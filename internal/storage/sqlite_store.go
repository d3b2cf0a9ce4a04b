package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/rpcutil"
)

// SQLiteStore is a Store backed by a single sqlite database file. Writes go
// through immediate transactions (the write lock is taken up front, so
// conflicting writers fail fast and are retried) and the pool is pinned to
// one connection, which serializes access the way the embedded engine
// expects.
type SQLiteStore struct {
	db      *sql.DB
	metrics *metrics.Metrics

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
}

// NewSQLiteStore opens (creating if necessary) the database at path, applies
// the schema, and starts the periodic maintenance goroutine.
func NewSQLiteStore(path string, maintenanceInterval time.Duration, m *metrics.Metrics) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// _txlock=immediate makes BeginTx issue BEGIN IMMEDIATE, so write
	// transactions take the lock at open instead of at first write.
	dsn := "file:" + url.PathEscape(path) + "?_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	// A single connection avoids SQLITE_BUSY between pool members; the
	// busy_timeout covers external writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLiteStore{
		db:              db,
		metrics:         m,
		stopMaintenance: make(chan struct{}),
		maintenanceDone: make(chan struct{}),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if maintenanceInterval <= 0 {
		maintenanceInterval = 5 * time.Minute
	}
	go s.maintenanceLoop(maintenanceInterval)

	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	user_id         INTEGER PRIMARY KEY,
	username        TEXT NOT NULL DEFAULT '',
	lang            TEXT NOT NULL DEFAULT 'en',
	balance_eur     TEXT NOT NULL DEFAULT '0',
	is_reseller     INTEGER NOT NULL DEFAULT 0,
	is_banned       INTEGER NOT NULL DEFAULT 0,
	total_purchases INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	city         TEXT NOT NULL,
	district     TEXT NOT NULL,
	product_type TEXT NOT NULL,
	size         TEXT NOT NULL,
	name         TEXT NOT NULL,
	price_eur    TEXT NOT NULL,
	available    INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
	reserved     INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	pickup_text  TEXT NOT NULL DEFAULT '',
	media_dir    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS basket_reservations (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id            INTEGER NOT NULL,
	product_id         INTEGER NOT NULL,
	product_type       TEXT NOT NULL DEFAULT '',
	snapshot_price_eur TEXT NOT NULL,
	reserved_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_basket_reservations_user ON basket_reservations(user_id);
CREATE INDEX IF NOT EXISTS idx_basket_reservations_reserved_at ON basket_reservations(reserved_at);

CREATE TABLE IF NOT EXISTS discount_codes (
	code       TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	max_uses   INTEGER,
	uses_count INTEGER NOT NULL DEFAULT 0,
	active     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS reseller_discounts (
	reseller_user_id INTEGER NOT NULL,
	product_type     TEXT NOT NULL,
	percent          TEXT NOT NULL,
	UNIQUE (reseller_user_id, product_type)
);

CREATE TABLE IF NOT EXISTS pending_deposits (
	payment_id           TEXT PRIMARY KEY,
	user_id              INTEGER NOT NULL,
	currency             TEXT NOT NULL DEFAULT 'SOL',
	target_eur           TEXT NOT NULL,
	expected_sol         TEXT NOT NULL,
	is_purchase          INTEGER NOT NULL DEFAULT 0,
	basket_snapshot_json TEXT NOT NULL DEFAULT '[]',
	discount_code        TEXT,
	created_at           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_deposits_user ON pending_deposits(user_id);
CREATE INDEX IF NOT EXISTS idx_pending_deposits_created_at ON pending_deposits(created_at);

CREATE TABLE IF NOT EXISTS solana_wallets (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id             INTEGER NOT NULL,
	order_id            TEXT NOT NULL UNIQUE,
	public_key          TEXT NOT NULL,
	private_key         TEXT NOT NULL,
	expected_sol        TEXT NOT NULL,
	amount_received_sol TEXT,
	status              TEXT NOT NULL DEFAULT 'pending',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_solana_wallets_status ON solana_wallets(status);
CREATE INDEX IF NOT EXISTS idx_solana_wallets_user ON solana_wallets(user_id);

CREATE TABLE IF NOT EXISTS purchases (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id        INTEGER NOT NULL,
	product_id     INTEGER NOT NULL,
	product_name   TEXT NOT NULL,
	product_type   TEXT NOT NULL,
	size           TEXT NOT NULL,
	price_paid_eur TEXT NOT NULL,
	city           TEXT NOT NULL,
	district       TEXT NOT NULL,
	purchased_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id);

CREATE TABLE IF NOT EXISTS bot_settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	at             TIMESTAMP NOT NULL,
	admin_id       INTEGER NOT NULL DEFAULT 0,
	action         TEXT NOT NULL,
	target_user_id INTEGER,
	reason         TEXT,
	amount_change  TEXT,
	old_value      TEXT,
	new_value      TEXT
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// maintenanceLoop periodically checkpoints the WAL and refreshes the query
// planner statistics so a long-running process does not accumulate an
// unbounded log file.
func (s *SQLiteStore) maintenanceLoop(interval time.Duration) {
	defer close(s.maintenanceDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopMaintenance:
			return
		case <-ticker.C:
			start := time.Now()
			s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			s.db.Exec("PRAGMA optimize")
			metrics.RecordDBQuery(s.metrics, "maintenance", "sqlite", time.Since(start))
		}
	}
}

// Close stops the maintenance goroutine and closes the database.
func (s *SQLiteStore) Close() error {
	close(s.stopMaintenance)
	<-s.maintenanceDone
	s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// withTx runs fn inside an immediate transaction, retrying the whole body
// when the engine reports contention.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := rpcutil.WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.runTx(ctx, fn)
	})
	return err
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetDBConnections("sqlite", float64(s.db.Stats().OpenConnections))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, userID int64, username string) (User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_or_create_user", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var u User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = scanUser(tx.QueryRowContext(ctx,
			`SELECT user_id, username, lang, balance_eur, is_reseller, is_banned, total_purchases, created_at
			 FROM users WHERE user_id = ?`, userID))
		switch {
		case err == nil:
			if username != "" && u.Username != username {
				if _, err := tx.ExecContext(ctx,
					`UPDATE users SET username = ? WHERE user_id = ?`, username, userID); err != nil {
					return fmt.Errorf("update username: %w", err)
				}
				u.Username = username
			}
			return nil
		case err == sql.ErrNoRows:
			u = User{
				UserID:     userID,
				Username:   username,
				Lang:       "en",
				BalanceEUR: decimal.Zero,
				CreatedAt:  time.Now().UTC(),
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO users (user_id, username, lang, balance_eur, is_reseller, is_banned, total_purchases, created_at)
				 VALUES (?, ?, ?, ?, 0, 0, 0, ?)`,
				u.UserID, u.Username, u.Lang, u.BalanceEUR.String(), u.CreatedAt); err != nil {
				return fmt.Errorf("insert user: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("query user: %w", err)
		}
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_user", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT user_id, username, lang, balance_eur, is_reseller, is_banned, total_purchases, created_at
		 FROM users WHERE user_id = ?`, userID))
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) SetUserBanned(ctx context.Context, userID int64, banned bool) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_user_banned", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_banned = ? WHERE user_id = ?`, boolToInt(banned), userID)
	if err != nil {
		return fmt.Errorf("update ban flag: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) SetUserReseller(ctx context.Context, userID int64, reseller bool) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_user_reseller", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_reseller = ? WHERE user_id = ?`, boolToInt(reseller), userID)
	if err != nil {
		return fmt.Errorf("update reseller flag: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) SetUserLanguage(ctx context.Context, userID int64, lang string) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_user_language", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET lang = ? WHERE user_id = ?`, lang, userID)
	if err != nil {
		return fmt.Errorf("update language: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) SaveProduct(ctx context.Context, p Product) (Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "save_product", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if p.Available < 0 || p.Reserved < 0 {
		return Product{}, fmt.Errorf("product counters must not be negative")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if p.ID == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO products (city, district, product_type, size, name, price_eur, available, reserved, pickup_text, media_dir)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.City, p.District, p.ProductType, p.Size, p.Name,
				p.PriceEUR.String(), p.Available, p.Reserved, p.PickupText, p.MediaDir)
			if err != nil {
				return fmt.Errorf("insert product: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("product id: %w", err)
			}
			p.ID = id
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO products (id, city, district, product_type, size, name, price_eur, available, reserved, pickup_text, media_dir)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			     city = excluded.city, district = excluded.district,
			     product_type = excluded.product_type, size = excluded.size,
			     name = excluded.name, price_eur = excluded.price_eur,
			     available = excluded.available, reserved = excluded.reserved,
			     pickup_text = excluded.pickup_text, media_dir = excluded.media_dir`,
			p.ID, p.City, p.District, p.ProductType, p.Size, p.Name,
			p.PriceEUR.String(), p.Available, p.Reserved, p.PickupText, p.MediaDir)
		if err != nil {
			return fmt.Errorf("upsert product: %w", err)
		}
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, productID int64) (Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_product", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	p, err := scanProduct(s.db.QueryRowContext(ctx,
		`SELECT id, city, district, product_type, size, name, price_eur, available, reserved, pickup_text, media_dir
		 FROM products WHERE id = ?`, productID))
	if err == sql.ErrNoRows {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) DeleteProducts(ctx context.Context, productIDs []int64) error {
	defer metrics.MeasureDBQuery(s.metrics, "delete_products", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if len(productIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range productIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete product %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ReserveUnit(ctx context.Context, res BasketReservation) (BasketReservation, error) {
	defer metrics.MeasureDBQuery(s.metrics, "reserve_unit", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if err := validateAndPrepareReservation(&res); err != nil {
		return BasketReservation{}, err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanProduct(tx.QueryRowContext(ctx,
			`SELECT id, city, district, product_type, size, name, price_eur, available, reserved, pickup_text, media_dir
			 FROM products WHERE id = ?`, res.ProductID))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query product: %w", err)
		}

		// Conditional move; zero rows means another buyer took the unit.
		upd, err := tx.ExecContext(ctx,
			`UPDATE products SET available = available - 1, reserved = reserved + 1
			 WHERE id = ? AND available > 0`, res.ProductID)
		if err != nil {
			return fmt.Errorf("reserve stock: %w", err)
		}
		n, err := upd.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve stock: %w", err)
		}
		if n == 0 {
			return ErrNoStock
		}

		if res.ProductType == "" {
			res.ProductType = p.ProductType
		}
		if res.SnapshotPriceEUR.IsZero() {
			res.SnapshotPriceEUR = p.PriceEUR
		}
		ins, err := tx.ExecContext(ctx,
			`INSERT INTO basket_reservations (user_id, product_id, product_type, snapshot_price_eur, reserved_at)
			 VALUES (?, ?, ?, ?, ?)`,
			res.UserID, res.ProductID, res.ProductType, res.SnapshotPriceEUR.String(), res.ReservedAt)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		id, err := ins.LastInsertId()
		if err != nil {
			return fmt.Errorf("reservation id: %w", err)
		}
		res.ID = id
		return nil
	})
	if err != nil {
		return BasketReservation{}, err
	}
	return res, nil
}

func (s *SQLiteStore) ListReservations(ctx context.Context, userID int64) ([]BasketReservation, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_reservations", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, product_id, product_type, snapshot_price_eur, reserved_at
		 FROM basket_reservations WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()
	return collectReservations(rows)
}

func (s *SQLiteStore) ListReservationsOlderThan(ctx context.Context, cutoff time.Time) ([]BasketReservation, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_reservations_older", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, product_id, product_type, snapshot_price_eur, reserved_at
		 FROM basket_reservations WHERE reserved_at < ? ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale reservations: %w", err)
	}
	defer rows.Close()
	return collectReservations(rows)
}

func (s *SQLiteStore) ReleaseReservations(ctx context.Context, userID int64, before time.Time) ([]BasketReservation, error) {
	defer metrics.MeasureDBQuery(s.metrics, "release_reservations", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var released []BasketReservation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		released = nil

		query := `SELECT id, user_id, product_id, product_type, snapshot_price_eur, reserved_at
		          FROM basket_reservations WHERE user_id = ?`
		args := []any{userID}
		if !before.IsZero() {
			query += ` AND reserved_at < ?`
			args = append(args, before)
		}
		rows, err := tx.QueryContext(ctx, query+` ORDER BY id`, args...)
		if err != nil {
			return fmt.Errorf("query reservations: %w", err)
		}
		released, err = collectReservations(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, r := range released {
			// Product may have been deleted while the hold was live.
			if _, err := tx.ExecContext(ctx,
				`UPDATE products SET available = available + 1, reserved = MAX(reserved - 1, 0)
				 WHERE id = ?`, r.ProductID); err != nil {
				return fmt.Errorf("restore stock: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM basket_reservations WHERE id = ?`, r.ID); err != nil {
				return fmt.Errorf("delete reservation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (s *SQLiteStore) FinalizePurchase(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	defer metrics.MeasureDBQuery(s.metrics, "finalize_purchase", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if len(req.Items) == 0 {
		return FinalizeResult{}, fmt.Errorf("finalize requires at least one snapshot item")
	}

	var result FinalizeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = FinalizeResult{}

		var exists int64
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE user_id = ?`, req.UserID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("query user: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}

		// Number of units the user's own basket still holds per product.
		held := make(map[int64]int64)
		rows, err := tx.QueryContext(ctx,
			`SELECT product_id, COUNT(*) FROM basket_reservations WHERE user_id = ? GROUP BY product_id`,
			req.UserID)
		if err != nil {
			return fmt.Errorf("query holds: %w", err)
		}
		for rows.Next() {
			var productID, count int64
			if err := rows.Scan(&productID, &count); err != nil {
				rows.Close()
				return fmt.Errorf("scan hold: %w", err)
			}
			held[productID] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate holds: %w", err)
		}

		now := time.Now().UTC()
		for _, item := range req.Items {
			// Consume the user's own hold first, then loose stock. Either
			// conditional update affecting zero rows means the snapshot can
			// no longer be honored and the transaction rolls back whole.
			var upd sql.Result
			if held[item.ProductID] > 0 {
				held[item.ProductID]--
				upd, err = tx.ExecContext(ctx,
					`UPDATE products SET reserved = reserved - 1 WHERE id = ? AND reserved > 0`,
					item.ProductID)
			} else {
				upd, err = tx.ExecContext(ctx,
					`UPDATE products SET available = available - 1 WHERE id = ? AND available > 0`,
					item.ProductID)
			}
			if err != nil {
				return fmt.Errorf("consume stock: %w", err)
			}
			n, err := upd.RowsAffected()
			if err != nil {
				return fmt.Errorf("consume stock: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("product %d: %w", item.ProductID, ErrNoStock)
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO purchases (user_id, product_id, product_name, product_type, size, price_paid_eur, city, district, purchased_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				req.UserID, item.ProductID, item.Name, item.ProductType, item.Size,
				item.PricePaid.String(), item.City, item.District, now); err != nil {
				return fmt.Errorf("insert purchase: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET total_purchases = total_purchases + ? WHERE user_id = ?`,
			len(req.Items), req.UserID); err != nil {
			return fmt.Errorf("update purchase count: %w", err)
		}

		result.UnitsSold = len(req.Items)
		if req.DiscountCode != "" {
			// The conditional update misfiring (expired, exhausted, deleted)
			// must not abort a paid sale; it is only flagged to the caller.
			upd, err := tx.ExecContext(ctx,
				`UPDATE discount_codes SET uses_count = uses_count + 1
				 WHERE code = ? AND active = 1 AND (max_uses IS NULL OR uses_count < max_uses)`,
				req.DiscountCode)
			if err != nil {
				return fmt.Errorf("consume coupon: %w", err)
			}
			n, err := upd.RowsAffected()
			if err != nil {
				return fmt.Errorf("consume coupon: %w", err)
			}
			if n > 0 {
				result.CouponApplied = true
			} else {
				result.CouponExhausted = true
			}
		}

		// Sold units were consumed above; the rows go without a restore.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM basket_reservations WHERE user_id = ?`, req.UserID); err != nil {
			return fmt.Errorf("clear basket: %w", err)
		}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	return result, nil
}

func (s *SQLiteStore) ListUserPurchases(ctx context.Context, userID int64) ([]Purchase, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_user_purchases", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, product_id, product_name, product_type, size, price_paid_eur, city, district, purchased_at
		 FROM purchases WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		var p Purchase
		var price string
		if err := rows.Scan(&p.ID, &p.UserID, &p.ProductID, &p.ProductName, &p.ProductType,
			&p.Size, &price, &p.City, &p.District, &p.PurchasedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		if p.PricePaidEUR, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse purchase price: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AdjustBalance(ctx context.Context, adj BalanceAdjustment) (BalanceResult, error) {
	defer metrics.MeasureDBQuery(s.metrics, "adjust_balance", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if adj.Action == "" {
		return BalanceResult{}, fmt.Errorf("balance adjustment requires an action")
	}

	var result BalanceResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT balance_eur FROM users WHERE user_id = ?`, adj.UserID).Scan(&raw)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query balance: %w", err)
		}
		oldBalance, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse balance: %w", err)
		}

		newBalance := oldBalance.Add(adj.Delta)
		if newBalance.IsNegative() {
			return ErrInsufficientBalance
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET balance_eur = ? WHERE user_id = ?`,
			newBalance.String(), adj.UserID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log (at, admin_id, action, target_user_id, reason, amount_change, old_value, new_value)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			time.Now().UTC(), adj.AdminID, adj.Action, adj.UserID, nullString(adj.Reason),
			adj.Delta.String(), oldBalance.StringFixed(2), newBalance.StringFixed(2)); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}

		result = BalanceResult{Old: oldBalance, New: newBalance}
		return nil
	})
	if err != nil {
		return BalanceResult{}, err
	}
	return result, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	defer metrics.MeasureDBQuery(s.metrics, "append_audit", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if err := validateAndPrepareAudit(&entry); err != nil {
		return err
	}

	var amount any
	if entry.AmountChange.Valid {
		amount = entry.AmountChange.Decimal.String()
	}
	var target any
	if entry.TargetUserID != 0 {
		target = entry.TargetUserID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (at, admin_id, action, target_user_id, reason, amount_change, old_value, new_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.At, entry.AdminID, entry.Action, target, nullString(entry.Reason),
		amount, nullString(entry.OldValue), nullString(entry.NewValue))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_audit", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, admin_id, action, target_user_id, reason, amount_change, old_value, new_value
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var target sql.NullInt64
		var reason, amount, oldVal, newVal sql.NullString
		if err := rows.Scan(&e.ID, &e.At, &e.AdminID, &e.Action, &target, &reason, &amount, &oldVal, &newVal); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.TargetUserID = target.Int64
		e.Reason = reason.String
		e.OldValue = oldVal.String
		e.NewValue = newVal.String
		if amount.Valid {
			d, err := decimal.NewFromString(amount.String)
			if err != nil {
				return nil, fmt.Errorf("parse audit amount: %w", err)
			}
			e.AmountChange = decimal.NewNullDecimal(d)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SavePendingDeposit(ctx context.Context, dep PendingDeposit) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_deposit", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if err := validateAndPrepareDeposit(&dep); err != nil {
		return err
	}
	basket, err := json.Marshal(dep.Basket)
	if err != nil {
		return fmt.Errorf("encode basket snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_deposits (payment_id, user_id, currency, target_eur, expected_sol, is_purchase, basket_snapshot_json, discount_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.PaymentID, dep.UserID, dep.Currency, dep.TargetEUR.String(), dep.ExpectedSOL.String(),
		boolToInt(dep.IsPurchase), string(basket), nullString(dep.DiscountCode), dep.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending deposit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPendingDeposit(ctx context.Context, paymentID string) (PendingDeposit, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_deposit", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	dep, err := scanDeposit(s.db.QueryRowContext(ctx,
		`SELECT payment_id, user_id, currency, target_eur, expected_sol, is_purchase, basket_snapshot_json, discount_code, created_at
		 FROM pending_deposits WHERE payment_id = ?`, paymentID))
	if err == sql.ErrNoRows {
		return PendingDeposit{}, ErrNotFound
	}
	if err != nil {
		return PendingDeposit{}, fmt.Errorf("query pending deposit: %w", err)
	}
	return dep, nil
}

func (s *SQLiteStore) DeletePendingDeposit(ctx context.Context, paymentID string) error {
	defer metrics.MeasureDBQuery(s.metrics, "delete_deposit", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_deposits WHERE payment_id = ?`, paymentID)
	if err != nil {
		return fmt.Errorf("delete pending deposit: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) ListPendingDeposits(ctx context.Context) ([]PendingDeposit, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_deposits", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT payment_id, user_id, currency, target_eur, expected_sol, is_purchase, basket_snapshot_json, discount_code, created_at
		 FROM pending_deposits ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query pending deposits: %w", err)
	}
	defer rows.Close()
	return collectDeposits(rows)
}

func (s *SQLiteStore) ListPendingDepositsOlderThan(ctx context.Context, cutoff time.Time) ([]PendingDeposit, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_deposits_older", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT payment_id, user_id, currency, target_eur, expected_sol, is_purchase, basket_snapshot_json, discount_code, created_at
		 FROM pending_deposits WHERE created_at < ? ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale deposits: %w", err)
	}
	defer rows.Close()
	return collectDeposits(rows)
}

func (s *SQLiteStore) HasPendingDepositForUser(ctx context.Context, userID int64) (bool, error) {
	defer metrics.MeasureDBQuery(s.metrics, "has_deposit_for_user", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_deposits WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query pending deposits: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) CreateWallet(ctx context.Context, w Wallet) (Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "create_wallet", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if err := validateAndPrepareWallet(&w); err != nil {
		return Wallet{}, err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanWallet(tx.QueryRowContext(ctx,
			walletSelect+` WHERE order_id = ?`, w.OrderID))
		if err == nil {
			w = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("query wallet: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO solana_wallets (user_id, order_id, public_key, private_key, expected_sol, amount_received_sol, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
			w.UserID, w.OrderID, w.PublicKey, w.PrivateKey, w.ExpectedSOL.String(),
			string(w.Status), w.CreatedAt, w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("wallet id: %w", err)
		}
		w.ID = id
		return nil
	})
	if err != nil {
		return Wallet{}, err
	}
	return w, nil
}

const walletSelect = `SELECT id, user_id, order_id, public_key, private_key, expected_sol, amount_received_sol, status, created_at, updated_at
 FROM solana_wallets`

func (s *SQLiteStore) GetWalletByOrderID(ctx context.Context, orderID string) (Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_wallet_by_order", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	w, err := scanWallet(s.db.QueryRowContext(ctx, walletSelect+` WHERE order_id = ?`, orderID))
	if err == sql.ErrNoRows {
		return Wallet{}, ErrNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) GetWalletByAddress(ctx context.Context, publicKey string) (Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_wallet_by_address", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	w, err := scanWallet(s.db.QueryRowContext(ctx, walletSelect+` WHERE public_key = ?`, publicKey))
	if err == sql.ErrNoRows {
		return Wallet{}, ErrNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWalletsByStatus(ctx context.Context, status WalletStatus) ([]Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_wallets_by_status", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, walletSelect+` WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()
	return collectWallets(rows)
}

func (s *SQLiteStore) ListWallets(ctx context.Context) ([]Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_wallets", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, walletSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()
	return collectWallets(rows)
}

func (s *SQLiteStore) TransitionWallet(ctx context.Context, walletID int64, from, to WalletStatus, received decimal.NullDecimal) error {
	defer metrics.MeasureDBQuery(s.metrics, "transition_wallet", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var args []any
		query := `UPDATE solana_wallets SET status = ?, updated_at = ?`
		args = append(args, string(to), time.Now().UTC())
		if received.Valid {
			query += `, amount_received_sol = ?`
			args = append(args, received.Decimal.String())
		}
		query += ` WHERE id = ? AND status = ?`
		args = append(args, walletID, string(from))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("transition wallet: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition wallet: %w", err)
		}
		if n > 0 {
			return nil
		}

		// Zero rows: either the wallet is gone or another worker won the
		// transition. Distinguish so callers can treat conflicts as benign.
		var exists int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM solana_wallets WHERE id = ?`, walletID).Scan(&exists); err != nil {
			return fmt.Errorf("query wallet: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrWalletConflict
	})
}

func (s *SQLiteStore) SetWalletStatus(ctx context.Context, walletID int64, to WalletStatus) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_wallet_status", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE solana_wallets SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UTC(), walletID)
	if err != nil {
		return fmt.Errorf("set wallet status: %w", err)
	}
	return requireRowAffected(res)
}

func (s *SQLiteStore) SaveDiscountCode(ctx context.Context, code DiscountCode) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_discount_code", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if code.Code == "" {
		return fmt.Errorf("discount code requires a code")
	}
	var maxUses any
	if code.MaxUses != nil {
		maxUses = *code.MaxUses
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discount_codes (code, kind, value, max_uses, uses_count, active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET
		     kind = excluded.kind, value = excluded.value, max_uses = excluded.max_uses,
		     uses_count = excluded.uses_count, active = excluded.active`,
		code.Code, string(code.Kind), code.Value.String(), maxUses, code.UsesCount, boolToInt(code.Active))
	if err != nil {
		return fmt.Errorf("upsert discount code: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDiscountCode(ctx context.Context, code string) (DiscountCode, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_discount_code", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var d DiscountCode
	var kind, value string
	var maxUses sql.NullInt64
	var active int64
	err := s.db.QueryRowContext(ctx,
		`SELECT code, kind, value, max_uses, uses_count, active FROM discount_codes WHERE code = ?`,
		code).Scan(&d.Code, &kind, &value, &maxUses, &d.UsesCount, &active)
	if err == sql.ErrNoRows {
		return DiscountCode{}, ErrNotFound
	}
	if err != nil {
		return DiscountCode{}, fmt.Errorf("query discount code: %w", err)
	}
	d.Kind = DiscountKind(kind)
	if d.Value, err = decimal.NewFromString(value); err != nil {
		return DiscountCode{}, fmt.Errorf("parse discount value: %w", err)
	}
	if maxUses.Valid {
		d.MaxUses = &maxUses.Int64
	}
	d.Active = active != 0
	return d, nil
}

func (s *SQLiteStore) SaveResellerDiscount(ctx context.Context, d ResellerDiscount) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_reseller_discount", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if d.ResellerUserID == 0 || d.ProductType == "" {
		return fmt.Errorf("reseller discount requires user id and product type")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reseller_discounts (reseller_user_id, product_type, percent)
		 VALUES (?, ?, ?)
		 ON CONFLICT (reseller_user_id, product_type) DO UPDATE SET percent = excluded.percent`,
		d.ResellerUserID, d.ProductType, d.Percent.String())
	if err != nil {
		return fmt.Errorf("upsert reseller discount: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetResellerPercent(ctx context.Context, userID int64, productType string) (decimal.Decimal, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_reseller_percent", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT percent FROM reseller_discounts WHERE reseller_user_id = ? AND product_type = ?`,
		userID, productType).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query reseller percent: %w", err)
	}
	pct, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse reseller percent: %w", err)
	}
	return pct, nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (Setting, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_setting", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var st Setting
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM bot_settings WHERE key = ?`, key).
		Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return Setting{}, ErrNotFound
	}
	if err != nil {
		return Setting{}, fmt.Errorf("query setting: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_setting", "sqlite")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if key == "" {
		return fmt.Errorf("setting requires a key")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var balance string
	var isReseller, isBanned int64
	err := row.Scan(&u.UserID, &u.Username, &u.Lang, &balance, &isReseller, &isBanned, &u.TotalPurchases, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	if u.BalanceEUR, err = decimal.NewFromString(balance); err != nil {
		return User{}, fmt.Errorf("parse balance: %w", err)
	}
	u.IsReseller = isReseller != 0
	u.IsBanned = isBanned != 0
	return u, nil
}

func scanProduct(row rowScanner) (Product, error) {
	var p Product
	var price string
	err := row.Scan(&p.ID, &p.City, &p.District, &p.ProductType, &p.Size, &p.Name,
		&price, &p.Available, &p.Reserved, &p.PickupText, &p.MediaDir)
	if err != nil {
		return Product{}, err
	}
	if p.PriceEUR, err = decimal.NewFromString(price); err != nil {
		return Product{}, fmt.Errorf("parse price: %w", err)
	}
	return p, nil
}

func scanReservation(row rowScanner) (BasketReservation, error) {
	var r BasketReservation
	var price string
	err := row.Scan(&r.ID, &r.UserID, &r.ProductID, &r.ProductType, &price, &r.ReservedAt)
	if err != nil {
		return BasketReservation{}, err
	}
	if r.SnapshotPriceEUR, err = decimal.NewFromString(price); err != nil {
		return BasketReservation{}, fmt.Errorf("parse snapshot price: %w", err)
	}
	return r, nil
}

func collectReservations(rows *sql.Rows) ([]BasketReservation, error) {
	var out []BasketReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}

func scanDeposit(row rowScanner) (PendingDeposit, error) {
	var dep PendingDeposit
	var target, expected, basket string
	var isPurchase int64
	var discountCode sql.NullString
	err := row.Scan(&dep.PaymentID, &dep.UserID, &dep.Currency, &target, &expected,
		&isPurchase, &basket, &discountCode, &dep.CreatedAt)
	if err != nil {
		return PendingDeposit{}, err
	}
	if dep.TargetEUR, err = decimal.NewFromString(target); err != nil {
		return PendingDeposit{}, fmt.Errorf("parse target amount: %w", err)
	}
	if dep.ExpectedSOL, err = decimal.NewFromString(expected); err != nil {
		return PendingDeposit{}, fmt.Errorf("parse expected amount: %w", err)
	}
	dep.IsPurchase = isPurchase != 0
	if err := json.Unmarshal([]byte(basket), &dep.Basket); err != nil {
		return PendingDeposit{}, fmt.Errorf("decode basket snapshot: %w", err)
	}
	dep.DiscountCode = discountCode.String
	return dep, nil
}

func collectDeposits(rows *sql.Rows) ([]PendingDeposit, error) {
	var out []PendingDeposit
	for rows.Next() {
		dep, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending deposit: %w", err)
		}
		out = append(out, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending deposits: %w", err)
	}
	return out, nil
}

func scanWallet(row rowScanner) (Wallet, error) {
	var w Wallet
	var expected, status string
	var received sql.NullString
	err := row.Scan(&w.ID, &w.UserID, &w.OrderID, &w.PublicKey, &w.PrivateKey,
		&expected, &received, &status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return Wallet{}, err
	}
	if w.ExpectedSOL, err = decimal.NewFromString(expected); err != nil {
		return Wallet{}, fmt.Errorf("parse expected amount: %w", err)
	}
	if received.Valid {
		d, err := decimal.NewFromString(received.String)
		if err != nil {
			return Wallet{}, fmt.Errorf("parse received amount: %w", err)
		}
		w.AmountReceivedSOL = decimal.NewNullDecimal(d)
	}
	w.Status = WalletStatus(status)
	return w, nil
}

func collectWallets(rows *sql.Rows) ([]Wallet, error) {
	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallets: %w", err)
	}
	return out, nil
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
