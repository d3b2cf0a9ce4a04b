package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/rpcutil"
)

// PostgresStore is a Store backed by PostgreSQL. It shares the sqlite
// backend's row shapes (decimals as TEXT, flags as SMALLINT) so the two
// backends scan through the same helpers.
type PostgresStore struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewPostgresStore connects to the database at connectionString, applies the
// pool settings, and creates any missing tables.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, m *metrics.Metrics) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() during failed initialization is not actionable; the
		// connection failure is the error worth returning.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	s := &PostgresStore{db: db, metrics: m}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	user_id         BIGINT PRIMARY KEY,
	username        TEXT NOT NULL DEFAULT '',
	lang            TEXT NOT NULL DEFAULT 'en',
	balance_eur     TEXT NOT NULL DEFAULT '0',
	is_reseller     SMALLINT NOT NULL DEFAULT 0,
	is_banned       SMALLINT NOT NULL DEFAULT 0,
	total_purchases BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id           BIGSERIAL PRIMARY KEY,
	city         TEXT NOT NULL,
	district     TEXT NOT NULL,
	product_type TEXT NOT NULL,
	size         TEXT NOT NULL,
	name         TEXT NOT NULL,
	price_eur    TEXT NOT NULL,
	available    BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
	reserved     BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	pickup_text  TEXT NOT NULL DEFAULT '',
	media_dir    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS basket_reservations (
	id                 BIGSERIAL PRIMARY KEY,
	user_id            BIGINT NOT NULL,
	product_id         BIGINT NOT NULL,
	product_type       TEXT NOT NULL DEFAULT '',
	snapshot_price_eur TEXT NOT NULL,
	reserved_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_basket_reservations_user ON basket_reservations(user_id);
CREATE INDEX IF NOT EXISTS idx_basket_reservations_reserved_at ON basket_reservations(reserved_at);

CREATE TABLE IF NOT EXISTS discount_codes (
	code       TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	max_uses   BIGINT,
	uses_count BIGINT NOT NULL DEFAULT 0,
	active     SMALLINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS reseller_discounts (
	reseller_user_id BIGINT NOT NULL,
	product_type     TEXT NOT NULL,
	percent          TEXT NOT NULL,
	UNIQUE (reseller_user_id, product_type)
);

CREATE TABLE IF NOT EXISTS pending_deposits (
	payment_id           TEXT PRIMARY KEY,
	user_id              BIGINT NOT NULL,
	currency             TEXT NOT NULL DEFAULT 'SOL',
	target_eur           TEXT NOT NULL,
	expected_sol         TEXT NOT NULL,
	is_purchase          SMALLINT NOT NULL DEFAULT 0,
	basket_snapshot_json TEXT NOT NULL DEFAULT '[]',
	discount_code        TEXT,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_deposits_user ON pending_deposits(user_id);
CREATE INDEX IF NOT EXISTS idx_pending_deposits_created_at ON pending_deposits(created_at);

CREATE TABLE IF NOT EXISTS solana_wallets (
	id                  BIGSERIAL PRIMARY KEY,
	user_id             BIGINT NOT NULL,
	order_id            TEXT NOT NULL UNIQUE,
	public_key          TEXT NOT NULL,
	private_key         TEXT NOT NULL,
	expected_sol        TEXT NOT NULL,
	amount_received_sol TEXT,
	status              TEXT NOT NULL DEFAULT 'pending',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_solana_wallets_status ON solana_wallets(status);
CREATE INDEX IF NOT EXISTS idx_solana_wallets_user ON solana_wallets(user_id);

CREATE TABLE IF NOT EXISTS purchases (
	id             BIGSERIAL PRIMARY KEY,
	user_id        BIGINT NOT NULL,
	product_id     BIGINT NOT NULL,
	product_name   TEXT NOT NULL,
	product_type   TEXT NOT NULL,
	size           TEXT NOT NULL,
	price_paid_eur TEXT NOT NULL,
	city           TEXT NOT NULL,
	district       TEXT NOT NULL,
	purchased_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id);

CREATE TABLE IF NOT EXISTS bot_settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id             BIGSERIAL PRIMARY KEY,
	at             TIMESTAMPTZ NOT NULL,
	admin_id       BIGINT NOT NULL DEFAULT 0,
	action         TEXT NOT NULL,
	target_user_id BIGINT,
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

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, retrying the whole body on transient
// failures (serialization aborts, deadlocks).
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := rpcutil.WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.runTx(ctx, fn)
	})
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetDBConnections("postgres", float64(s.db.Stats().OpenConnections))
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

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, userID int64, username string) (User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_or_create_user", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	// Single round-trip upsert; a blank username never clobbers a stored one.
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`INSERT INTO users (user_id, username, lang, balance_eur, is_reseller, is_banned, total_purchases, created_at)
		 VALUES ($1, $2, 'en', '0', 0, 0, 0, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		     username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE users.username END
		 RETURNING user_id, username, lang, balance_eur, is_reseller, is_banned, total_purchases, created_at`,
		userID, username, time.Now().UTC()))
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (User, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_user", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT user_id, username, lang, balance_eur, is_reseller, is_banned, total_purchases, created_at
		 FROM users WHERE user_id = $1`, userID))
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) SetUserBanned(ctx context.Context, userID int64, banned bool) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_user_banned", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_banned = $1 WHERE user_id = $2`, boolToInt(banned), userID)
	if err != nil {
		return fmt.Errorf("update ban flag: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) SetUserReseller(ctx context.Context, userID int64, reseller bool) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_user_reseller", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_reseller = $1 WHERE user_id = $2`, boolToInt(reseller), userID)
	if err != nil {
		return fmt.Errorf("update reseller flag: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) SetUserLanguage(ctx context.Context, userID int64, lang string) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_user_language", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET lang = $1 WHERE user_id = $2`, lang, userID)
	if err != nil {
		return fmt.Errorf("update language: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) SaveProduct(ctx context.Context, p Product) (Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "save_product", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if p.Available < 0 || p.Reserved < 0 {
		return Product{}, fmt.Errorf("product counters must not be negative")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if p.ID == 0 {
			err := tx.QueryRowContext(ctx,
				`INSERT INTO products (city, district, product_type, size, name, price_eur, available, reserved, pickup_text, media_dir)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 RETURNING id`,
				p.City, p.District, p.ProductType, p.Size, p.Name,
				p.PriceEUR.String(), p.Available, p.Reserved, p.PickupText, p.MediaDir).Scan(&p.ID)
			if err != nil {
				return fmt.Errorf("insert product: %w", err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO products (id, city, district, product_type, size, name, price_eur, available, reserved, pickup_text, media_dir)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO UPDATE SET
			     city = EXCLUDED.city, district = EXCLUDED.district,
			     product_type = EXCLUDED.product_type, size = EXCLUDED.size,
			     name = EXCLUDED.name, price_eur = EXCLUDED.price_eur,
			     available = EXCLUDED.available, reserved = EXCLUDED.reserved,
			     pickup_text = EXCLUDED.pickup_text, media_dir = EXCLUDED.media_dir`,
			p.ID, p.City, p.District, p.ProductType, p.Size, p.Name,
			p.PriceEUR.String(), p.Available, p.Reserved, p.PickupText, p.MediaDir); err != nil {
			return fmt.Errorf("upsert product: %w", err)
		}
		// Writing explicit ids leaves the sequence behind; keep it ahead so
		// generated ids never collide.
		if _, err := tx.ExecContext(ctx,
			`SELECT setval(pg_get_serial_sequence('products', 'id'), (SELECT MAX(id) FROM products))`); err != nil {
			return fmt.Errorf("advance product sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, productID int64) (Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_product", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	p, err := scanProduct(s.db.QueryRowContext(ctx,
		`SELECT id, city, district, product_type, size, name, price_eur, available, reserved, pickup_text, media_dir
		 FROM products WHERE id = $1`, productID))
	if err == sql.ErrNoRows {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) DeleteProducts(ctx context.Context, productIDs []int64) error {
	defer metrics.MeasureDBQuery(s.metrics, "delete_products", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if len(productIDs) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM products WHERE id = ANY($1)`, pq.Array(productIDs)); err != nil {
		return fmt.Errorf("delete products: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReserveUnit(ctx context.Context, res BasketReservation) (BasketReservation, error) {
	defer metrics.MeasureDBQuery(s.metrics, "reserve_unit", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if err := validateAndPrepareReservation(&res); err != nil {
		return BasketReservation{}, err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanProduct(tx.QueryRowContext(ctx,
			`SELECT id, city, district, product_type, size, name, price_eur, available, reserved, pickup_text, media_dir
			 FROM products WHERE id = $1 FOR UPDATE`, res.ProductID))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query product: %w", err)
		}

		// Conditional move; zero rows means another buyer took the unit.
		upd, err := tx.ExecContext(ctx,
			`UPDATE products SET available = available - 1, reserved = reserved + 1
			 WHERE id = $1 AND available > 0`, res.ProductID)
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
		err = tx.QueryRowContext(ctx,
			`INSERT INTO basket_reservations (user_id, product_id, product_type, snapshot_price_eur, reserved_at)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			res.UserID, res.ProductID, res.ProductType, res.SnapshotPriceEUR.String(), res.ReservedAt).Scan(&res.ID)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return BasketReservation{}, err
	}
	return res, nil
}

func (s *PostgresStore) ListReservations(ctx context.Context, userID int64) ([]BasketReservation, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_reservations", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, product_id, product_type, snapshot_price_eur, reserved_at
		 FROM basket_reservations WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()
	return collectReservations(rows)
}

func (s *PostgresStore) ListReservationsOlderThan(ctx context.Context, cutoff time.Time) ([]BasketReservation, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_reservations_older", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, product_id, product_type, snapshot_price_eur, reserved_at
		 FROM basket_reservations WHERE reserved_at < $1 ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale reservations: %w", err)
	}
	defer rows.Close()
	return collectReservations(rows)
}

func (s *PostgresStore) ReleaseReservations(ctx context.Context, userID int64, before time.Time) ([]BasketReservation, error) {
	defer metrics.MeasureDBQuery(s.metrics, "release_reservations", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var released []BasketReservation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		released = nil

		query := `SELECT id, user_id, product_id, product_type, snapshot_price_eur, reserved_at
		          FROM basket_reservations WHERE user_id = $1`
		args := []any{userID}
		if !before.IsZero() {
			query += ` AND reserved_at < $2`
			args = append(args, before)
		}
		rows, err := tx.QueryContext(ctx, query+` ORDER BY id FOR UPDATE`, args...)
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
				`UPDATE products SET available = available + 1, reserved = GREATEST(reserved - 1, 0)
				 WHERE id = $1`, r.ProductID); err != nil {
				return fmt.Errorf("restore stock: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM basket_reservations WHERE id = $1`, r.ID); err != nil {
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

func (s *PostgresStore) FinalizePurchase(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	defer metrics.MeasureDBQuery(s.metrics, "finalize_purchase", "postgres")()
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
			`SELECT COUNT(*) FROM users WHERE user_id = $1`, req.UserID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("query user: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}

		// Number of units the user's own basket still holds per product.
		held := make(map[int64]int64)
		rows, err := tx.QueryContext(ctx,
			`SELECT product_id, COUNT(*) FROM basket_reservations WHERE user_id = $1 GROUP BY product_id`,
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
					`UPDATE products SET reserved = reserved - 1 WHERE id = $1 AND reserved > 0`,
					item.ProductID)
			} else {
				upd, err = tx.ExecContext(ctx,
					`UPDATE products SET available = available - 1 WHERE id = $1 AND available > 0`,
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
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				req.UserID, item.ProductID, item.Name, item.ProductType, item.Size,
				item.PricePaid.String(), item.City, item.District, now); err != nil {
				return fmt.Errorf("insert purchase: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET total_purchases = total_purchases + $1 WHERE user_id = $2`,
			len(req.Items), req.UserID); err != nil {
			return fmt.Errorf("update purchase count: %w", err)
		}

		result.UnitsSold = len(req.Items)
		if req.DiscountCode != "" {
			// The conditional update misfiring (expired, exhausted, deleted)
			// must not abort a paid sale; it is only flagged to the caller.
			upd, err := tx.ExecContext(ctx,
				`UPDATE discount_codes SET uses_count = uses_count + 1
				 WHERE code = $1 AND active = 1 AND (max_uses IS NULL OR uses_count < max_uses)`,
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
			`DELETE FROM basket_reservations WHERE user_id = $1`, req.UserID); err != nil {
			return fmt.Errorf("clear basket: %w", err)
		}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	return result, nil
}

func (s *PostgresStore) ListUserPurchases(ctx context.Context, userID int64) ([]Purchase, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_user_purchases", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, product_id, product_name, product_type, size, price_paid_eur, city, district, purchased_at
		 FROM purchases WHERE user_id = $1 ORDER BY id`, userID)
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

func (s *PostgresStore) AdjustBalance(ctx context.Context, adj BalanceAdjustment) (BalanceResult, error) {
	defer metrics.MeasureDBQuery(s.metrics, "adjust_balance", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if adj.Action == "" {
		return BalanceResult{}, fmt.Errorf("balance adjustment requires an action")
	}

	var result BalanceResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT balance_eur FROM users WHERE user_id = $1 FOR UPDATE`, adj.UserID).Scan(&raw)
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
			`UPDATE users SET balance_eur = $1 WHERE user_id = $2`,
			newBalance.String(), adj.UserID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log (at, admin_id, action, target_user_id, reason, amount_change, old_value, new_value)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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

func (s *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	defer metrics.MeasureDBQuery(s.metrics, "append_audit", "postgres")()
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.At, entry.AdminID, entry.Action, target, nullString(entry.Reason),
		amount, nullString(entry.OldValue), nullString(entry.NewValue))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_audit", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, admin_id, action, target_user_id, reason, amount_change, old_value, new_value
		 FROM audit_log ORDER BY id DESC LIMIT $1`, limit)
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

func (s *PostgresStore) SavePendingDeposit(ctx context.Context, dep PendingDeposit) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_deposit", "postgres")()
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dep.PaymentID, dep.UserID, dep.Currency, dep.TargetEUR.String(), dep.ExpectedSOL.String(),
		boolToInt(dep.IsPurchase), string(basket), nullString(dep.DiscountCode), dep.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending deposit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPendingDeposit(ctx context.Context, paymentID string) (PendingDeposit, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_deposit", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	dep, err := scanDeposit(s.db.QueryRowContext(ctx,
		`SELECT payment_id, user_id, currency, target_eur, expected_sol, is_purchase, basket_snapshot_json, discount_code, created_at
		 FROM pending_deposits WHERE payment_id = $1`, paymentID))
	if err == sql.ErrNoRows {
		return PendingDeposit{}, ErrNotFound
	}
	if err != nil {
		return PendingDeposit{}, fmt.Errorf("query pending deposit: %w", err)
	}
	return dep, nil
}

func (s *PostgresStore) DeletePendingDeposit(ctx context.Context, paymentID string) error {
	defer metrics.MeasureDBQuery(s.metrics, "delete_deposit", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_deposits WHERE payment_id = $1`, paymentID)
	if err != nil {
		return fmt.Errorf("delete pending deposit: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) ListPendingDeposits(ctx context.Context) ([]PendingDeposit, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_deposits", "postgres")()
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

func (s *PostgresStore) ListPendingDepositsOlderThan(ctx context.Context, cutoff time.Time) ([]PendingDeposit, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_deposits_older", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT payment_id, user_id, currency, target_eur, expected_sol, is_purchase, basket_snapshot_json, discount_code, created_at
		 FROM pending_deposits WHERE created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale deposits: %w", err)
	}
	defer rows.Close()
	return collectDeposits(rows)
}

func (s *PostgresStore) HasPendingDepositForUser(ctx context.Context, userID int64) (bool, error) {
	defer metrics.MeasureDBQuery(s.metrics, "has_deposit_for_user", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pending_deposits WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query pending deposits: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w Wallet) (Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "create_wallet", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if err := validateAndPrepareWallet(&w); err != nil {
		return Wallet{}, err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanWallet(tx.QueryRowContext(ctx,
			walletSelect+` WHERE order_id = $1`, w.OrderID))
		if err == nil {
			w = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("query wallet: %w", err)
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO solana_wallets (user_id, order_id, public_key, private_key, expected_sol, amount_received_sol, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $8)
			 RETURNING id`,
			w.UserID, w.OrderID, w.PublicKey, w.PrivateKey, w.ExpectedSOL.String(),
			string(w.Status), w.CreatedAt, w.UpdatedAt).Scan(&w.ID)
		if err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (s *PostgresStore) GetWalletByOrderID(ctx context.Context, orderID string) (Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_wallet_by_order", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	w, err := scanWallet(s.db.QueryRowContext(ctx, walletSelect+` WHERE order_id = $1`, orderID))
	if err == sql.ErrNoRows {
		return Wallet{}, ErrNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) GetWalletByAddress(ctx context.Context, publicKey string) (Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_wallet_by_address", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	w, err := scanWallet(s.db.QueryRowContext(ctx, walletSelect+` WHERE public_key = $1`, publicKey))
	if err == sql.ErrNoRows {
		return Wallet{}, ErrNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWalletsByStatus(ctx context.Context, status WalletStatus) ([]Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_wallets_by_status", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, walletSelect+` WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()
	return collectWallets(rows)
}

func (s *PostgresStore) ListWallets(ctx context.Context) ([]Wallet, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_wallets", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, walletSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()
	return collectWallets(rows)
}

func (s *PostgresStore) TransitionWallet(ctx context.Context, walletID int64, from, to WalletStatus, received decimal.NullDecimal) error {
	defer metrics.MeasureDBQuery(s.metrics, "transition_wallet", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{string(to), time.Now().UTC()}
		query := `UPDATE solana_wallets SET status = $1, updated_at = $2`
		if received.Valid {
			query += `, amount_received_sol = $3 WHERE id = $4 AND status = $5`
			args = append(args, received.Decimal.String(), walletID, string(from))
		} else {
			query += ` WHERE id = $3 AND status = $4`
			args = append(args, walletID, string(from))
		}

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
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM solana_wallets WHERE id = $1)`, walletID).Scan(&exists); err != nil {
			return fmt.Errorf("query wallet: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrWalletConflict
	})
}

func (s *PostgresStore) SetWalletStatus(ctx context.Context, walletID int64, to WalletStatus) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_wallet_status", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE solana_wallets SET status = $1, updated_at = $2 WHERE id = $3`,
		string(to), time.Now().UTC(), walletID)
	if err != nil {
		return fmt.Errorf("set wallet status: %w", err)
	}
	return requireRowAffected(res)
}

func (s *PostgresStore) SaveDiscountCode(ctx context.Context, code DiscountCode) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_discount_code", "postgres")()
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (code) DO UPDATE SET
		     kind = EXCLUDED.kind, value = EXCLUDED.value, max_uses = EXCLUDED.max_uses,
		     uses_count = EXCLUDED.uses_count, active = EXCLUDED.active`,
		code.Code, string(code.Kind), code.Value.String(), maxUses, code.UsesCount, boolToInt(code.Active))
	if err != nil {
		return fmt.Errorf("upsert discount code: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDiscountCode(ctx context.Context, code string) (DiscountCode, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_discount_code", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var d DiscountCode
	var kind, value string
	var maxUses sql.NullInt64
	var active int64
	err := s.db.QueryRowContext(ctx,
		`SELECT code, kind, value, max_uses, uses_count, active FROM discount_codes WHERE code = $1`,
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

func (s *PostgresStore) SaveResellerDiscount(ctx context.Context, d ResellerDiscount) error {
	defer metrics.MeasureDBQuery(s.metrics, "save_reseller_discount", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if d.ResellerUserID == 0 || d.ProductType == "" {
		return fmt.Errorf("reseller discount requires user id and product type")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reseller_discounts (reseller_user_id, product_type, percent)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (reseller_user_id, product_type) DO UPDATE SET percent = EXCLUDED.percent`,
		d.ResellerUserID, d.ProductType, d.Percent.String())
	if err != nil {
		return fmt.Errorf("upsert reseller discount: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetResellerPercent(ctx context.Context, userID int64, productType string) (decimal.Decimal, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_reseller_percent", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT percent FROM reseller_discounts WHERE reseller_user_id = $1 AND product_type = $2`,
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

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (Setting, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_setting", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var st Setting
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM bot_settings WHERE key = $1`, key).
		Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return Setting{}, ErrNotFound
	}
	if err != nil {
		return Setting{}, fmt.Errorf("query setting: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	defer metrics.MeasureDBQuery(s.metrics, "set_setting", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if key == "" {
		return fmt.Errorf("setting requires a key")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_settings (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}
