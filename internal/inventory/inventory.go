// Package inventory drives the reservation state machine: taking holds,
// returning them, the periodic expiry sweeps, the atomic purchase commit,
// and post-delivery removal of sold product rows.
//
// Counters only ever move together with reservation rows. Releasing works
// off the rows that actually exist, never off a remembered snapshot, so a
// release that races an expiry sweep cannot restore the same unit twice.
package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/storage"
)

// Store is the slice of the storage layer inventory mutates.
type Store interface {
	GetProduct(ctx context.Context, productID int64) (storage.Product, error)
	DeleteProducts(ctx context.Context, productIDs []int64) error
	ReserveUnit(ctx context.Context, res storage.BasketReservation) (storage.BasketReservation, error)
	ListReservations(ctx context.Context, userID int64) ([]storage.BasketReservation, error)
	ListReservationsOlderThan(ctx context.Context, cutoff time.Time) ([]storage.BasketReservation, error)
	ReleaseReservations(ctx context.Context, userID int64, before time.Time) ([]storage.BasketReservation, error)
	FinalizePurchase(ctx context.Context, req storage.FinalizeRequest) (storage.FinalizeResult, error)
	HasPendingDepositForUser(ctx context.Context, userID int64) (bool, error)
}

// Service mutates stock through the store's transactional operations.
type Service struct {
	store Store
	cfg   config.PaymentsConfig
}

// NewService builds an inventory service.
func NewService(store Store, cfg config.PaymentsConfig) *Service {
	return &Service{store: store, cfg: cfg}
}

// Reserve takes one unit of the product into the user's basket. The
// available>0 check and the counter moves happen inside one store
// transaction.
func (s *Service) Reserve(ctx context.Context, userID, productID int64) (storage.BasketReservation, error) {
	res, err := s.store.ReserveUnit(ctx, storage.BasketReservation{UserID: userID, ProductID: productID})
	if err != nil {
		if errors.Is(err, storage.ErrNoStock) {
			return storage.BasketReservation{}, errors.Wrap(err, errors.ErrCodeOutOfStock, "no unit available")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return storage.BasketReservation{}, errors.Wrap(err, errors.ErrCodeProductNotFound, "product does not exist")
		}
		return storage.BasketReservation{}, err
	}
	clog := logger.FromContext(ctx)
	clog.Debug().
		Int64("user_id", userID).
		Int64("product_id", productID).
		Str("price", res.SnapshotPriceEUR.String()).
		Msg("inventory.unit_reserved")
	return res, nil
}

// Basket returns the user's current holds, oldest first.
func (s *Service) Basket(ctx context.Context, userID int64) ([]storage.BasketReservation, error) {
	return s.store.ListReservations(ctx, userID)
}

// Unreserve returns every unit the user currently holds to stock and
// reports what was released. Units whose rows are already gone (a racing
// expiry sweep, a deleted product) need no correction and are skipped by
// the store.
func (s *Service) Unreserve(ctx context.Context, userID int64) ([]storage.BasketReservation, error) {
	released, err := s.store.ReleaseReservations(ctx, userID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("release reservations: %w", err)
	}
	if len(released) > 0 {
		clog := logger.FromContext(ctx)
		clog.Info().
			Int64("user_id", userID).
			Int("units", len(released)).
			Msg("inventory.holds_released")
	}
	return released, nil
}

// ExpireBaskets releases holds older than the basket lifetime and returns
// the ids of users who lost theirs, so the caller can notify them. Users
// with a live pending deposit are skipped: their holds belong to the
// payment window, and settlement or payment expiry will consume them.
func (s *Service) ExpireBaskets(ctx context.Context) ([]int64, error) {
	cutoff := time.Now().Add(-s.cfg.BasketTimeout.Duration)
	return s.releaseStale(ctx, cutoff, "inventory.basket_expired")
}

// ReleaseAbandoned sweeps holds that outlived both the basket lifetime
// and a full payment window. Those are crash artifacts whose cleanup path
// never ran; users are not notified.
func (s *Service) ReleaseAbandoned(ctx context.Context) ([]int64, error) {
	grace := s.cfg.BasketTimeout.Duration + s.cfg.PaymentWindow.Duration
	cutoff := time.Now().Add(-grace)
	return s.releaseStale(ctx, cutoff, "inventory.abandoned_released")
}

func (s *Service) releaseStale(ctx context.Context, cutoff time.Time, event string) ([]int64, error) {
	log := logger.FromContext(ctx)

	stale, err := s.store.ListReservationsOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	var order []int64
	seen := make(map[int64]bool)
	for _, r := range stale {
		if !seen[r.UserID] {
			seen[r.UserID] = true
			order = append(order, r.UserID)
		}
	}

	var affected []int64
	for _, userID := range order {
		paying, err := s.store.HasPendingDepositForUser(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Int64("user_id", userID).Msg("inventory.deposit_check_failed")
			continue
		}
		if paying {
			continue
		}
		released, err := s.store.ReleaseReservations(ctx, userID, cutoff)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("inventory.release_failed")
			continue
		}
		if len(released) > 0 {
			affected = append(affected, userID)
			log.Info().
				Int64("user_id", userID).
				Int("units", len(released)).
				Msg(event)
		}
	}
	return affected, nil
}

// Finalize runs the atomic purchase commit for a priced snapshot. Stock
// is re-validated inside the store transaction; a unit that vanished in
// the meantime rolls the whole commit back. A coupon that ran out between
// validation and now is logged and the sale proceeds.
func (s *Service) Finalize(ctx context.Context, userID int64, items []storage.SnapshotItem, discountCode string) (storage.FinalizeResult, error) {
	res, err := s.store.FinalizePurchase(ctx, storage.FinalizeRequest{
		UserID:       userID,
		Items:        items,
		DiscountCode: discountCode,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNoStock) || errors.Is(err, storage.ErrNotFound) {
			return res, errors.Wrap(err, errors.ErrCodeStockVanished, "snapshot no longer in stock")
		}
		return res, err
	}

	log := logger.FromContext(ctx)
	if res.CouponExhausted {
		log.Warn().
			Int64("user_id", userID).
			Str("code", discountCode).
			Msg("inventory.discount_exhausted")
	}
	log.Info().
		Int64("user_id", userID).
		Int("units", res.UnitsSold).
		Msg("inventory.purchase_finalized")
	return res, nil
}

// HardDelete removes sold product rows and their media directories. Only
// called after every item of a sale was delivered; until then the rows
// stay as the delivery-retry source.
func (s *Service) HardDelete(ctx context.Context, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}

	// Resolve media locations before the rows disappear.
	dirs := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		name := strconv.FormatInt(id, 10)
		if p, err := s.store.GetProduct(ctx, id); err == nil && p.MediaDir != "" {
			name = p.MediaDir
		}
		dirs = append(dirs, filepath.Join(s.cfg.MediaDir, name))
	}

	if err := s.store.DeleteProducts(ctx, productIDs); err != nil {
		return fmt.Errorf("delete products: %w", err)
	}

	log := logger.FromContext(ctx)
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("inventory.media_cleanup_failed")
		}
	}
	log.Info().Ints64("product_ids", productIDs).Msg("inventory.products_deleted")
	return nil
}
