// Package pricing turns a user's held basket into a priced snapshot:
// per-unit reseller discounts, coupon application on the subtotal, and
// the last-moment coupon re-validation before an invoice is created.
//
// Prices are snapshotted once and carried through payment and
// finalization unchanged; nothing downstream ever re-reads a product
// price.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/cacheutil"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/money"
	"github.com/SolVend/engine/internal/storage"
)

// resellerCacheTTL bounds how long a granted (or revoked) reseller
// percent keeps applying before the store is consulted again.
const resellerCacheTTL = 30 * time.Second

// mismatchTolerance absorbs cent-rounding differences between the quoted
// and recomputed totals.
var mismatchTolerance = decimal.NewFromFloat(0.01)

var hundred = decimal.NewFromInt(100)

// Store is the slice of the storage layer pricing reads from.
type Store interface {
	GetUser(ctx context.Context, userID int64) (storage.User, error)
	GetProduct(ctx context.Context, productID int64) (storage.Product, error)
	GetResellerPercent(ctx context.Context, userID int64, productType string) (decimal.Decimal, error)
	GetDiscountCode(ctx context.Context, code string) (storage.DiscountCode, error)
}

// PricedBasket is the snapshot of a user's reserved basket with reseller
// discounts applied per unit.
type PricedBasket struct {
	Items    []storage.SnapshotItem
	Subtotal decimal.Decimal
}

type resellerKey struct {
	userID      int64
	productType string
}

// Service prices baskets. Safe for concurrent use.
type Service struct {
	store Store

	mu        sync.RWMutex
	resellers map[resellerKey]cacheutil.CachedValue[decimal.Decimal]
}

// NewService builds a pricing service over the given store.
func NewService(store Store) *Service {
	return &Service{
		store:     store,
		resellers: make(map[resellerKey]cacheutil.CachedValue[decimal.Decimal]),
	}
}

// ResellerPercent returns the user's discount percent for one product
// type. Missing users, non-resellers, unknown rows, and read errors all
// yield zero: a sale must never fail over a discount lookup.
func (s *Service) ResellerPercent(ctx context.Context, userID int64, productType string) decimal.Decimal {
	key := resellerKey{userID: userID, productType: productType}
	pct, _ := cacheutil.ReadThrough(&s.mu,
		func(now time.Time) (decimal.Decimal, bool) {
			if entry, ok := s.resellers[key]; ok && now.Sub(entry.FetchedAt) < resellerCacheTTL {
				return entry.Value, true
			}
			return decimal.Decimal{}, false
		},
		func(now time.Time) (decimal.Decimal, error) {
			pct := s.lookupResellerPercent(ctx, userID, productType)
			s.resellers[key] = cacheutil.CachedValue[decimal.Decimal]{Value: pct, FetchedAt: now}
			return pct, nil
		},
	)
	return pct
}

func (s *Service) lookupResellerPercent(ctx context.Context, userID int64, productType string) decimal.Decimal {
	log := logger.FromContext(ctx)

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Int64("user_id", userID).Msg("pricing.reseller_lookup_failed")
		}
		return decimal.Zero
	}
	if !user.IsReseller {
		return decimal.Zero
	}

	pct, err := s.store.GetResellerPercent(ctx, userID, productType)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).
				Int64("user_id", userID).
				Str("product_type", productType).
				Msg("pricing.reseller_lookup_failed")
		}
		return decimal.Zero
	}
	if pct.IsNegative() {
		return decimal.Zero
	}
	return pct
}

// PriceBasket snapshots the user's held units at their reserved prices
// with the reseller discount applied per unit.
func (s *Service) PriceBasket(ctx context.Context, userID int64, reservations []storage.BasketReservation) (PricedBasket, error) {
	basket := PricedBasket{Subtotal: decimal.Zero}
	for _, res := range reservations {
		product, err := s.store.GetProduct(ctx, res.ProductID)
		if err != nil {
			return PricedBasket{}, fmt.Errorf("load product %d: %w", res.ProductID, err)
		}

		// The reserved price is authoritative; the product row only
		// contributes descriptive fields. Old rows reserved before price
		// snapshotting carry zero and fall back to the list price.
		list := res.SnapshotPriceEUR
		if !list.IsPositive() {
			list = product.PriceEUR
		}

		pct := s.ResellerPercent(ctx, userID, res.ProductType)
		paid := ApplyResellerPercent(list, pct)

		basket.Items = append(basket.Items, storage.SnapshotItem{
			ProductID:   product.ID,
			Name:        product.Name,
			ProductType: product.ProductType,
			Size:        product.Size,
			PricePaid:   paid,
			City:        product.City,
			District:    product.District,
		})
		basket.Subtotal = basket.Subtotal.Add(paid)
	}
	return basket, nil
}

// ApplyResellerPercent discounts one unit price. The discount amount is
// rounded DOWN to the cent, so a percentage never shaves off more than
// the operator granted.
func ApplyResellerPercent(price, pct decimal.Decimal) decimal.Decimal {
	if !pct.IsPositive() {
		return price
	}
	discount := money.FloorEUR(price.Mul(pct).Div(hundred))
	return price.Sub(discount)
}

// ApplyCode applies a coupon to a subtotal: percentage codes scale it,
// fixed codes subtract. The result is floored at zero and quantized to
// the cent. Validity is the caller's problem; see ValidateAndApplyAtomic.
func ApplyCode(subtotal decimal.Decimal, code storage.DiscountCode) decimal.Decimal {
	var total decimal.Decimal
	switch code.Kind {
	case storage.DiscountPercentage:
		total = subtotal.Mul(hundred.Sub(code.Value)).Div(hundred)
	case storage.DiscountFixedEUR:
		total = subtotal.Sub(code.Value)
	default:
		return subtotal
	}
	if total.IsNegative() {
		total = decimal.Zero
	}
	return money.QuantizeEUR(total)
}

// ValidateAndApplyAtomic re-validates a coupon immediately before invoice
// creation and recomputes the total. expectedTotal is what the user was
// shown; drift beyond one cent means the code changed under them and the
// invoice must not be created.
func (s *Service) ValidateAndApplyAtomic(ctx context.Context, code string, subtotal, expectedTotal decimal.Decimal) (decimal.Decimal, error) {
	dc, err := s.store.GetDiscountCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decimal.Decimal{}, errors.Newf(errors.ErrCodeDiscountInvalid, "discount code %q does not exist", code)
		}
		return decimal.Decimal{}, fmt.Errorf("load discount code: %w", err)
	}
	if !dc.Active {
		return decimal.Decimal{}, errors.Newf(errors.ErrCodeDiscountInvalid, "discount code %q is inactive", code)
	}
	if dc.Exhausted() {
		return decimal.Decimal{}, errors.Newf(errors.ErrCodeDiscountExhausted, "discount code %q has no uses left", code)
	}

	total := ApplyCode(subtotal, dc)
	if total.Sub(expectedTotal).Abs().GreaterThan(mismatchTolerance) {
		return decimal.Decimal{}, errors.Newf(errors.ErrCodeDiscountMismatch,
			"recomputed total %s differs from expected %s", total, expectedTotal)
	}
	return total, nil
}
