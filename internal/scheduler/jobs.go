package scheduler

import (
	"context"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/inventory"
	"github.com/SolVend/engine/internal/messenger"
	"github.com/SolVend/engine/internal/oracle"
	"github.com/SolVend/engine/internal/orders"
	"github.com/SolVend/engine/internal/wallet"
)

// basketExpiredNotice is sent to each user whose holds aged out.
const basketExpiredNotice = "🛒 Basket expired: your reserved items have been released."

// Inventory is the slice of the reservation state machine the sweep jobs
// drive. Implemented by inventory.Service.
type Inventory interface {
	ExpireBaskets(ctx context.Context) ([]int64, error)
	ReleaseAbandoned(ctx context.Context) ([]int64, error)
}

// Orders is the slice of the order coordinator the payment jobs drive.
// Implemented by orders.Coordinator.
type Orders interface {
	ExpireDeposits(ctx context.Context) (int, error)
	RecoverPending(ctx context.Context) error
}

// Chain scans payment wallets. Implemented by wallet.Engine.
type Chain interface {
	Scan(ctx context.Context) error
}

// Prices keeps the EUR/SOL quote warm. Implemented by oracle.Oracle.
type Prices interface {
	Refresh(ctx context.Context) error
}

// StandardJobs assembles the six background jobs on the configured
// cadence. notifier may be nil; basket-expiry notices are then dropped.
func StandardJobs(cfg config.SchedulerConfig, inv Inventory, ord Orders, chain Chain, prices Prices, notifier messenger.Notifier) []Job {
	if notifier == nil {
		notifier = messenger.NoopNotifier{}
	}
	return []Job{
		{
			Name:         "basket_expiry",
			Interval:     cfg.BasketExpiry.Interval.Duration,
			InitialDelay: cfg.BasketExpiry.InitialDelay.Duration,
			Run: func(ctx context.Context) error {
				users, err := inv.ExpireBaskets(ctx)
				if err != nil {
					return err
				}
				for _, userID := range users {
					notifier.NotifyUser(ctx, userID, basketExpiredNotice)
				}
				return nil
			},
		},
		{
			Name:         "payment_timeout",
			Interval:     cfg.PaymentTimeout.Interval.Duration,
			InitialDelay: cfg.PaymentTimeout.InitialDelay.Duration,
			Run: func(ctx context.Context) error {
				_, err := ord.ExpireDeposits(ctx)
				return err
			},
		},
		{
			Name:         "abandoned_reservation",
			Interval:     cfg.AbandonedReservation.Interval.Duration,
			InitialDelay: cfg.AbandonedReservation.InitialDelay.Duration,
			Run: func(ctx context.Context) error {
				_, err := inv.ReleaseAbandoned(ctx)
				return err
			},
		},
		{
			Name:         "payment_recovery",
			Interval:     cfg.PaymentRecovery.Interval.Duration,
			InitialDelay: cfg.PaymentRecovery.InitialDelay.Duration,
			Run:          ord.RecoverPending,
		},
		{
			Name:         "solana_scan",
			Interval:     cfg.SolanaScan.Interval.Duration,
			InitialDelay: cfg.SolanaScan.InitialDelay.Duration,
			Run:          chain.Scan,
		},
		{
			Name:         "price_refresh",
			Interval:     cfg.PriceRefresh.Interval.Duration,
			InitialDelay: cfg.PriceRefresh.InitialDelay.Duration,
			Run:          prices.Refresh,
		},
	}
}

// Compile-time checks that the concrete services satisfy the job
// interfaces.
var (
	_ Inventory = (*inventory.Service)(nil)
	_ Orders    = (*orders.Coordinator)(nil)
	_ Chain     = (*wallet.Engine)(nil)
	_ Prices    = (*oracle.Oracle)(nil)
)
