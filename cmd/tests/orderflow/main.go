// Command orderflow walks one order through the engine end to end against
// the in-memory store: seed stock, reserve, quote, open a crypto invoice,
// settle it, and print what the buyer would see. No network, no chain —
// a hand-run smoke check for the order lifecycle.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/inventory"
	"github.com/SolVend/engine/internal/ledger"
	"github.com/SolVend/engine/internal/messenger"
	"github.com/SolVend/engine/internal/orders"
	"github.com/SolVend/engine/internal/pricing"
	"github.com/SolVend/engine/internal/storage"
	"github.com/SolVend/engine/internal/wallet"
)

const buyerID = 1001

// printDeliverer stands in for the messenger client and shows sends on
// stdout instead.
type printDeliverer struct{}

func (printDeliverer) SendMessage(_ context.Context, chatID int64, text string) error {
	fmt.Printf("-- message to %d --\n%s\n\n", chatID, text)
	return nil
}

func (printDeliverer) SendMediaGroup(_ context.Context, chatID int64, items []messenger.MediaItem) error {
	fmt.Printf("-- media group to %d: %d item(s) --\n\n", chatID, len(items))
	return nil
}

func (printDeliverer) SendAnimation(_ context.Context, chatID int64, item messenger.MediaItem) error {
	fmt.Printf("-- animation to %d: %s --\n\n", chatID, item.Ref)
	return nil
}

// fixedMinter mints payment wallets at a fixed EUR/SOL rate without
// touching the chain, writing the same rows the real engine would.
type fixedMinter struct {
	store *storage.MemoryStore
	rate  decimal.Decimal
}

func (m fixedMinter) Mint(ctx context.Context, userID int64, orderID string, eurAmount decimal.Decimal) (wallet.Invoice, error) {
	expected := eurAmount.Div(m.rate).Round(5)
	w, err := m.store.CreateWallet(ctx, storage.Wallet{
		UserID:      userID,
		OrderID:     orderID,
		PublicKey:   "DEMO_" + orderID,
		PrivateKey:  "[]",
		ExpectedSOL: expected,
	})
	if err != nil {
		return wallet.Invoice{}, err
	}
	return wallet.Invoice{Address: w.PublicKey, ExpectedSOL: expected, EURPerSOL: m.rate}, nil
}

func (m fixedMinter) Sweep(context.Context, storage.Wallet) error { return nil }

func main() {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	pay := config.PaymentsConfig{
		BasketTimeout: config.Duration{Duration: 5 * time.Minute},
		PaymentWindow: config.Duration{Duration: 20 * time.Minute},
		MinRefillEUR:  1,
	}

	inv := inventory.NewService(store, pay)
	prices := pricing.NewService(store)
	funds := ledger.NewService(store, inv, nil, nil)
	minter := fixedMinter{store: store, rate: decimal.NewFromInt(150)}
	coord := orders.NewCoordinator(pay, store, inv, prices, funds, minter, printDeliverer{}, nil, nil)

	if _, err := store.GetOrCreateUser(ctx, buyerID, "demo"); err != nil {
		log.Fatal(err)
	}
	product, err := store.SaveProduct(ctx, storage.Product{
		City: "Berlin", District: "Mitte", ProductType: "sticker", Size: "2g",
		Name: "Sticker pack", PriceEUR: decimal.RequireFromString("25.00"), Available: 1,
		PickupText: "Behind the loose brick.",
	})
	if err != nil {
		log.Fatal(err)
	}
	if _, err := inv.Reserve(ctx, buyerID, product.ID); err != nil {
		log.Fatal(err)
	}

	quote, err := coord.QuoteBasket(ctx, buyerID, "")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Quoted %d item(s), total %s EUR\n\n", len(quote.Items), quote.Total.StringFixed(2))

	invoice, err := coord.PayBasketWithCrypto(ctx, buyerID, "", quote.Total)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Invoice %s\n  send %s SOL to %s\n  expires %s\n\n",
		invoice.PaymentID, invoice.ExpectedSOL, invoice.Address, invoice.ExpiresAt.Format(time.RFC3339))

	status, err := coord.CheckPayment(ctx, buyerID, invoice.PaymentID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Status before settlement: %s\n\n", status.Status)

	coord.OnSettled(ctx, wallet.Settlement{
		PaymentID:   invoice.PaymentID,
		UserID:      buyerID,
		PaidSOL:     invoice.ExpectedSOL,
		TxSignature: "demo-signature",
	})

	purchases, err := store.ListUserPurchases(ctx, buyerID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Purchases on record: %d\n", len(purchases))
}
