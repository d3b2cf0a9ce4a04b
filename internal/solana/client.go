package solana

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/SolVend/engine/internal/circuitbreaker"
	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/rpcutil"
)

// balanceRetry paces retries after upstream rate limiting: 0.5s, 1s, 2s.
// Free RPC endpoints throttle aggressively, so the balance path backs off
// much slower than the generic policy.
var balanceRetry = rpcutil.RetryConfig{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}

// signatureLookupLimit bounds GetSignaturesForAddress; the funding transfer
// is always among the newest few entries for a one-shot address.
const signatureLookupLimit = 5

// SolscanTxURL prefixes a transaction signature to form an explorer link.
const SolscanTxURL = "https://solscan.io/tx/"

// Client is a thin wrapper over the Solana JSON-RPC client. Every call runs
// through the shared circuit breaker and is observed in metrics.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
}

// NewClient builds a Client from configuration. breakers and m may be nil
// (tests); calls then go straight through.
func NewClient(cfg config.SolanaConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	return &Client{
		rpc:        rpc.New(cfg.RPCURL),
		commitment: commitmentFromString(cfg.Commitment),
		breakers:   breakers,
		metrics:    m,
	}
}

func commitmentFromString(s string) rpc.CommitmentType {
	switch s {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// call routes an RPC through the breaker and records the observation.
func (c *Client) call(method string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	var out interface{}
	var err error
	if c.breakers != nil {
		out, err = c.breakers.Execute(circuitbreaker.ServiceSolanaRPC, fn)
	} else {
		out, err = fn()
	}
	if c.metrics != nil {
		c.metrics.ObserveRPCCall(method, time.Since(start), err)
	}
	return out, err
}

// Balance returns the lamport balance of an account, retrying throttled
// reads with the slow backoff schedule.
func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	result, err := rpcutil.WithRetryCustom(ctx, balanceRetry, func() (uint64, error) {
		out, err := c.call("GetBalance", func() (interface{}, error) {
			return c.rpc.GetBalance(ctx, account, c.commitment)
		})
		if err != nil {
			return 0, err
		}
		return out.(*rpc.GetBalanceResult).Value, nil
	})
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return result, nil
}

// LatestIncomingSignature returns the newest successful transaction
// signature touching the account, or "" when none is visible yet. Used to
// build explorer links for settlement notifications; failure to find one is
// not an error.
func (c *Client) LatestIncomingSignature(ctx context.Context, account solana.PublicKey) (string, error) {
	limit := signatureLookupLimit
	out, err := c.call("GetSignaturesForAddress", func() (interface{}, error) {
		return c.rpc.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: c.commitment,
		})
	})
	if err != nil {
		return "", fmt.Errorf("get signatures: %w", err)
	}
	for _, sig := range out.([]*rpc.TransactionSignature) {
		if sig.Err == nil {
			return sig.Signature.String(), nil
		}
	}
	return "", nil
}

// Transfer moves lamports from one account to another with a system-program
// transfer and returns the transaction signature. The caller is responsible
// for leaving the network fee in the source account.
func (c *Client) Transfer(ctx context.Context, from solana.PrivateKey, to solana.PublicKey, lamports uint64) (string, error) {
	if lamports == 0 {
		return "", fmt.Errorf("transfer amount must be positive")
	}

	out, err := c.call("GetLatestBlockhash", func() (interface{}, error) {
		return c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	})
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}
	blockhash := out.(*rpc.GetLatestBlockhashResult).Value.Blockhash

	instruction := system.NewTransferInstruction(lamports, from.PublicKey(), to).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		blockhash,
		solana.TransactionPayer(from.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from.PublicKey()) {
			return &from
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	out, err = c.call("SendTransaction", func() (interface{}, error) {
		return c.rpc.SendTransaction(ctx, tx)
	})
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return out.(solana.Signature).String(), nil
}
