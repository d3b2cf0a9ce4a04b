// Package solana wraps chain access for the payment engine: keypair
// handling for one-shot deposit addresses and a thin RPC client for
// balances, signature lookups, and sweep transfers.
package solana

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/SolVend/engine/internal/errors"
)

// GenerateKeypair returns a fresh Ed25519 keypair for a one-shot deposit
// address.
func GenerateKeypair() (solana.PrivateKey, solana.PublicKey, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("generate keypair: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

// MarshalPrivateKey renders a private key as a JSON byte array, the
// solana-keygen file format and the shape stored at rest.
func MarshalPrivateKey(key solana.PrivateKey) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range key {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	b.WriteByte(']')
	return b.String()
}

// ParsePrivateKey parses a Solana private key from either base58 or JSON array format.
// Supported formats:
//   - Base58: "5Kd7..." (standard format from solana-keygen)
//   - JSON array: "[1,2,3,...,64]" (64 bytes, Phantom wallet export format)
func ParsePrivateKey(keyStr string) (solana.PrivateKey, error) {
	if keyStr == "" {
		return solana.PrivateKey{}, fmt.Errorf("private key string is empty")
	}

	keyStr = strings.TrimSpace(keyStr)

	// Try base58 format first (most common)
	if !strings.HasPrefix(keyStr, "[") {
		privateKey, err := solana.PrivateKeyFromBase58(keyStr)
		if err != nil {
			return solana.PrivateKey{}, fmt.Errorf("invalid base58 private key: %w", err)
		}
		return privateKey, nil
	}

	// Fall back to JSON array format
	return parsePrivateKeyArray(keyStr)
}

// parsePrivateKeyArray parses a private key from JSON array format: [1,2,3,...,64]
func parsePrivateKeyArray(keyStr string) (solana.PrivateKey, error) {
	if !strings.HasPrefix(keyStr, "[") || !strings.HasSuffix(keyStr, "]") {
		return solana.PrivateKey{}, fmt.Errorf("private key array must be in JSON format: [1,2,3,...]")
	}

	arrayContent := keyStr[1 : len(keyStr)-1]
	parts := strings.Split(arrayContent, ",")

	if len(parts) != 64 {
		return solana.PrivateKey{}, fmt.Errorf("private key must be a 64-byte array, got %d bytes", len(parts))
	}

	var keyBytes [64]byte
	for i, part := range parts {
		part = strings.TrimSpace(part)
		val, err := strconv.Atoi(part)
		if err != nil {
			return solana.PrivateKey{}, fmt.Errorf("invalid byte value at position %d: %s (%w)", i, part, err)
		}
		if val < 0 || val > 255 {
			return solana.PrivateKey{}, fmt.Errorf("byte value at position %d out of range (0-255): %d", i, val)
		}
		keyBytes[i] = byte(val)
	}

	return solana.PrivateKey(keyBytes[:]), nil
}

// ValidateKeyDerivation checks that stored private material still derives
// the recorded deposit address. A mismatch means the row is corrupt and the
// key must never be used to move funds.
func ValidateKeyDerivation(privateKey, publicKey string) (solana.PrivateKey, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCorruptKey, "private key does not parse")
	}
	if priv.PublicKey().String() != publicKey {
		return nil, errors.Newf(errors.ErrCodeCorruptKey,
			"private key derives %s, wallet records %s", priv.PublicKey(), publicKey)
	}
	return priv, nil
}
