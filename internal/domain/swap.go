// Package domain provides core domain models shared by both services.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SwapStatus represents the on-chain outcome of a swap transaction.
type SwapStatus string

const (
	SwapStatusSuccess SwapStatus = "success"
	SwapStatusFailed  SwapStatus = "failed"
)

// SwapVariant classifies the AMM instruction that produced the swap.
type SwapVariant string

const (
	SwapVariantIn      SwapVariant = "in"      // swapBaseIn-style, exact input amount
	SwapVariantOut     SwapVariant = "out"     // swapBaseOut-style, exact output amount
	SwapVariantGeneric SwapVariant = "generic" // plain swap instruction
	SwapVariantUnknown SwapVariant = "unknown"
)

// TokenSide describes one side of a swap.
type TokenSide struct {
	Mint      string           `json:"mint"`
	Symbol    string           `json:"symbol"`
	Decimals  int              `json:"decimals"`
	Amount    decimal.Decimal  `json:"amount"` // token units, decimal-adjusted
	AmountUSD *decimal.Decimal `json:"amount_usd,omitempty"`
}

// SwapRecord is the immutable result of parsing one swap transaction for one
// wallet. Identity is (Signature, Wallet). Created by the parser, never
// mutated afterwards.
type SwapRecord struct {
	Signature    string           `json:"signature"`
	Wallet       string           `json:"wallet"`
	BlockTime    time.Time        `json:"block_time"` // UTC
	Slot         uint64           `json:"slot"`
	Status       SwapStatus       `json:"status"`
	Variant      SwapVariant      `json:"variant"`
	TokenIn      TokenSide        `json:"token_in"`  // what the wallet spent
	TokenOut     TokenSide        `json:"token_out"` // what the wallet received
	PoolID       string           `json:"pool_id"`
	AMMProgramID string           `json:"amm_program_id"`
	FeeLamports  uint64           `json:"fee_lamports"`
	FeeUSD       *decimal.Decimal `json:"fee_usd,omitempty"`
	Source       string           `json:"source"` // parser that produced the record
}

// ValidWalletAddress reports whether addr looks like a base58 account
// address. Full curve checks happen downstream when keys are parsed.
func ValidWalletAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	for _, c := range addr {
		switch {
		case c >= '1' && c <= '9', c >= 'A' && c <= 'H', c >= 'J' && c <= 'N',
			c >= 'P' && c <= 'Z', c >= 'a' && c <= 'k', c >= 'm' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

// Validate enforces the structural invariants of a parsed swap.
func (s *SwapRecord) Validate() error {
	if len(s.Signature) < 64 {
		return fmt.Errorf("signature too short: %d chars", len(s.Signature))
	}
	if len(s.Wallet) < 32 {
		return fmt.Errorf("wallet address too short: %d chars", len(s.Wallet))
	}
	if s.TokenIn.Mint == s.TokenOut.Mint {
		return fmt.Errorf("input and output mints are identical: %s", s.TokenIn.Mint)
	}
	if !s.TokenIn.Amount.IsPositive() {
		return fmt.Errorf("input amount must be positive, got %s", s.TokenIn.Amount)
	}
	if !s.TokenOut.Amount.IsPositive() {
		return fmt.Errorf("output amount must be positive, got %s", s.TokenOut.Amount)
	}
	return nil
}
