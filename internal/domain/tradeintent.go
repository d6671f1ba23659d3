package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus tracks a generated trade through the executor state machine.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusSimulated TradeStatus = "simulated"
	TradeStatusSubmitted TradeStatus = "submitted"
	TradeStatusConfirmed TradeStatus = "confirmed"
	TradeStatusFailed    TradeStatus = "failed"
	TradeStatusRejected  TradeStatus = "rejected"
)

// MaxSlippagePercent is the hard ceiling on per-trade slippage tolerance.
const MaxSlippagePercent = 50

// SwapInstruction carries the sized and bounded swap a trade executes.
type SwapInstruction struct {
	FromSymbol         string          `json:"from_symbol"`
	FromMint           string          `json:"from_mint"`
	ToSymbol           string          `json:"to_symbol"`
	ToMint             string          `json:"to_mint"`
	FromAmount         decimal.Decimal `json:"from_amount"` // token units
	ExpectedToAmount   decimal.Decimal `json:"expected_to_amount"`
	MinimumToAmount    decimal.Decimal `json:"minimum_to_amount"` // slippage floor
	MaxSlippagePercent decimal.Decimal `json:"max_slippage_percent"`
}

// Validate enforces the slippage invariants of a swap instruction.
func (si *SwapInstruction) Validate() error {
	if si.FromMint == si.ToMint {
		return fmt.Errorf("swap from and to mints are identical: %s", si.FromMint)
	}
	if !si.FromAmount.IsPositive() {
		return fmt.Errorf("from amount must be positive, got %s", si.FromAmount)
	}
	if si.MinimumToAmount.GreaterThan(si.ExpectedToAmount) {
		return fmt.Errorf("minimum out %s exceeds expected out %s", si.MinimumToAmount, si.ExpectedToAmount)
	}
	if si.MaxSlippagePercent.IsNegative() || si.MaxSlippagePercent.GreaterThan(decimal.NewFromInt(MaxSlippagePercent)) {
		return fmt.Errorf("max slippage %s outside [0, %d]", si.MaxSlippagePercent, MaxSlippagePercent)
	}
	return nil
}

// GeneratedTrade is one rebalancing swap produced by the trade generator.
type GeneratedTrade struct {
	TradeID      string          `json:"trade_id"`
	UserID       string          `json:"user_id"`
	VaultAddress string          `json:"vault_address"`
	Type         string          `json:"type"` // rebalance_swap
	Instruction  SwapInstruction `json:"swap_instruction"`
	Rationale    string          `json:"rationale"`
	Priority     int             `json:"priority"` // execution order within a cycle
	Status       TradeStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	TxSignature    string  `json:"tx_signature,omitempty"`
	BlockHeight    uint64  `json:"block_height,omitempty"`
	ExecutionError string  `json:"execution_error,omitempty"`
	RiskScore      float64 `json:"risk_score,omitempty"`
}

// TradeTypeRebalanceSwap is the only trade type the generator emits today.
const TradeTypeRebalanceSwap = "rebalance_swap"

// EstimatedUSDValue returns the USD size of the trade given the source
// token price. Used to derive confirmation requirements.
func (t *GeneratedTrade) EstimatedUSDValue(fromPriceUSD decimal.Decimal) decimal.Decimal {
	return t.Instruction.FromAmount.Mul(fromPriceUSD)
}
