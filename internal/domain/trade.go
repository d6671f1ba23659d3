package domain

import "github.com/shopspring/decimal"

// TradeType classifies a trade by its stablecoin side.
type TradeType string

const (
	TradeTypeBuy  TradeType = "buy"  // stablecoin in, token out
	TradeTypeSell TradeType = "sell" // token in, stablecoin out
	TradeTypeSwap TradeType = "swap" // token to token
)

// TradeRecord is a swap enriched with USD valuations. All monetary fields
// are high-precision decimals; floating point never enters this path.
type TradeRecord struct {
	SwapRecord

	TokenInUSD   decimal.Decimal `json:"token_in_usd"`
	TokenOutUSD  decimal.Decimal `json:"token_out_usd"`
	NetUSDChange decimal.Decimal `json:"net_usd_change"` // out - in
	TradeFeeUSD  decimal.Decimal `json:"trade_fee_usd"`
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"` // in + fee
	NetProfitUSD decimal.Decimal `json:"net_profit_usd"` // net - fee
	Type         TradeType       `json:"trade_type"`
	PriceSource  string          `json:"price_source"`
}

// ClassifyTradeType derives buy/sell/swap from the stablecoin flags of the
// two sides. A stable-to-stable swap counts as a plain swap.
func ClassifyTradeType(inStable, outStable bool) TradeType {
	switch {
	case inStable && !outStable:
		return TradeTypeBuy
	case !inStable && outStable:
		return TradeTypeSell
	default:
		return TradeTypeSwap
	}
}
