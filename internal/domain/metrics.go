package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WinLossInfinity is the sentinel ratio reported when a wallet has winning
// trades and no losing trades.
var WinLossInfinity = decimal.NewFromInt(999999999)

// PerformanceMetrics holds the risk-adjusted performance of one wallet over
// a rolling window. Money and percent fields are quantized to 2 decimal
// places, Sharpe to 3.
type PerformanceMetrics struct {
	WalletAddress string    `json:"wallet_address"`
	PeriodDays    int       `json:"period_days"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`

	TotalTrades    int             `json:"total_trades"`
	TotalVolumeUSD decimal.Decimal `json:"total_volume_usd"`
	TotalFeesUSD   decimal.Decimal `json:"total_fees_usd"`
	TotalProfitUSD decimal.Decimal `json:"total_profit_usd"`

	NetROIPercent          decimal.Decimal `json:"net_roi_percent"`
	MaximumDrawdownPercent decimal.Decimal `json:"maximum_drawdown_percent"`
	SharpeRatio            decimal.Decimal `json:"sharpe_ratio"`
	Volatility             decimal.Decimal `json:"volatility"` // stdev of per-trade returns

	WinLossRatio  decimal.Decimal `json:"win_loss_ratio"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`

	AverageTradeSizeUSD       decimal.Decimal `json:"average_trade_size_usd"`
	AverageWinUSD             decimal.Decimal `json:"average_win_usd"`
	AverageLossUSD            decimal.Decimal `json:"average_loss_usd"`
	LargestWinUSD             decimal.Decimal `json:"largest_win_usd"`
	LargestLossUSD            decimal.Decimal `json:"largest_loss_usd"`
	AverageHoldingPeriodHours decimal.Decimal `json:"average_holding_period_hours"`

	DataPoints   int       `json:"data_points"`
	CalculatedAt time.Time `json:"calculated_at"`
}
