// Package slippage implements the pre-submission slippage policy: every
// trade's freshly quoted out-amount is compared against the amount the
// generator sized the trade for, and quotes that slipped past the trade's
// tolerance reject it before a transaction is ever built.
package slippage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// BreakerSink receives the outcome of every slippage check. Violations
// open the slippage_rate breaker once they cluster.
type BreakerSink interface {
	RecordSuccess(ctx context.Context, t domain.BreakerType)
	RecordFailure(ctx context.Context, t domain.BreakerType, reason string)
}

// ViolationError reports a quote that slipped beyond the trade's
// tolerance. The trade is rejected, not failed: nothing was submitted.
type ViolationError struct {
	TradeID         string
	ExpectedOut     decimal.Decimal
	QuotedOut       decimal.Decimal
	RealizedPercent decimal.Decimal
	MaxPercent      decimal.Decimal
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("slippage %s%% exceeds tolerance %s%%: expected out %s, quoted %s",
		e.RealizedPercent.StringFixed(4), e.MaxPercent, e.ExpectedOut, e.QuotedOut)
}

// Controller rechecks slippage immediately before execution.
type Controller struct {
	breakers BreakerSink
	log      zerolog.Logger
}

func NewController(breakers BreakerSink, log zerolog.Logger) *Controller {
	return &Controller{
		breakers: breakers,
		log:      log.With().Str("component", "slippage").Logger(),
	}
}

var hundred = decimal.NewFromInt(100)

// Check compares quotedOut, the out-amount of a quote fetched moments
// before execution, against the trade's expected out-amount. Both amounts
// must be in the same unit; the realized ratio is scale-invariant.
// Realized slippage is (expected − quoted) / expected, so quotes at or
// above expectation always pass. A violation returns *ViolationError and
// feeds the slippage_rate breaker; a pass feeds a success event.
func (c *Controller) Check(ctx context.Context, trade *domain.GeneratedTrade, quotedOut decimal.Decimal) error {
	expected := trade.Instruction.ExpectedToAmount
	if !expected.IsPositive() {
		return fmt.Errorf("trade %s has non-positive expected out amount %s", trade.TradeID, expected)
	}

	realized := expected.Sub(quotedOut).Div(expected)
	realizedPct := realized.Mul(hundred)
	tolerance := trade.Instruction.MaxSlippagePercent.Div(hundred)

	if realized.GreaterThan(tolerance) {
		violation := &ViolationError{
			TradeID:         trade.TradeID,
			ExpectedOut:     expected,
			QuotedOut:       quotedOut,
			RealizedPercent: realizedPct,
			MaxPercent:      trade.Instruction.MaxSlippagePercent,
		}
		c.breakers.RecordFailure(ctx, domain.BreakerSlippageRate, violation.Error())
		c.log.Warn().
			Str("trade_id", trade.TradeID).
			Str("from", trade.Instruction.FromSymbol).
			Str("to", trade.Instruction.ToSymbol).
			Str("expected_out", expected.String()).
			Str("quoted_out", quotedOut.String()).
			Str("realized_pct", realizedPct.StringFixed(4)).
			Str("max_pct", trade.Instruction.MaxSlippagePercent.String()).
			Msg("Trade rejected by slippage controller")
		return violation
	}

	c.breakers.RecordSuccess(ctx, domain.BreakerSlippageRate)
	c.log.Debug().
		Str("trade_id", trade.TradeID).
		Str("realized_pct", realizedPct.StringFixed(4)).
		Msg("Slippage within tolerance")
	return nil
}
