package slippage

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

type recordingSink struct {
	successes []domain.BreakerType
	failures  []domain.BreakerType
	reasons   []string
}

func (r *recordingSink) RecordSuccess(_ context.Context, t domain.BreakerType) {
	r.successes = append(r.successes, t)
}

func (r *recordingSink) RecordFailure(_ context.Context, t domain.BreakerType, reason string) {
	r.failures = append(r.failures, t)
	r.reasons = append(r.reasons, reason)
}

func testTrade(expected, maxSlippagePercent string) *domain.GeneratedTrade {
	return &domain.GeneratedTrade{
		TradeID: "trade-1",
		Instruction: domain.SwapInstruction{
			FromSymbol:         "SOL",
			ToSymbol:           "JUP",
			ExpectedToAmount:   decimal.RequireFromString(expected),
			MaxSlippagePercent: decimal.RequireFromString(maxSlippagePercent),
		},
	}
}

func TestCheckWithinTolerance(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink, zerolog.Nop())

	err := c.Check(context.Background(), testTrade("1200", "1"), decimal.RequireFromString("1195"))
	require.NoError(t, err)
	assert.Equal(t, []domain.BreakerType{domain.BreakerSlippageRate}, sink.successes)
	assert.Empty(t, sink.failures)
}

func TestCheckRejectsExcessSlippage(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink, zerolog.Nop())

	err := c.Check(context.Background(), testTrade("1200", "1"), decimal.RequireFromString("1180"))
	require.Error(t, err)

	var violation *ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "trade-1", violation.TradeID)
	assert.Equal(t, "1200", violation.ExpectedOut.String())
	assert.Equal(t, "1180", violation.QuotedOut.String())
	assert.Equal(t, "1.6667", violation.RealizedPercent.StringFixed(4))
	assert.Contains(t, err.Error(), "exceeds tolerance 1%")

	require.Len(t, sink.failures, 1)
	assert.Equal(t, domain.BreakerSlippageRate, sink.failures[0])
	assert.Contains(t, sink.reasons[0], "slippage")
	assert.Empty(t, sink.successes)
}

func TestCheckFavorableQuotePasses(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink, zerolog.Nop())

	err := c.Check(context.Background(), testTrade("1200", "1"), decimal.RequireFromString("1250"))
	require.NoError(t, err)
	assert.Len(t, sink.successes, 1)
}

func TestCheckExactToleranceBoundaryPasses(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink, zerolog.Nop())

	// Realized slippage of exactly 1% does not exceed a 1% tolerance.
	err := c.Check(context.Background(), testTrade("100", "1"), decimal.RequireFromString("99"))
	require.NoError(t, err)
	assert.Len(t, sink.successes, 1)
	assert.Empty(t, sink.failures)
}

func TestCheckZeroQuoteRejected(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink, zerolog.Nop())

	err := c.Check(context.Background(), testTrade("100", "50"), decimal.Zero)
	var violation *ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "100.0000", violation.RealizedPercent.StringFixed(4))
}

func TestCheckInvalidExpectedAmount(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink, zerolog.Nop())

	err := c.Check(context.Background(), testTrade("0", "1"), decimal.RequireFromString("10"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-positive expected out")
	assert.Empty(t, sink.successes)
	assert.Empty(t, sink.failures)
}
