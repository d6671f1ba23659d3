// Package tradegen reconciles a vault's composition against its target
// allocation and sizes the ordered swap list that realizes it. The
// generator prices from the feed, never on-chain; the executor re-quotes
// every trade at execution time.
package tradegen

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// nativeMint prices the SOL-denominated trade ceiling.
const nativeMint = "So11111111111111111111111111111111111111112"

// tradeIDNamespace scopes the deterministic UUIDv5 trade ids.
var tradeIDNamespace = uuid.MustParse("8f1c2a54-73de-4be2-9c11-5a0d8e6f4b27")

// TradeID derives the id of the pairIndex-th trade of a user's cycle.
// Re-running the same cycle yields identical ids; the idempotency layer
// depends on that.
func TradeID(userID, cycleID string, pairIndex int) string {
	name := fmt.Sprintf("%s|%s|%d", userID, cycleID, pairIndex)
	return uuid.NewSHA1(tradeIDNamespace, []byte(name)).String()
}

// PriceSource quotes current USD prices per mint.
type PriceSource interface {
	CurrentPrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// Config bounds the generator's sizing.
type Config struct {
	// DriftThresholdPercent is the per-asset allocation drift, in
	// percentage points, above which a rebalance is required.
	DriftThresholdPercent decimal.Decimal
	// MinTradeValueUSD suppresses dust swaps not worth their fees.
	MinTradeValueUSD decimal.Decimal
	// MaxSlippagePercent sets every instruction's slippage floor.
	MaxSlippagePercent decimal.Decimal
	// MaxTradeValueSOL caps any single swap's notional, denominated in
	// SOL. Zero disables the cap; reallocations above it are cut into
	// ceiling-sized chunks.
	MaxTradeValueSOL decimal.Decimal
}

// Generator sizes and orders rebalancing swaps.
type Generator struct {
	prices PriceSource
	cfg    Config
	log    zerolog.Logger
	clock  func() time.Time
}

// NewGenerator creates a generator. Zero config fields fall back to a 5
// point drift threshold and a $1 dust floor; slippage is clamped into
// the domain's [0, 50] bound.
func NewGenerator(prices PriceSource, cfg Config, log zerolog.Logger) *Generator {
	if cfg.DriftThresholdPercent.IsZero() {
		cfg.DriftThresholdPercent = decimal.NewFromInt(5)
	}
	if cfg.MinTradeValueUSD.IsZero() {
		cfg.MinTradeValueUSD = decimal.NewFromInt(1)
	}

	ceiling := decimal.NewFromInt(domain.MaxSlippagePercent)
	if cfg.MaxSlippagePercent.GreaterThan(ceiling) {
		log.Warn().Str("configured", cfg.MaxSlippagePercent.String()).Msg("Slippage tolerance clamped to domain maximum")
		cfg.MaxSlippagePercent = ceiling
	}
	if cfg.MaxSlippagePercent.IsNegative() {
		cfg.MaxSlippagePercent = decimal.Zero
	}
	if cfg.MaxTradeValueSOL.IsNegative() {
		cfg.MaxTradeValueSOL = decimal.Zero
	}

	return &Generator{
		prices: prices,
		cfg:    cfg,
		log:    log.With().Str("component", "tradegen").Logger(),
		clock:  time.Now,
	}
}

var hundred = decimal.NewFromInt(100)

// Compare reconciles current holdings against the target allocation,
// listing the per-asset discrepancies and whether any drift exceeds the
// threshold.
func (g *Generator) Compare(current *domain.Portfolio, target *domain.TargetPortfolio) domain.PortfolioComparison {
	comparison := domain.PortfolioComparison{
		UserID:        target.UserID,
		VaultAddress:  current.VaultAddress,
		TotalValueUSD: current.TotalValueUSD,
		ComparedAt:    g.clock().UTC(),
	}

	total := current.TotalValueUSD
	if !total.IsPositive() {
		// An empty vault has no capital to reallocate.
		return comparison
	}

	currentByMint := make(map[string]domain.Holding, len(current.Holdings))
	for _, holding := range current.Holdings {
		currentByMint[holding.Mint] = holding
	}

	targetByMint := make(map[string]domain.Allocation, len(target.Allocations))
	order := make([]string, 0, len(target.Allocations)+len(current.Holdings))
	for _, alloc := range target.Allocations {
		targetByMint[alloc.Mint] = alloc
		order = append(order, alloc.Mint)
	}
	for _, holding := range current.Holdings {
		if _, targeted := targetByMint[holding.Mint]; !targeted {
			order = append(order, holding.Mint)
		}
	}

	for _, mint := range order {
		discrepancy := domain.AssetDiscrepancy{Mint: mint}

		if holding, held := currentByMint[mint]; held {
			discrepancy.Symbol = holding.Symbol
			discrepancy.CurrentValueUSD = holding.EstimatedUSDValue
		}
		if alloc, targeted := targetByMint[mint]; targeted {
			discrepancy.Symbol = alloc.Symbol
			discrepancy.TargetPercent = alloc.TargetPercent
		}

		discrepancy.CurrentPercent = discrepancy.CurrentValueUSD.Div(total).Mul(hundred)
		discrepancy.TargetValueUSD = total.Mul(discrepancy.TargetPercent).Div(hundred)
		discrepancy.DeltaValueUSD = discrepancy.TargetValueUSD.Sub(discrepancy.CurrentValueUSD)

		if discrepancy.CurrentPercent.Sub(discrepancy.TargetPercent).Abs().GreaterThan(g.cfg.DriftThresholdPercent) {
			comparison.RebalanceRequired = true
		}

		comparison.Discrepancies = append(comparison.Discrepancies, discrepancy)
	}

	return comparison
}

// residual is one side of the pairing with its unrealized USD delta.
type residual struct {
	mint      string
	symbol    string
	remaining decimal.Decimal
}

// Generate emits the ordered pending trades closing a comparison's gaps:
// overweight assets are paired with underweight ones, largest with
// largest, until one side is exhausted. A configured trade ceiling cuts
// oversized pairings into several chunks.
func (g *Generator) Generate(ctx context.Context, comparison domain.PortfolioComparison, profile domain.RiskProfile, cycleID string) ([]domain.GeneratedTrade, error) {
	if !comparison.RebalanceRequired {
		return nil, nil
	}

	var sources, sinks []residual
	for _, d := range comparison.Discrepancies {
		switch {
		case d.DeltaValueUSD.IsNegative():
			sources = append(sources, residual{mint: d.Mint, symbol: d.Symbol, remaining: d.DeltaValueUSD.Neg()})
		case d.DeltaValueUSD.IsPositive():
			sinks = append(sinks, residual{mint: d.Mint, symbol: d.Symbol, remaining: d.DeltaValueUSD})
		}
	}

	capUSD := decimal.Zero
	if g.cfg.MaxTradeValueSOL.IsPositive() && len(sources) > 0 && len(sinks) > 0 {
		var err error
		if capUSD, err = g.tradeCapUSD(ctx); err != nil {
			return nil, err
		}
	}

	var trades []domain.GeneratedTrade
	pairIndex := 0

	for {
		sources = pruneDust(sources, g.cfg.MinTradeValueUSD)
		sinks = pruneDust(sinks, g.cfg.MinTradeValueUSD)
		if len(sources) == 0 || len(sinks) == 0 {
			break
		}
		sortByRemaining(sources)
		sortByRemaining(sinks)

		source := &sources[0]
		sink := &sinks[0]
		value := decimal.Min(source.remaining, sink.remaining)
		if capUSD.IsPositive() && value.GreaterThan(capUSD) {
			value = capUSD
		}

		trade, err := g.buildTrade(ctx, comparison, *source, *sink, value, profile, cycleID, pairIndex)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
		pairIndex++

		source.remaining = source.remaining.Sub(value)
		sink.remaining = sink.remaining.Sub(value)
	}

	g.log.Debug().
		Str("user_id", comparison.UserID).
		Str("cycle_id", cycleID).
		Int("trades", len(trades)).
		Msg("Rebalancing trades generated")

	return trades, nil
}

func (g *Generator) buildTrade(ctx context.Context, comparison domain.PortfolioComparison, source, sink residual, valueUSD decimal.Decimal, profile domain.RiskProfile, cycleID string, pairIndex int) (domain.GeneratedTrade, error) {
	fromPrice, err := g.prices.CurrentPrice(ctx, source.mint)
	if err != nil {
		return domain.GeneratedTrade{}, fmt.Errorf("pricing %s: %w", source.symbol, err)
	}
	if !fromPrice.IsPositive() {
		return domain.GeneratedTrade{}, fmt.Errorf("non-positive price for %s", source.symbol)
	}
	toPrice, err := g.prices.CurrentPrice(ctx, sink.mint)
	if err != nil {
		return domain.GeneratedTrade{}, fmt.Errorf("pricing %s: %w", sink.symbol, err)
	}
	if !toPrice.IsPositive() {
		return domain.GeneratedTrade{}, fmt.Errorf("non-positive price for %s", sink.symbol)
	}

	expectedTo := valueUSD.Div(toPrice)
	instruction := domain.SwapInstruction{
		FromSymbol:         source.symbol,
		FromMint:           source.mint,
		ToSymbol:           sink.symbol,
		ToMint:             sink.mint,
		FromAmount:         valueUSD.Div(fromPrice),
		ExpectedToAmount:   expectedTo,
		MinimumToAmount:    expectedTo.Mul(decimal.NewFromInt(1).Sub(g.cfg.MaxSlippagePercent.Div(hundred))),
		MaxSlippagePercent: g.cfg.MaxSlippagePercent,
	}
	if err := instruction.Validate(); err != nil {
		return domain.GeneratedTrade{}, fmt.Errorf("sizing %s into %s: %w", source.symbol, sink.symbol, err)
	}

	now := g.clock().UTC()
	return domain.GeneratedTrade{
		TradeID:      TradeID(comparison.UserID, cycleID, pairIndex),
		UserID:       comparison.UserID,
		VaultAddress: comparison.VaultAddress,
		Type:         domain.TradeTypeRebalanceSwap,
		Instruction:  instruction,
		Rationale: fmt.Sprintf("Swap %s worth of %s into %s toward the %s-profile target allocation",
			"$"+valueUSD.StringFixed(2), source.symbol, sink.symbol, profile),
		Priority:  pairIndex + 1,
		Status:    domain.TradeStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		RiskScore: portfolioFraction(valueUSD, comparison.TotalValueUSD),
	}, nil
}

// tradeCapUSD converts the SOL ceiling into USD at the current price.
// A ceiling under the dust floor is raised to it so chunked trades
// never fall below their own minimum.
func (g *Generator) tradeCapUSD(ctx context.Context) (decimal.Decimal, error) {
	solPrice, err := g.prices.CurrentPrice(ctx, nativeMint)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("pricing trade ceiling: %w", err)
	}
	if !solPrice.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive SOL price %s", solPrice)
	}

	capUSD := g.cfg.MaxTradeValueSOL.Mul(solPrice)
	if capUSD.LessThan(g.cfg.MinTradeValueUSD) {
		g.log.Warn().
			Str("cap_usd", capUSD.String()).
			Str("dust_floor_usd", g.cfg.MinTradeValueUSD.String()).
			Msg("Trade ceiling below dust floor, raised to the floor")
		capUSD = g.cfg.MinTradeValueUSD
	}
	return capUSD, nil
}

// portfolioFraction is the share of total vault value a trade moves, in
// percent. Larger moves carry more execution risk.
func portfolioFraction(valueUSD, totalUSD decimal.Decimal) float64 {
	if !totalUSD.IsPositive() {
		return 0
	}
	return valueUSD.Div(totalUSD).Mul(hundred).InexactFloat64()
}

func pruneDust(residuals []residual, minValue decimal.Decimal) []residual {
	kept := residuals[:0]
	for _, r := range residuals {
		if r.remaining.GreaterThanOrEqual(minValue) {
			kept = append(kept, r)
		}
	}
	return kept
}

func sortByRemaining(residuals []residual) {
	sort.Slice(residuals, func(i, j int) bool {
		if !residuals[i].remaining.Equal(residuals[j].remaining) {
			return residuals[i].remaining.GreaterThan(residuals[j].remaining)
		}
		return residuals[i].mint < residuals[j].mint
	})
}
