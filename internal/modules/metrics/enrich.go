package metrics

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/pricing"
)

var lamportsPerSOL = decimal.NewFromInt(1_000_000_000)

// PriceFeed is the slice of the pricing service the enricher needs.
type PriceFeed interface {
	Prices(ctx context.Context, requests []pricing.PriceRequest) (map[string]*pricing.PriceResult, error)
}

// Enricher joins swap records with historical prices to produce trade
// records the engine can measure.
type Enricher struct {
	feed     PriceFeed
	registry *config.TokenRegistry
	solMint  string
	log      zerolog.Logger
}

// NewEnricher builds an Enricher. The native mint prices transaction fees.
func NewEnricher(feed PriceFeed, registry *config.TokenRegistry, log zerolog.Logger) *Enricher {
	solMint := ""
	if token, ok := registry.BySymbol("SOL"); ok {
		solMint = token.Mint
	}
	return &Enricher{
		feed:     feed,
		registry: registry,
		solMint:  solMint,
		log:      log.With().Str("component", "trade_enricher").Logger(),
	}
}

// EnrichmentReport counts what survived pricing.
type EnrichmentReport struct {
	Input     int
	Enriched  int
	Unpriced  int // dropped, at least one side had no price
	NonSwaps  int // dropped, failed on chain
}

// Enrich prices every successful swap and returns trade records. Swaps
// that cannot be priced on both sides are dropped; a missing fee price
// only zeroes the fee component.
func (e *Enricher) Enrich(ctx context.Context, swaps []*domain.SwapRecord) ([]domain.TradeRecord, *EnrichmentReport, error) {
	report := &EnrichmentReport{Input: len(swaps)}

	// One batch for every side of every swap plus the fee mint per
	// block time. The feed de-duplicates by (mint, minute) internally.
	var requests []pricing.PriceRequest
	for _, swap := range swaps {
		if swap.Status != domain.SwapStatusSuccess {
			continue
		}
		requests = append(requests,
			pricing.PriceRequest{Mint: swap.TokenIn.Mint, Timestamp: swap.BlockTime, Symbol: swap.TokenIn.Symbol},
			pricing.PriceRequest{Mint: swap.TokenOut.Mint, Timestamp: swap.BlockTime, Symbol: swap.TokenOut.Symbol},
		)
		if e.solMint != "" {
			requests = append(requests, pricing.PriceRequest{Mint: e.solMint, Timestamp: swap.BlockTime, Symbol: "SOL"})
		}
	}

	prices, err := e.feed.Prices(ctx, requests)
	if err != nil {
		return nil, report, err
	}

	trades := make([]domain.TradeRecord, 0, len(swaps))
	for _, swap := range swaps {
		if swap.Status != domain.SwapStatusSuccess {
			report.NonSwaps++
			continue
		}

		inPrice := prices[pricing.CacheKey(swap.TokenIn.Mint, swap.BlockTime)]
		outPrice := prices[pricing.CacheKey(swap.TokenOut.Mint, swap.BlockTime)]
		if inPrice == nil || outPrice == nil {
			report.Unpriced++
			e.log.Debug().
				Str("signature", swap.Signature).
				Bool("in_priced", inPrice != nil).
				Bool("out_priced", outPrice != nil).
				Msg("swap dropped, unpriceable side")
			continue
		}

		trades = append(trades, e.buildTrade(swap, inPrice, outPrice,
			prices[pricing.CacheKey(e.solMint, swap.BlockTime)]))
		report.Enriched++
	}

	return trades, report, nil
}

func (e *Enricher) buildTrade(swap *domain.SwapRecord, inPrice, outPrice, solPrice *pricing.PriceResult) domain.TradeRecord {
	inUSD := swap.TokenIn.Amount.Mul(inPrice.PriceUSD)
	outUSD := swap.TokenOut.Amount.Mul(outPrice.PriceUSD)
	netChange := outUSD.Sub(inUSD)

	feeUSD := decimal.Zero
	if solPrice != nil {
		feeUSD = decimal.NewFromInt(int64(swap.FeeLamports)).Div(lamportsPerSOL).Mul(solPrice.PriceUSD)
	}

	record := *swap
	record.TokenIn.AmountUSD = &inUSD
	record.TokenOut.AmountUSD = &outUSD
	record.FeeUSD = &feeUSD

	return domain.TradeRecord{
		SwapRecord:   record,
		TokenInUSD:   inUSD,
		TokenOutUSD:  outUSD,
		NetUSDChange: netChange,
		TradeFeeUSD:  feeUSD,
		TotalCostUSD: inUSD.Add(feeUSD),
		NetProfitUSD: netChange.Sub(feeUSD),
		Type: domain.ClassifyTradeType(
			e.registry.IsStablecoin(swap.TokenIn.Mint),
			e.registry.IsStablecoin(swap.TokenOut.Mint),
		),
		PriceSource: tradeSource(inPrice, outPrice),
	}
}

// tradeSource names the provider that priced the volatile side.
func tradeSource(inPrice, outPrice *pricing.PriceResult) string {
	if inPrice.Source != "stablecoin" {
		return inPrice.Source
	}
	return outPrice.Source
}
