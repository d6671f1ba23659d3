package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// maxConcurrentCalculations bounds parallel metric computation. The math
// is CPU-light; the bound really protects the price feed behind the
// enricher.
const maxConcurrentCalculations = 3

// SwapSource answers windowed swap reads for a wallet.
type SwapSource interface {
	SwapsInWindow(ctx context.Context, wallet string, start, end time.Time) ([]*domain.SwapRecord, error)
}

// Service computes metrics for one or many wallets from stored swaps.
type Service struct {
	swaps    SwapSource
	enricher *Enricher
	engine   *Engine

	periodDays int
	log        zerolog.Logger
}

// NewService builds the metrics Service.
func NewService(swaps SwapSource, enricher *Enricher, engine *Engine, periodDays int, log zerolog.Logger) *Service {
	return &Service{
		swaps:      swaps,
		enricher:   enricher,
		engine:     engine,
		periodDays: periodDays,
		log:        log.With().Str("service", "metrics").Logger(),
	}
}

// PeriodDays reports the configured rolling window.
func (s *Service) PeriodDays() int {
	return s.periodDays
}

// Calculate computes one wallet's metrics over the rolling window ending
// at end. Returns nil when the wallet has no priceable trades.
func (s *Service) Calculate(ctx context.Context, wallet string, end time.Time) (*domain.PerformanceMetrics, error) {
	trades, err := s.Trades(ctx, wallet, end)
	if err != nil {
		return nil, err
	}
	start := end.AddDate(0, 0, -s.periodDays)
	return s.engine.Calculate(wallet, trades, s.periodDays, start, end), nil
}

// Trades loads and enriches a wallet's trades over the rolling window
// ending at end. Used by the trust-score engine, which needs the raw
// trade set for its daily-spike gate.
func (s *Service) Trades(ctx context.Context, wallet string, end time.Time) ([]domain.TradeRecord, error) {
	_, trades, err := s.History(ctx, wallet, end)
	return trades, err
}

// History loads a wallet's window in one pass: the raw stored swap count
// and the priced trade set. The swap count feeds the no-data eligibility
// gate, which must see wallets whose swaps all failed pricing.
func (s *Service) History(ctx context.Context, wallet string, end time.Time) (int, []domain.TradeRecord, error) {
	start := end.AddDate(0, 0, -s.periodDays)

	swaps, err := s.swaps.SwapsInWindow(ctx, wallet, start, end)
	if err != nil {
		return 0, nil, err
	}
	if len(swaps) == 0 {
		return 0, nil, nil
	}

	trades, report, err := s.enricher.Enrich(ctx, swaps)
	if err != nil {
		return len(swaps), nil, err
	}
	if report.Unpriced > 0 {
		s.log.Warn().
			Str("wallet", wallet).
			Int("unpriced", report.Unpriced).
			Int("enriched", report.Enriched).
			Msg("some swaps could not be priced")
	}
	return len(swaps), trades, nil
}

// BatchResult pairs a wallet with its outcome in a batch calculation.
type BatchResult struct {
	Wallet  string
	Metrics *domain.PerformanceMetrics
	Err     error
}

// CalculateBatch computes metrics for several wallets concurrently,
// bounded by the calculation semaphore. Result order matches input order.
func (s *Service) CalculateBatch(ctx context.Context, wallets []string, end time.Time) []BatchResult {
	results := make([]BatchResult, len(wallets))
	sem := make(chan struct{}, maxConcurrentCalculations)

	var wg sync.WaitGroup
	for i, wallet := range wallets {
		wg.Add(1)
		go func(i int, wallet string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = BatchResult{Wallet: wallet, Err: ctx.Err()}
				return
			}

			m, err := s.Calculate(ctx, wallet, end)
			results[i] = BatchResult{Wallet: wallet, Metrics: m, Err: err}
		}(i, wallet)
	}
	wg.Wait()

	return results
}
