package trustscore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/metrics"
)

// maxConcurrentWallets bounds parallel history loads during batch
// scoring, matching the metric-calculation cap.
const maxConcurrentWallets = 3

// HistorySource loads a wallet's windowed swap count and priced trades.
type HistorySource interface {
	History(ctx context.Context, wallet string, end time.Time) (int, []domain.TradeRecord, error)
	PeriodDays() int
}

// Service runs eligibility, metrics and scoring for one or many wallets.
type Service struct {
	source HistorySource
	mx     *metrics.Engine
	engine *Engine
	log    zerolog.Logger
}

// NewService wires the scoring pipeline.
func NewService(source HistorySource, mx *metrics.Engine, engine *Engine, log zerolog.Logger) *Service {
	return &Service{
		source: source,
		mx:     mx,
		engine: engine,
		log:    log.With().Str("service", "trustscore").Logger(),
	}
}

// Engine exposes the gate thresholds and formula for snapshot metadata.
func (s *Service) Engine() *Engine {
	return s.engine
}

// walletData is one wallet's loaded window plus its gate outcome.
type walletData struct {
	wallet      string
	metrics     *domain.PerformanceMetrics
	eligibility domain.EligibilityResult
	err         error
}

// ScoreWallet scores a single wallet against a benchmark cohort. With no
// benchmark wallets the cohort degenerates to the wallet itself.
func (s *Service) ScoreWallet(ctx context.Context, wallet string, benchmarkWallets []string, end time.Time) (*domain.TrustScoreResult, error) {
	data := s.load(ctx, wallet, end)
	if data.err != nil {
		return nil, data.err
	}
	if !data.eligibility.Eligible() {
		return Ineligible(wallet, data.eligibility), nil
	}

	cohort := []*domain.PerformanceMetrics{data.metrics}
	for _, benchmark := range benchmarkWallets {
		if benchmark == wallet {
			continue
		}
		bd := s.load(ctx, benchmark, end)
		if bd.err != nil {
			s.log.Warn().Str("wallet", benchmark).Err(bd.err).Msg("benchmark wallet skipped")
			continue
		}
		if bd.eligibility.Eligible() {
			cohort = append(cohort, bd.metrics)
		}
	}

	result := s.engine.Score(data.metrics, cohort)
	result.Eligibility = data.eligibility
	return result, nil
}

// ScoreBatch scores a wallet set as one cohort: gate every wallet, build
// the cohort from the eligible metrics, normalize once, score each.
// Result order follows input order; ineligible wallets carry their gate
// outcome and a zero score.
func (s *Service) ScoreBatch(ctx context.Context, wallets []string, end time.Time) ([]*domain.TrustScoreResult, error) {
	loaded := make([]walletData, len(wallets))
	sem := make(chan struct{}, maxConcurrentWallets)

	var wg sync.WaitGroup
	for i, wallet := range wallets {
		wg.Add(1)
		go func(i int, wallet string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				loaded[i] = walletData{wallet: wallet, err: ctx.Err()}
				return
			}

			loaded[i] = s.load(ctx, wallet, end)
		}(i, wallet)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cohort := make([]*domain.PerformanceMetrics, 0, len(loaded))
	for _, data := range loaded {
		if data.err == nil && data.eligibility.Eligible() {
			cohort = append(cohort, data.metrics)
		}
	}

	results := make([]*domain.TrustScoreResult, len(loaded))
	for i, data := range loaded {
		switch {
		case data.err != nil:
			eligibility := domain.EligibilityResult{
				Status: domain.EligibilityCalculationError,
				Reason: data.err.Error(),
			}
			results[i] = Ineligible(data.wallet, eligibility)
		case !data.eligibility.Eligible():
			results[i] = Ineligible(data.wallet, data.eligibility)
		default:
			result := s.engine.Score(data.metrics, cohort)
			result.Eligibility = data.eligibility
			results[i] = result
		}
	}

	s.log.Info().
		Int("wallets", len(wallets)).
		Int("eligible", len(cohort)).
		Time("end", end).
		Msg("batch scored")

	return results, nil
}

// load pulls one wallet's window, computes metrics and runs the gates.
func (s *Service) load(ctx context.Context, wallet string, end time.Time) walletData {
	swapCount, trades, err := s.source.History(ctx, wallet, end)
	if err != nil {
		return walletData{wallet: wallet, err: err}
	}

	periodDays := s.source.PeriodDays()
	start := end.AddDate(0, 0, -periodDays)
	m := s.mx.Calculate(wallet, trades, periodDays, start, end)

	return walletData{
		wallet:      wallet,
		metrics:     m,
		eligibility: s.engine.CheckEligibility(swapCount, trades, m),
	}
}

// SortByScore orders results best-first, ties broken by wallet so the
// published ranking is deterministic.
func SortByScore(results []*domain.TrustScoreResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].TrustScore.Equal(results[j].TrustScore) {
			return results[i].TrustScore.GreaterThan(results[j].TrustScore)
		}
		return results[i].WalletAddress < results[j].WalletAddress
	})
}
