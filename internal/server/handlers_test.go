package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/ingestion"
	"github.com/slipstreamlabs/slipstream/internal/modules/metrics"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

const (
	walletA = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	walletB = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	walletC = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
)

type stubIngestion struct {
	statuses    []*ingestion.WalletIngestionStatus
	err         error
	gotWallets  []string
	gotLookback int
}

func (s *stubIngestion) IngestWallets(_ context.Context, wallets []string, lookbackHours int) ([]*ingestion.WalletIngestionStatus, error) {
	s.gotWallets = wallets
	s.gotLookback = lookbackHours
	return s.statuses, s.err
}

type stubMetrics struct {
	single    *domain.PerformanceMetrics
	singleErr error
	batch     []metrics.BatchResult
	period    int
}

func (s *stubMetrics) Calculate(context.Context, string, time.Time) (*domain.PerformanceMetrics, error) {
	return s.single, s.singleErr
}

func (s *stubMetrics) CalculateBatch(context.Context, []string, time.Time) []metrics.BatchResult {
	return s.batch
}

func (s *stubMetrics) PeriodDays() int { return s.period }

type stubScoring struct {
	single    *domain.TrustScoreResult
	singleErr error
	batch     []*domain.TrustScoreResult
	batchErr  error
}

func (s *stubScoring) ScoreWallet(context.Context, string, []string, time.Time) (*domain.TrustScoreResult, error) {
	return s.single, s.singleErr
}

func (s *stubScoring) ScoreBatch(context.Context, []string, time.Time) ([]*domain.TrustScoreResult, error) {
	return s.batch, s.batchErr
}

type stubRanking struct {
	snapshot *domain.RankingSnapshot
	err      error
}

func (s *stubRanking) Latest(context.Context, int) (*domain.RankingSnapshot, error) {
	return s.snapshot, s.err
}

type handlerStubs struct {
	ingestion *stubIngestion
	metrics   *stubMetrics
	scoring   *stubScoring
	ranking   *stubRanking
}

func testHandlers() (*Handlers, *handlerStubs) {
	stubs := &handlerStubs{
		ingestion: &stubIngestion{},
		metrics:   &stubMetrics{period: 90},
		scoring:   &stubScoring{},
		ranking:   &stubRanking{},
	}
	h := NewHandlers(
		stubs.ingestion,
		stubs.metrics,
		stubs.scoring,
		stubs.ranking,
		domain.EligibilityCriteria{MinTrades: 50, MinHistoryDays: 90, MaxDailyROIMagnitude: 0.5},
		NewHealthChecker(zerolog.Nop()),
		zerolog.Nop(),
	)
	return h, stubs
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func eligibleResult(wallet string, score string) *domain.TrustScoreResult {
	return &domain.TrustScoreResult{
		WalletAddress: wallet,
		TrustScore:    decimal.RequireFromString(score),
		Eligibility: domain.EligibilityResult{
			Status:     domain.EligibilityEligible,
			TradeCount: 60,
		},
		Metrics: &domain.PerformanceMetrics{WalletAddress: wallet},
	}
}

func gatedResult(wallet string, status domain.EligibilityStatus) *domain.TrustScoreResult {
	return &domain.TrustScoreResult{
		WalletAddress: wallet,
		TrustScore:    decimal.Zero,
		Eligibility:   domain.EligibilityResult{Status: status},
	}
}

func TestHandleManualIngestion(t *testing.T) {
	h, stubs := testHandlers()
	stubs.ingestion.statuses = []*ingestion.WalletIngestionStatus{
		{Wallet: walletA, Success: true, ValidExtracted: 12},
		{Wallet: walletB, Success: true, ValidExtracted: 3},
	}

	rec := postJSON(t, h.HandleManualIngestion, "/ingestion/manual", ManualIngestionRequest{
		WalletAddresses: []string{walletA, walletB},
		LookbackHours:   48,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	response := decodeBody[ManualIngestionResponse](t, rec)
	assert.True(t, response.Success)
	assert.Equal(t, 2, response.ProcessedWallets)
	assert.Len(t, response.Results, 2)

	assert.Equal(t, []string{walletA, walletB}, stubs.ingestion.gotWallets)
	assert.Equal(t, 48, stubs.ingestion.gotLookback)
}

func TestHandleManualIngestionPartialFailure(t *testing.T) {
	h, stubs := testHandlers()
	stubs.ingestion.statuses = []*ingestion.WalletIngestionStatus{
		{Wallet: walletA, Success: true},
		{Wallet: walletB, Success: false, Errors: []string{"rpc timeout"}},
	}

	rec := postJSON(t, h.HandleManualIngestion, "/ingestion/manual", ManualIngestionRequest{
		WalletAddresses: []string{walletA, walletB},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[ManualIngestionResponse](t, rec)
	assert.False(t, response.Success)
	assert.Equal(t, 2, response.ProcessedWallets)
}

func TestHandleManualIngestionRejectsBadRequests(t *testing.T) {
	h, _ := testHandlers()

	tests := []struct {
		name    string
		request ManualIngestionRequest
	}{
		{"no wallets", ManualIngestionRequest{}},
		{"invalid address", ManualIngestionRequest{WalletAddresses: []string{"not-a-wallet"}}},
		{"negative lookback", ManualIngestionRequest{WalletAddresses: []string{walletA}, LookbackHours: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleManualIngestion, "/ingestion/manual", tt.request)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody[map[string]string](t, rec)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHandlePerformance(t *testing.T) {
	h, stubs := testHandlers()
	stubs.metrics.single = &domain.PerformanceMetrics{
		WalletAddress: walletA,
		PeriodDays:    90,
		TotalTrades:   61,
	}

	rec := postJSON(t, h.HandlePerformance, "/calculation/performance", PerformanceRequest{
		WalletAddresses: []string{walletA},
		EndDate:         "2026-01-10T00:00:00Z",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[domain.PerformanceMetrics](t, rec)
	assert.Equal(t, walletA, response.WalletAddress)
	assert.Equal(t, 61, response.TotalTrades)
}

func TestHandlePerformanceNoHistory(t *testing.T) {
	h, _ := testHandlers()

	rec := postJSON(t, h.HandlePerformance, "/calculation/performance", PerformanceRequest{
		WalletAddresses: []string{walletA},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Contains(t, body["error"], "no trade history")
}

func TestHandlePerformanceValidation(t *testing.T) {
	h, _ := testHandlers()

	tests := []struct {
		name    string
		request PerformanceRequest
	}{
		{"no wallets", PerformanceRequest{}},
		{"two wallets", PerformanceRequest{WalletAddresses: []string{walletA, walletB}}},
		{"bad end date", PerformanceRequest{WalletAddresses: []string{walletA}, EndDate: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandlePerformance, "/calculation/performance", tt.request)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandlePerformanceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", &rpc.Error{Kind: rpc.ErrKindRateLimited, Method: "getSignaturesForAddress"}, http.StatusTooManyRequests},
		{"transient", &rpc.Error{Kind: rpc.ErrKindTransient, Method: "getTransaction"}, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"internal", errors.New("pricing cache corrupt"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, stubs := testHandlers()
			stubs.metrics.singleErr = tt.err

			rec := postJSON(t, h.HandlePerformance, "/calculation/performance", PerformanceRequest{
				WalletAddresses: []string{walletA},
			})
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandlePortfolioAggregatesSummary(t *testing.T) {
	h, stubs := testHandlers()
	stubs.metrics.batch = []metrics.BatchResult{
		{Wallet: walletA, Metrics: &domain.PerformanceMetrics{
			WalletAddress:  walletA,
			TotalTrades:    10,
			TotalVolumeUSD: decimal.RequireFromString("1000"),
			TotalProfitUSD: decimal.RequireFromString("100"),
		}},
		{Wallet: walletB, Err: errors.New("rpc down")},
		{Wallet: walletC, Metrics: &domain.PerformanceMetrics{
			WalletAddress:  walletC,
			TotalTrades:    5,
			TotalVolumeUSD: decimal.RequireFromString("500"),
			TotalProfitUSD: decimal.RequireFromString("-25"),
		}},
	}

	rec := postJSON(t, h.HandlePortfolio, "/calculation/portfolio", PortfolioRequest{
		WalletAddresses: []string{walletA, walletB, walletC},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[PortfolioResponse](t, rec)

	assert.Equal(t, 3, response.Summary.Wallets)
	assert.Equal(t, 2, response.Summary.WalletsWithData)
	assert.Equal(t, 15, response.Summary.TotalTrades)
	assert.InDelta(t, 1500, response.Summary.TotalVolumeUSD, 1e-9)
	assert.InDelta(t, 75, response.Summary.TotalProfitUSD, 1e-9)
	assert.InDelta(t, 5, response.Summary.NetROIPercent, 1e-9)
	assert.Equal(t, 90, response.Summary.PeriodDays)

	require.Len(t, response.Results, 3)
	assert.Equal(t, walletA, response.Results[0].WalletAddress)
	assert.NotNil(t, response.Results[0].Metrics)
	assert.Equal(t, "rpc down", response.Results[1].Error)
	assert.Nil(t, response.Results[1].Metrics)
}

func TestHandlePortfolioNoVolume(t *testing.T) {
	h, stubs := testHandlers()
	stubs.metrics.batch = []metrics.BatchResult{
		{Wallet: walletA, Err: errors.New("no data")},
	}

	rec := postJSON(t, h.HandlePortfolio, "/calculation/portfolio", PortfolioRequest{
		WalletAddresses: []string{walletA},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[PortfolioResponse](t, rec)
	assert.Zero(t, response.Summary.WalletsWithData)
	assert.Zero(t, response.Summary.NetROIPercent)
}

func TestHandleTrustScore(t *testing.T) {
	h, stubs := testHandlers()
	stubs.scoring.single = eligibleResult(walletA, "72.5")

	rec := postJSON(t, h.HandleTrustScore, "/scoring/trust-score", TrustScoreRequest{
		WalletAddresses:  []string{walletA},
		BenchmarkWallets: []string{walletB, walletC},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[domain.TrustScoreResult](t, rec)
	assert.Equal(t, walletA, response.WalletAddress)
	assert.True(t, decimal.RequireFromString("72.5").Equal(response.TrustScore))
}

func TestHandleTrustScoreRejectsBadBenchmark(t *testing.T) {
	h, _ := testHandlers()

	rec := postJSON(t, h.HandleTrustScore, "/scoring/trust-score", TrustScoreRequest{
		WalletAddresses:  []string{walletA},
		BenchmarkWallets: []string{"l0lO"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleScoringBatchSummary(t *testing.T) {
	h, stubs := testHandlers()
	stubs.scoring.batch = []*domain.TrustScoreResult{
		eligibleResult(walletA, "65"),
		gatedResult(walletB, domain.EligibilityNoData),
		gatedResult(walletC, domain.EligibilityInsufficientTrades),
		gatedResult(walletA, domain.EligibilityInsufficientTrades),
	}

	rec := postJSON(t, h.HandleScoringBatch, "/scoring/batch", ScoringBatchRequest{
		WalletAddresses: []string{walletA, walletB, walletC},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[ScoringBatchResponse](t, rec)
	assert.Len(t, response.Results, 4)
	assert.Equal(t, 4, response.Summary.Wallets)
	assert.Equal(t, 1, response.Summary.Eligible)
	assert.Equal(t, map[string]int{
		"no_data":             1,
		"insufficient_trades": 2,
	}, response.Summary.Ineligible)
}

func TestHandleLeaderboard(t *testing.T) {
	h, stubs := testHandlers()
	stubs.scoring.batch = []*domain.TrustScoreResult{
		eligibleResult(walletB, "45"),
		eligibleResult(walletA, "80"),
		gatedResult(walletC, domain.EligibilityNoData),
	}

	rec := postJSON(t, h.HandleLeaderboard, "/scoring/leaderboard", LeaderboardRequest{
		WalletAddresses: []string{walletA, walletB, walletC},
		MinTrustScore:   60,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[domain.RankingSnapshot](t, rec)

	require.Len(t, response.Traders, 1)
	assert.Equal(t, walletA, response.Traders[0].WalletAddress)
	assert.Equal(t, 1, response.Traders[0].Rank)
	assert.Equal(t, 3, response.EvaluatedWallets)
	assert.Equal(t, 2, response.EligibleWallets)
	assert.InDelta(t, 60, response.MinTrustScore, 1e-9)
	assert.Equal(t, 90, response.PeriodDays)
	assert.NotEmpty(t, response.AlgorithmVersion)
}

func TestHandleLeaderboardHonorsLimit(t *testing.T) {
	h, stubs := testHandlers()
	stubs.scoring.batch = []*domain.TrustScoreResult{
		eligibleResult(walletA, "80"),
		eligibleResult(walletB, "70"),
	}

	rec := postJSON(t, h.HandleLeaderboard, "/scoring/leaderboard", LeaderboardRequest{
		WalletAddresses: []string{walletA, walletB},
		Limit:           1,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[domain.RankingSnapshot](t, rec)
	require.Len(t, response.Traders, 1)
	assert.Equal(t, walletA, response.Traders[0].WalletAddress)
}

func rankedSnapshot() *domain.RankingSnapshot {
	return &domain.RankingSnapshot{
		SnapshotID:       "1e8f6e9e-0000-0000-0000-000000000001",
		GeneratedAt:      time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC),
		PeriodDays:       90,
		AlgorithmVersion: "v1.2",
		MinTrustScore:    55,
		Traders: []domain.RankedTrader{
			{Rank: 1, WalletAddress: walletA, TrustScore: 90},
			{Rank: 2, WalletAddress: walletB, TrustScore: 75},
			{Rank: 3, WalletAddress: walletC, TrustScore: 60},
		},
		EvaluatedWallets: 10,
		EligibleWallets:  5,
	}
}

func TestHandleRankedTraders(t *testing.T) {
	h, stubs := testHandlers()
	stubs.ranking.snapshot = rankedSnapshot()

	req := httptest.NewRequest(http.MethodGet, "/internal/ranked-traders", nil)
	rec := httptest.NewRecorder()
	h.HandleRankedTraders(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[RankedTradersResponse](t, rec)
	assert.Equal(t, "success", response.Status)
	assert.Len(t, response.Data, 3)
	assert.Equal(t, "1e8f6e9e-0000-0000-0000-000000000001", response.Meta.SnapshotID)
	assert.Equal(t, "v1.2", response.Meta.AlgorithmVersion)
	assert.Equal(t, 10, response.Meta.EvaluatedWallets)
}

func TestHandleRankedTradersFilters(t *testing.T) {
	h, stubs := testHandlers()
	stubs.ranking.snapshot = rankedSnapshot()

	req := httptest.NewRequest(http.MethodGet, "/internal/ranked-traders?min_trust_score=70&limit=1", nil)
	rec := httptest.NewRecorder()
	h.HandleRankedTraders(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[RankedTradersResponse](t, rec)
	require.Len(t, response.Data, 1)
	assert.Equal(t, walletA, response.Data[0].WalletAddress)
}

func TestHandleRankedTradersBadQuery(t *testing.T) {
	h, stubs := testHandlers()
	stubs.ranking.snapshot = rankedSnapshot()

	for _, target := range []string{
		"/internal/ranked-traders?limit=abc",
		"/internal/ranked-traders?limit=-5",
		"/internal/ranked-traders?min_trust_score=lots",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		h.HandleRankedTraders(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleRankedTradersNoSnapshot(t *testing.T) {
	h, _ := testHandlers()

	req := httptest.NewRequest(http.MethodGet, "/internal/ranked-traders", nil)
	rec := httptest.NewRecorder()
	h.HandleRankedTraders(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Contains(t, body["error"], "no ranking published")
}

func TestHandleHealth(t *testing.T) {
	h, _ := testHandlers()
	h.health.Register("postgres", func(context.Context) error { return nil })
	h.health.Register("redis", func(context.Context) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[HealthReport](t, rec)
	assert.True(t, response.Healthy)
	assert.Equal(t, "healthy", response.Components["postgres"])
	assert.Equal(t, "healthy", response.Components["redis"])
	assert.GreaterOrEqual(t, response.ResponseTimeSeconds, 0.0)
}

func TestHandleHealthDegraded(t *testing.T) {
	h, _ := testHandlers()
	h.health.Register("postgres", func(context.Context) error { return nil })
	h.health.Register("rpc", func(context.Context) error { return errors.New("connection refused") })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	response := decodeBody[HealthReport](t, rec)
	assert.False(t, response.Healthy)
	assert.Equal(t, "healthy", response.Components["postgres"])
	assert.Contains(t, response.Components["rpc"], "unhealthy")
}
