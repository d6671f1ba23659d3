package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/ingestion"
	"github.com/slipstreamlabs/slipstream/internal/modules/metrics"
	"github.com/slipstreamlabs/slipstream/internal/modules/ranking"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

// IngestionService triggers out-of-schedule ingestion passes.
type IngestionService interface {
	IngestWallets(ctx context.Context, wallets []string, lookbackHours int) ([]*ingestion.WalletIngestionStatus, error)
}

// MetricsService computes rolling-window performance metrics.
type MetricsService interface {
	Calculate(ctx context.Context, wallet string, end time.Time) (*domain.PerformanceMetrics, error)
	CalculateBatch(ctx context.Context, wallets []string, end time.Time) []metrics.BatchResult
	PeriodDays() int
}

// ScoringService runs eligibility and trust scoring.
type ScoringService interface {
	ScoreWallet(ctx context.Context, wallet string, benchmarkWallets []string, end time.Time) (*domain.TrustScoreResult, error)
	ScoreBatch(ctx context.Context, wallets []string, end time.Time) ([]*domain.TrustScoreResult, error)
}

// RankingService serves the latest published snapshot.
type RankingService interface {
	Latest(ctx context.Context, periodDays int) (*domain.RankingSnapshot, error)
}

// Handlers bundles the analytics API endpoints.
type Handlers struct {
	ingestion IngestionService
	metrics   MetricsService
	scoring   ScoringService
	ranking   RankingService
	criteria  domain.EligibilityCriteria
	health    *HealthChecker
	log       zerolog.Logger
}

// NewHandlers wires the endpoint set.
func NewHandlers(
	ingestionSvc IngestionService,
	metricsSvc MetricsService,
	scoringSvc ScoringService,
	rankingSvc RankingService,
	criteria domain.EligibilityCriteria,
	health *HealthChecker,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		ingestion: ingestionSvc,
		metrics:   metricsSvc,
		scoring:   scoringSvc,
		ranking:   rankingSvc,
		criteria:  criteria,
		health:    health,
		log:       log.With().Str("handler", "analytics").Logger(),
	}
}

// HandleManualIngestion handles POST /ingestion/manual.
func (h *Handlers) HandleManualIngestion(w http.ResponseWriter, r *http.Request) {
	var request ManualIngestionRequest
	if !h.decode(w, r, &request) {
		return
	}

	results, err := h.ingestion.IngestWallets(r.Context(), request.WalletAddresses, request.LookbackHours)
	if err != nil {
		h.fail(w, r, err, "manual ingestion failed")
		return
	}

	success := true
	for _, result := range results {
		if !result.Success {
			success = false
			break
		}
	}

	writeJSON(w, http.StatusOK, ManualIngestionResponse{
		Success:          success,
		ProcessedWallets: len(results),
		Results:          results,
	})
}

// HandlePerformance handles POST /calculation/performance.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	var request PerformanceRequest
	if !h.decode(w, r, &request) {
		return
	}
	end, err := parseEndDate(request.EndDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.metrics.Calculate(r.Context(), request.WalletAddresses[0], end)
	if err != nil {
		h.fail(w, r, err, "performance calculation failed")
		return
	}
	if result == nil {
		writeError(w, r, http.StatusBadRequest, "no trade history in the rolling window")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandlePortfolio handles POST /calculation/portfolio.
func (h *Handlers) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	var request PortfolioRequest
	if !h.decode(w, r, &request) {
		return
	}
	end, err := parseEndDate(request.EndDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	batch := h.metrics.CalculateBatch(r.Context(), request.WalletAddresses, end)

	response := PortfolioResponse{
		Summary: PortfolioSummary{
			Wallets:    len(request.WalletAddresses),
			PeriodDays: h.metrics.PeriodDays(),
		},
		Results: make([]PortfolioWallet, 0, len(batch)),
	}

	volume := decimal.Zero
	profit := decimal.Zero
	for _, item := range batch {
		entry := PortfolioWallet{WalletAddress: item.Wallet}
		switch {
		case item.Err != nil:
			entry.Error = item.Err.Error()
		case item.Metrics != nil:
			entry.Metrics = item.Metrics
			response.Summary.WalletsWithData++
			response.Summary.TotalTrades += item.Metrics.TotalTrades
			volume = volume.Add(item.Metrics.TotalVolumeUSD)
			profit = profit.Add(item.Metrics.TotalProfitUSD)
		}
		response.Results = append(response.Results, entry)
	}

	response.Summary.TotalVolumeUSD = volume.InexactFloat64()
	response.Summary.TotalProfitUSD = profit.InexactFloat64()
	if volume.IsPositive() {
		response.Summary.NetROIPercent = profit.Div(volume).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}

	writeJSON(w, http.StatusOK, response)
}

// HandleTrustScore handles POST /scoring/trust-score.
func (h *Handlers) HandleTrustScore(w http.ResponseWriter, r *http.Request) {
	var request TrustScoreRequest
	if !h.decode(w, r, &request) {
		return
	}
	end, err := parseEndDate(request.EndDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.scoring.ScoreWallet(r.Context(), request.WalletAddresses[0], request.BenchmarkWallets, end)
	if err != nil {
		h.fail(w, r, err, "trust score calculation failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleScoringBatch handles POST /scoring/batch.
func (h *Handlers) HandleScoringBatch(w http.ResponseWriter, r *http.Request) {
	var request ScoringBatchRequest
	if !h.decode(w, r, &request) {
		return
	}
	end, err := parseEndDate(request.EndDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.scoring.ScoreBatch(r.Context(), request.WalletAddresses, end)
	if err != nil {
		h.fail(w, r, err, "batch scoring failed")
		return
	}

	summary := ScoringBatchSummary{Wallets: len(results)}
	for _, result := range results {
		if result.Eligibility.Eligible() {
			summary.Eligible++
			continue
		}
		if summary.Ineligible == nil {
			summary.Ineligible = make(map[string]int)
		}
		summary.Ineligible[string(result.Eligibility.Status)]++
	}

	writeJSON(w, http.StatusOK, ScoringBatchResponse{Results: results, Summary: summary})
}

// HandleLeaderboard handles POST /scoring/leaderboard: score the ad-hoc
// set as one cohort, then rank it. The snapshot is returned to the
// caller only, never published.
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	var request LeaderboardRequest
	if !h.decode(w, r, &request) {
		return
	}
	end, err := parseEndDate(request.EndDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.scoring.ScoreBatch(r.Context(), request.WalletAddresses, end)
	if err != nil {
		h.fail(w, r, err, "leaderboard scoring failed")
		return
	}

	limit := request.Limit
	if limit == 0 {
		limit = maxLeaderboardLimit
	}
	snapshot := ranking.Build(results, h.criteria, ranking.BuildParams{
		PeriodDays:    h.metrics.PeriodDays(),
		MinTrustScore: request.MinTrustScore,
		Limit:         limit,
	})

	writeJSON(w, http.StatusOK, snapshot)
}

// HandleRankedTraders handles GET /internal/ranked-traders, the feed the
// execution bot follows.
func (h *Handlers) HandleRankedTraders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	minScore, err := queryFloat(r, "min_trust_score", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	snapshot, err := h.ranking.Latest(r.Context(), h.metrics.PeriodDays())
	if err != nil {
		h.fail(w, r, err, "loading latest ranking failed")
		return
	}
	if snapshot == nil {
		writeError(w, r, http.StatusServiceUnavailable, "no ranking published yet")
		return
	}

	data := snapshot.Traders
	if minScore > 0 {
		filtered := make([]domain.RankedTrader, 0, len(data))
		for _, trader := range data {
			if trader.TrustScore >= minScore {
				filtered = append(filtered, trader)
			}
		}
		data = filtered
	}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	if data == nil {
		data = []domain.RankedTrader{}
	}

	writeJSON(w, http.StatusOK, RankedTradersResponse{
		Status: "success",
		Data:   data,
		Meta: RankedTradersMeta{
			SnapshotID:          snapshot.SnapshotID,
			GeneratedAt:         snapshot.GeneratedAt,
			PeriodDays:          snapshot.PeriodDays,
			AlgorithmVersion:    snapshot.AlgorithmVersion,
			MinTrustScore:       snapshot.MinTrustScore,
			EligibilityCriteria: snapshot.EligibilityCriteria,
			ScoringWeights:      snapshot.ScoringWeights,
			EvaluatedWallets:    snapshot.EvaluatedWallets,
			EligibleWallets:     snapshot.EligibleWallets,
		},
	})
}

// decode parses and validates a JSON request body, answering 400 itself.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, request interface{ Validate() error }) bool {
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := request.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps a service error onto the API's status taxonomy.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var vErr *validationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, r, http.StatusBadRequest, vErr.Error())
		return
	case rpc.IsRateLimited(err):
		writeError(w, r, http.StatusTooManyRequests, "upstream rate limit exceeded")
	case errors.Is(err, context.DeadlineExceeded) || rpc.IsTransient(err):
		writeError(w, r, http.StatusServiceUnavailable, msg)
	default:
		writeError(w, r, http.StatusInternalServerError, msg)
	}
	h.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg(msg)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error payload; 5xx responses carry the request id
// so operators can find the matching audit trail.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	body := map[string]string{"error": message}
	if status >= 500 {
		body["request_id"] = middleware.GetReqID(r.Context())
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, invalidf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func queryFloat(r *http.Request, key string, fallback float64) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, invalidf("%s must be a non-negative number", key)
	}
	return v, nil
}
