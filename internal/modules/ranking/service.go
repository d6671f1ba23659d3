package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/trustscore"
)

// ChannelPublished carries snapshot announcements to subscribed
// consumers, letting the bot react ahead of its own schedule.
const ChannelPublished = "ranking.published"

// latestTTL bounds how long a cached snapshot outlives its producer; the
// Postgres history remains the durable record.
const latestTTL = 24 * time.Hour

// Announcement is the pub/sub payload emitted after every publish.
type Announcement struct {
	SnapshotID  string    `json:"snapshot_id"`
	PeriodDays  int       `json:"period_days"`
	GeneratedAt time.Time `json:"generated_at"`
	Traders     int       `json:"traders"`
}

// Service publishes snapshots and serves the latest one per period.
type Service struct {
	repo     *Repository
	redis    *redis.Client
	criteria domain.EligibilityCriteria
	log      zerolog.Logger
}

// NewService wires the ranking pipeline. criteria rides inline on every
// snapshot the service publishes.
func NewService(repo *Repository, rdb *redis.Client, criteria domain.EligibilityCriteria, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		redis:    rdb,
		criteria: criteria,
		log:      log.With().Str("service", "ranking").Logger(),
	}
}

func latestKey(periodDays int) string {
	return fmt.Sprintf("ranking:latest:%d", periodDays)
}

// Publish builds a snapshot from the scored set, appends it to the
// Postgres history, caches it as the period's latest and announces it on
// the broker. The Postgres write is the one that must succeed; broker
// failures degrade to a warning since consumers poll the API regardless.
func (s *Service) Publish(ctx context.Context, results []*domain.TrustScoreResult, params BuildParams) (*domain.RankingSnapshot, error) {
	snapshot := Build(results, s.criteria, params)

	if err := s.repo.SaveSnapshot(ctx, snapshot, results); err != nil {
		return nil, fmt.Errorf("persisting snapshot: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := s.redis.Set(ctx, latestKey(snapshot.PeriodDays), payload, latestTTL).Err(); err != nil {
		s.log.Warn().Err(err).Msg("snapshot cache write failed")
	}

	announcement, err := json.Marshal(Announcement{
		SnapshotID:  snapshot.SnapshotID,
		PeriodDays:  snapshot.PeriodDays,
		GeneratedAt: snapshot.GeneratedAt,
		Traders:     len(snapshot.Traders),
	})
	if err == nil {
		if err := s.redis.Publish(ctx, ChannelPublished, announcement).Err(); err != nil {
			s.log.Warn().Err(err).Msg("snapshot announcement failed")
		}
	}

	s.log.Info().
		Str("snapshot_id", snapshot.SnapshotID).
		Int("traders", len(snapshot.Traders)).
		Int("eligible", snapshot.EligibleWallets).
		Int("evaluated", snapshot.EvaluatedWallets).
		Float64("min_trust_score", params.MinTrustScore).
		Msg("ranking published")

	return snapshot, nil
}

// Latest returns the current snapshot for the period: the broker cache
// when fresh, otherwise rebuilt from the newest Postgres batch. Returns
// nil when no snapshot has ever been published.
func (s *Service) Latest(ctx context.Context, periodDays int) (*domain.RankingSnapshot, error) {
	cached, err := s.redis.Get(ctx, latestKey(periodDays)).Bytes()
	if err == nil {
		var snapshot domain.RankingSnapshot
		if err := json.Unmarshal(cached, &snapshot); err == nil {
			return &snapshot, nil
		}
		s.log.Warn().Msg("cached snapshot undecodable, falling back to store")
	} else if err != redis.Nil {
		s.log.Warn().Err(err).Msg("snapshot cache read failed, falling back to store")
	}

	rows, err := s.repo.LatestBatch(ctx, periodDays)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.snapshotFromRows(rows, periodDays)
}

// snapshotFromRows rebuilds a snapshot from its persisted batch. Criteria
// and weights are re-attached from the running algorithm; rows and
// algorithm stay in step because a version bump rescores before it
// publishes.
func (s *Service) snapshotFromRows(rows []Row, periodDays int) (*domain.RankingSnapshot, error) {
	// Rebuilds are deterministic: the same batch always yields the same id.
	batch := fmt.Sprintf("ranking:%d:%d", periodDays, rows[0].CalculationTimestamp.UnixNano())

	snapshot := &domain.RankingSnapshot{
		SnapshotID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(batch)).String(),
		GeneratedAt:         rows[0].CalculationTimestamp,
		PeriodDays:          periodDays,
		AlgorithmVersion:    rows[0].AlgorithmVersion,
		EligibilityCriteria: s.criteria,
		ScoringWeights:      trustscore.Weights(),
		EvaluatedWallets:    len(rows),
	}

	for _, row := range rows {
		if row.IsEligible {
			snapshot.EligibleWallets++
		}
		if row.Rank < 1 {
			continue
		}

		trader := domain.RankedTrader{
			Rank:          row.Rank,
			WalletAddress: row.WalletAddress,
			TrustScore:    row.TrustScore,
		}
		if len(row.EligibilityCheck) > 0 {
			if err := json.Unmarshal(row.EligibilityCheck, &trader.Eligibility); err != nil {
				return nil, fmt.Errorf("decoding eligibility for %s: %w", row.WalletAddress, err)
			}
		}
		if len(row.PerformanceMetrics) > 0 {
			var m domain.PerformanceMetrics
			if err := json.Unmarshal(row.PerformanceMetrics, &m); err != nil {
				return nil, fmt.Errorf("decoding metrics for %s: %w", row.WalletAddress, err)
			}
			trader.Metrics = domain.RankedTraderMetrics{
				NetROIPercent:          m.NetROIPercent.InexactFloat64(),
				SharpeRatio:            m.SharpeRatio.InexactFloat64(),
				MaximumDrawdownPercent: m.MaximumDrawdownPercent.InexactFloat64(),
				TotalTrades:            m.TotalTrades,
				WinLossRatio:           m.WinLossRatio.InexactFloat64(),
				TotalVolumeUSD:         m.TotalVolumeUSD.InexactFloat64(),
				TotalProfitUSD:         m.TotalProfitUSD.InexactFloat64(),
			}
		}
		snapshot.Traders = append(snapshot.Traders, trader)
	}

	return snapshot, nil
}
