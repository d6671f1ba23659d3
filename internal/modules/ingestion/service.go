package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/batch"
	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// SwapStore persists validated swap records.
type SwapStore interface {
	SaveSwaps(ctx context.Context, swaps []*domain.SwapRecord) (int, error)
	LatestBlockTime(ctx context.Context, wallet string) (*time.Time, error)
}

// ProfileStore answers which wallets to ingest and records activity.
type ProfileStore interface {
	ActiveWallets(ctx context.Context) ([]string, error)
	TouchActivity(ctx context.Context, wallet string, lastActivity time.Time, tradeDelta int) error
}

// Service drives ingestion across the tracked wallet set.
type Service struct {
	worker   *Worker
	swaps    SwapStore
	profiles ProfileStore
	cfg      config.IngestionConfig
	window   time.Duration
	log      zerolog.Logger
}

// NewService builds the ingestion Service. rollingDays bounds how far
// back a full backfill reaches.
func NewService(worker *Worker, swaps SwapStore, profiles ProfileStore, cfg config.IngestionConfig, rollingDays int, log zerolog.Logger) *Service {
	return &Service{
		worker:   worker,
		swaps:    swaps,
		profiles: profiles,
		cfg:      cfg,
		window:   time.Duration(rollingDays) * 24 * time.Hour,
		log:      log.With().Str("service", "ingestion").Logger(),
	}
}

// IngestWallet runs one wallet: resolve the window, walk the chain,
// persist what validated, and touch the wallet's activity cursor.
// Incremental runs start from the stored cursor instead of the full
// rolling window.
func (s *Service) IngestWallet(ctx context.Context, wallet string) (*WalletIngestionStatus, error) {
	end := time.Now().UTC()
	start := end.Add(-s.window)

	cursor, err := s.swaps.LatestBlockTime(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("resolving cursor: %w", err)
	}
	if cursor != nil && cursor.After(start) {
		// Re-read the cursor second itself: a partially ingested second
		// is rescued by the signature-unique insert.
		start = *cursor
	}

	return s.ingestRange(ctx, wallet, start, end)
}

// ingestRange walks one wallet over an explicit window and persists the
// result.
func (s *Service) ingestRange(ctx context.Context, wallet string, start, end time.Time) (*WalletIngestionStatus, error) {
	status, swaps := s.worker.IngestWallet(ctx, wallet, start, end, s.cfg.MaxTransactionsPerWallet)

	inserted := 0
	if len(swaps) > 0 {
		var err error
		inserted, err = s.swaps.SaveSwaps(ctx, swaps)
		if err != nil {
			status.Success = false
			status.Errors = append(status.Errors, fmt.Sprintf("persist failed: %v", err))
			return status, fmt.Errorf("persisting swaps for %s: %w", wallet, err)
		}

		newest := swaps[0].BlockTime
		for _, swap := range swaps[1:] {
			if swap.BlockTime.After(newest) {
				newest = swap.BlockTime
			}
		}
		if err := s.profiles.TouchActivity(ctx, wallet, newest, inserted); err != nil {
			s.log.Warn().Str("wallet", wallet).Err(err).Msg("activity touch failed")
		}
	}

	s.log.Info().
		Str("wallet", wallet).
		Time("window_start", start).
		Int("extracted", status.ValidExtracted).
		Int("inserted", inserted).
		Msg("wallet ingested")

	return status, nil
}

// IngestAll runs every active wallet through the fault-tolerant batch
// processor with bounded concurrency.
func (s *Service) IngestAll(ctx context.Context) ([]*WalletIngestionStatus, error) {
	wallets, err := s.profiles.ActiveWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active wallets: %w", err)
	}
	if len(wallets) == 0 {
		s.log.Info().Msg("no active wallets to ingest")
		return nil, nil
	}

	statuses := s.ingestBatch(ctx, wallets, func(ctx context.Context, wallet string) (*WalletIngestionStatus, error) {
		return s.IngestWallet(ctx, wallet)
	})
	return statuses, nil
}

// IngestWallets runs an explicit wallet set over a fixed lookback,
// bypassing stored cursors. A zero lookback uses the full rolling window.
// Serves the manual-ingestion API.
func (s *Service) IngestWallets(ctx context.Context, wallets []string, lookbackHours int) ([]*WalletIngestionStatus, error) {
	if len(wallets) == 0 {
		return nil, nil
	}

	end := time.Now().UTC()
	window := s.window
	if lookbackHours > 0 {
		window = time.Duration(lookbackHours) * time.Hour
	}
	start := end.Add(-window)

	statuses := s.ingestBatch(ctx, wallets, func(ctx context.Context, wallet string) (*WalletIngestionStatus, error) {
		return s.ingestRange(ctx, wallet, start, end)
	})
	return statuses, nil
}

// ingestBatch fans a wallet set through the fault-tolerant processor and
// reports statuses in input order.
func (s *Service) ingestBatch(ctx context.Context, wallets []string, run func(context.Context, string) (*WalletIngestionStatus, error)) []*WalletIngestionStatus {
	var mu sync.Mutex
	statuses := make(map[string]*WalletIngestionStatus, len(wallets))
	processor := batch.New[string](batch.Config{
		MaxRetries:        1,
		RetryDelay:        2 * time.Second,
		BackoffMultiplier: 2,
		MaxConcurrent:     s.cfg.MaxConcurrentWallets,
		BreakerThreshold:  0.5,
		BreakerWindow:     10,
		ContinueOnFailure: true,
	}, s.log)

	result := processor.Process(ctx, wallets, func(ctx context.Context, wallet string) error {
		status, err := run(ctx, wallet)
		if status != nil {
			mu.Lock()
			statuses[wallet] = status
			mu.Unlock()
		}
		return err
	})

	ordered := make([]*WalletIngestionStatus, 0, len(wallets))
	for _, wallet := range wallets {
		if status, ok := statuses[wallet]; ok {
			ordered = append(ordered, status)
		}
	}

	s.log.Info().
		Int("wallets", len(wallets)).
		Int("succeeded", result.Succeeded+result.Retried).
		Int("failed", result.Failed).
		Msg("ingestion cycle complete")

	return ordered
}
