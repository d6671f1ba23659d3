package di

import (
	"context"
	"fmt"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/modules/ranking"
	"github.com/slipstreamlabs/slipstream/internal/queue"
)

// discoveryInterval spaces the block-scan passes. Discovery is about
// finding wallets, not following them, so daily is plenty.
const discoveryInterval = 24 * time.Hour

// staleTraderFactor times the rolling window is how long a wallet may sit
// inactive before the score cycle deactivates it.
const staleTraderFactor = 2

// RegisterTasks binds the analytics task types to their handlers. Must be
// called before the worker pool starts.
func (c *Analytics) RegisterTasks() {
	c.Workers.Register(queue.TaskIngestCycle, c.runIngestCycle)
	c.Workers.Register(queue.TaskIngestWallet, c.runIngestWallet)
	c.Workers.Register(queue.TaskScoreCycle, c.runScoreCycle)
	c.Workers.Register(queue.TaskDiscoverTraders, c.runDiscovery)
}

// RegisterSchedules adds the recurring cycles. The sample cadence splits
// the day into num_samples_per_day ingest+score passes; discovery runs
// daily. Every schedule enqueues through the interval guard so multiple
// scheduler instances cannot double-fire.
func (c *Analytics) RegisterSchedules() error {
	sampleInterval := c.SampleInterval()

	err := c.Scheduler.AddJob(fmt.Sprintf("@every %s", sampleInterval), queue.JobFunc{
		JobName: "enqueue_ingest_cycle",
		Fn: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			task := queue.NewTask(queue.TaskIngestCycle, queue.PriorityHigh, nil)
			// The guard interval is slightly short of the cadence so a
			// slow previous enqueue cannot shadow the next slot.
			_, err := c.Queue.EnqueueIfShouldRun(ctx, task, sampleInterval-time.Minute)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("scheduling ingest cycle: %w", err)
	}

	err = c.Scheduler.AddJob("@daily", queue.JobFunc{
		JobName: "enqueue_discovery",
		Fn: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			task := queue.NewTask(queue.TaskDiscoverTraders, queue.PriorityLow, nil)
			_, err := c.Queue.EnqueueIfShouldRun(ctx, task, discoveryInterval-time.Hour)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("scheduling discovery: %w", err)
	}
	return nil
}

// SampleInterval is the ingest+score cadence derived from the configured
// samples per day.
func (c *Analytics) SampleInterval() time.Duration {
	samples := c.cfg.Ingestion.NumSamplesPerDay
	if samples < 1 {
		samples = 1
	}
	return 24 * time.Hour / time.Duration(samples)
}

// runIngestCycle walks the active wallet set and pulls new swaps, then
// chains a score cycle so fresh data is always scored and published.
func (c *Analytics) runIngestCycle(ctx context.Context, task *queue.TaskEnvelope) error {
	statuses, err := c.Ingestion.IngestAll(ctx)
	if err != nil {
		return fmt.Errorf("ingest cycle: %w", err)
	}

	var extracted, failed int
	for _, st := range statuses {
		extracted += st.ValidExtracted
		if !st.Success {
			failed++
		}
	}
	c.log.Info().
		Int("wallets", len(statuses)).
		Int("swaps_extracted", extracted).
		Int("wallets_failed", failed).
		Msg("Ingest cycle finished")

	score := queue.NewTask(queue.TaskScoreCycle, queue.PriorityHigh, map[string]string{
		"triggered_by": task.ID,
	})
	if err := c.Queue.Enqueue(ctx, score); err != nil {
		return fmt.Errorf("chaining score cycle: %w", err)
	}
	return nil
}

// runIngestWallet refreshes a single wallet out of schedule.
func (c *Analytics) runIngestWallet(ctx context.Context, task *queue.TaskEnvelope) error {
	wallet := task.Payload["wallet"]
	if wallet == "" {
		return fmt.Errorf("ingest_wallet task %s has no wallet in payload", task.ID)
	}

	status, err := c.Ingestion.IngestWallet(ctx, wallet)
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", wallet, err)
	}
	c.log.Info().
		Str("wallet", wallet).
		Int("swaps_extracted", status.ValidExtracted).
		Msg("Wallet ingested")
	return nil
}

// runScoreCycle scores every active wallet against the cohort, persists
// the scored metrics, publishes a ranking snapshot, and records each
// wallet's score and rank on its profile. Stale wallets are deactivated
// first so they stop consuming ingestion and scoring work.
func (c *Analytics) runScoreCycle(ctx context.Context, task *queue.TaskEnvelope) error {
	now := time.Now().UTC()

	deactivated, err := c.Traders.DeactivateStale(ctx, c.StaleCutoff(now))
	if err != nil {
		c.log.Error().Err(err).Msg("Deactivating stale traders failed, scoring continues")
	} else if deactivated > 0 {
		c.log.Info().Int("deactivated", deactivated).Msg("Stale traders deactivated")
	}

	wallets, err := c.Traders.ActiveWallets(ctx)
	if err != nil {
		return fmt.Errorf("loading active wallets: %w", err)
	}
	if len(wallets) == 0 {
		c.log.Info().Msg("No active wallets to score")
		return nil
	}

	results, err := c.Scoring.ScoreBatch(ctx, wallets, now)
	if err != nil {
		return fmt.Errorf("scoring batch: %w", err)
	}

	for _, result := range results {
		if result.Metrics == nil {
			continue
		}
		if err := c.Metrics.SaveScored(ctx, result.Metrics, result); err != nil {
			c.log.Error().Err(err).
				Str("wallet", result.WalletAddress).
				Msg("Persisting scored metrics failed")
		}
	}

	snapshot, err := c.Ranking.Publish(ctx, results, c.BuildParams())
	if err != nil {
		return fmt.Errorf("publishing ranking: %w", err)
	}

	ranks := make(map[string]int, len(snapshot.Traders))
	for _, trader := range snapshot.Traders {
		ranks[trader.WalletAddress] = trader.Rank
	}
	for _, result := range results {
		var rank *int
		if r, ok := ranks[result.WalletAddress]; ok {
			rank = &r
		}
		score := result.TrustScore.InexactFloat64()
		if err := c.Traders.RecordScore(ctx, result.WalletAddress, score, rank); err != nil {
			c.log.Error().Err(err).
				Str("wallet", result.WalletAddress).
				Msg("Recording score on profile failed")
		}
	}

	c.log.Info().
		Str("snapshot_id", snapshot.SnapshotID).
		Int("evaluated", snapshot.EvaluatedWallets).
		Int("eligible", snapshot.EligibleWallets).
		Int("ranked", len(snapshot.Traders)).
		Msg("Score cycle finished")
	return nil
}

// runDiscovery scans recent blocks for qualifying fee payers. When new
// wallets were accepted an ingest cycle is chained so their history is
// pulled without waiting for the next sample slot.
func (c *Analytics) runDiscovery(ctx context.Context, task *queue.TaskEnvelope) error {
	report, err := c.Discovery.Run(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	c.log.Info().
		Int("blocks_scanned", report.BlocksScanned).
		Int("wallets_seen", report.WalletsSeen).
		Int("wallets_accepted", report.WalletsAccepted).
		Int("errors", len(report.Errors)).
		Msg("Discovery finished")

	if report.WalletsAccepted > 0 {
		follow := queue.NewTask(queue.TaskIngestCycle, queue.PriorityMedium, map[string]string{
			"triggered_by": task.ID,
		})
		if _, err := c.Queue.EnqueueIfShouldRun(ctx, follow, 10*time.Minute); err != nil {
			c.log.Error().Err(err).Msg("Chaining ingest after discovery failed")
		}
	}
	return nil
}

// BuildParams are the ranking parameters every published snapshot uses.
func (c *Analytics) BuildParams() ranking.BuildParams {
	return ranking.BuildParams{
		PeriodDays:    c.cfg.Metrics.RollingPeriodDays,
		MinTrustScore: c.cfg.Ranking.MinTrustScore,
		Limit:         c.cfg.Ranking.LeaderboardLimit,
	}
}

// StaleCutoff is the last-activity bound below which tracked wallets are
// deactivated.
func (c *Analytics) StaleCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -staleTraderFactor*c.cfg.Metrics.RollingPeriodDays)
}
