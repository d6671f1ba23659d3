package di

import (
	"context"
	"fmt"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/modules/ranking"
	"github.com/slipstreamlabs/slipstream/internal/queue"
)

// maintenanceGuard keeps the daily purge and backup jobs from
// double-firing across instances.
const maintenanceGuard = 23 * time.Hour

// rankingDebounce spaces cycles triggered by ranking announcements. A
// burst of republished snapshots collapses into one cycle.
const rankingDebounce = 30 * time.Second

// RegisterTasks binds the bot task types to their handlers. Must be
// called before the worker pool starts.
func (c *Bot) RegisterTasks() {
	c.Workers.Register(queue.TaskExecutionCycle, c.runExecutionCycle)
	c.Workers.Register(queue.TaskPurgeIdempotency, c.runPurgeIdempotency)
	c.Workers.Register(queue.TaskBackupStores, c.runBackupStores)
}

// RegisterSchedules adds the recurring cycles: trading on the configured
// interval, store maintenance daily. Every schedule enqueues through the
// interval guard so multiple scheduler instances cannot double-fire.
func (c *Bot) RegisterSchedules() error {
	interval := c.ExecutionInterval()

	err := c.Scheduler.AddJob(fmt.Sprintf("@every %s", interval), queue.JobFunc{
		JobName: "enqueue_execution_cycle",
		Fn: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			task := queue.NewTask(queue.TaskExecutionCycle, queue.PriorityHigh, nil)
			_, err := c.Queue.EnqueueIfShouldRun(ctx, task, enqueueGuard(interval))
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("scheduling execution cycle: %w", err)
	}

	err = c.Scheduler.AddJob("@daily", queue.JobFunc{
		JobName: "enqueue_idempotency_purge",
		Fn: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			task := queue.NewTask(queue.TaskPurgeIdempotency, queue.PriorityLow, nil)
			_, err := c.Queue.EnqueueIfShouldRun(ctx, task, maintenanceGuard)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("scheduling idempotency purge: %w", err)
	}

	if c.Backup != nil {
		err = c.Scheduler.AddJob("@daily", queue.JobFunc{
			JobName: "enqueue_store_backup",
			Fn: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				task := queue.NewTask(queue.TaskBackupStores, queue.PriorityLow, nil)
				_, err := c.Queue.EnqueueIfShouldRun(ctx, task, maintenanceGuard)
				return err
			},
		})
		if err != nil {
			return fmt.Errorf("scheduling store backup: %w", err)
		}
	}

	return nil
}

// ListenRankings follows the analytics service's snapshot announcements
// and turns each into a prompt execution cycle, debounced so republished
// bursts collapse. Blocks until the context is cancelled.
func (c *Bot) ListenRankings(ctx context.Context) error {
	return c.Subscriber.Listen(ctx, ranking.ChannelPublished, func(payload []byte) {
		enqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		task := queue.NewTask(queue.TaskExecutionCycle, queue.PriorityHigh, map[string]string{
			"triggered_by": "ranking.published",
		})
		enqueued, err := c.Queue.EnqueueIfShouldRun(enqCtx, task, rankingDebounce)
		if err != nil {
			c.log.Error().Err(err).Msg("Enqueueing ranking-triggered cycle failed")
			return
		}
		if enqueued {
			c.log.Info().Int("payload_bytes", len(payload)).Msg("Fresh ranking published, execution cycle queued")
		}
	})
}

// ExecutionInterval is the trading cadence. Sub-minute values fall back
// to the default.
func (c *Bot) ExecutionInterval() time.Duration {
	interval := time.Duration(c.cfg.Bot.ExecutionIntervalSeconds) * time.Second
	if interval < time.Minute {
		interval = 5 * time.Minute
	}
	return interval
}

// enqueueGuard is slightly short of the cadence so a slow previous
// enqueue cannot shadow the next slot.
func enqueueGuard(interval time.Duration) time.Duration {
	guard := interval - 30*time.Second
	if guard <= 0 {
		guard = interval / 2
	}
	return guard
}

// runExecutionCycle drives one orchestration cycle. Cycles never
// overlap: a task arriving while one runs is dropped, not queued behind
// it.
func (c *Bot) runExecutionCycle(ctx context.Context, task *queue.TaskEnvelope) error {
	if !c.cycleMu.TryLock() {
		c.log.Warn().Str("task_id", task.ID).Msg("Execution cycle already running, dropping trigger")
		return nil
	}
	defer c.cycleMu.Unlock()

	report, err := c.Orchestrator.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("running execution cycle: %w", err)
	}

	c.log.Info().
		Str("cycle_id", report.CycleID).
		Int("users", report.Users).
		Int("generated", report.Generated).
		Int("confirmed", report.Confirmed).
		Int("failed", report.Failed).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Execution cycle finished")
	return nil
}

// runPurgeIdempotency expires terminal records past retention and
// reclaims the freed pages.
func (c *Bot) runPurgeIdempotency(ctx context.Context, task *queue.TaskEnvelope) error {
	removed, err := c.Idempotency.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purging idempotency records: %w", err)
	}
	if removed > 0 {
		if err := c.IdempotencyDB.Vacuum(); err != nil {
			c.log.Warn().Err(err).Msg("Vacuum after idempotency purge failed")
		}
	}

	c.log.Info().Int64("removed", removed).Str("task_id", task.ID).Msg("Idempotency records purged")
	return nil
}

// runBackupStores snapshots both SQLite stores into the bucket. The task
// can arrive over Redis from an instance with backups enabled even when
// this one has them off.
func (c *Bot) runBackupStores(ctx context.Context, task *queue.TaskEnvelope) error {
	if c.Backup == nil {
		c.log.Warn().Str("task_id", task.ID).Msg("Backup task received but backups are disabled")
		return nil
	}
	if err := c.Backup.Run(ctx); err != nil {
		return fmt.Errorf("backing up stores: %w", err)
	}
	return nil
}
