// Package di wires the two services' dependency graphs. Each binary gets
// a container built in phases: stores first, then domain services, then
// the queue and HTTP surface. Construction is fail-fast; a half-built
// container is closed before the error is returned.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/clients/coingecko"
	"github.com/slipstreamlabs/slipstream/internal/clients/jupiterprice"
	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/database"
	"github.com/slipstreamlabs/slipstream/internal/modules/ingestion"
	"github.com/slipstreamlabs/slipstream/internal/modules/metrics"
	"github.com/slipstreamlabs/slipstream/internal/modules/pricing"
	"github.com/slipstreamlabs/slipstream/internal/modules/ranking"
	"github.com/slipstreamlabs/slipstream/internal/modules/traders"
	"github.com/slipstreamlabs/slipstream/internal/modules/trustscore"
	"github.com/slipstreamlabs/slipstream/internal/queue"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
	"github.com/slipstreamlabs/slipstream/internal/server"
)

// queueAnalytics names the Redis list the analytics workers drain.
const queueAnalytics = "analytics"

// Analytics holds the analytics service's dependency graph.
type Analytics struct {
	DB    *sqlx.DB
	Redis *redis.Client

	Registry *config.TokenRegistry
	Chain    *rpc.Client

	Traders  *traders.Repository
	Swaps    *ingestion.Repository
	Metrics  *metrics.Repository
	Rankings *ranking.Repository

	Pricing     *pricing.Service
	Ingestion   *ingestion.Service
	Discovery   *ingestion.Discovery
	Performance *metrics.Service
	Scoring     *trustscore.Service
	Ranking     *ranking.Service

	Queue     *queue.TaskQueue
	Workers   *queue.WorkerPool
	Scheduler *queue.Scheduler

	Health *server.HealthChecker
	Server *server.Server

	cfg *config.Config
	log zerolog.Logger
}

// WireAnalytics builds the analytics container. Order of operations:
// data stores, chain access, repositories, domain services, queue, HTTP.
func WireAnalytics(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Analytics, error) {
	c := &Analytics{cfg: cfg, log: log}

	if err := c.initStores(ctx, cfg); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing stores: %w", err)
	}
	if err := c.initDomain(cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing services: %w", err)
	}
	c.initQueue(cfg, log)
	c.initServer(cfg, log)

	log.Info().Msg("Analytics dependencies wired")
	return c, nil
}

func (c *Analytics) initStores(ctx context.Context, cfg *config.Config) error {
	db, err := database.NewPostgres(database.PostgresConfig{
		URL:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute,
	})
	if err != nil {
		return err
	}
	c.DB = db

	rdb, err := database.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	c.Redis = rdb
	return nil
}

func (c *Analytics) initDomain(cfg *config.Config, log zerolog.Logger) error {
	registry, err := config.LoadTokenRegistry(cfg.Tokens)
	if err != nil {
		return err
	}
	c.Registry = registry

	c.Chain = rpc.New(rpc.Config{
		Endpoint:          cfg.RPC.Endpoint,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		BurstLimit:        cfg.RPC.BurstLimit,
		CacheTTL:          time.Duration(cfg.RPC.CacheTTLSeconds) * time.Second,
		RetryBaseDelay:    time.Duration(cfg.RPC.RetryDelaySeconds * float64(time.Second)),
		MaxRetries:        cfg.RPC.MaxRetries,
		RequestTimeout:    time.Duration(cfg.RPC.TimeoutSeconds) * time.Second,
	}, log)

	c.Traders = traders.NewRepository(c.DB, log)
	c.Swaps = ingestion.NewRepository(c.DB, log)
	c.Metrics = metrics.NewRepository(c.DB, log)
	c.Rankings = ranking.NewRepository(c.DB, log)

	historical := coingecko.NewClient(cfg.Pricing.CoinGeckoBaseURL, "", cfg.Pricing.CoinGeckoRPS, log)
	realtime := jupiterprice.NewClient(cfg.Pricing.JupiterPriceURL, cfg.Pricing.JupiterRPS, log)
	c.Pricing = pricing.NewService(registry, historical, realtime, log)

	parser := ingestion.NewParser(cfg.Programs, registry, cfg.Ingestion.MinTradeValueUSD, log)
	worker := ingestion.NewWorker(c.Chain, parser, log)
	c.Ingestion = ingestion.NewService(worker, c.Swaps, c.Traders, cfg.Ingestion, cfg.Metrics.RollingPeriodDays, log)
	c.Discovery = ingestion.NewDiscovery(c.Chain, c.Traders, parser,
		cfg.Ingestion.DiscoveryBlockDepth, cfg.Ingestion.TransactionThreshold, log)

	engine := metrics.NewEngine(decimal.NewFromFloat(cfg.Metrics.RiskFreeRateAnnual), log)
	enricher := metrics.NewEnricher(c.Pricing, registry, log)
	c.Performance = metrics.NewService(c.Swaps, enricher, engine, cfg.Metrics.RollingPeriodDays, log)

	scoreEngine := trustscore.NewEngine(trustscore.DefaultCriteria, log)
	c.Scoring = trustscore.NewService(c.Performance, engine, scoreEngine, log)
	c.Ranking = ranking.NewService(c.Rankings, c.Redis, trustscore.DefaultCriteria, log)
	return nil
}

func (c *Analytics) initQueue(cfg *config.Config, log zerolog.Logger) {
	c.Queue = queue.NewTaskQueue(c.Redis, queueAnalytics, log)
	c.Workers = queue.NewWorkerPool(c.Queue, cfg.Scheduler.MaxConcurrentWorkers,
		time.Duration(cfg.Scheduler.TaskTimeoutSeconds)*time.Second, log)
	c.Scheduler = queue.NewScheduler(log)
}

func (c *Analytics) initServer(cfg *config.Config, log zerolog.Logger) {
	c.Health = server.NewHealthChecker(log)
	c.Health.Register("postgres", func(ctx context.Context) error {
		return c.DB.PingContext(ctx)
	})
	c.Health.Register("redis", func(ctx context.Context) error {
		return c.Redis.Ping(ctx).Err()
	})

	handlers := server.NewHandlers(c.Ingestion, c.Performance, c.Scoring, c.Ranking,
		trustscore.DefaultCriteria, c.Health, log)
	c.Server = server.New(cfg.Server, handlers, log)
}

// Close releases held connections. Safe on a partially wired container.
func (c *Analytics) Close() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.log.Error().Err(err).Msg("Closing redis failed")
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Closing postgres failed")
		}
	}
}

