package di

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/clients/analytics"
	"github.com/slipstreamlabs/slipstream/internal/clients/jupiterprice"
	"github.com/slipstreamlabs/slipstream/internal/clients/router"
	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/database"
	"github.com/slipstreamlabs/slipstream/internal/modules/audit"
	"github.com/slipstreamlabs/slipstream/internal/modules/breakers"
	"github.com/slipstreamlabs/slipstream/internal/modules/confirm"
	"github.com/slipstreamlabs/slipstream/internal/modules/executor"
	"github.com/slipstreamlabs/slipstream/internal/modules/gateway"
	"github.com/slipstreamlabs/slipstream/internal/modules/hsm"
	"github.com/slipstreamlabs/slipstream/internal/modules/idempotency"
	"github.com/slipstreamlabs/slipstream/internal/modules/marketwatch"
	"github.com/slipstreamlabs/slipstream/internal/modules/orchestrator"
	"github.com/slipstreamlabs/slipstream/internal/modules/slippage"
	"github.com/slipstreamlabs/slipstream/internal/modules/tradegen"
	"github.com/slipstreamlabs/slipstream/internal/modules/users"
	"github.com/slipstreamlabs/slipstream/internal/modules/vault"
	"github.com/slipstreamlabs/slipstream/internal/queue"
	"github.com/slipstreamlabs/slipstream/internal/reliability"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

const queueBot = "bot"

// Store filenames under the configured data directory. The restore path
// in cmd/bot checks for the audit store before wiring.
const (
	AuditDBFile       = "audit.db"
	IdempotencyDBFile = "idempotency.db"
)

// Bot is the execution service's dependency container.
type Bot struct {
	AuditDB       *database.SQLiteDB
	IdempotencyDB *database.SQLiteDB
	UsersDB       *sqlx.DB
	Redis         *redis.Client

	Registry *config.TokenRegistry
	Chain    *rpc.Client

	AuditStore  *audit.Store
	Audit       *audit.Logger
	Breakers    *breakers.Manager
	IdemStore   *idempotency.Store
	Idempotency *idempotency.Manager
	Signer      hsm.Signer

	Analytics *analytics.Client
	RouterAPI *router.Client
	Prices    *jupiterprice.Client

	Vault       *vault.Reader
	Generator   *tradegen.Generator
	Slippage    *slippage.Controller
	Monitor     *confirm.Monitor
	Watcher     *confirm.SignatureWatcher // nil without a WS endpoint
	Executor    *executor.Executor
	MarketWatch *marketwatch.Watcher

	Users        *users.Repository
	Orchestrator *orchestrator.Orchestrator

	Backup  *reliability.Service // nil when backups are disabled
	Gateway *gateway.Server

	Queue      *queue.TaskQueue
	Workers    *queue.WorkerPool
	Scheduler  *queue.Scheduler
	Subscriber *queue.Subscriber

	cfg     *config.Config
	version string
	log     zerolog.Logger

	// cycleMu serializes execution cycles across the worker pool; a
	// second concurrent cycle would mint fresh cycle ids and slip past
	// the per-trade idempotency keys.
	cycleMu sync.Mutex
}

// WireBot builds the execution service's dependency graph: the SQLite
// stores and shared databases first, then the safety layer the rest of
// the pipeline reports into, then the trading pipeline itself, and
// finally the gateway and task queue on top.
func WireBot(ctx context.Context, cfg *config.Config, version string, log zerolog.Logger) (*Bot, error) {
	c := &Bot{cfg: cfg, version: version, log: log}

	if err := c.initStores(ctx, cfg); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing stores: %w", err)
	}
	if err := c.initSafety(ctx, cfg); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing safety layer: %w", err)
	}
	if err := c.initTrading(cfg); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing trading pipeline: %w", err)
	}
	c.initOrchestration(cfg)
	if err := c.initSurface(ctx, cfg); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing gateway: %w", err)
	}
	c.initQueue(cfg)

	return c, nil
}

func (c *Bot) initStores(ctx context.Context, cfg *config.Config) error {
	auditDB, err := database.NewSQLite(database.SQLiteConfig{
		Path:    filepath.Join(cfg.DataDir, AuditDBFile),
		Profile: database.ProfileLedger,
		Name:    "audit",
	})
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	c.AuditDB = auditDB

	idemDB, err := database.NewSQLite(database.SQLiteConfig{
		Path:    filepath.Join(cfg.DataDir, IdempotencyDBFile),
		Profile: database.ProfileStandard,
		Name:    "idempotency",
	})
	if err != nil {
		return fmt.Errorf("opening idempotency store: %w", err)
	}
	c.IdempotencyDB = idemDB

	db, err := database.NewPostgres(database.PostgresConfig{
		URL:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	c.UsersDB = db

	rdb, err := database.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	c.Redis = rdb

	return nil
}

// initSafety stands up the audit trail first so every layer above it,
// breakers included, can record from its first action.
func (c *Bot) initSafety(ctx context.Context, cfg *config.Config) error {
	store, err := audit.NewStore(c.AuditDB, c.log)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	c.AuditStore = store

	logger, err := audit.NewLogger(ctx, store, c.version, c.log)
	if err != nil {
		return fmt.Errorf("initializing audit logger: %w", err)
	}
	c.Audit = logger

	c.Breakers = breakers.NewManager(breakers.DefaultBreakers(), c.Audit, c.log)

	idemStore, err := idempotency.NewStore(c.IdempotencyDB, c.log)
	if err != nil {
		return fmt.Errorf("initializing idempotency store: %w", err)
	}
	c.IdemStore = idemStore

	var opts []idempotency.Option
	if d := time.Duration(cfg.Bot.IdempotencyTimeoutMins) * time.Minute; d > 0 {
		opts = append(opts, idempotency.WithStartedTimeout(d))
	}
	if d := time.Duration(cfg.Bot.IdempotencyRetentionDays) * 24 * time.Hour; d > 0 {
		opts = append(opts, idempotency.WithRetention(d))
	}
	c.Idempotency = idempotency.NewManager(idemStore, c.Audit, c.log, opts...)

	signer, err := hsm.NewSigner(ctx, cfg.HSM, c.Audit, c.log)
	if err != nil {
		return fmt.Errorf("initializing signer: %w", err)
	}
	c.Signer = signer

	return nil
}

func (c *Bot) initTrading(cfg *config.Config) error {
	registry, err := config.LoadTokenRegistry(cfg.Tokens)
	if err != nil {
		return fmt.Errorf("loading token registry: %w", err)
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
	}, c.log)

	c.Analytics = analytics.NewClient(cfg.Bot.AnalyticsBaseURL, cfg.Server.InternalAPIToken, c.log)
	c.RouterAPI = router.NewClient(cfg.Bot.RouterBaseURL, c.log)
	c.Prices = jupiterprice.NewClient(cfg.Pricing.JupiterPriceURL, cfg.Pricing.JupiterRPS, c.log)

	c.Vault = vault.NewReader(c.Chain, c.Prices, c.Registry, c.log)
	c.Generator = tradegen.NewGenerator(c.Prices, tradegen.Config{
		MaxSlippagePercent: decimal.NewFromFloat(cfg.Bot.MaxSlippagePercent),
		MaxTradeValueSOL:   decimal.NewFromFloat(cfg.Bot.MaxTradeAmountSOL),
	}, c.log)
	c.Slippage = slippage.NewController(c.Breakers, c.log)

	c.Monitor = confirm.NewMonitor(c.Chain, c.Breakers, c.log)
	if cfg.RPC.WSEndpoint != "" {
		c.Watcher = confirm.NewSignatureWatcher(cfg.RPC.WSEndpoint, c.Monitor, c.log)
	}

	exec, err := executor.New(executor.Config{
		VaultProgramID:       cfg.Programs.VaultProgramID,
		RouterProgramID:      cfg.Programs.JupiterProgramID,
		AuthorityPublicKey:   cfg.HSM.SignerPublicKey,
		SimulateBeforeSubmit: cfg.Bot.SimulateBeforeSubmit,
	}, executor.Deps{
		Chain:       c.Chain,
		Router:      c.RouterAPI,
		Signer:      c.Signer,
		Idempotency: c.Idempotency,
		Slippage:    c.Slippage,
		Monitor:     c.Monitor,
		Breakers:    c.Breakers,
		Prices:      c.Prices,
		Registry:    c.Registry,
		Audit:       c.Audit,
	}, c.log)
	if err != nil {
		return fmt.Errorf("initializing executor: %w", err)
	}
	c.Executor = exec

	c.MarketWatch = marketwatch.NewWatcher(marketwatch.Config{
		SampleInterval:      time.Duration(cfg.MarketWatch.SampleIntervalSeconds) * time.Second,
		WindowSize:          cfg.MarketWatch.WindowSize,
		VolatilityThreshold: cfg.MarketWatch.VolatilityThreshold,
		RSIPeriod:           cfg.MarketWatch.RSIPeriod,
	}, c.Prices, c.Breakers, c.log)

	return nil
}

func (c *Bot) initOrchestration(cfg *config.Config) {
	c.Users = users.NewRepository(c.UsersDB, c.log)
	c.Orchestrator = orchestrator.New(orchestrator.Config{
		MaxConcurrentTrades: cfg.Bot.MaxConcurrentTrades,
	}, orchestrator.Deps{
		Intel:    c.Analytics,
		Users:    c.Users,
		Vaults:   c.Vault,
		Planner:  c.Generator,
		Runner:   c.Executor,
		Registry: c.Registry,
		Audit:    c.Audit,
	}, c.log)
}

func (c *Bot) initSurface(ctx context.Context, cfg *config.Config) error {
	if cfg.Backup.Enabled {
		backup, err := reliability.New(ctx, cfg.Backup, cfg.DataDir,
			[]reliability.Store{c.AuditDB, c.IdempotencyDB}, c.version, c.Audit, c.log)
		if err != nil {
			return fmt.Errorf("initializing backups: %w", err)
		}
		c.Backup = backup
	}

	gw := gateway.New(cfg.Gateway, gateway.Deps{
		Safety: c.Breakers,
		Users:  c.Users,
		Cycles: c.Orchestrator,
		Trades: c.AuditStore,
		Audit:  c.Audit,
	}, c.log)
	gw.RegisterProbe("audit_store", c.AuditDB.HealthCheck)
	gw.RegisterProbe("idempotency_store", c.IdempotencyDB.HealthCheck)
	gw.RegisterProbe("users_db", func(ctx context.Context) error { return c.UsersDB.PingContext(ctx) })
	gw.RegisterProbe("redis", func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() })
	gw.RegisterProbe("rpc", func(ctx context.Context) error {
		_, err := c.Chain.GetSlot(ctx)
		return err
	})
	gw.RegisterProbe("analytics", c.Analytics.Health)
	c.Gateway = gw

	return nil
}

func (c *Bot) initQueue(cfg *config.Config) {
	c.Queue = queue.NewTaskQueue(c.Redis, queueBot, c.log)
	c.Workers = queue.NewWorkerPool(c.Queue, cfg.Scheduler.MaxConcurrentWorkers,
		time.Duration(cfg.Scheduler.TaskTimeoutSeconds)*time.Second, c.log)
	c.Scheduler = queue.NewScheduler(c.log)
	c.Subscriber = queue.NewSubscriber(c.Redis, c.log)
}

// Close releases every connection the container holds. Safe on a
// partially built container; the SQLite stores close last so late audit
// writes still land.
func (c *Bot) Close() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.log.Error().Err(err).Msg("Closing redis connection failed")
		}
	}
	if c.UsersDB != nil {
		if err := c.UsersDB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Closing postgres connection failed")
		}
	}
	if c.IdempotencyDB != nil {
		if err := c.IdempotencyDB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Closing idempotency store failed")
		}
	}
	if c.AuditDB != nil {
		if err := c.AuditDB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Closing audit store failed")
		}
	}
}
