// Package config provides configuration management for both services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the full application configuration. Both binaries load the
// same structure; each validates only the sections it uses.
type Config struct {
	Env       string // development | production
	LogLevel  string
	LogPretty bool
	DataDir   string // base directory for SQLite stores and staging

	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	RPC         RPCConfig
	Ingestion   IngestionConfig
	Metrics     MetricsConfig
	Pricing     PricingConfig
	Scheduler   SchedulerConfig
	Ranking     RankingConfig
	Programs    ProgramConfig
	Tokens      TokenConfig
	Bot         BotConfig
	MarketWatch MarketWatchConfig
	HSM         HSMConfig
	Gateway     GatewayConfig
	Backup      BackupConfig
}

// ServerConfig tunes the analytics HTTP API.
type ServerConfig struct {
	Port             int
	InternalAPIToken string // bearer token for authenticated endpoints
}

// DatabaseConfig holds the analytics Postgres connection.
type DatabaseConfig struct {
	URL             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime int // minutes
}

// RedisConfig holds the shared broker connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RPCConfig tunes the rate-limited JSON-RPC client.
type RPCConfig struct {
	Endpoint          string
	WSEndpoint        string // optional, confirmation fast path
	RequestsPerSecond float64
	BurstLimit        int
	CacheTTLSeconds   int
	RetryDelaySeconds float64
	MaxRetries        int
	TimeoutSeconds    int
}

// IngestionConfig caps per-wallet transaction ingestion.
type IngestionConfig struct {
	MaxTransactionsPerWallet int
	TransactionThreshold     int // minimum tx count for a discovered wallet to be tracked
	NumSamplesPerDay         int // ingest/score cycles per day
	MaxConcurrentWallets     int
	MinTradeValueUSD         float64
	DiscoveryBlockDepth      int // recent blocks scanned per discovery pass
}

// MetricsConfig controls the rolling performance window.
type MetricsConfig struct {
	RollingPeriodDays  int
	RiskFreeRateAnnual float64
	PrecisionPlaces    int
}

// PricingConfig holds the price-feed providers.
type PricingConfig struct {
	CoinGeckoBaseURL   string
	JupiterPriceURL    string
	CoinGeckoRPS       float64
	JupiterRPS         float64
	CacheTTLSeconds    int
	MaxConcurrentFetch int
}

// SchedulerConfig tunes background task processing.
type SchedulerConfig struct {
	MaxConcurrentWorkers int
	TaskTimeoutSeconds   int
}

// RankingConfig shapes the published leaderboard.
type RankingConfig struct {
	MinTrustScore    float64 // aggressive-tier floor by default
	LeaderboardLimit int
}

// ProgramConfig carries on-chain program identifiers.
type ProgramConfig struct {
	VaultProgramID   string
	RaydiumProgramID string
	JupiterProgramID string
	OrcaProgramID    string
	SerumProgramID   string
	TokenProgramID   string
}

// TokenConfig controls the supported-token registry.
type TokenConfig struct {
	RegistryPath    string   // optional YAML file, built-in registry used when empty
	SupportedTokens []string // symbol filter, empty means all registry entries
}

// BotConfig tunes the execution service.
type BotConfig struct {
	AnalyticsBaseURL         string
	RouterBaseURL            string
	ExecutionIntervalSeconds int
	MaxConcurrentTrades      int
	MaxTradeAmountSOL        float64
	MaxSlippagePercent       float64
	SimulateBeforeSubmit     bool
	EmergencyStopEnabled     bool
	IdempotencyTimeoutMins   int // started records older than this are expired
	IdempotencyRetentionDays int
}

// MarketWatchConfig tunes the native-token volatility watcher.
type MarketWatchConfig struct {
	SampleIntervalSeconds int
	WindowSize            int     // price samples kept
	VolatilityThreshold   float64 // stddev of per-sample returns
	RSIPeriod             int
}

// HSMConfig selects and configures the signer backend.
type HSMConfig struct {
	Provider           string // aws_kms | azure_keyvault | google_kms | hardware_hsm
	SignerPublicKey    string // base58 public key of the delegated authority
	AWSKeyID           string
	AWSRegion          string
	AzureVaultURL      string
	AzureKeyName       string
	AzureKeyVersion    string
	AzureTenantID      string
	AzureClientID      string
	AzureClientSecret  string
	GoogleKeyName      string // full resource name of the key version
	GoogleAccessToken  string // optional static token, metadata server used when empty
	HardwareSocketPath string
	TimeoutSeconds     int
}

// GatewayConfig tunes the bot's server-to-server HTTP surface.
type GatewayConfig struct {
	Port              int
	JWTSecret         string
	SessionTTLMinutes int
}

// BackupConfig controls off-site backup of the bot stores.
type BackupConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string // S3-compatible endpoint, AWS default when empty
	Region    string
	AccessKey string
	SecretKey string
	Retention int // backups to keep
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		Env:       getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		DataDir:   absDataDir,

		Server: ServerConfig{
			Port:             getEnvAsInt("ANALYTICS_PORT", 8080),
			InternalAPIToken: getEnv("INTERNAL_API_TOKEN", ""),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConnections:  getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime: getEnvAsInt("DATABASE_CONN_MAX_LIFETIME_MINUTES", 30),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RPC: RPCConfig{
			Endpoint:          getEnv("RPC_ENDPOINT", "https://api.mainnet-beta.solana.com"),
			WSEndpoint:        getEnv("RPC_WS_ENDPOINT", ""),
			RequestsPerSecond: getEnvAsFloat("RPC_REQUESTS_PER_SECOND", 10),
			BurstLimit:        getEnvAsInt("RPC_BURST_LIMIT", 20),
			CacheTTLSeconds:   getEnvAsInt("RPC_CACHE_TTL_SECONDS", 300),
			RetryDelaySeconds: getEnvAsFloat("RPC_RETRY_DELAY_SECONDS", 1),
			MaxRetries:        getEnvAsInt("RPC_MAX_RETRIES", 3),
			TimeoutSeconds:    getEnvAsInt("RPC_TIMEOUT_SECONDS", 30),
		},
		Ingestion: IngestionConfig{
			MaxTransactionsPerWallet: getEnvAsInt("MAX_TRANSACTIONS_PER_WALLET", 2000),
			TransactionThreshold:     getEnvAsInt("TRANSACTION_THRESHOLD", 10),
			NumSamplesPerDay:         getEnvAsInt("NUM_SAMPLES_PER_DAY", 4),
			MaxConcurrentWallets:     getEnvAsInt("MAX_CONCURRENT_WALLETS", 5),
			MinTradeValueUSD:         getEnvAsFloat("MIN_TRADE_VALUE_USD", 1),
			DiscoveryBlockDepth:      getEnvAsInt("DISCOVERY_BLOCK_DEPTH", 10),
		},
		Metrics: MetricsConfig{
			RollingPeriodDays:  getEnvAsInt("METRICS_ROLLING_PERIOD_DAYS", 90),
			RiskFreeRateAnnual: getEnvAsFloat("RISK_FREE_RATE_ANNUAL", 0),
			PrecisionPlaces:    getEnvAsInt("METRICS_PRECISION_PLACES", 28),
		},
		Pricing: PricingConfig{
			CoinGeckoBaseURL:   getEnv("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3"),
			JupiterPriceURL:    getEnv("JUPITER_PRICE_URL", "https://price.jup.ag/v4"),
			CoinGeckoRPS:       getEnvAsFloat("COINGECKO_RPS", 0.5),
			JupiterRPS:         getEnvAsFloat("JUPITER_RPS", 2),
			CacheTTLSeconds:    getEnvAsInt("PRICE_CACHE_TTL_SECONDS", 3600),
			MaxConcurrentFetch: getEnvAsInt("PRICE_MAX_CONCURRENT_FETCH", 5),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentWorkers: getEnvAsInt("MAX_CONCURRENT_WORKERS", 4),
			TaskTimeoutSeconds:   getEnvAsInt("TASK_TIMEOUT_SECONDS", 120),
		},
		Ranking: RankingConfig{
			MinTrustScore:    getEnvAsFloat("RANKING_MIN_TRUST_SCORE", 55),
			LeaderboardLimit: getEnvAsInt("RANKING_LEADERBOARD_LIMIT", 100),
		},
		Programs: ProgramConfig{
			VaultProgramID:   getEnv("VAULT_PROGRAM_ID", ""),
			RaydiumProgramID: getEnv("RAYDIUM_PROGRAM_ID", "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"),
			JupiterProgramID: getEnv("JUPITER_PROGRAM_ID", "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"),
			OrcaProgramID:    getEnv("ORCA_PROGRAM_ID", "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"),
			SerumProgramID:   getEnv("SERUM_PROGRAM_ID", "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"),
			TokenProgramID:   getEnv("TOKEN_PROGRAM_ID", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"),
		},
		Tokens: TokenConfig{
			RegistryPath:    getEnv("TOKEN_REGISTRY_PATH", ""),
			SupportedTokens: getEnvAsSlice("SUPPORTED_TOKENS", nil),
		},
		Bot: BotConfig{
			AnalyticsBaseURL:         getEnv("ANALYTICS_BASE_URL", "http://localhost:8080"),
			RouterBaseURL:            getEnv("ROUTER_BASE_URL", "https://quote-api.jup.ag/v6"),
			ExecutionIntervalSeconds: getEnvAsInt("EXECUTION_INTERVAL_SECONDS", 300),
			MaxConcurrentTrades:      getEnvAsInt("MAX_CONCURRENT_TRADES", 3),
			MaxTradeAmountSOL:        getEnvAsFloat("MAX_TRADE_AMOUNT_SOL", 100),
			MaxSlippagePercent:       getEnvAsFloat("MAX_SLIPPAGE_PERCENT", 1),
			SimulateBeforeSubmit:     getEnvAsBool("SIMULATE_BEFORE_SUBMIT", true),
			EmergencyStopEnabled:     getEnvAsBool("EMERGENCY_STOP_ENABLED", false),
			IdempotencyTimeoutMins:   getEnvAsInt("IDEMPOTENCY_TIMEOUT_MINUTES", 5),
			IdempotencyRetentionDays: getEnvAsInt("IDEMPOTENCY_RETENTION_DAYS", 30),
		},
		MarketWatch: MarketWatchConfig{
			SampleIntervalSeconds: getEnvAsInt("MARKET_SAMPLE_INTERVAL_SECONDS", 30),
			WindowSize:            getEnvAsInt("MARKET_WINDOW_SIZE", 20),
			VolatilityThreshold:   getEnvAsFloat("MARKET_VOLATILITY_THRESHOLD", 0.05),
			RSIPeriod:             getEnvAsInt("MARKET_RSI_PERIOD", 14),
		},
		HSM: HSMConfig{
			Provider:           getEnv("HSM_PROVIDER", "aws_kms"),
			SignerPublicKey:    getEnv("HSM_SIGNER_PUBLIC_KEY", ""),
			AWSKeyID:           getEnv("HSM_AWS_KEY_ID", ""),
			AWSRegion:          getEnv("HSM_AWS_REGION", "us-east-1"),
			AzureVaultURL:      getEnv("HSM_AZURE_VAULT_URL", ""),
			AzureKeyName:       getEnv("HSM_AZURE_KEY_NAME", ""),
			AzureKeyVersion:    getEnv("HSM_AZURE_KEY_VERSION", ""),
			AzureTenantID:      getEnv("HSM_AZURE_TENANT_ID", ""),
			AzureClientID:      getEnv("HSM_AZURE_CLIENT_ID", ""),
			AzureClientSecret:  getEnv("HSM_AZURE_CLIENT_SECRET", ""),
			GoogleKeyName:      getEnv("HSM_GOOGLE_KEY_NAME", ""),
			GoogleAccessToken:  getEnv("HSM_GOOGLE_ACCESS_TOKEN", ""),
			HardwareSocketPath: getEnv("HSM_HARDWARE_SOCKET_PATH", "/var/run/hsm-agent.sock"),
			TimeoutSeconds:     getEnvAsInt("HSM_TIMEOUT_SECONDS", 10),
		},
		Gateway: GatewayConfig{
			Port:              getEnvAsInt("GATEWAY_PORT", 8090),
			JWTSecret:         getEnv("GATEWAY_JWT_SECRET", ""),
			SessionTTLMinutes: getEnvAsInt("GATEWAY_SESSION_TTL_MINUTES", 60),
		},
		Backup: BackupConfig{
			Enabled:   getEnvAsBool("BACKUP_ENABLED", false),
			Bucket:    getEnv("BACKUP_BUCKET", ""),
			Endpoint:  getEnv("BACKUP_ENDPOINT", ""),
			Region:    getEnv("BACKUP_REGION", "auto"),
			AccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
			SecretKey: getEnv("BACKUP_SECRET_KEY", ""),
			Retention: getEnvAsInt("BACKUP_RETENTION", 7),
		},
	}

	return cfg, nil
}

// IsProduction reports whether the process runs with production config rules.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// ValidateAnalytics checks required configuration for the analytics service.
// A failure here maps to exit code 3 in production.
func (c *Config) ValidateAnalytics() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC_ENDPOINT is required")
	}
	if c.IsProduction() && c.Server.InternalAPIToken == "" {
		return fmt.Errorf("INTERNAL_API_TOKEN is required in production")
	}
	return nil
}

// ValidateBot checks required configuration for the execution service.
// A failure here maps to exit code 3 in production.
func (c *Config) ValidateBot() error {
	if c.Bot.AnalyticsBaseURL == "" {
		return fmt.Errorf("ANALYTICS_BASE_URL is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC_ENDPOINT is required")
	}
	switch c.HSM.Provider {
	case "aws_kms", "azure_keyvault", "google_kms", "hardware_hsm":
	default:
		return fmt.Errorf("unknown HSM_PROVIDER %q", c.HSM.Provider)
	}
	if c.IsProduction() {
		if c.Server.InternalAPIToken == "" {
			return fmt.Errorf("INTERNAL_API_TOKEN is required in production")
		}
		if c.Gateway.JWTSecret == "" {
			return fmt.Errorf("GATEWAY_JWT_SECRET is required in production")
		}
		if c.Programs.VaultProgramID == "" {
			return fmt.Errorf("VAULT_PROGRAM_ID is required in production")
		}
		if c.HSM.SignerPublicKey == "" {
			return fmt.Errorf("HSM_SIGNER_PUBLIC_KEY is required in production")
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
