package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, float64(10), cfg.RPC.RequestsPerSecond)
	assert.Equal(t, 20, cfg.RPC.BurstLimit)
	assert.Equal(t, 300, cfg.RPC.CacheTTLSeconds)
	assert.Equal(t, 90, cfg.Metrics.RollingPeriodDays)
	assert.Equal(t, 300, cfg.Bot.ExecutionIntervalSeconds)
	assert.Equal(t, 3, cfg.Bot.MaxConcurrentTrades)
	assert.Equal(t, "aws_kms", cfg.HSM.Provider)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("APP_ENV", "production")
	t.Setenv("RPC_REQUESTS_PER_SECOND", "25.5")
	t.Setenv("MAX_CONCURRENT_TRADES", "7")
	t.Setenv("SUPPORTED_TOKENS", "SOL, USDC ,JUP")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 25.5, cfg.RPC.RequestsPerSecond)
	assert.Equal(t, 7, cfg.Bot.MaxConcurrentTrades)
	assert.Equal(t, []string{"SOL", "USDC", "JUP"}, cfg.Tokens.SupportedTokens)
}

func TestValidateAnalytics(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	// No DATABASE_URL set
	assert.Error(t, cfg.ValidateAnalytics())

	cfg.Database.URL = "postgres://localhost/slipstream"
	assert.NoError(t, cfg.ValidateAnalytics())

	cfg.Env = "production"
	assert.Error(t, cfg.ValidateAnalytics(), "production requires internal API token")

	cfg.Server.InternalAPIToken = "secret"
	assert.NoError(t, cfg.ValidateAnalytics())
}

func TestValidateBot(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	// No DATABASE_URL set; the bot reads the user registry from Postgres.
	assert.Error(t, cfg.ValidateBot())

	cfg.Database.URL = "postgres://localhost/slipstream"
	assert.NoError(t, cfg.ValidateBot())

	cfg.HSM.Provider = "tpm"
	assert.Error(t, cfg.ValidateBot())

	cfg.HSM.Provider = "hardware_hsm"
	cfg.Env = "production"
	err = cfg.ValidateBot()
	require.Error(t, err, "production requires tokens, vault program and signer key")

	cfg.Server.InternalAPIToken = "secret"
	cfg.Gateway.JWTSecret = "jwt-secret"
	cfg.Programs.VaultProgramID = "VaU1t111111111111111111111111111111111111"
	cfg.HSM.SignerPublicKey = "De1egate1111111111111111111111111111111111"
	assert.NoError(t, cfg.ValidateBot())
}

func TestLoadTokenRegistryDefaults(t *testing.T) {
	reg, err := LoadTokenRegistry(TokenConfig{})
	require.NoError(t, err)

	sol, ok := reg.BySymbol("sol")
	require.True(t, ok)
	assert.Equal(t, 9, sol.Decimals)
	assert.False(t, sol.Stablecoin)

	usdc, ok := reg.ByMint("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	require.True(t, ok)
	assert.True(t, usdc.Stablecoin)
	assert.True(t, reg.IsStablecoin(usdc.Mint))
	assert.False(t, reg.IsSupported("UnknownMint11111111111111111111111111111111"))
}

func TestLoadTokenRegistryFiltered(t *testing.T) {
	reg, err := LoadTokenRegistry(TokenConfig{SupportedTokens: []string{"SOL", "USDC"}})
	require.NoError(t, err)

	assert.Len(t, reg.Symbols(), 2)
	_, ok := reg.BySymbol("JUP")
	assert.False(t, ok)
}

func TestLoadTokenRegistryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.yaml")
	content := `tokens:
  - symbol: WIF
    mint: EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm
    decimals: 6
    coingecko_id: dogwifcoin
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reg, err := LoadTokenRegistry(TokenConfig{RegistryPath: path})
	require.NoError(t, err)

	wif, ok := reg.BySymbol("WIF")
	require.True(t, ok)
	assert.Equal(t, 6, wif.Decimals)

	_, ok = reg.BySymbol("SOL")
	assert.False(t, ok, "file registry replaces built-in list")
}
