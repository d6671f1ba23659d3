package vault

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

const (
	testVault = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	usdcMint  = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	solMint   = "So11111111111111111111111111111111111111112"
)

type fakeChain struct {
	slot         uint64
	accounts     []rpc.ProgramAccount
	vaultAccount *rpc.AccountInfo

	programCalls int
	lastProgram  string
	lastOpts     rpc.ProgramAccountsOpts
}

func (f *fakeChain) GetSlot(context.Context) (uint64, error) { return f.slot, nil }

func (f *fakeChain) GetProgramAccounts(_ context.Context, program string, opts rpc.ProgramAccountsOpts) ([]rpc.ProgramAccount, error) {
	f.programCalls++
	f.lastProgram = program
	f.lastOpts = opts
	return f.accounts, nil
}

func (f *fakeChain) GetAccountInfo(context.Context, string) (*rpc.AccountInfo, error) {
	return f.vaultAccount, nil
}

type fakePrices struct {
	prices map[string]float64
	errs   map[string]error
}

func (f *fakePrices) CurrentPrice(_ context.Context, mint string) (decimal.Decimal, error) {
	if err := f.errs[mint]; err != nil {
		return decimal.Decimal{}, err
	}
	price, ok := f.prices[mint]
	if !ok {
		return decimal.Decimal{}, errors.New("price unavailable")
	}
	return decimal.NewFromFloat(price), nil
}

func tokenAccount(t *testing.T, pubkey, mint, amount string, decimals int) rpc.ProgramAccount {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"program": "spl-token",
		"parsed": map[string]any{
			"type": "account",
			"info": map[string]any{
				"mint":  mint,
				"owner": testVault,
				"tokenAmount": map[string]any{
					"amount":   amount,
					"decimals": decimals,
				},
			},
		},
	})
	require.NoError(t, err)
	return rpc.ProgramAccount{Pubkey: pubkey, Account: rpc.AccountInfo{Owner: tokenProgramID, Data: data}}
}

func newTestReader(t *testing.T, chain *fakeChain, prices *fakePrices) *Reader {
	t.Helper()
	registry, err := config.LoadTokenRegistry(config.TokenConfig{})
	require.NoError(t, err)
	return NewReader(chain, prices, registry, zerolog.Nop())
}

func decimalString(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Equal(t, want, got.String())
}

func TestReadHoldingsAggregatesAndPrices(t *testing.T) {
	chain := &fakeChain{
		slot: 300,
		accounts: []rpc.ProgramAccount{
			tokenAccount(t, "acc-1", usdcMint, "250000000", 6),
			tokenAccount(t, "acc-2", solMint, "1500000000", 9),
			tokenAccount(t, "acc-3", usdcMint, "50000000", 6),
		},
		vaultAccount: &rpc.AccountInfo{Lamports: 500_000_000},
	}
	prices := &fakePrices{prices: map[string]float64{usdcMint: 1.0, solMint: 80.0}}
	reader := newTestReader(t, chain, prices)

	portfolio, err := reader.ReadHoldings(context.Background(), testVault, "user-1")
	require.NoError(t, err)

	assert.Equal(t, testVault, portfolio.VaultAddress)
	assert.Equal(t, uint64(300), portfolio.Slot)
	assert.False(t, portfolio.FetchedAt.IsZero())

	// Scan filtered on token accounts owned by the vault.
	assert.Equal(t, tokenProgramID, chain.lastProgram)
	assert.Equal(t, tokenAccountSize, chain.lastOpts.DataSize)
	require.Len(t, chain.lastOpts.Memcmp, 1)
	assert.Equal(t, ownerOffset, chain.lastOpts.Memcmp[0].Offset)
	assert.Equal(t, testVault, chain.lastOpts.Memcmp[0].Bytes)

	// Two USDC accounts aggregate; native lamports join wrapped SOL.
	require.Len(t, portfolio.Holdings, 2)
	usdc := portfolio.Holdings[0]
	assert.Equal(t, "USDC", usdc.Symbol)
	decimalString(t, "300", usdc.Amount)
	decimalString(t, "300", usdc.EstimatedUSDValue)

	sol := portfolio.Holdings[1]
	assert.Equal(t, "SOL", sol.Symbol)
	assert.Equal(t, 9, sol.Decimals)
	decimalString(t, "2", sol.Amount)
	decimalString(t, "160", sol.EstimatedUSDValue)

	decimalString(t, "460", portfolio.TotalValueUSD)
}

func TestReadHoldingsCachesPerSlotBucket(t *testing.T) {
	chain := &fakeChain{
		slot:     300,
		accounts: []rpc.ProgramAccount{tokenAccount(t, "acc-1", usdcMint, "1000000", 6)},
	}
	prices := &fakePrices{prices: map[string]float64{usdcMint: 1.0}}
	reader := newTestReader(t, chain, prices)

	first, err := reader.ReadHoldings(context.Background(), testVault, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, chain.programCalls)

	// Same bucket: served from cache, and the cached copy is isolated
	// from caller mutation.
	first.Holdings[0].Symbol = "MUTATED"
	second, err := reader.ReadHoldings(context.Background(), testVault, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, chain.programCalls)
	assert.Equal(t, "USDC", second.Holdings[0].Symbol)

	// New bucket: rescan.
	chain.slot = 460
	third, err := reader.ReadHoldings(context.Background(), testVault, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, chain.programCalls)
	assert.Equal(t, uint64(460), third.Slot)
}

func TestReadHoldingsSupportedPriceFailureFails(t *testing.T) {
	chain := &fakeChain{
		slot:     10,
		accounts: []rpc.ProgramAccount{tokenAccount(t, "acc-1", usdcMint, "1000000", 6)},
	}
	prices := &fakePrices{errs: map[string]error{usdcMint: errors.New("feed down")}}
	reader := newTestReader(t, chain, prices)

	_, err := reader.ReadHoldings(context.Background(), testVault, "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pricing USDC")
}

func TestReadHoldingsUnknownMintStaysUnpriced(t *testing.T) {
	unknownMint := "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"
	registry, err := config.LoadTokenRegistry(config.TokenConfig{SupportedTokens: []string{"SOL", "USDC"}})
	require.NoError(t, err)

	chain := &fakeChain{
		slot: 10,
		accounts: []rpc.ProgramAccount{
			tokenAccount(t, "acc-1", usdcMint, "5000000", 6),
			tokenAccount(t, "acc-2", unknownMint, "7000000", 6),
		},
	}
	prices := &fakePrices{prices: map[string]float64{usdcMint: 1.0}}
	reader := NewReader(chain, prices, registry, zerolog.Nop())

	portfolio, err := reader.ReadHoldings(context.Background(), testVault, "user-1")
	require.NoError(t, err)

	require.Len(t, portfolio.Holdings, 2)
	decimalString(t, "5", portfolio.TotalValueUSD)

	unknown := portfolio.Holdings[1]
	assert.Equal(t, unknownMint[:6], unknown.Symbol)
	assert.True(t, unknown.EstimatedUSDValue.IsZero())
	decimalString(t, "7", unknown.Amount)
}

func TestReadHoldingsSkipsZeroBalances(t *testing.T) {
	chain := &fakeChain{
		slot:     10,
		accounts: []rpc.ProgramAccount{tokenAccount(t, "acc-1", usdcMint, "0", 6)},
	}
	reader := newTestReader(t, chain, &fakePrices{})

	portfolio, err := reader.ReadHoldings(context.Background(), testVault, "user-1")
	require.NoError(t, err)
	assert.Empty(t, portfolio.Holdings)
	assert.True(t, portfolio.TotalValueUSD.IsZero())
}

func TestReadHoldingsRejectsInvalidAddress(t *testing.T) {
	reader := newTestReader(t, &fakeChain{}, &fakePrices{})

	_, err := reader.ReadHoldings(context.Background(), "not-a-vault", "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid vault address")
}
