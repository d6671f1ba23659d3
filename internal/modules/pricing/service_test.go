package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/pkg/logger"
)

const (
	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type fakeHistorical struct {
	mu     sync.Mutex
	calls  atomic.Int64
	price  decimal.Decimal
	err    error
	byDate map[string]decimal.Decimal
}

func (f *fakeHistorical) HistoricalPrice(ctx context.Context, coinID string, date time.Time) (decimal.Decimal, error) {
	f.calls.Add(1)
	if f.err != nil {
		return decimal.Decimal{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byDate != nil {
		if price, ok := f.byDate[date.UTC().Format("02-01-2006")]; ok {
			return price, nil
		}
	}
	return f.price, nil
}

type fakeRealtime struct {
	calls atomic.Int64
	price decimal.Decimal
	err   error
}

func (f *fakeRealtime) CurrentPrice(ctx context.Context, mint string) (decimal.Decimal, error) {
	f.calls.Add(1)
	if f.err != nil {
		return decimal.Decimal{}, f.err
	}
	return f.price, nil
}

func testService(t *testing.T, historical HistoricalProvider, realtime RealtimeProvider) *Service {
	t.Helper()

	registry, err := config.LoadTokenRegistry(config.TokenConfig{})
	require.NoError(t, err)
	return NewService(registry, historical, realtime, logger.Nop())
}

func TestPriceStablecoinShortcut(t *testing.T) {
	historical := &fakeHistorical{}
	service := testService(t, historical, &fakeRealtime{})

	result, err := service.Price(context.Background(), usdcMint, time.Now().UTC(), "USDC")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.PriceUSD.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "stablecoin", result.Source)
	assert.Equal(t, 0.99, result.Confidence)
	assert.Zero(t, historical.calls.Load(), "stablecoins never reach a provider")
}

func TestPriceUsesHistoricalProvider(t *testing.T) {
	historical := &fakeHistorical{price: decimal.RequireFromString("145.33")}
	service := testService(t, historical, &fakeRealtime{})

	ts := time.Date(2025, 3, 10, 15, 4, 0, 0, time.UTC)
	result, err := service.Price(context.Background(), solMint, ts, "SOL")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "coingecko", result.Source)
	assert.True(t, result.PriceUSD.Equal(decimal.RequireFromString("145.33")))
}

func TestPriceFallsBackToRealtimeWithin24h(t *testing.T) {
	historical := &fakeHistorical{err: errors.New("upstream down")}
	realtime := &fakeRealtime{price: decimal.RequireFromString("151.02")}
	service := testService(t, historical, realtime)

	result, err := service.Price(context.Background(), solMint, time.Now().UTC().Add(-time.Hour), "SOL")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "jupiter", result.Source)
	assert.True(t, result.PriceUSD.Equal(decimal.RequireFromString("151.02")))
}

func TestPriceSkipsRealtimeForOldTimestamps(t *testing.T) {
	historical := &fakeHistorical{err: errors.New("upstream down")}
	realtime := &fakeRealtime{price: decimal.RequireFromString("151.02")}
	service := testService(t, historical, realtime)

	result, err := service.Price(context.Background(), solMint, time.Now().UTC().Add(-48*time.Hour), "SOL")
	require.NoError(t, err)

	assert.Nil(t, result, "48h-old lookups cannot use a live quote")
	assert.Zero(t, realtime.calls.Load())
}

func TestPriceCachesByMintMinute(t *testing.T) {
	historical := &fakeHistorical{price: decimal.RequireFromString("145.33")}
	service := testService(t, historical, &fakeRealtime{})

	base := time.Date(2025, 3, 10, 15, 4, 10, 0, time.UTC)
	sameMinute := time.Date(2025, 3, 10, 15, 4, 55, 0, time.UTC)
	nextMinute := time.Date(2025, 3, 10, 15, 5, 1, 0, time.UTC)

	ctx := context.Background()
	_, err := service.Price(ctx, solMint, base, "SOL")
	require.NoError(t, err)
	_, err = service.Price(ctx, solMint, sameMinute, "SOL")
	require.NoError(t, err)
	assert.Equal(t, int64(1), historical.calls.Load(), "same minute served from cache")

	_, err = service.Price(ctx, solMint, nextMinute, "SOL")
	require.NoError(t, err)
	assert.Equal(t, int64(2), historical.calls.Load())
}

func TestPriceCachesMisses(t *testing.T) {
	historical := &fakeHistorical{err: errors.New("down")}
	service := testService(t, historical, &fakeRealtime{err: errors.New("down")})

	ts := time.Now().UTC().Add(-72 * time.Hour)
	ctx := context.Background()

	result, err := service.Price(ctx, solMint, ts, "SOL")
	require.NoError(t, err)
	assert.Nil(t, result)

	_, err = service.Price(ctx, solMint, ts, "SOL")
	require.NoError(t, err)
	assert.Equal(t, int64(1), historical.calls.Load(), "miss is cached, not retried per lookup")
}

func TestPriceBreakerShortCircuitsDeadProvider(t *testing.T) {
	historical := &fakeHistorical{err: errors.New("connection refused")}
	service := testService(t, historical, &fakeRealtime{err: errors.New("down")})

	ctx := context.Background()
	old := time.Now().UTC().Add(-72 * time.Hour)

	// Distinct minutes defeat the result cache; after five consecutive
	// failures the breaker opens and stops forwarding calls.
	for i := 0; i < 8; i++ {
		_, err := service.Price(ctx, solMint, old.Add(time.Duration(i)*time.Minute), "SOL")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(5), historical.calls.Load(), "breaker opened after the consecutive-failure limit")
}

func TestPricesBatchReturnsKeyedResults(t *testing.T) {
	historical := &fakeHistorical{price: decimal.RequireFromString("145.33")}
	service := testService(t, historical, &fakeRealtime{})

	ts := time.Date(2025, 3, 10, 15, 4, 0, 0, time.UTC)
	requests := []PriceRequest{
		{Mint: solMint, Timestamp: ts, Symbol: "SOL"},
		{Mint: usdcMint, Timestamp: ts, Symbol: "USDC"},
	}

	results, err := service.Prices(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, results, 2)

	sol := results[CacheKey(solMint, ts)]
	require.NotNil(t, sol)
	assert.Equal(t, "coingecko", sol.Source)

	usdc := results[CacheKey(usdcMint, ts)]
	require.NotNil(t, usdc)
	assert.Equal(t, "stablecoin", usdc.Source)
}

func TestCacheKeyTruncatesToMinute(t *testing.T) {
	a := CacheKey(solMint, time.Date(2025, 3, 10, 15, 4, 10, 0, time.UTC))
	b := CacheKey(solMint, time.Date(2025, 3, 10, 15, 4, 59, 0, time.UTC))
	c := CacheKey(solMint, time.Date(2025, 3, 10, 15, 5, 0, 0, time.UTC))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
