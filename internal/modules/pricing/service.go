// Package pricing resolves historical USD prices for supported tokens.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/slipstreamlabs/slipstream/internal/clients/coingecko"
	"github.com/slipstreamlabs/slipstream/internal/clients/jupiterprice"
	"github.com/slipstreamlabs/slipstream/internal/config"
)

const (
	cacheValidity    = time.Hour
	maxCacheEntries  = 1000
	realtimeWindow   = 24 * time.Hour
	batchConcurrency = 5

	sourceStablecoin = "stablecoin"
	sourceHistorical = "coingecko"
	sourceRealtime   = "jupiter"
)

// HistoricalProvider serves day-resolution prices by provider coin id.
type HistoricalProvider interface {
	HistoricalPrice(ctx context.Context, coinID string, date time.Time) (decimal.Decimal, error)
}

// RealtimeProvider serves current prices by mint.
type RealtimeProvider interface {
	CurrentPrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// PriceResult is a resolved price with its provenance.
type PriceResult struct {
	PriceUSD   decimal.Decimal `json:"price_usd"`
	Source     string          `json:"source"`
	Confidence float64         `json:"confidence"`
}

// PriceRequest is one entry of a batch lookup.
type PriceRequest struct {
	Mint      string
	Timestamp time.Time
	Symbol    string
}

type cachedPrice struct {
	result     *PriceResult // nil results are cached too, misses are expensive
	storedAt   time.Time
	lastAccess time.Time
}

// Service resolves prices through stablecoin shortcut, historical
// provider and realtime fallback, in that order. Each provider sits
// behind its own circuit breaker so a dead upstream costs one timeout
// per recovery interval instead of one per lookup.
type Service struct {
	registry   *config.TokenRegistry
	historical HistoricalProvider
	realtime   RealtimeProvider

	historicalBreaker *gobreaker.CircuitBreaker
	realtimeBreaker   *gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[string]*cachedPrice

	now func() time.Time
	log zerolog.Logger
}

// NewService wires the price feed.
func NewService(registry *config.TokenRegistry, historical HistoricalProvider, realtime RealtimeProvider, log zerolog.Logger) *Service {
	scopedLog := log.With().Str("service", "pricing").Logger()

	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				scopedLog.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("price source breaker state change")
			},
		}
	}

	return &Service{
		registry:          registry,
		historical:        historical,
		realtime:          realtime,
		historicalBreaker: gobreaker.NewCircuitBreaker(settings("price_historical")),
		realtimeBreaker:   gobreaker.NewCircuitBreaker(settings("price_realtime")),
		cache:             make(map[string]*cachedPrice),
		now:               time.Now,
		log:               scopedLog,
	}
}

// Price resolves the USD price of mint at ts. A nil result without error
// means no source could price the token; callers treat that as missing
// data, not failure.
func (s *Service) Price(ctx context.Context, mint string, ts time.Time, symbol string) (*PriceResult, error) {
	if symbol == "" {
		if token, ok := s.registry.ByMint(mint); ok {
			symbol = token.Symbol
		}
	}

	// Stablecoins never hit a provider.
	if s.registry.IsStablecoin(mint) {
		return &PriceResult{PriceUSD: decimal.NewFromInt(1), Source: sourceStablecoin, Confidence: 0.99}, nil
	}

	key := CacheKey(mint, ts)
	if cached, ok := s.cacheGet(key); ok {
		return cached, nil
	}

	result := s.resolve(ctx, mint, ts, symbol)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.cachePut(key, result)
	return result, nil
}

// resolve walks the provider chain. Unpriceable is nil.
func (s *Service) resolve(ctx context.Context, mint string, ts time.Time, symbol string) *PriceResult {
	if symbol != "" {
		if token, ok := s.registry.BySymbol(symbol); ok && token.CoinGeckoID != "" {
			price, err := s.historicalPrice(ctx, token.CoinGeckoID, ts)
			if err == nil {
				return &PriceResult{PriceUSD: price, Source: sourceHistorical, Confidence: 0.95}
			}
			s.logSourceMiss(sourceHistorical, mint, err)
		}
	}

	// Realtime quotes only stand in for timestamps near now.
	if s.now().Sub(ts).Abs() <= realtimeWindow {
		price, err := s.realtimePrice(ctx, mint)
		if err == nil {
			return &PriceResult{PriceUSD: price, Source: sourceRealtime, Confidence: 0.85}
		}
		s.logSourceMiss(sourceRealtime, mint, err)
	}

	return nil
}

func (s *Service) historicalPrice(ctx context.Context, coinID string, ts time.Time) (decimal.Decimal, error) {
	value, err := s.historicalBreaker.Execute(func() (any, error) {
		price, err := s.historical.HistoricalPrice(ctx, coinID, ts)
		if errors.Is(err, coingecko.ErrPriceUnavailable) {
			// A missing price is an answer, not a provider fault.
			return decimal.Decimal{}, nil
		}
		if err != nil {
			return nil, err
		}
		return price, nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	price := value.(decimal.Decimal)
	if price.IsZero() {
		return decimal.Decimal{}, coingecko.ErrPriceUnavailable
	}
	return price, nil
}

func (s *Service) realtimePrice(ctx context.Context, mint string) (decimal.Decimal, error) {
	value, err := s.realtimeBreaker.Execute(func() (any, error) {
		price, err := s.realtime.CurrentPrice(ctx, mint)
		if errors.Is(err, jupiterprice.ErrPriceUnavailable) {
			return decimal.Decimal{}, nil
		}
		if err != nil {
			return nil, err
		}
		return price, nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	price := value.(decimal.Decimal)
	if price.IsZero() {
		return decimal.Decimal{}, jupiterprice.ErrPriceUnavailable
	}
	return price, nil
}

// Prices resolves a batch with bounded provider concurrency. The result
// map is keyed by CacheKey; unpriceable entries are present and nil.
func (s *Service) Prices(ctx context.Context, requests []PriceRequest) (map[string]*PriceResult, error) {
	results := make(map[string]*PriceResult, len(requests))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, batchConcurrency)

	for _, req := range requests {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := s.Price(ctx, req.Mint, req.Timestamp, req.Symbol)
			if err != nil {
				result = nil
			}

			mu.Lock()
			results[CacheKey(req.Mint, req.Timestamp)] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return results, nil
}

// CacheKey buckets lookups per mint and minute.
func CacheKey(mint string, ts time.Time) string {
	return fmt.Sprintf("%s:%d", mint, ts.UTC().Truncate(time.Minute).Unix())
}

func (s *Service) cacheGet(key string) (*PriceResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if s.now().Sub(entry.storedAt) > cacheValidity {
		delete(s.cache, key)
		return nil, false
	}

	entry.lastAccess = s.now()
	return entry.result, true
}

func (s *Service) cachePut(key string, result *PriceResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.cache[key] = &cachedPrice{result: result, storedAt: now, lastAccess: now}

	if len(s.cache) <= maxCacheEntries {
		return
	}

	type aged struct {
		key        string
		lastAccess time.Time
	}
	byAge := make([]aged, 0, len(s.cache))
	for k, entry := range s.cache {
		byAge = append(byAge, aged{key: k, lastAccess: entry.lastAccess})
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].lastAccess.Before(byAge[j].lastAccess)
	})
	for _, candidate := range byAge {
		if len(s.cache) <= maxCacheEntries {
			break
		}
		delete(s.cache, candidate.key)
	}
}

func (s *Service) logSourceMiss(source, mint string, err error) {
	event := s.log.Debug()
	if errors.Is(err, gobreaker.ErrOpenState) {
		event = s.log.Warn()
	}
	event.Str("source", source).Str("mint", mint).Err(err).Msg("price source miss")
}
