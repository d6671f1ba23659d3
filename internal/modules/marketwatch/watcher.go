// Package marketwatch samples the native token's USD price and trips the
// market volatility breaker when the dispersion of recent returns breaches
// the configured ceiling. Trading resumes through the breaker's own
// recovery cycle once the market calms down.
package marketwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/pkg/formulas"
)

// minSamples is the priming floor: a volatility estimate from fewer
// observations is noise, so the breaker is not fed until the window holds
// at least this many.
const minSamples = 5

const nativeMint = "So11111111111111111111111111111111111111112"

// PriceSource quotes current USD prices per mint.
type PriceSource interface {
	CurrentPrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// BreakerSink receives the watcher's verdict after every sample.
type BreakerSink interface {
	RecordSuccess(ctx context.Context, t domain.BreakerType)
	RecordFailure(ctx context.Context, t domain.BreakerType, reason string)
}

// Config tunes the watcher. Zero values fall back to defaults.
type Config struct {
	Mint                string
	SampleInterval      time.Duration
	WindowSize          int
	VolatilityThreshold float64
	RSIPeriod           int
}

// Snapshot is the watcher's latest view of the market.
type Snapshot struct {
	Mint       string          `json:"mint"`
	Samples    int             `json:"samples"`
	LastPrice  decimal.Decimal `json:"last_price"`
	Volatility float64         `json:"volatility"`
	RSI        *float64        `json:"rsi,omitempty"`
	Breached   bool            `json:"breached"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Watcher keeps a sliding window of price samples and evaluates it after
// every observation.
type Watcher struct {
	cfg      Config
	prices   PriceSource
	breakers BreakerSink
	log      zerolog.Logger
	clock    func() time.Time

	mu     sync.Mutex
	window []float64
	last   Snapshot
}

// NewWatcher creates a market watcher.
func NewWatcher(cfg Config, prices PriceSource, breakers BreakerSink, log zerolog.Logger) *Watcher {
	if cfg.Mint == "" {
		cfg.Mint = nativeMint
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 30 * time.Second
	}
	if cfg.WindowSize < minSamples {
		cfg.WindowSize = 20
	}
	if cfg.VolatilityThreshold <= 0 {
		cfg.VolatilityThreshold = 0.05
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	return &Watcher{
		cfg:      cfg,
		prices:   prices,
		breakers: breakers,
		log:      log.With().Str("component", "marketwatch").Logger(),
		clock:    time.Now,
	}
}

// Run samples until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.log.Info().
		Str("mint", w.cfg.Mint).
		Dur("interval", w.cfg.SampleInterval).
		Float64("volatility_threshold", w.cfg.VolatilityThreshold).
		Msg("Market watcher started")

	ticker := time.NewTicker(w.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Market watcher stopped")
			return
		case <-ticker.C:
			w.Sample(ctx)
		}
	}
}

// Sample takes one price observation. A failed lookup skips the sample;
// network trouble is the network breaker's concern, not evidence of
// volatility.
func (w *Watcher) Sample(ctx context.Context) {
	price, err := w.prices.CurrentPrice(ctx, w.cfg.Mint)
	if err != nil {
		w.log.Warn().Err(err).Str("mint", w.cfg.Mint).Msg("Price sample failed")
		return
	}
	w.Observe(ctx, price)
}

// Observe appends one price to the window and re-evaluates it.
func (w *Watcher) Observe(ctx context.Context, price decimal.Decimal) {
	value, _ := price.Float64()

	w.mu.Lock()
	w.window = append(w.window, value)
	if len(w.window) > w.cfg.WindowSize {
		w.window = w.window[len(w.window)-w.cfg.WindowSize:]
	}
	series := make([]float64, len(w.window))
	copy(series, w.window)
	w.mu.Unlock()

	volatility := formulas.Volatility(series)
	rsi := formulas.RSI(series, w.cfg.RSIPeriod)

	snap := Snapshot{
		Mint:       w.cfg.Mint,
		Samples:    len(series),
		LastPrice:  price,
		Volatility: volatility,
		RSI:        rsi,
		ObservedAt: w.clock().UTC(),
	}

	if len(series) < minSamples {
		w.store(snap)
		return
	}

	if volatility > w.cfg.VolatilityThreshold {
		snap.Breached = true
		reason := fmt.Sprintf("volatility %.4f exceeds ceiling %.4f", volatility, w.cfg.VolatilityThreshold)
		w.breakers.RecordFailure(ctx, domain.BreakerMarketVolatility, reason)
		w.log.Warn().
			Float64("volatility", volatility).
			Float64("threshold", w.cfg.VolatilityThreshold).
			Str("last_price", price.String()).
			Msg("Market volatility ceiling breached")
	} else {
		w.breakers.RecordSuccess(ctx, domain.BreakerMarketVolatility)
	}
	w.store(snap)
}

// Snapshot returns the latest evaluation.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Watcher) store(snap Snapshot) {
	w.mu.Lock()
	w.last = snap
	w.mu.Unlock()
}
