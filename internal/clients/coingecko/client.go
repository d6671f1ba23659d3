// Package coingecko fetches historical token prices.
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrPriceUnavailable means the provider has no price for the asset/date.
var ErrPriceUnavailable = errors.New("price unavailable")

// Client for the CoinGecko REST API.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a CoinGecko client with its own request pacing.
// requestsPerSecond reflects the provider's plan limits, not ours.
func NewClient(baseURL, apiKey string, requestsPerSecond float64, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 0.5
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		log:     log.With().Str("client", "coingecko").Logger(),
	}
}

// HistoricalPrice returns the USD price of coinID on the given day.
// CoinGecko's history endpoint wants DD-MM-YYYY.
func (c *Client) HistoricalPrice(ctx context.Context, coinID string, date time.Time) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, err
	}

	endpoint := fmt.Sprintf("%s/coins/%s/history?date=%s&localization=false",
		c.baseURL, url.PathEscape(coinID), date.UTC().Format("02-01-2006"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Decimal{}, ErrPriceUnavailable
	case resp.StatusCode == http.StatusTooManyRequests:
		return decimal.Decimal{}, fmt.Errorf("coingecko rate limited")
	case resp.StatusCode != http.StatusOK:
		return decimal.Decimal{}, fmt.Errorf("coingecko returned status %d", resp.StatusCode)
	}

	// Decode through json.Number so the quoted market price survives
	// without a float round-trip.
	var result struct {
		MarketData *struct {
			CurrentPrice map[string]json.Number `json:"current_price"`
		} `json:"market_data"`
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&result); err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing coingecko response: %w", err)
	}

	if result.MarketData == nil {
		return decimal.Decimal{}, ErrPriceUnavailable
	}
	raw, ok := result.MarketData.CurrentPrice["usd"]
	if !ok {
		return decimal.Decimal{}, ErrPriceUnavailable
	}

	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing price %q: %w", raw.String(), err)
	}

	c.log.Debug().
		Str("coin", coinID).
		Str("date", date.UTC().Format("02-01-2006")).
		Str("price", price.String()).
		Msg("historical price fetched")

	return price, nil
}
