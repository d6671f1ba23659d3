// Package jupiterprice fetches live token prices from the Jupiter API.
package jupiterprice

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

// ErrPriceUnavailable means Jupiter does not quote the mint.
var ErrPriceUnavailable = errors.New("price unavailable")

// Client for the Jupiter price API.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a Jupiter price client with its own pacing.
func NewClient(baseURL string, requestsPerSecond float64, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.jup.ag"
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		log:     log.With().Str("client", "jupiter_price").Logger(),
	}
}

// CurrentPrice returns the current USD price of a mint.
func (c *Client) CurrentPrice(ctx context.Context, mint string) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, err
	}

	endpoint := fmt.Sprintf("%s/price/v2?ids=%s", c.baseURL, url.QueryEscape(mint))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("jupiter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("jupiter returned status %d", resp.StatusCode)
	}

	// Prices arrive as strings keyed by mint; unquoted mints come back
	// as null entries.
	var result struct {
		Data map[string]*struct {
			Price string `json:"price"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing jupiter response: %w", err)
	}

	entry, ok := result.Data[mint]
	if !ok || entry == nil || entry.Price == "" {
		return decimal.Decimal{}, ErrPriceUnavailable
	}

	price, err := decimal.NewFromString(entry.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing price %q: %w", entry.Price, err)
	}

	c.log.Debug().Str("mint", mint).Str("price", price.String()).Msg("live price fetched")
	return price, nil
}
