// Package analytics consumes the trader-intelligence service from the
// execution bot over its internal HTTP surface.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// ErrNoSnapshot means the service has not published a ranking yet. The
// orchestrator skips the cycle instead of treating it as a failure.
var ErrNoSnapshot = errors.New("no ranking snapshot published")

// Client for the analytics service's internal API.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     zerolog.Logger
}

// NewClient creates an analytics client authenticating with the internal
// service key.
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "analytics").Logger(),
	}
}

// SnapshotMeta is the snapshot metadata published alongside a roster.
type SnapshotMeta struct {
	SnapshotID       string    `json:"snapshot_id"`
	GeneratedAt      time.Time `json:"generated_at"`
	PeriodDays       int       `json:"period_days"`
	AlgorithmVersion string    `json:"algorithm_version"`
	MinTrustScore    float64   `json:"min_trust_score"`
	EvaluatedWallets int       `json:"evaluated_wallets"`
	EligibleWallets  int       `json:"eligible_wallets"`
}

// Roster is the ranked-trader feed the bot bases strategy selection on.
type Roster struct {
	Traders []domain.RankedTrader
	Meta    SnapshotMeta
}

// RankedTraders fetches the current roster. Zero limit and zero
// minTrustScore mean no filtering.
func (c *Client) RankedTraders(ctx context.Context, limit int, minTrustScore float64) (*Roster, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if minTrustScore > 0 {
		query.Set("min_trust_score", strconv.FormatFloat(minTrustScore, 'f', -1, 64))
	}

	endpoint := c.baseURL + "/internal/ranked-traders"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analytics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, ErrNoSnapshot
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analytics returned status %d: %s", resp.StatusCode, readError(resp))
	}

	var envelope struct {
		Status string                `json:"status"`
		Data   []domain.RankedTrader `json:"data"`
		Meta   SnapshotMeta          `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("parsing analytics response: %w", err)
	}
	if envelope.Status != "success" {
		return nil, fmt.Errorf("analytics answered with status %q", envelope.Status)
	}

	c.log.Debug().
		Int("traders", len(envelope.Data)).
		Str("snapshot_id", envelope.Meta.SnapshotID).
		Msg("Ranked traders fetched")

	return &Roster{Traders: envelope.Data, Meta: envelope.Meta}, nil
}

// Health probes the service's open health endpoint. A degraded service
// answers 503, which callers surface as an error.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("analytics unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analytics reported status %d", resp.StatusCode)
	}
	return nil
}

// readError extracts the service's error message from a failed response.
func readError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return "unreadable error body"
	}
	return body.Error
}
