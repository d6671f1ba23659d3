// Package router talks to the off-chain AMM router that quotes swaps and
// builds the transactions realizing them.
package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Client for the AMM router API.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     zerolog.Logger
}

// NewClient creates a router client.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		log:     log.With().Str("client", "router").Logger(),
	}
}

// Quote is the router's answer for one swap. Raw holds the untouched
// payload; Swap requires it back verbatim.
type Quote struct {
	InputMint            string
	OutputMint           string
	InAmount             uint64
	OutAmount            uint64
	OtherAmountThreshold uint64
	SlippageBps          int
	PriceImpactPct       float64
	Raw                  json.RawMessage
}

// quoteWire is the router's quote shape. Amounts arrive as strings.
type quoteWire struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
}

// GetQuote fetches the current best route for swapping amount base units
// of inputMint into outputMint within slippageBps.
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	query := url.Values{}
	query.Set("inputMint", inputMint)
	query.Set("outputMint", outputMint)
	query.Set("amount", strconv.FormatUint(amount, 10))
	query.Set("slippageBps", strconv.Itoa(slippageBps))
	// The vault program recomposes the router instruction, which rules out
	// address lookup tables. Legacy transactions only.
	query.Set("asLegacyTransaction", "true")

	endpoint := c.baseURL + "/quote?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building quote request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router quote returned status %d: %s", resp.StatusCode, readError(resp))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote response: %w", err)
	}

	var wire quoteWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("parsing quote response: %w", err)
	}

	quote := &Quote{
		InputMint:   wire.InputMint,
		OutputMint:  wire.OutputMint,
		SlippageBps: wire.SlippageBps,
		Raw:         raw,
	}
	if quote.InAmount, err = strconv.ParseUint(wire.InAmount, 10, 64); err != nil {
		return nil, fmt.Errorf("parsing inAmount %q: %w", wire.InAmount, err)
	}
	if quote.OutAmount, err = strconv.ParseUint(wire.OutAmount, 10, 64); err != nil {
		return nil, fmt.Errorf("parsing outAmount %q: %w", wire.OutAmount, err)
	}
	if wire.OtherAmountThreshold != "" {
		if quote.OtherAmountThreshold, err = strconv.ParseUint(wire.OtherAmountThreshold, 10, 64); err != nil {
			return nil, fmt.Errorf("parsing otherAmountThreshold %q: %w", wire.OtherAmountThreshold, err)
		}
	}
	if wire.PriceImpactPct != "" {
		if quote.PriceImpactPct, err = strconv.ParseFloat(wire.PriceImpactPct, 64); err != nil {
			return nil, fmt.Errorf("parsing priceImpactPct %q: %w", wire.PriceImpactPct, err)
		}
	}

	c.log.Debug().
		Str("input_mint", quote.InputMint).
		Str("output_mint", quote.OutputMint).
		Uint64("in_amount", quote.InAmount).
		Uint64("out_amount", quote.OutAmount).
		Msg("Quote fetched")

	return quote, nil
}

// BuildSwap asks the router to build the transaction realizing quote for
// userPublicKey. Returns the serialized unsigned transaction.
func (c *Client) BuildSwap(ctx context.Context, userPublicKey string, quote *Quote) ([]byte, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return nil, fmt.Errorf("quote is required")
	}

	body, err := json.Marshal(map[string]json.RawMessage{
		"userPublicKey":       json.RawMessage(strconv.Quote(userPublicKey)),
		"quoteResponse":       quote.Raw,
		"asLegacyTransaction": json.RawMessage("true"),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("swap request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router swap returned status %d: %s", resp.StatusCode, readError(resp))
	}

	var result struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parsing swap response: %w", err)
	}
	if result.SwapTransaction == "" {
		return nil, fmt.Errorf("router returned empty swap transaction")
	}

	tx, err := base64.StdEncoding.DecodeString(result.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decoding swap transaction: %w", err)
	}

	c.log.Debug().Int("transaction_bytes", len(tx)).Msg("Swap transaction built")
	return tx, nil
}

// readError extracts the router's error message from a failed response.
func readError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return "unreadable error body"
	}
	return body.Error
}
