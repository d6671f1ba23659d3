package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// cacheableMethods are read-only calls whose responses are immutable for
// the lifetime of a slot and safe to serve from cache.
var cacheableMethods = map[string]bool{
	"getProgramAccounts":      true,
	"getTransaction":          true,
	"getSignaturesForAddress": true,
	"getAccountInfo":          true,
	"getBlock":                true,
}

// Config holds the client tuning knobs.
type Config struct {
	Endpoint          string
	RequestsPerSecond float64
	BurstLimit        int
	CacheTTL          time.Duration
	RetryBaseDelay    time.Duration
	MaxRetries        int
	RequestTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = 20
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Client is a rate-limited JSON-RPC client for Solana nodes. All requests
// pass through a token bucket plus a serialized inter-request floor, so a
// burst of concurrent callers cannot exceed the node's published limits.
type Client struct {
	cfg     Config
	httpc   *http.Client
	limiter *rate.Limiter
	cache   *payloadCache
	logger  zerolog.Logger

	// floor spacing between consecutive requests
	minInterval time.Duration
	mu          sync.Mutex
	nextSlot    time.Time

	requestID atomic.Uint64
}

// New builds a Client from cfg. The zero values of cfg are replaced with
// conservative defaults, so a bare Config{Endpoint: url} is usable.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.applyDefaults()

	return &Client{
		cfg:         cfg,
		httpc:       &http.Client{Timeout: cfg.RequestTimeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstLimit),
		cache:       newPayloadCache(cfg.CacheTTL, maxCacheEntries),
		logger:      logger.With().Str("component", "rpc").Logger(),
		minInterval: time.Duration(float64(time.Second) / cfg.RequestsPerSecond),
	}
}

// Call performs a JSON-RPC request and unmarshals the result into out.
// Cacheable methods are served from the payload cache when fresh; rate
// limits and transient faults are retried with exponential backoff.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	var key string
	if cacheableMethods[method] {
		derived, err := cacheKey(method, params)
		if err != nil {
			return err
		}
		key = derived
		if cached, ok := c.cache.get(key); ok {
			return decodeResult(method, cached, out)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug().
				Str("method", method).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying rpc call")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.pace(ctx); err != nil {
			return err
		}

		result, err := c.doRequest(ctx, method, params)
		if err == nil {
			if key != "" {
				c.cache.put(key, result)
			}
			return decodeResult(method, result, out)
		}

		lastErr = err
		if IsFatal(err) {
			return err
		}
	}

	return fmt.Errorf("rpc %s exhausted %d retries: %w", method, c.cfg.MaxRetries, lastErr)
}

// pace blocks until both the token bucket and the inter-request floor
// admit a request. The floor slot is reserved under lock so concurrent
// callers queue up behind each other instead of firing together.
func (c *Client) pace(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	now := time.Now()
	wait := c.nextSlot.Sub(now)
	if wait < 0 {
		wait = 0
	}
	c.nextSlot = now.Add(wait + c.minInterval)
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.requestID.Add(1)
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, &Error{Kind: ErrKindFatal, Method: method, Message: fmt.Sprintf("marshaling request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrKindFatal, Method: method, Message: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: ErrKindTransient, Method: method, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrKindTransient, Method: method, Message: fmt.Sprintf("reading response: %v", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: ErrKindRateLimited, Method: method, Code: resp.StatusCode, Message: "rate limited by node"}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: ErrKindTransient, Method: method, Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", trimBody(raw))}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: ErrKindFatal, Method: method, Code: resp.StatusCode, Message: fmt.Sprintf("unexpected status: %s", trimBody(raw))}
	}

	var envelope response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &Error{Kind: ErrKindTransient, Method: method, Message: fmt.Sprintf("decoding envelope: %v", err)}
	}
	if envelope.Error != nil {
		kind := ErrKindFatal
		if envelope.Error.Code == codeNodeUnhealthy {
			kind = ErrKindTransient
		}
		return nil, &Error{Kind: kind, Method: method, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}

	return envelope.Result, nil
}

func decodeResult(method string, result json.RawMessage, out any) error {
	if out == nil {
		return nil
	}
	if len(result) == 0 || string(result) == "null" {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return &Error{Kind: ErrKindFatal, Method: method, Message: fmt.Sprintf("decoding result: %v", err)}
	}
	return nil
}

// CacheSize reports the number of live cache entries, for health output.
func (c *Client) CacheSize() int {
	return c.cache.size()
}

func trimBody(raw []byte) string {
	const limit = 256
	if len(raw) > limit {
		raw = raw[:limit]
	}
	return string(raw)
}
