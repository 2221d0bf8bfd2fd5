// Package marketdata holds the HTTP clients for the two external
// collaborators: the futures market-data feed and the signal service.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"perp-advisor/internal/gating"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"

	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// Client fetches ticker prices from the futures REST API. Only public
// endpoints are used; no API keys are required.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a market-data client. An empty baseURL selects the
// production endpoint.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = FuturesBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "MarketData").Logger(),
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchPrice returns the latest mark price for the symbol. Transient failures
// are retried with exponential backoff and jitter.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := fmt.Sprintf("%s/fapi/v1/ticker/price?symbol=%s", c.baseURL, url.QueryEscape(symbol))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			delay += time.Duration(rand.Int63n(int64(delay / 4)))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		price, retryable, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Str("symbol", symbol).Msg("Price fetch retry")
	}
	return 0, fmt.Errorf("failed to fetch price for %s: %w", symbol, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string) (float64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, true, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, body)
	default:
		return 0, false, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, body)
	}

	var ticker tickerPrice
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, false, fmt.Errorf("failed to parse ticker response: %w", err)
	}
	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid price %q: %w", ticker.Price, err)
	}
	return price, false, nil
}

// SignalClient polls an external signal service for recommendation
// candidates. When no URL is configured every poll yields no candidate and
// admissions happen only through the API.
type SignalClient struct {
	endpoint   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewSignalClient creates a signal poller for the given endpoint. An empty
// endpoint disables polling.
func NewSignalClient(endpoint string, logger zerolog.Logger) *SignalClient {
	return &SignalClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "SignalClient").Logger(),
	}
}

// NextCandidate asks the signal service for its current candidate. A 204
// response means no signal is available this tick.
func (s *SignalClient) NextCandidate(ctx context.Context) (*gating.Candidate, error) {
	if s.endpoint == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return nil, fmt.Errorf("signal service returned %d: %s", resp.StatusCode, body)
	}

	var cand gating.Candidate
	if err := json.NewDecoder(resp.Body).Decode(&cand); err != nil {
		return nil, fmt.Errorf("failed to decode signal candidate: %w", err)
	}
	if cand.Symbol == "" && cand.EntryPrice == 0 {
		return nil, nil
	}
	return &cand, nil
}
