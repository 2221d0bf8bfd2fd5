// Package pricing maintains the latest-price cache with freshness guarantees.
// Refreshes are single-flight per symbol, rate limited, and guarded by a
// circuit breaker around the market-data collaborator.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrUpstreamUnavailable is returned when the market-data collaborator fails
// and no cached value remains within the stale-but-usable window.
var ErrUpstreamUnavailable = errors.New("market data upstream unavailable")

// Source is the external market-data collaborator
type Source interface {
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

// Quote is a cached price observation. Stale is set when the quote is older
// than the freshness TTL but still inside the stale-but-usable window.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale,omitempty"`
}

// Config controls freshness windows and fetch throttling
type Config struct {
	CacheTTL        time.Duration // fresh window, default 10s
	StaleWindow     time.Duration // stale-but-usable window, default 60s
	FetchRatePerSec float64
	FetchBurst      int
	FetchTimeout    time.Duration
}

// Monitor maintains symbol -> (price, fetched_at)
type Monitor struct {
	source  Source
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[string]Quote

	now func() time.Time
}

// NewMonitor creates a price monitor over the given market-data source
func NewMonitor(source Source, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Second
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 60 * time.Second
	}
	if cfg.FetchRatePerSec <= 0 {
		cfg.FetchRatePerSec = 5
	}
	if cfg.FetchBurst <= 0 {
		cfg.FetchBurst = 10
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "market-data",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
		},
	})

	return &Monitor{
		source:  source,
		cfg:     cfg,
		logger:  logger.With().Str("component", "PriceMonitor").Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.FetchRatePerSec), cfg.FetchBurst),
		breaker: breaker,
		cache:   make(map[string]Quote),
		now:     time.Now,
	}
}

// GetLatest returns the latest price for a symbol. Cached values inside the
// freshness TTL are served directly; otherwise a single-flight refresh runs.
// When the refresh fails, a stale quote inside the stale window is returned
// with Stale set rather than failing.
func (m *Monitor) GetLatest(ctx context.Context, symbol string) (Quote, error) {
	if q, ok := m.cached(symbol); ok && m.now().Sub(q.FetchedAt) < m.cfg.CacheTTL {
		return q, nil
	}

	return m.refresh(ctx, symbol)
}

// Prime forces a refresh for the symbol regardless of cache freshness
func (m *Monitor) Prime(ctx context.Context, symbol string) (Quote, error) {
	return m.refresh(ctx, symbol)
}

// Clear drops all cached quotes
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]Quote)
}

// LastFetched returns the age of the newest cached quote, for health checks.
// ok is false when the cache is empty.
func (m *Monitor) LastFetched() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest time.Time
	for _, q := range m.cache {
		if q.FetchedAt.After(newest) {
			newest = q.FetchedAt
		}
	}
	return newest, !newest.IsZero()
}

func (m *Monitor) cached(symbol string) (Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.cache[symbol]
	return q, ok
}

// refresh coalesces concurrent fetches per symbol
func (m *Monitor) refresh(ctx context.Context, symbol string) (Quote, error) {
	v, err, _ := m.group.Do(symbol, func() (interface{}, error) {
		return m.fetch(ctx, symbol)
	})
	if err == nil {
		return v.(Quote), nil
	}

	// Fetch failed; fall back to a stale-but-usable quote when one remains
	if q, ok := m.cached(symbol); ok && m.now().Sub(q.FetchedAt) < m.cfg.StaleWindow {
		q.Stale = true
		return q, nil
	}
	return Quote{}, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, symbol, err)
}

func (m *Monitor) fetch(ctx context.Context, symbol string) (Quote, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return Quote{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.source.FetchPrice(fetchCtx, symbol)
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Price fetch failed")
		return Quote{}, err
	}

	q := Quote{
		Symbol:    symbol,
		Price:     result.(float64),
		FetchedAt: m.now(),
	}

	m.mu.Lock()
	m.cache[symbol] = q
	m.mu.Unlock()

	return q, nil
}
