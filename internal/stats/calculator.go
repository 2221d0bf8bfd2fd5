// Package stats derives win-rate, pnl and EV-calibration metrics from the
// persisted recommendation history. Results are cached in-process per query
// key with a short TTL; any lifecycle mutation invalidates the whole cache.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-advisor/internal/database"
)

// Periods accepted by the per-strategy queries
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
	PeriodAllTime = "all_time"
)

// ErrUnknownPeriod is returned for a period outside the accepted set
var ErrUnknownPeriod = errors.New("unknown period")

// ErrUnknownWindow is returned for an unrecognized EV monitoring window
var ErrUnknownWindow = errors.New("unknown ev window")

// Store is the persistence surface the calculator reads from
type Store interface {
	ListRecommendations(ctx context.Context, filter database.RecommendationFilter) ([]*database.Recommendation, error)
	CountActive(ctx context.Context) (int, error)
}

// Summary is the core win/loss aggregate
type Summary struct {
	Total           int     `json:"total"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	BreakEvens      int     `json:"break_evens"`
	WinRate         float64 `json:"win_rate"`
	AvgPnLPercent   float64 `json:"avg_pnl_percent"`
	TotalPnLPercent float64 `json:"total_pnl_percent"`
	TotalPnLAmount  float64 `json:"total_pnl_amount"`
	ActiveCount     int     `json:"active_count"`
}

// StrategySummary pairs a strategy with its aggregate for one period
type StrategySummary struct {
	StrategyType string  `json:"strategy_type"`
	Period       string  `json:"period"`
	Summary      Summary `json:"summary"`
}

// Config controls caching
type Config struct {
	CacheTTL time.Duration
}

// Calculator computes and caches statistics
type Calculator struct {
	store  Store
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	value    interface{}
	cachedAt time.Time
}

// NewCalculator creates a statistics calculator
func NewCalculator(store Store, cfg Config, logger zerolog.Logger) *Calculator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	return &Calculator{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "StatsCalculator").Logger(),
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Invalidate drops every cached result. Called on admission, closure,
// deletion and trim.
func (c *Calculator) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *Calculator) cached(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || c.now().Sub(entry.cachedAt) >= c.cfg.CacheTTL {
		return nil, false
	}
	return entry.value, true
}

func (c *Calculator) put(key string, value interface{}) {
	c.mu.Lock()
	c.cache[key] = cacheEntry{value: value, cachedAt: c.now()}
	c.mu.Unlock()
}

// Overall returns the aggregate across all closed recommendations
func (c *Calculator) Overall(ctx context.Context) (*Summary, error) {
	if v, ok := c.cached("overall"); ok {
		return v.(*Summary), nil
	}

	closed, err := c.closedSince(ctx, "", time.Time{})
	if err != nil {
		return nil, err
	}
	summary := summarize(closed)

	active, err := c.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	summary.ActiveCount = active

	c.put("overall", &summary)
	return &summary, nil
}

// ByStrategy returns the aggregate for one strategy over a period
func (c *Calculator) ByStrategy(ctx context.Context, strategyType, period string) (*StrategySummary, error) {
	start, err := periodStart(period, c.now())
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("strategy|%s|%s", strategyType, period)
	if v, ok := c.cached(key); ok {
		return v.(*StrategySummary), nil
	}

	closed, err := c.closedSince(ctx, strategyType, start)
	if err != nil {
		return nil, err
	}

	out := &StrategySummary{
		StrategyType: strategyType,
		Period:       period,
		Summary:      summarize(closed),
	}
	c.put(key, out)
	return out, nil
}

// AllStrategies returns one aggregate per strategy seen in the period,
// sorted by total pnl descending.
func (c *Calculator) AllStrategies(ctx context.Context, period string) ([]StrategySummary, error) {
	start, err := periodStart(period, c.now())
	if err != nil {
		return nil, err
	}

	key := "strategies|" + period
	if v, ok := c.cached(key); ok {
		return v.([]StrategySummary), nil
	}

	closed, err := c.closedSince(ctx, "", start)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]*database.Recommendation)
	for _, rec := range closed {
		grouped[rec.StrategyType] = append(grouped[rec.StrategyType], rec)
	}

	out := make([]StrategySummary, 0, len(grouped))
	for strategy, recs := range grouped {
		out = append(out, StrategySummary{
			StrategyType: strategy,
			Period:       period,
			Summary:      summarize(recs),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Summary.TotalPnLPercent != out[j].Summary.TotalPnLPercent {
			return out[i].Summary.TotalPnLPercent > out[j].Summary.TotalPnLPercent
		}
		return out[i].StrategyType < out[j].StrategyType
	})

	c.put(key, out)
	return out, nil
}

// RealtimeSummary covers a short trailing window for the live dashboard
type RealtimeSummary struct {
	WindowMinutes int     `json:"window_minutes"`
	Created       int     `json:"created"`
	Closed        int     `json:"closed"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	NetPnLPercent float64 `json:"net_pnl_percent"`
}

// Realtime aggregates activity within a trailing window between one minute
// and one hour.
func (c *Calculator) Realtime(ctx context.Context, window time.Duration) (*RealtimeSummary, error) {
	if window < time.Minute {
		window = time.Minute
	}
	if window > time.Hour {
		window = time.Hour
	}
	since := c.now().Add(-window)

	key := fmt.Sprintf("realtime|%d", int(window.Minutes()))
	if v, ok := c.cached(key); ok {
		return v.(*RealtimeSummary), nil
	}

	recs, err := c.store.ListRecommendations(ctx, database.RecommendationFilter{
		StartDate:     &since,
		IncludeActive: true,
		Limit:         10000,
	})
	if err != nil {
		return nil, err
	}

	out := &RealtimeSummary{WindowMinutes: int(window.Minutes())}
	for _, rec := range recs {
		if !rec.CreatedAt.Before(since) {
			out.Created++
		}
		if rec.ClosedAt == nil || rec.ClosedAt.Before(since) {
			continue
		}
		out.Closed++
		if rec.Result != nil {
			switch *rec.Result {
			case database.ResultWin:
				out.Wins++
			case database.ResultLoss:
				out.Losses++
			}
		}
		if rec.PnLPercent != nil {
			out.NetPnLPercent += *rec.PnLPercent
		}
	}

	c.put(key, out)
	return out, nil
}

func (c *Calculator) closedSince(ctx context.Context, strategyType string, start time.Time) ([]*database.Recommendation, error) {
	filter := database.RecommendationFilter{
		StrategyType: strategyType,
		Limit:        10000,
	}
	if !start.IsZero() {
		filter.StartDate = &start
	}
	recs, err := c.store.ListRecommendations(ctx, filter)
	if err != nil {
		return nil, err
	}

	closed := recs[:0]
	for _, rec := range recs {
		if rec.IsTerminal() {
			closed = append(closed, rec)
		}
	}
	return closed, nil
}

func summarize(recs []*database.Recommendation) Summary {
	var s Summary
	decided := 0
	for _, rec := range recs {
		s.Total++
		if rec.Result != nil {
			switch *rec.Result {
			case database.ResultWin:
				s.Wins++
				decided++
			case database.ResultLoss:
				s.Losses++
				decided++
			case database.ResultBreakEven:
				s.BreakEvens++
			}
		}
		if rec.PnLPercent != nil {
			s.TotalPnLPercent += *rec.PnLPercent
		}
		if rec.PnLAmount != nil {
			s.TotalPnLAmount += *rec.PnLAmount
		}
	}
	if decided > 0 {
		s.WinRate = float64(s.Wins) / float64(decided)
	}
	if s.Total > 0 {
		s.AvgPnLPercent = s.TotalPnLPercent / float64(s.Total)
	}
	return s
}

func periodStart(period string, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case PeriodDaily:
		return now.Add(-24 * time.Hour), nil
	case PeriodWeekly:
		return now.Add(-7 * 24 * time.Hour), nil
	case PeriodMonthly:
		return now.Add(-30 * 24 * time.Hour), nil
	case PeriodAllTime, "":
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownPeriod, period)
	}
}
