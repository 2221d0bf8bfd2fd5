// Package slippage maintains per-symbol execution slippage statistics and an
// adaptive threshold derived from the rolling distribution.
package slippage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"perp-advisor/internal/database"
	"perp-advisor/internal/events"
)

// Slippage row tags
const (
	TagExecution       = "EXECUTION"
	TagThresholdAdjust = "THRESHOLD_ADJUST"
)

// Alert severities
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Threshold clamp bounds: 1 bp to 10%
const (
	minThresholdBps = 1
	maxThresholdBps = 1000
)

// Store is the persistence surface for slippage data
type Store interface {
	SaveSlippageRecord(ctx context.Context, rec *database.SlippageRecord) error
	ListSlippageRecords(ctx context.Context, symbol string, since time.Time, limit int) ([]*database.SlippageRecord, error)
	SaveSlippageStatistics(ctx context.Context, stats *database.SlippageStatistics) error
	SaveSlippageThreshold(ctx context.Context, th *database.SlippageThreshold) error
	GetLatestSlippageThreshold(ctx context.Context, symbol string) (*database.SlippageThreshold, bool, error)
	SaveSlippageAlert(ctx context.Context, alert *database.SlippageAlert) error
}

// Config controls the rolling window and the threshold maintainer
type Config struct {
	Window           time.Duration // rolling statistics window
	MaintainInterval time.Duration // maintainer tick
	Debounce         time.Duration // min gap between threshold adjustments
	SigmaFactor      float64       // k in p95 + k*sigma
	MinSamples       int           // below this no adjustment happens
	IOTimeout        time.Duration
}

// Analyzer records per-execution slippage and runs the debounced threshold
// maintainer.
type Analyzer struct {
	store  Store
	bus    *events.EventBus
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	lastAdjusted map[string]time.Time
	symbols      map[string]struct{}

	running      atomic.Bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	ticksRun     atomic.Int64
	ticksSkipped atomic.Int64
	inFlight     atomic.Bool

	now func() time.Time
}

// NewAnalyzer creates a slippage analyzer
func NewAnalyzer(store Store, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Analyzer {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MaintainInterval <= 0 {
		cfg.MaintainInterval = 5 * time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 15 * time.Minute
	}
	if cfg.SigmaFactor <= 0 {
		cfg.SigmaFactor = 2
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	return &Analyzer{
		store:        store,
		bus:          bus,
		cfg:          cfg,
		logger:       logger.With().Str("component", "SlippageAnalyzer").Logger(),
		lastAdjusted: make(map[string]time.Time),
		symbols:      make(map[string]struct{}),
		now:          time.Now,
	}
}

// ComputeBps returns the adverse slippage of a fill in basis points. Positive
// means the fill was worse than intended for the given direction.
func ComputeBps(direction database.Direction, intended, fill float64) float64 {
	if intended <= 0 {
		return 0
	}
	bps := (fill - intended) / intended * 10000
	if direction == database.DirectionShort {
		bps = -bps
	}
	return bps
}

// RecordExecution appends a slippage observation for a closed execution and
// recomputes the rolling statistics for the symbol.
func (a *Analyzer) RecordExecution(ctx context.Context, exec *database.Execution) error {
	now := a.now()
	rec := &database.SlippageRecord{
		Symbol:      exec.Symbol,
		Direction:   exec.Direction,
		ExecutionID: &exec.ID,
		SlippageBps: ComputeBps(exec.Direction, exec.IntendedPrice, exec.FillPrice),
		LatencyMs:   exec.LatencyMs,
		Tag:         TagExecution,
		CreatedAt:   now,
	}
	if err := a.store.SaveSlippageRecord(ctx, rec); err != nil {
		return err
	}

	a.mu.Lock()
	a.symbols[exec.Symbol] = struct{}{}
	a.mu.Unlock()

	if _, err := a.recomputeStatistics(ctx, exec.Symbol); err != nil {
		a.logger.Warn().Err(err).Str("symbol", exec.Symbol).Msg("Failed to recompute slippage statistics")
	}
	return nil
}

// recomputeStatistics aggregates the rolling window and persists the result.
// Returns nil stats when the window is empty.
func (a *Analyzer) recomputeStatistics(ctx context.Context, symbol string) (*database.SlippageStatistics, error) {
	now := a.now()
	since := now.Add(-a.cfg.Window)

	recs, err := a.store.ListSlippageRecords(ctx, symbol, since, 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	values := make([]float64, len(recs))
	for i, rec := range recs {
		values[i] = rec.SlippageBps
	}

	stats := &database.SlippageStatistics{
		Symbol:      symbol,
		SampleCount: len(values),
		AvgBps:      mean(values),
		MedianBps:   percentile(values, 50),
		P95Bps:      percentile(values, 95),
		StdDevBps:   stdDev(values),
		WindowStart: since,
		WindowEnd:   now,
		CreatedAt:   now,
	}
	if err := a.store.SaveSlippageStatistics(ctx, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Start runs the threshold maintainer loop
func (a *Analyzer) Start() {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.loop()
	a.logger.Info().Dur("interval", a.cfg.MaintainInterval).Msg("Slippage threshold maintainer started")
}

// Stop halts the maintainer loop
func (a *Analyzer) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info().Msg("Slippage threshold maintainer stopped")
}

func (a *Analyzer) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if !a.inFlight.CompareAndSwap(false, true) {
				a.ticksSkipped.Add(1)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.IOTimeout)
			a.MaintainAll(ctx)
			cancel()
			a.inFlight.Store(false)
		}
	}
}

// MaintainAll runs one threshold-maintenance pass over every known symbol
func (a *Analyzer) MaintainAll(ctx context.Context) {
	a.ticksRun.Add(1)

	a.mu.Lock()
	symbols := make([]string, 0, len(a.symbols))
	for s := range a.symbols {
		symbols = append(symbols, s)
	}
	a.mu.Unlock()
	sort.Strings(symbols)

	for _, symbol := range symbols {
		if err := a.MaintainThreshold(ctx, symbol); err != nil {
			a.logger.Warn().Err(err).Str("symbol", symbol).Msg("Threshold maintenance failed")
		}
	}
}

// MaintainThreshold recomputes the adaptive threshold for one symbol as
// p95 + k*sigma over the rolling window, clamped to the allowed range.
// Adjustments are debounced and skipped when the change is negligible.
func (a *Analyzer) MaintainThreshold(ctx context.Context, symbol string) error {
	now := a.now()

	a.mu.Lock()
	last, seen := a.lastAdjusted[symbol]
	a.mu.Unlock()
	if seen && now.Sub(last) < a.cfg.Debounce {
		return nil
	}

	stats, err := a.recomputeStatistics(ctx, symbol)
	if err != nil {
		return err
	}
	if stats == nil || stats.SampleCount < a.cfg.MinSamples {
		return nil
	}

	proposed := clamp(stats.P95Bps+a.cfg.SigmaFactor*stats.StdDevBps, minThresholdBps, maxThresholdBps)

	current, ok, err := a.store.GetLatestSlippageThreshold(ctx, symbol)
	if err != nil {
		return err
	}

	var previous *float64
	oldBps := 0.0
	if ok {
		oldBps = current.ThresholdBps
		previous = &current.ThresholdBps
		// Skip churn below half a basis point
		if math.Abs(proposed-oldBps) < 0.5 {
			return nil
		}
	}

	th := &database.SlippageThreshold{
		Symbol:       symbol,
		ThresholdBps: proposed,
		PreviousBps:  previous,
		Basis:        fmt.Sprintf("p95+%.1fsigma", a.cfg.SigmaFactor),
		CreatedAt:    now,
	}
	if err := a.store.SaveSlippageThreshold(ctx, th); err != nil {
		return err
	}

	// Adjustments are themselves recorded as analysis rows
	adjustRec := &database.SlippageRecord{
		Symbol:      symbol,
		Direction:   database.DirectionLong,
		SlippageBps: proposed,
		Tag:         TagThresholdAdjust,
		CreatedAt:   now,
	}
	if err := a.store.SaveSlippageRecord(ctx, adjustRec); err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to record threshold adjustment row")
	}

	severity := adjustSeverity(oldBps, proposed)
	alert := &database.SlippageAlert{
		Symbol:    symbol,
		Severity:  severity,
		Message:   fmt.Sprintf("slippage threshold for %s adjusted from %.1f to %.1f bps", symbol, oldBps, proposed),
		OldBps:    oldBps,
		NewBps:    proposed,
		CreatedAt: now,
	}
	if err := a.store.SaveSlippageAlert(ctx, alert); err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to save threshold alert")
	}

	a.mu.Lock()
	a.lastAdjusted[symbol] = now
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(events.EventThresholdAdjusted, map[string]interface{}{
			"symbol":   symbol,
			"old_bps":  oldBps,
			"new_bps":  proposed,
			"severity": severity,
		})
	}

	a.logger.Info().
		Str("symbol", symbol).
		Float64("old_bps", oldBps).
		Float64("new_bps", proposed).
		Str("severity", severity).
		Msg("Slippage threshold adjusted")
	return nil
}

// Metrics is a read-only view of maintainer activity
type Metrics struct {
	TicksRun     int64 `json:"ticks_run"`
	TicksSkipped int64 `json:"ticks_skipped"`
	Running      bool  `json:"running"`
}

// GetMetrics returns maintainer counters
func (a *Analyzer) GetMetrics() Metrics {
	return Metrics{
		TicksRun:     a.ticksRun.Load(),
		TicksSkipped: a.ticksSkipped.Load(),
		Running:      a.running.Load(),
	}
}

// adjustSeverity grades the relative size of a threshold move
func adjustSeverity(oldBps, newBps float64) string {
	if oldBps <= 0 {
		return SeverityInfo
	}
	ratio := math.Abs(newBps-oldBps) / oldBps
	switch {
	case ratio >= 1.0:
		return SeverityCritical
	case ratio >= 0.5:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// percentile uses linear interpolation between closest ranks
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
