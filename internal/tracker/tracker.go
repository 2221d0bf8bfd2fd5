// Package tracker monitors active recommendations against live prices and
// closes them when an exit condition fires. The in-memory active set is a
// cache over persistence and is rebuilt from it on startup.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"perp-advisor/internal/database"
	"perp-advisor/internal/events"
	"perp-advisor/internal/pricing"
)

var (
	// ErrNotTracked is returned when the recommendation is unknown
	ErrNotTracked = errors.New("recommendation not tracked")
	// ErrAlreadyClosed is returned when a close races a terminal state
	ErrAlreadyClosed = errors.New("recommendation already closed")
)

// Store is the persistence surface the tracker needs
type Store interface {
	ListActiveRecommendations(ctx context.Context) ([]*database.Recommendation, error)
	UpdateRecommendation(ctx context.Context, rec *database.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (*database.Recommendation, error)
}

// PriceSource provides the latest quote for a symbol
type PriceSource interface {
	GetLatest(ctx context.Context, symbol string) (pricing.Quote, error)
}

// Config controls the tracking loop
type Config struct {
	TickInterval    time.Duration
	PriceGrace      time.Duration
	MaxHoldingTime  time.Duration
	BreakEvenEnable bool
	BreakEvenWindow time.Duration
	IOTimeout       time.Duration
}

// Tracker owns the active-recommendation set and the exit loop
type Tracker struct {
	store  Store
	prices PriceSource
	bus    *events.EventBus
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	active map[string]*database.Recommendation

	hookMu     sync.Mutex
	closeHooks []func(*database.Recommendation)

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	checksRun    atomic.Int64
	exitsClosed  atomic.Int64
	staleSkipped atomic.Int64

	now func() time.Time
}

// NewTracker creates a tracker; call Start to rehydrate and begin the loop
func NewTracker(store Store, prices PriceSource, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.PriceGrace <= 0 {
		cfg.PriceGrace = 2 * time.Minute
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	return &Tracker{
		store:  store,
		prices: prices,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With().Str("component", "RecommendationTracker").Logger(),
		active: make(map[string]*database.Recommendation),
		now:    time.Now,
	}
}

// AddCloseHook registers a callback invoked after a recommendation reaches a
// terminal state and the update is persisted. Hooks run asynchronously.
func (t *Tracker) AddCloseHook(fn func(*database.Recommendation)) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.closeHooks = append(t.closeHooks, fn)
}

// Start rehydrates the active set from persistence and starts the exit loop
func (t *Tracker) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := t.rehydrate(ctx); err != nil {
		t.running.Store(false)
		return err
	}

	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.loop()

	t.logger.Info().Int("active", t.ActiveCount()).Msg("Tracker started")
	return nil
}

// Stop halts the exit loop; the active set stays queryable
func (t *Tracker) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	close(t.stopCh)
	t.wg.Wait()
	t.logger.Info().Msg("Tracker stopped")
}

// Running reports whether the exit loop is active
func (t *Tracker) Running() bool {
	return t.running.Load()
}

func (t *Tracker) rehydrate(ctx context.Context) error {
	recs, err := t.store.ListActiveRecommendations(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = make(map[string]*database.Recommendation, len(recs))
	for _, rec := range recs {
		copied := *rec
		t.active[rec.ID] = &copied
	}
	return nil
}

func (t *Tracker) loop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.IOTimeout)
			t.CheckAll(ctx)
			cancel()
		}
	}
}

// Track adds an admitted recommendation to the active set
func (t *Tracker) Track(rec *database.Recommendation) {
	copied := *rec
	t.mu.Lock()
	t.active[rec.ID] = &copied
	t.mu.Unlock()
}

// Active returns a copy of the active set; callers may mutate freely
func (t *Tracker) Active() []*database.Recommendation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*database.Recommendation, 0, len(t.active))
	for _, rec := range t.active {
		copied := *rec
		out = append(out, &copied)
	}
	return out
}

// ActiveCount returns the size of the active set
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// ActiveCountByDirection returns the active count for one direction
func (t *Tracker) ActiveCountByDirection(direction database.Direction) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rec := range t.active {
		if rec.Direction == direction {
			n++
		}
	}
	return n
}

// CheckAll evaluates every active recommendation once against the latest
// price. Quotes older than the grace window are skipped rather than trusted.
func (t *Tracker) CheckAll(ctx context.Context) {
	t.checksRun.Add(1)

	for _, rec := range t.Active() {
		quote, err := t.prices.GetLatest(ctx, rec.Symbol)
		if err != nil {
			t.logger.Warn().Err(err).Str("id", rec.ID).Msg("Price unavailable, skipping check")
			t.staleSkipped.Add(1)
			continue
		}
		if t.now().Sub(quote.FetchedAt) > t.cfg.PriceGrace {
			t.logger.Warn().Str("id", rec.ID).Time("fetched_at", quote.FetchedAt).
				Msg("Quote beyond grace window, skipping check")
			t.staleSkipped.Add(1)
			continue
		}

		t.updateCurrentPrice(rec.ID, quote.Price)

		decision := EvaluateExit(rec, quote.Price, t.now(), ExitConfig{
			MaxHoldingTime:  t.cfg.MaxHoldingTime,
			BreakEvenEnable: t.cfg.BreakEvenEnable,
			BreakEvenWindow: t.cfg.BreakEvenWindow,
		})
		if decision == nil {
			continue
		}

		if err := t.applyExit(ctx, rec, decision); err != nil {
			t.logger.Error().Err(err).Str("id", rec.ID).Msg("Failed to persist exit, keeping active")
		}
	}
}

func (t *Tracker) updateCurrentPrice(id string, price float64) {
	t.mu.Lock()
	if rec, ok := t.active[id]; ok {
		rec.CurrentPrice = price
	}
	t.mu.Unlock()
}

// applyExit persists the terminal update and, only on success, removes the
// recommendation from the active set and fires lifecycle events.
func (t *Tracker) applyExit(ctx context.Context, rec *database.Recommendation, decision *ExitDecision) error {
	now := t.now()
	amount, percent := ComputePnL(rec, decision.ExitPrice)
	result := ClassifyResult(decision.Label, percent)

	closed := *rec
	closed.Status = decision.Status
	closed.CurrentPrice = decision.ExitPrice
	closed.UpdatedAt = now
	closed.ClosedAt = &now
	closed.ExitPrice = &decision.ExitPrice
	closed.ExitReason = &decision.Reason
	closed.Result = &result
	closed.PnLAmount = &amount
	closed.PnLPercent = &percent
	if decision.Label != "" {
		label := decision.Label
		closed.ExitLabel = &label
	}

	if err := t.store.UpdateRecommendation(ctx, &closed); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Closed elsewhere; drop our stale copy
			t.remove(rec.ID)
			return ErrAlreadyClosed
		}
		return err
	}

	t.remove(rec.ID)
	t.exitsClosed.Add(1)

	t.logger.Info().
		Str("id", closed.ID).
		Str("label", decision.Label).
		Str("result", result).
		Float64("exit_price", decision.ExitPrice).
		Float64("pnl_percent", percent).
		Msg("Recommendation closed")

	eventType := events.EventRecommendationClosed
	if decision.Status == database.StatusExpired {
		eventType = events.EventRecommendationExpired
	}
	if t.bus != nil {
		t.bus.Publish(eventType, map[string]interface{}{
			"id":          closed.ID,
			"symbol":      closed.Symbol,
			"direction":   string(closed.Direction),
			"exit_price":  decision.ExitPrice,
			"exit_label":  decision.Label,
			"result":      result,
			"pnl_percent": percent,
		})
	}

	t.hookMu.Lock()
	hooks := make([]func(*database.Recommendation), len(t.closeHooks))
	copy(hooks, t.closeHooks)
	t.hookMu.Unlock()
	for _, hook := range hooks {
		go hook(&closed)
	}
	return nil
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

// ManualClose closes a recommendation at the given price. A zero price closes
// at the latest quote. Returns ErrAlreadyClosed when the recommendation is
// already terminal.
func (t *Tracker) ManualClose(ctx context.Context, id string, exitPrice float64, reason string) (*database.Recommendation, error) {
	rec, err := t.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if exitPrice <= 0 {
		quote, err := t.prices.GetLatest(ctx, rec.Symbol)
		if err != nil {
			return nil, err
		}
		exitPrice = quote.Price
	}
	if reason == "" {
		reason = "manual close"
	}

	decision := &ExitDecision{
		Label:     deriveManualLabel(rec, exitPrice),
		Reason:    reason,
		Status:    database.StatusClosed,
		ExitPrice: exitPrice,
	}
	if err := t.applyExit(ctx, rec, decision); err != nil {
		return nil, err
	}
	return t.store.GetRecommendation(ctx, id)
}

// ForceExpire expires a recommendation immediately with a TIMEOUT exit label
func (t *Tracker) ForceExpire(ctx context.Context, id string) (*database.Recommendation, error) {
	rec, err := t.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	exitPrice := rec.CurrentPrice
	if quote, qerr := t.prices.GetLatest(ctx, rec.Symbol); qerr == nil {
		exitPrice = quote.Price
	}

	decision := &ExitDecision{
		Label:     database.ExitLabelTimeout,
		Reason:    "force expired",
		Status:    database.StatusExpired,
		ExitPrice: exitPrice,
	}
	if err := t.applyExit(ctx, rec, decision); err != nil {
		return nil, err
	}
	return t.store.GetRecommendation(ctx, id)
}

// lookup resolves an active recommendation, falling back to persistence so
// manual closes work for rows the loop has not rehydrated.
func (t *Tracker) lookup(ctx context.Context, id string) (*database.Recommendation, error) {
	t.mu.RLock()
	rec, ok := t.active[id]
	if ok {
		copied := *rec
		t.mu.RUnlock()
		return &copied, nil
	}
	t.mu.RUnlock()

	stored, err := t.store.GetRecommendation(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotTracked
		}
		return nil, err
	}
	if stored.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	return stored, nil
}

// deriveManualLabel maps a manual exit price onto the nearest exit semantics
func deriveManualLabel(rec *database.Recommendation, exitPrice float64) string {
	if stopLossHit(rec, exitPrice) {
		return database.ExitLabelStopLoss
	}
	if takeProfitHit(rec, exitPrice) {
		return database.ExitLabelTakeProfit
	}
	return ""
}

// Metrics is a read-only view of loop activity
type Metrics struct {
	Active       int   `json:"active"`
	ChecksRun    int64 `json:"checks_run"`
	ExitsClosed  int64 `json:"exits_closed"`
	StaleSkipped int64 `json:"stale_skipped"`
	Running      bool  `json:"running"`
}

// GetMetrics returns loop counters for the status surface
func (t *Tracker) GetMetrics() Metrics {
	return Metrics{
		Active:       t.ActiveCount(),
		ChecksRun:    t.checksRun.Load(),
		ExitsClosed:  t.exitsClosed.Load(),
		StaleSkipped: t.staleSkipped.Load(),
		Running:      t.running.Load(),
	}
}
