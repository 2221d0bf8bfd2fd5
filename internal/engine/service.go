// Package engine wires the gating, decision-chain, tracker and statistics
// collaborators together and drives the periodic admission loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"perp-advisor/internal/database"
	"perp-advisor/internal/decision"
	"perp-advisor/internal/events"
	"perp-advisor/internal/gating"
	"perp-advisor/internal/stats"
	"perp-advisor/internal/tracker"
)

// ErrShuttingDown is returned for admissions attempted during shutdown
var ErrShuttingDown = errors.New("service is shutting down")

// SignalSource is the external signal collaborator. NextCandidate may return
// (nil, nil) when no signal is available this tick.
type SignalSource interface {
	NextCandidate(ctx context.Context) (*gating.Candidate, error)
}

// Store is the persistence surface the service writes admissions through
type Store interface {
	SaveRecommendation(ctx context.Context, rec *database.Recommendation) error
}

// Config controls the admission loop
type Config struct {
	Symbol       string
	TickInterval time.Duration
	IOTimeout    time.Duration
}

// AdmitOptions tweaks a single admission
type AdmitOptions struct {
	// SuppressHooks skips the onCreate hooks, used by the loop-guard header
	// to stop hook-driven creations from re-triggering themselves.
	SuppressHooks bool
}

// Service is the integration point between signal intake and the tracked
// recommendation lifecycle.
type Service struct {
	store   Store
	signals SignalSource
	gate    *gating.Engine
	chains  *decision.Monitor
	track   *tracker.Tracker
	stats   *stats.Calculator
	bus     *events.EventBus
	cfg     Config
	logger  zerolog.Logger

	hookMu        sync.Mutex
	onCreateHooks []func(*database.Recommendation)

	running      atomic.Bool
	shuttingDown atomic.Bool
	inFlight     atomic.Bool
	stopCh       chan struct{}
	wg           sync.WaitGroup

	ticksRun     atomic.Int64
	ticksSkipped atomic.Int64
	admitted     atomic.Int64
	rejected     atomic.Int64

	now func() time.Time
}

// NewService wires the collaborators together. Statistics invalidation on
// closure is hooked up here so every lifecycle mutation busts the cache.
func NewService(store Store, signals SignalSource, gate *gating.Engine, chains *decision.Monitor,
	track *tracker.Tracker, calc *stats.Calculator, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}

	s := &Service{
		store:   store,
		signals: signals,
		gate:    gate,
		chains:  chains,
		track:   track,
		stats:   calc,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With().Str("component", "AdvisorService").Logger(),
		now:     time.Now,
	}

	if track != nil && calc != nil {
		track.AddCloseHook(func(*database.Recommendation) { calc.Invalidate() })
	}
	return s
}

// AddOnCreateHook registers a callback invoked asynchronously after an
// admission is persisted. Hook failures are the hook's own problem; they are
// never propagated to the caller.
func (s *Service) AddOnCreateHook(fn func(*database.Recommendation)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onCreateHooks = append(s.onCreateHooks, fn)
}

// Start launches the periodic admission loop
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop()

	if s.bus != nil {
		s.bus.Publish(events.EventEngineStarted, map[string]interface{}{"symbol": s.cfg.Symbol})
	}
	s.logger.Info().Dur("interval", s.cfg.TickInterval).Msg("Admission loop started")
}

// Stop begins shutdown: new admissions are rejected, the loop finishes its
// current iteration and exits.
func (s *Service) Stop() {
	s.shuttingDown.Store(true)
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()

	if s.bus != nil {
		s.bus.Publish(events.EventEngineStopped, map[string]interface{}{"symbol": s.cfg.Symbol})
	}
	s.logger.Info().Msg("Admission loop stopped")
}

// Running reports whether the admission loop is active
func (s *Service) Running() bool {
	return s.running.Load()
}

// ShuttingDown reports whether shutdown has begun
func (s *Service) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// At most one tick in flight; overruns are dropped and counted
			if !s.inFlight.CompareAndSwap(false, true) {
				s.ticksSkipped.Add(1)
				continue
			}
			go func() {
				defer s.inFlight.Store(false)
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IOTimeout)
				defer cancel()
				s.runTick(ctx)
			}()
		}
	}
}

func (s *Service) runTick(ctx context.Context) {
	s.ticksRun.Add(1)

	cand, err := s.signals.NextCandidate(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Signal source failed, skipping tick")
		return
	}
	if cand == nil {
		return
	}
	if cand.Symbol == "" {
		cand.Symbol = s.cfg.Symbol
	}

	if _, _, err := s.Admit(ctx, cand, "AUTO", AdmitOptions{}); err != nil {
		s.logger.Error().Err(err).Str("symbol", cand.Symbol).Msg("Admission failed")
	}
}

// Admission is the successful outcome of Admit
type Admission struct {
	Recommendation *database.Recommendation `json:"recommendation"`
	ChainID        string                   `json:"chain_id"`
}

// Admit runs one candidate through the full admission path: decision chain,
// gating, persistence, tracking. Exactly one of the three returns is
// meaningful: a successful admission, a typed gating rejection, or an
// infrastructure error.
func (s *Service) Admit(ctx context.Context, cand *gating.Candidate, source string, opts AdmitOptions) (*Admission, *gating.Rejection, error) {
	if s.shuttingDown.Load() {
		return nil, nil, ErrShuttingDown
	}

	// Gating and persistence for one symbol are serialized
	unlock := s.gate.Locks().Lock(cand.Symbol)
	defer unlock()

	chainID, err := s.chains.StartChain(ctx, cand.Symbol, cand.Direction, source)
	if err != nil {
		return nil, nil, err
	}

	if err := s.chains.AddStep(ctx, chainID, database.StageSignalCollection,
		database.DecisionApproved, "candidate received", map[string]interface{}{
			"strategy_type": cand.StrategyType,
			"confidence":    cand.Confidence,
			"entry_price":   cand.EntryPrice,
		}); err != nil {
		s.logger.Warn().Err(err).Str("chain_id", chainID).Msg("Failed to record signal step")
	}

	rejection, err := s.gate.Evaluate(ctx, chainID, cand, source)
	if err != nil {
		s.finalizeQuietly(ctx, chainID)
		return nil, nil, err
	}
	if rejection != nil {
		s.rejected.Add(1)
		s.finalizeQuietly(ctx, chainID)
		if s.bus != nil {
			s.bus.Publish(events.EventGatingRejected, map[string]interface{}{
				"symbol":    cand.Symbol,
				"direction": string(cand.Direction),
				"code":      rejection.Code,
				"chain_id":  chainID,
			})
		}
		return nil, rejection, nil
	}

	now := s.now()
	rec := &database.Recommendation{
		ID:              database.NewRecommendationID(now),
		Symbol:          cand.Symbol,
		Direction:       cand.Direction,
		StrategyType:    cand.StrategyType,
		Leverage:        cand.Leverage,
		EntryPrice:      cand.EntryPrice,
		CurrentPrice:    cand.CurrentPrice,
		TakeProfitPrice: cand.TakeProfitPrice,
		StopLossPrice:   cand.StopLossPrice,
		Confidence:      cand.Confidence,
		ExpectedValue:   cand.ExpectedValue,
		Status:          database.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExperimentID:    cand.ExperimentID,
		Variant:         cand.Variant,
		ABGroup:         cand.ABGroup,
	}

	if err := s.store.SaveRecommendation(ctx, rec); err != nil {
		s.finalizeQuietly(ctx, chainID)
		return nil, nil, fmt.Errorf("failed to persist admission: %w", err)
	}

	if err := s.chains.AddStep(ctx, chainID, database.StageExecutionDecision,
		database.DecisionApproved, "RECOMMENDATION_CREATED", map[string]interface{}{
			"recommendation_id": rec.ID,
		}); err != nil {
		s.logger.Warn().Err(err).Str("chain_id", chainID).Msg("Failed to record creation step")
	}

	s.track.Track(rec)

	if err := s.chains.LinkRecommendation(ctx, chainID, rec.ID); err != nil {
		s.logger.Warn().Err(err).Str("chain_id", chainID).Msg("Failed to link recommendation to chain")
	}
	s.finalizeQuietly(ctx, chainID)

	s.admitted.Add(1)
	if s.stats != nil {
		s.stats.Invalidate()
	}

	if s.bus != nil {
		s.bus.Publish(events.EventRecommendationCreated, map[string]interface{}{
			"id":        rec.ID,
			"symbol":    rec.Symbol,
			"direction": string(rec.Direction),
			"strategy":  rec.StrategyType,
			"chain_id":  chainID,
		})
	}

	s.logger.Info().
		Str("id", rec.ID).
		Str("symbol", rec.Symbol).
		Str("direction", string(rec.Direction)).
		Str("source", source).
		Msg("Recommendation admitted")

	if !opts.SuppressHooks {
		s.hookMu.Lock()
		hooks := make([]func(*database.Recommendation), len(s.onCreateHooks))
		copy(hooks, s.onCreateHooks)
		s.hookMu.Unlock()
		for _, hook := range hooks {
			go hook(rec)
		}
	}
	return &Admission{Recommendation: rec, ChainID: chainID}, nil, nil
}

func (s *Service) finalizeQuietly(ctx context.Context, chainID string) {
	if _, err := s.chains.Finalize(ctx, chainID); err != nil {
		s.logger.Warn().Err(err).Str("chain_id", chainID).Msg("Failed to finalize decision chain")
	}
}

// Metrics is a read-only view of loop activity
type Metrics struct {
	TicksRun     int64 `json:"ticks_run"`
	TicksSkipped int64 `json:"ticks_skipped"`
	Admitted     int64 `json:"admitted"`
	Rejected     int64 `json:"rejected"`
	Running      bool  `json:"running"`
	ShuttingDown bool  `json:"shutting_down"`
}

// GetMetrics returns loop counters for the status surface
func (s *Service) GetMetrics() Metrics {
	return Metrics{
		TicksRun:     s.ticksRun.Load(),
		TicksSkipped: s.ticksSkipped.Load(),
		Admitted:     s.admitted.Load(),
		Rejected:     s.rejected.Load(),
		Running:      s.running.Load(),
		ShuttingDown: s.shuttingDown.Load(),
	}
}
