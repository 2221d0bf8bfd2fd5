// Package decision records every admission attempt as an ordered, queryable
// audit trail of decision chains and steps.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perp-advisor/internal/database"
)

// Errors for chain operations
var (
	ErrChainNotFound  = errors.New("decision chain not found")
	ErrChainFinalized = errors.New("decision chain already finalized")
)

// ReasonAbandoned is recorded when a chain finalizes without any execution
// decision or rejection.
const ReasonAbandoned = "ABANDONED"

// ReasonExited prefixes the execution step recorded when a linked
// recommendation closes; the exit label is appended when known.
const ReasonExited = "EXITED"

// Store is the persistence surface the monitor needs
type Store interface {
	SaveDecisionChain(ctx context.Context, chain *database.DecisionChain) error
	SaveDecisionStep(ctx context.Context, step *database.DecisionStep) error
	FinalizeDecisionChain(ctx context.Context, chain *database.DecisionChain) error
	LinkChainRecommendation(ctx context.Context, chainID, recommendationID string) error
	LinkChainExecution(ctx context.Context, chainID string, executionID int64) error
	GetDecisionChain(ctx context.Context, chainID string) (*database.DecisionChain, error)
	GetChainIDForRecommendation(ctx context.Context, recommendationID string) (string, error)
	ListDecisionChains(ctx context.Context, f database.ChainFilter) ([]*database.DecisionChain, error)
	GetChainStats(ctx context.Context) (*database.ChainStats, error)
	ListSnapshotsForRecommendation(ctx context.Context, recommendationID string, start, end time.Time) ([]*database.MonitoringSnapshot, error)
}

// Monitor owns the open-chain state; persistence is the source of truth for
// closed chains.
type Monitor struct {
	store  Store
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]*database.DecisionChain

	started   atomic.Int64
	finalized atomic.Int64
	approved  atomic.Int64
	rejected  atomic.Int64

	now func() time.Time
}

// NewMonitor creates a decision-chain monitor
func NewMonitor(store Store, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:  store,
		logger: logger.With().Str("component", "DecisionMonitor").Logger(),
		open:   make(map[string]*database.DecisionChain),
		now:    time.Now,
	}
}

// StartChain opens a new chain with final_decision PENDING
func (m *Monitor) StartChain(ctx context.Context, symbol string, direction database.Direction, source string) (string, error) {
	chain := &database.DecisionChain{
		ChainID:       uuid.NewString(),
		Symbol:        symbol,
		Direction:     direction,
		Source:        source,
		StartedAt:     m.now(),
		FinalDecision: database.DecisionPending,
	}

	if err := m.store.SaveDecisionChain(ctx, chain); err != nil {
		return "", fmt.Errorf("failed to start decision chain: %w", err)
	}

	m.mu.Lock()
	m.open[chain.ChainID] = chain
	m.mu.Unlock()
	m.started.Add(1)

	m.logger.Debug().
		Str("chain_id", chain.ChainID).
		Str("symbol", symbol).
		Str("direction", string(direction)).
		Str("source", source).
		Msg("Decision chain started")

	return chain.ChainID, nil
}

// AddStep appends a step to an open chain in arrival order
func (m *Monitor) AddStep(ctx context.Context, chainID, stage, decision, reason string, details map[string]interface{}) error {
	m.mu.Lock()
	chain, ok := m.open[chainID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("chain %s: %w", chainID, ErrChainFinalized)
	}
	step := database.DecisionStep{
		ChainID:   chainID,
		StepIndex: len(chain.Steps),
		Stage:     stage,
		Decision:  decision,
		Reason:    reason,
		Details:   details,
		Timestamp: m.now(),
	}
	chain.Steps = append(chain.Steps, step)
	m.mu.Unlock()

	if err := m.store.SaveDecisionStep(ctx, &step); err != nil {
		return fmt.Errorf("failed to persist decision step: %w", err)
	}
	return nil
}

// RecordExitOutcome appends an execution step describing how a recommendation
// left the market to its linked chain. Exits land after finalization, so the
// step index is derived from the persisted steps when the chain is no longer
// open. Returns the chain id so the caller can link the realised fill.
func (m *Monitor) RecordExitOutcome(ctx context.Context, recommendationID, exitLabel string) (string, error) {
	chainID, err := m.store.GetChainIDForRecommendation(ctx, recommendationID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return "", fmt.Errorf("recommendation %s: %w", recommendationID, ErrChainNotFound)
		}
		return "", err
	}

	reason := ReasonExited
	if exitLabel != "" {
		reason = ReasonExited + ":" + exitLabel
	}
	details := map[string]interface{}{
		"recommendation_id": recommendationID,
	}
	if exitLabel != "" {
		details["exit_label"] = exitLabel
	}

	// Still-open chains take the ordered in-memory path
	if err := m.AddStep(ctx, chainID, database.StageExecutionDecision, database.DecisionApproved, reason, details); err == nil {
		return chainID, nil
	}

	chain, err := m.store.GetDecisionChain(ctx, chainID)
	if err != nil {
		return "", fmt.Errorf("failed to load chain %s for exit step: %w", chainID, err)
	}
	step := database.DecisionStep{
		ChainID:   chainID,
		StepIndex: len(chain.Steps),
		Stage:     database.StageExecutionDecision,
		Decision:  database.DecisionApproved,
		Reason:    reason,
		Details:   details,
		Timestamp: m.now(),
	}
	if err := m.store.SaveDecisionStep(ctx, &step); err != nil {
		return "", fmt.Errorf("failed to persist exit step: %w", err)
	}

	m.logger.Debug().
		Str("chain_id", chainID).
		Str("recommendation_id", recommendationID).
		Str("reason", reason).
		Msg("Exit outcome recorded on chain")
	return chainID, nil
}

// LinkRecommendation stores the recommendation foreign key on the chain
func (m *Monitor) LinkRecommendation(ctx context.Context, chainID, recommendationID string) error {
	m.mu.Lock()
	if chain, ok := m.open[chainID]; ok {
		chain.RecommendationID = &recommendationID
	}
	m.mu.Unlock()
	return m.store.LinkChainRecommendation(ctx, chainID, recommendationID)
}

// LinkExecution stores the execution foreign key on the chain
func (m *Monitor) LinkExecution(ctx context.Context, chainID string, executionID int64) error {
	m.mu.Lock()
	if chain, ok := m.open[chainID]; ok {
		chain.ExecutionID = &executionID
	}
	m.mu.Unlock()
	return m.store.LinkChainExecution(ctx, chainID, executionID)
}

// Finalize closes the chain exactly once, deriving the final decision from
// its steps: REJECTED if any gating check rejected, otherwise the decision of
// the last execution-decision step. A chain with neither finalizes as
// REJECTED with reason ABANDONED.
func (m *Monitor) Finalize(ctx context.Context, chainID string) (*database.DecisionChain, error) {
	m.mu.Lock()
	chain, ok := m.open[chainID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("chain %s: %w", chainID, ErrChainFinalized)
	}
	delete(m.open, chainID)

	final, abandoned := deriveFinalDecision(chain.Steps)
	var abandonedStep database.DecisionStep
	if abandoned {
		abandonedStep = database.DecisionStep{
			ChainID:   chainID,
			StepIndex: len(chain.Steps),
			Stage:     database.StageExecutionDecision,
			Decision:  database.DecisionRejected,
			Reason:    ReasonAbandoned,
			Timestamp: m.now(),
		}
		chain.Steps = append(chain.Steps, abandonedStep)
	}

	now := m.now()
	elapsed := now.Sub(chain.StartedAt).Milliseconds()
	chain.FinalizedAt = &now
	chain.FinalDecision = final
	chain.DecisionTimeMs = &elapsed
	m.mu.Unlock()

	if abandoned {
		if err := m.store.SaveDecisionStep(ctx, &abandonedStep); err != nil {
			return nil, fmt.Errorf("failed to persist abandonment step: %w", err)
		}
	}
	if err := m.store.FinalizeDecisionChain(ctx, chain); err != nil {
		return nil, fmt.Errorf("failed to finalize chain %s: %w", chainID, err)
	}

	m.finalized.Add(1)
	switch final {
	case database.DecisionApproved:
		m.approved.Add(1)
	case database.DecisionRejected:
		m.rejected.Add(1)
	}

	m.logger.Info().
		Str("chain_id", chainID).
		Str("final_decision", final).
		Int64("decision_time_ms", elapsed).
		Msg("Decision chain finalized")

	return chain, nil
}

func deriveFinalDecision(steps []database.DecisionStep) (decision string, abandoned bool) {
	var lastExecution string
	for _, s := range steps {
		if s.Stage == database.StageGatingCheck && s.Decision == database.DecisionRejected {
			return database.DecisionRejected, false
		}
		if s.Stage == database.StageExecutionDecision {
			lastExecution = s.Decision
		}
	}
	if lastExecution == "" {
		return database.DecisionRejected, true
	}
	return lastExecution, false
}

// Get returns a chain with its steps; open chains are served from memory
func (m *Monitor) Get(ctx context.Context, chainID string) (*database.DecisionChain, error) {
	m.mu.Lock()
	if chain, ok := m.open[chainID]; ok {
		cp := *chain
		cp.Steps = append([]database.DecisionStep(nil), chain.Steps...)
		m.mu.Unlock()
		return &cp, nil
	}
	m.mu.Unlock()

	chain, err := m.store.GetDecisionChain(ctx, chainID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("chain %s: %w", chainID, ErrChainNotFound)
		}
		return nil, err
	}
	return chain, nil
}

// List delegates to persistence with the given filter
func (m *Monitor) List(ctx context.Context, f database.ChainFilter) ([]*database.DecisionChain, error) {
	return m.store.ListDecisionChains(ctx, f)
}

// ReplayStep is one replayed step with optional reconstructed market context
type ReplayStep struct {
	Step    database.DecisionStep          `json:"step"`
	Context []*database.MonitoringSnapshot `json:"market_context,omitempty"`
}

// Replay returns a chain's steps in order, optionally reconstructing the
// market context from monitoring snapshots. Pure function of stored data.
func (m *Monitor) Replay(ctx context.Context, chainID string, withMarketContext bool) ([]ReplayStep, error) {
	chain, err := m.Get(ctx, chainID)
	if err != nil {
		return nil, err
	}

	var snaps []*database.MonitoringSnapshot
	if withMarketContext && chain.RecommendationID != nil {
		end := m.now()
		if chain.FinalizedAt != nil {
			end = *chain.FinalizedAt
		}
		snaps, err = m.store.ListSnapshotsForRecommendation(ctx, *chain.RecommendationID, chain.StartedAt, end)
		if err != nil {
			return nil, fmt.Errorf("failed to reconstruct market context: %w", err)
		}
	}

	replay := make([]ReplayStep, 0, len(chain.Steps))
	for i, step := range chain.Steps {
		rs := ReplayStep{Step: step}
		if withMarketContext {
			var until time.Time
			if i+1 < len(chain.Steps) {
				until = chain.Steps[i+1].Timestamp
			} else if chain.FinalizedAt != nil {
				until = *chain.FinalizedAt
			} else {
				until = m.now()
			}
			for _, snap := range snaps {
				if !snap.CheckTime.Before(step.Timestamp) && snap.CheckTime.Before(until) {
					rs.Context = append(rs.Context, snap)
				}
			}
		}
		replay = append(replay, rs)
	}
	return replay, nil
}

// Metrics combines persisted aggregates with live process counters
type Metrics struct {
	*database.ChainStats
	OpenChains       int   `json:"open_chains"`
	StartedSinceBoot int64 `json:"started_since_boot"`
}

// GetMetrics returns totals, approval rate, rejection histogram and decision
// timing, plus the in-process open-chain count.
func (m *Monitor) GetMetrics(ctx context.Context) (*Metrics, error) {
	stats, err := m.store.GetChainStats(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	open := len(m.open)
	m.mu.Unlock()
	return &Metrics{
		ChainStats:       stats,
		OpenChains:       open,
		StartedSinceBoot: m.started.Load(),
	}, nil
}
