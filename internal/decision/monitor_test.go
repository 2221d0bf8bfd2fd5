package decision

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-advisor/internal/database"
)

// memStore keeps chains and steps in memory for monitor tests
type memStore struct {
	chains    map[string]*database.DecisionChain
	steps     map[string][]database.DecisionStep
	snapshots []*database.MonitoringSnapshot
}

func newMemStore() *memStore {
	return &memStore{
		chains: make(map[string]*database.DecisionChain),
		steps:  make(map[string][]database.DecisionStep),
	}
}

func (s *memStore) SaveDecisionChain(_ context.Context, chain *database.DecisionChain) error {
	cp := *chain
	s.chains[chain.ChainID] = &cp
	return nil
}

func (s *memStore) SaveDecisionStep(_ context.Context, step *database.DecisionStep) error {
	for _, existing := range s.steps[step.ChainID] {
		if existing.StepIndex == step.StepIndex {
			return nil // idempotent on (chain_id, step_index)
		}
	}
	s.steps[step.ChainID] = append(s.steps[step.ChainID], *step)
	return nil
}

func (s *memStore) FinalizeDecisionChain(_ context.Context, chain *database.DecisionChain) error {
	stored, ok := s.chains[chain.ChainID]
	if !ok {
		return database.ErrNotFound
	}
	stored.FinalizedAt = chain.FinalizedAt
	stored.FinalDecision = chain.FinalDecision
	stored.DecisionTimeMs = chain.DecisionTimeMs
	stored.RecommendationID = chain.RecommendationID
	stored.ExecutionID = chain.ExecutionID
	return nil
}

func (s *memStore) LinkChainRecommendation(_ context.Context, chainID, recommendationID string) error {
	if chain, ok := s.chains[chainID]; ok {
		chain.RecommendationID = &recommendationID
	}
	return nil
}

func (s *memStore) LinkChainExecution(_ context.Context, chainID string, executionID int64) error {
	if chain, ok := s.chains[chainID]; ok {
		chain.ExecutionID = &executionID
	}
	return nil
}

func (s *memStore) GetDecisionChain(_ context.Context, chainID string) (*database.DecisionChain, error) {
	chain, ok := s.chains[chainID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *chain
	cp.Steps = append([]database.DecisionStep(nil), s.steps[chainID]...)
	return &cp, nil
}

func (s *memStore) GetChainIDForRecommendation(_ context.Context, recID string) (string, error) {
	for _, chain := range s.chains {
		if chain.RecommendationID != nil && *chain.RecommendationID == recID {
			return chain.ChainID, nil
		}
	}
	return "", database.ErrNotFound
}

func (s *memStore) ListDecisionChains(_ context.Context, _ database.ChainFilter) ([]*database.DecisionChain, error) {
	var out []*database.DecisionChain
	for _, chain := range s.chains {
		out = append(out, chain)
	}
	return out, nil
}

func (s *memStore) GetChainStats(_ context.Context) (*database.ChainStats, error) {
	stats := &database.ChainStats{RejectionReasons: make(map[string]int64)}
	for _, chain := range s.chains {
		stats.Total++
		switch chain.FinalDecision {
		case database.DecisionApproved:
			stats.Approved++
		case database.DecisionRejected:
			stats.Rejected++
		default:
			stats.Pending++
		}
	}
	if decided := stats.Approved + stats.Rejected; decided > 0 {
		stats.ApprovalRate = float64(stats.Approved) / float64(decided)
	}
	return stats, nil
}

func (s *memStore) ListSnapshotsForRecommendation(_ context.Context, recommendationID string, start, end time.Time) ([]*database.MonitoringSnapshot, error) {
	var out []*database.MonitoringSnapshot
	for _, snap := range s.snapshots {
		if snap.RecommendationID == recommendationID &&
			!snap.CheckTime.Before(start) && !snap.CheckTime.After(end) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func TestChainApprovedFinalization(t *testing.T) {
	store := newMemStore()
	m := NewMonitor(store, zerolog.Nop())
	ctx := context.Background()

	chainID, err := m.StartChain(ctx, "ETHUSDT", database.DirectionLong, "AUTO")
	require.NoError(t, err)

	require.NoError(t, m.AddStep(ctx, chainID, database.StageSignalCollection, database.DecisionApproved, "signal received", nil))
	require.NoError(t, m.AddStep(ctx, chainID, database.StageGatingCheck, database.DecisionApproved, "all gates passed", nil))
	require.NoError(t, m.AddStep(ctx, chainID, database.StageExecutionDecision, database.DecisionApproved, "admitted", nil))

	chain, err := m.Finalize(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, database.DecisionApproved, chain.FinalDecision)
	assert.NotNil(t, chain.FinalizedAt)
	assert.NotNil(t, chain.DecisionTimeMs)
}

func TestChainGatingRejectionWins(t *testing.T) {
	store := newMemStore()
	m := NewMonitor(store, zerolog.Nop())
	ctx := context.Background()

	chainID, err := m.StartChain(ctx, "ETHUSDT", database.DirectionLong, "AUTO")
	require.NoError(t, err)

	require.NoError(t, m.AddStep(ctx, chainID, database.StageGatingCheck, database.DecisionRejected, "COOLDOWN_SAME_DIRECTION", map[string]interface{}{"remainingMs": 840000}))

	chain, err := m.Finalize(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, database.DecisionRejected, chain.FinalDecision)
}

func TestChainAbandonedFinalizesRejected(t *testing.T) {
	store := newMemStore()
	m := NewMonitor(store, zerolog.Nop())
	ctx := context.Background()

	chainID, err := m.StartChain(ctx, "ETHUSDT", database.DirectionShort, "AUTO")
	require.NoError(t, err)

	require.NoError(t, m.AddStep(ctx, chainID, database.StageSignalCollection, database.DecisionApproved, "signal received", nil))

	chain, err := m.Finalize(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, database.DecisionRejected, chain.FinalDecision)

	last := chain.Steps[len(chain.Steps)-1]
	assert.Equal(t, ReasonAbandoned, last.Reason)
	assert.Equal(t, database.StageExecutionDecision, last.Stage)
}

func TestNoStepsAfterFinalize(t *testing.T) {
	store := newMemStore()
	m := NewMonitor(store, zerolog.Nop())
	ctx := context.Background()

	chainID, err := m.StartChain(ctx, "ETHUSDT", database.DirectionLong, "MANUAL")
	require.NoError(t, err)

	_, err = m.Finalize(ctx, chainID)
	require.NoError(t, err)

	err = m.AddStep(ctx, chainID, database.StageGatingCheck, database.DecisionApproved, "late", nil)
	assert.ErrorIs(t, err, ErrChainFinalized)

	_, err = m.Finalize(ctx, chainID)
	assert.ErrorIs(t, err, ErrChainFinalized)
}

func TestStepTimestampsNonDecreasing(t *testing.T) {
	store := newMemStore()
	m := NewMonitor(store, zerolog.Nop())
	ctx := context.Background()

	chainID, err := m.StartChain(ctx, "ETHUSDT", database.DirectionLong, "AUTO")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.AddStep(ctx, chainID, database.StageGatingCheck, database.DecisionApproved, "check", nil))
	}
	require.NoError(t, m.AddStep(ctx, chainID, database.StageExecutionDecision, database.DecisionApproved, "admitted", nil))

	chain, err := m.Finalize(ctx, chainID)
	require.NoError(t, err)

	for i := 1; i < len(chain.Steps); i++ {
		assert.False(t, chain.Steps[i].Timestamp.Before(chain.Steps[i-1].Timestamp),
			"step %d timestamp decreased", i)
		assert.Equal(t, i, chain.Steps[i].StepIndex)
	}
}

func TestReplayReturnsStepsInOrder(t *testing.T) {
	store := newMemStore()
	m := NewMonitor(store, zerolog.Nop())
	ctx := context.Background()

	chainID, err := m.StartChain(ctx, "ETHUSDT", database.DirectionLong, "AUTO")
	require.NoError(t, err)
	require.NoError(t, m.AddStep(ctx, chainID, database.StageSignalCollection, database.DecisionApproved, "signal received", nil))
	require.NoError(t, m.AddStep(ctx, chainID, database.StageExecutionDecision, database.DecisionApproved, "admitted", nil))
	require.NoError(t, m.LinkRecommendation(ctx, chainID, "REC-1"))
	_, err = m.Finalize(ctx, chainID)
	require.NoError(t, err)

	replay, err := m.Replay(ctx, chainID, false)
	require.NoError(t, err)
	require.Len(t, replay, 2)
	assert.Equal(t, database.StageSignalCollection, replay[0].Step.Stage)
	assert.Equal(t, database.StageExecutionDecision, replay[1].Step.Stage)

	// Replay twice must give the same answer
	again, err := m.Replay(ctx, chainID, false)
	require.NoError(t, err)
	assert.Equal(t, replay, again)
}

func TestGetUnknownChain(t *testing.T) {
	store := newMemStore()
	m := NewMonitor(store, zerolog.Nop())

	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrChainNotFound)
}
