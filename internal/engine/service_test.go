package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-advisor/internal/database"
	"perp-advisor/internal/decision"
	"perp-advisor/internal/events"
	"perp-advisor/internal/gating"
	"perp-advisor/internal/pricing"
	"perp-advisor/internal/stats"
	"perp-advisor/internal/tracker"
)

// memRepo backs the service, tracker and stats calculator in one fake
type memRepo struct {
	mu        sync.Mutex
	recs      map[string]*database.Recommendation
	snapshots []*database.MonitoringSnapshot
	saveErr   error
	listCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{recs: make(map[string]*database.Recommendation)}
}

func (m *memRepo) SaveRecommendation(_ context.Context, rec *database.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	copied := *rec
	m.recs[rec.ID] = &copied
	return nil
}

func (m *memRepo) UpdateRecommendation(_ context.Context, rec *database.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ID]; !ok {
		return database.ErrNotFound
	}
	copied := *rec
	m.recs[rec.ID] = &copied
	return nil
}

func (m *memRepo) GetRecommendation(_ context.Context, id string) (*database.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *memRepo) ListActiveRecommendations(context.Context) ([]*database.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.Recommendation
	for _, rec := range m.recs {
		if rec.Status == database.StatusActive {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memRepo) ListRecommendations(_ context.Context, _ database.RecommendationFilter) ([]*database.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []*database.Recommendation
	for _, rec := range m.recs {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memRepo) CountActive(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.recs {
		if rec.Status == database.StatusActive {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) CountActiveByDirection(_ context.Context, d database.Direction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.recs {
		if rec.Status == database.StatusActive && rec.Direction == d {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) LatestCreatedAt(_ context.Context, symbol string, d database.Direction) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	found := false
	for _, rec := range m.recs {
		if rec.Symbol != symbol {
			continue
		}
		if d != "" && rec.Direction != d {
			continue
		}
		if rec.CreatedAt.After(latest) {
			latest = rec.CreatedAt
			found = true
		}
	}
	return latest, found, nil
}

func (m *memRepo) CountCreatedSince(_ context.Context, symbol string, since time.Time, d database.Direction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.recs {
		if rec.Symbol != symbol || rec.CreatedAt.Before(since) {
			continue
		}
		if d != "" && rec.Direction != d {
			continue
		}
		n++
	}
	return n, nil
}

func (m *memRepo) FindDuplicateIDs(_ context.Context, symbol string, d database.Direction, strategy string, entry, bps float64, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, rec := range m.recs {
		if rec.Symbol != symbol || rec.Direction != d || rec.StrategyType != strategy {
			continue
		}
		if rec.Status != database.StatusActive && rec.CreatedAt.Before(since) {
			continue
		}
		diff := rec.EntryPrice - entry
		if diff < 0 {
			diff = -diff
		}
		if diff/entry*10000 <= bps {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (m *memRepo) SaveMonitoringSnapshot(_ context.Context, snap *database.MonitoringSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *snap
	m.snapshots = append(m.snapshots, &copied)
	return nil
}

// memChainStore implements decision.Store
type memChainStore struct {
	mu     sync.Mutex
	chains map[string]*database.DecisionChain
	steps  map[string][]database.DecisionStep
}

func newMemChainStore() *memChainStore {
	return &memChainStore{
		chains: make(map[string]*database.DecisionChain),
		steps:  make(map[string][]database.DecisionStep),
	}
}

func (m *memChainStore) SaveDecisionChain(_ context.Context, chain *database.DecisionChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *chain
	m.chains[chain.ChainID] = &copied
	return nil
}

func (m *memChainStore) SaveDecisionStep(_ context.Context, step *database.DecisionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[step.ChainID] = append(m.steps[step.ChainID], *step)
	return nil
}

func (m *memChainStore) FinalizeDecisionChain(_ context.Context, chain *database.DecisionChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *chain
	m.chains[chain.ChainID] = &copied
	return nil
}

func (m *memChainStore) LinkChainRecommendation(_ context.Context, chainID, recID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain, ok := m.chains[chainID]; ok {
		chain.RecommendationID = &recID
	}
	return nil
}

func (m *memChainStore) LinkChainExecution(_ context.Context, chainID string, execID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain, ok := m.chains[chainID]; ok {
		chain.ExecutionID = &execID
	}
	return nil
}

func (m *memChainStore) GetDecisionChain(_ context.Context, chainID string) (*database.DecisionChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[chainID]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *chain
	copied.Steps = append([]database.DecisionStep(nil), m.steps[chainID]...)
	return &copied, nil
}

func (m *memChainStore) GetChainIDForRecommendation(_ context.Context, recID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chain := range m.chains {
		if chain.RecommendationID != nil && *chain.RecommendationID == recID {
			return chain.ChainID, nil
		}
	}
	return "", database.ErrNotFound
}

func (m *memChainStore) ListDecisionChains(_ context.Context, _ database.ChainFilter) ([]*database.DecisionChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.DecisionChain
	for _, chain := range m.chains {
		copied := *chain
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memChainStore) GetChainStats(context.Context) (*database.ChainStats, error) {
	return &database.ChainStats{}, nil
}

func (m *memChainStore) ListSnapshotsForRecommendation(context.Context, string, time.Time, time.Time) ([]*database.MonitoringSnapshot, error) {
	return nil, nil
}

type stubPrices struct{ price float64 }

func (p stubPrices) GetLatest(_ context.Context, symbol string) (pricing.Quote, error) {
	return pricing.Quote{Symbol: symbol, Price: p.price, FetchedAt: time.Now()}, nil
}

type stubSignals struct {
	mu   sync.Mutex
	next *gating.Candidate
}

func (s *stubSignals) NextCandidate(context.Context) (*gating.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cand := s.next
	s.next = nil
	return cand, nil
}

type harness struct {
	service *Service
	repo    *memRepo
	chains  *memChainStore
	monitor *decision.Monitor
	tracker *tracker.Tracker
}

func newHarness() *harness {
	repo := newMemRepo()
	chainStore := newMemChainStore()
	logger := zerolog.Nop()

	monitor := decision.NewMonitor(chainStore, logger)
	gate := gating.NewEngine(repo, monitor, gating.NewCounters(), gating.NewSymbolLocks(), gating.Config{
		CooldownSameDirection: 15 * time.Minute,
		CooldownOpposite:      5 * time.Minute,
		CooldownGlobal:        30 * time.Second,
		HourlyCapTotal:        6,
		HourlyCapPerDirection: 4,
		DuplicateWindow:       30 * time.Minute,
		DuplicateBpsThreshold: 10,
		OppositeMinConfidence: 0.70,
		MaxActiveTotal:        3,
		MaxActivePerDirection: 2,
	}, logger)
	track := tracker.NewTracker(repo, stubPrices{price: 2000}, events.NewEventBus(), tracker.Config{
		TickInterval: time.Hour,
	}, logger)
	calc := stats.NewCalculator(repo, stats.Config{}, logger)

	service := NewService(repo, &stubSignals{}, gate, monitor, track, calc, events.NewEventBus(), Config{
		Symbol:       "ETHUSDT",
		TickInterval: 10 * time.Millisecond,
	}, logger)

	return &harness{service: service, repo: repo, chains: chainStore, monitor: monitor, tracker: track}
}

func candidate() *gating.Candidate {
	return &gating.Candidate{
		Symbol:          "ETHUSDT",
		Direction:       database.DirectionLong,
		StrategyType:    "momentum",
		Leverage:        3,
		EntryPrice:      2000,
		CurrentPrice:    2000,
		TakeProfitPrice: 2056,
		StopLossPrice:   1960,
		Confidence:      0.8,
	}
}

func TestAdmitHappyPath(t *testing.T) {
	h := newHarness()

	adm, rejection, err := h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{})
	require.NoError(t, err)
	require.Nil(t, rejection)
	require.NotNil(t, adm)
	rec := adm.Recommendation

	assert.Equal(t, database.StatusActive, rec.Status)
	assert.Contains(t, rec.ID, "REC-")
	assert.NotEmpty(t, adm.ChainID)

	stored, err := h.repo.GetRecommendation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusActive, stored.Status)

	assert.Equal(t, 1, h.tracker.ActiveCount())

	// Exactly one chain, finalized APPROVED and linked to the recommendation
	chains, err := h.chains.ListDecisionChains(context.Background(), database.ChainFilter{})
	require.NoError(t, err)
	require.Len(t, chains, 1)
	chain := chains[0]
	assert.Equal(t, database.DecisionApproved, chain.FinalDecision)
	require.NotNil(t, chain.RecommendationID)
	assert.Equal(t, rec.ID, *chain.RecommendationID)
	assert.NotNil(t, chain.FinalizedAt)

	// Steps: signal collection, six gating approvals, execution decision
	full, err := h.chains.GetDecisionChain(context.Background(), chain.ChainID)
	require.NoError(t, err)
	require.Len(t, full.Steps, 8)
	assert.Equal(t, database.StageSignalCollection, full.Steps[0].Stage)
	assert.Equal(t, database.StageExecutionDecision, full.Steps[7].Stage)

	m := h.service.GetMetrics()
	assert.Equal(t, int64(1), m.Admitted)
}

func TestAdmitGatingRejection(t *testing.T) {
	h := newHarness()

	_, _, err := h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{})
	require.NoError(t, err)

	// Same candidate again: duplicate entry within the bps window
	adm, rejection, err := h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{})
	require.NoError(t, err)
	assert.Nil(t, adm)
	require.NotNil(t, rejection)
	assert.Equal(t, gating.CodeCooldownSameDirection, rejection.Code)

	// Only the first admission persisted
	assert.Len(t, h.repo.recs, 1)
	assert.Equal(t, 1, h.tracker.ActiveCount())

	chains, err := h.chains.ListDecisionChains(context.Background(), database.ChainFilter{})
	require.NoError(t, err)
	require.Len(t, chains, 2)

	rejectedChains := 0
	for _, chain := range chains {
		if chain.FinalDecision == database.DecisionRejected {
			rejectedChains++
			assert.Nil(t, chain.RecommendationID)
		}
	}
	assert.Equal(t, 1, rejectedChains)

	// Rejection left a GATED snapshot behind
	require.Len(t, h.repo.snapshots, 1)
	assert.True(t, database.IsGatedSnapshot(h.repo.snapshots[0].RecommendationID))
}

func TestAdmitBypassCooldownStillChecksDuplicates(t *testing.T) {
	h := newHarness()

	_, _, err := h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{})
	require.NoError(t, err)

	cand := candidate()
	cand.BypassCooldown = true
	_, rejection, err := h.service.Admit(context.Background(), cand, "MANUAL", AdmitOptions{})
	require.NoError(t, err)
	require.NotNil(t, rejection)
	assert.Equal(t, gating.CodeDuplicate, rejection.Code)
}

func TestAdmitDuringShutdown(t *testing.T) {
	h := newHarness()
	h.service.Stop()

	_, _, err := h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestAdmitPersistFailureFinalizesChain(t *testing.T) {
	h := newHarness()
	h.repo.saveErr = context.DeadlineExceeded

	adm, rejection, err := h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{})
	require.Error(t, err)
	assert.Nil(t, adm)
	assert.Nil(t, rejection)
	assert.Equal(t, 0, h.tracker.ActiveCount())

	chains, err := h.chains.ListDecisionChains(context.Background(), database.ChainFilter{})
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, database.DecisionRejected, chains[0].FinalDecision)
	assert.NotNil(t, chains[0].FinalizedAt)
}

func TestOnCreateHooks(t *testing.T) {
	h := newHarness()

	done := make(chan *database.Recommendation, 1)
	h.service.AddOnCreateHook(func(rec *database.Recommendation) { done <- rec })

	adm, _, err := h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, adm.Recommendation.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected onCreate hook to run")
	}
}

func TestSuppressHooks(t *testing.T) {
	h := newHarness()

	done := make(chan *database.Recommendation, 1)
	h.service.AddOnCreateHook(func(rec *database.Recommendation) { done <- rec })

	_, _, err := h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{SuppressHooks: true})
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatal("hook should have been suppressed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStatsInvalidatedOnAdmission(t *testing.T) {
	h := newHarness()
	calc := stats.NewCalculator(h.repo, stats.Config{}, zerolog.Nop())
	h.service.stats = calc

	_, err := calc.Overall(context.Background())
	require.NoError(t, err)
	before := h.repo.listCalls

	_, _, err = h.service.Admit(context.Background(), candidate(), "MANUAL", AdmitOptions{})
	require.NoError(t, err)

	_, err = calc.Overall(context.Background())
	require.NoError(t, err)
	assert.Greater(t, h.repo.listCalls, before, "admission should invalidate the stats cache")
}

func TestLoopAdmitsFromSignalSource(t *testing.T) {
	h := newHarness()
	signals := &stubSignals{next: candidate()}
	h.service.signals = signals

	h.service.Start()
	defer h.service.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if h.tracker.ActiveCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected the loop to admit the queued candidate")
		case <-time.After(10 * time.Millisecond):
		}
	}

	chains, err := h.chains.ListDecisionChains(context.Background(), database.ChainFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, chains)
	for _, chain := range chains {
		assert.Equal(t, "AUTO", chain.Source)
	}
}
