package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-advisor/internal/database"
	"perp-advisor/internal/decision"
	"perp-advisor/internal/engine"
	"perp-advisor/internal/events"
	"perp-advisor/internal/gating"
	"perp-advisor/internal/pricing"
	"perp-advisor/internal/slippage"
	"perp-advisor/internal/stats"
	"perp-advisor/internal/tracker"
)

// fakeRepo backs every persistence-facing collaborator in one in-memory store
type fakeRepo struct {
	mu        sync.Mutex
	recs      map[string]*database.Recommendation
	snapshots []*database.MonitoringSnapshot
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{recs: make(map[string]*database.Recommendation)}
}

func (f *fakeRepo) SaveRecommendation(_ context.Context, rec *database.Recommendation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *rec
	f.recs[rec.ID] = &copied
	return nil
}

func (f *fakeRepo) UpdateRecommendation(_ context.Context, rec *database.Recommendation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[rec.ID]; !ok {
		return database.ErrNotFound
	}
	copied := *rec
	f.recs[rec.ID] = &copied
	return nil
}

func (f *fakeRepo) GetRecommendation(_ context.Context, id string) (*database.Recommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeRepo) DeleteRecommendation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[id]; !ok {
		return database.ErrNotFound
	}
	delete(f.recs, id)
	return nil
}

func (f *fakeRepo) ListRecommendations(_ context.Context, _ database.RecommendationFilter) ([]*database.Recommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*database.Recommendation, 0, len(f.recs))
	for _, rec := range f.recs {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepo) ListActiveRecommendations(context.Context) ([]*database.Recommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.Recommendation
	for _, rec := range f.recs {
		if rec.Status == database.StatusActive {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRepo) TrimHistory(context.Context, int) (int64, error) { return 0, nil }
func (f *fakeRepo) HealthCheck(context.Context) error               { return nil }

func (f *fakeRepo) ListGatedSnapshots(_ context.Context, _ database.GatedFilter) ([]*database.MonitoringSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*database.MonitoringSnapshot(nil), f.snapshots...), nil
}

func (f *fakeRepo) CountActive(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.recs {
		if rec.Status == database.StatusActive {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) CountActiveByDirection(_ context.Context, d database.Direction) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.recs {
		if rec.Status == database.StatusActive && rec.Direction == d {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) LatestCreatedAt(_ context.Context, symbol string, d database.Direction) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	found := false
	for _, rec := range f.recs {
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

func (f *fakeRepo) CountCreatedSince(_ context.Context, symbol string, since time.Time, d database.Direction) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.recs {
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

func (f *fakeRepo) FindDuplicateIDs(_ context.Context, symbol string, d database.Direction, strategy string, entry, bps float64, since time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, rec := range f.recs {
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

func (f *fakeRepo) SaveMonitoringSnapshot(_ context.Context, snap *database.MonitoringSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *snap
	f.snapshots = append(f.snapshots, &copied)
	return nil
}

// fakeChainStore implements decision.Store
type fakeChainStore struct {
	mu     sync.Mutex
	chains map[string]*database.DecisionChain
	steps  map[string][]database.DecisionStep
}

func newFakeChainStore() *fakeChainStore {
	return &fakeChainStore{
		chains: make(map[string]*database.DecisionChain),
		steps:  make(map[string][]database.DecisionStep),
	}
}

func (f *fakeChainStore) SaveDecisionChain(_ context.Context, chain *database.DecisionChain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *chain
	f.chains[chain.ChainID] = &copied
	return nil
}

func (f *fakeChainStore) SaveDecisionStep(_ context.Context, step *database.DecisionStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[step.ChainID] = append(f.steps[step.ChainID], *step)
	return nil
}

func (f *fakeChainStore) FinalizeDecisionChain(_ context.Context, chain *database.DecisionChain) error {
	return f.SaveDecisionChain(context.Background(), chain)
}

func (f *fakeChainStore) LinkChainRecommendation(_ context.Context, chainID, recID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chain, ok := f.chains[chainID]; ok {
		chain.RecommendationID = &recID
	}
	return nil
}

func (f *fakeChainStore) LinkChainExecution(_ context.Context, chainID string, execID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chain, ok := f.chains[chainID]; ok {
		chain.ExecutionID = &execID
	}
	return nil
}

func (f *fakeChainStore) GetDecisionChain(_ context.Context, chainID string) (*database.DecisionChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chain, ok := f.chains[chainID]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *chain
	copied.Steps = append([]database.DecisionStep(nil), f.steps[chainID]...)
	return &copied, nil
}

func (f *fakeChainStore) GetChainIDForRecommendation(_ context.Context, recID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, chain := range f.chains {
		if chain.RecommendationID != nil && *chain.RecommendationID == recID {
			return chain.ChainID, nil
		}
	}
	return "", database.ErrNotFound
}

func (f *fakeChainStore) ListDecisionChains(_ context.Context, _ database.ChainFilter) ([]*database.DecisionChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.DecisionChain
	for _, chain := range f.chains {
		copied := *chain
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeChainStore) GetChainStats(context.Context) (*database.ChainStats, error) {
	return &database.ChainStats{}, nil
}

func (f *fakeChainStore) ListSnapshotsForRecommendation(context.Context, string, time.Time, time.Time) ([]*database.MonitoringSnapshot, error) {
	return nil, nil
}

// fakeSlippageStore satisfies slippage.Store with no-ops
type fakeSlippageStore struct{}

func (fakeSlippageStore) SaveSlippageRecord(context.Context, *database.SlippageRecord) error {
	return nil
}
func (fakeSlippageStore) ListSlippageRecords(context.Context, string, time.Time, int) ([]*database.SlippageRecord, error) {
	return nil, nil
}
func (fakeSlippageStore) SaveSlippageStatistics(context.Context, *database.SlippageStatistics) error {
	return nil
}
func (fakeSlippageStore) SaveSlippageThreshold(context.Context, *database.SlippageThreshold) error {
	return nil
}
func (fakeSlippageStore) GetLatestSlippageThreshold(context.Context, string) (*database.SlippageThreshold, bool, error) {
	return nil, false, nil
}
func (fakeSlippageStore) SaveSlippageAlert(context.Context, *database.SlippageAlert) error {
	return nil
}

type stubMarketData struct{ price float64 }

func (s stubMarketData) FetchPrice(context.Context, string) (float64, error) {
	return s.price, nil
}

type noSignals struct{}

func (noSignals) NextCandidate(context.Context) (*gating.Candidate, error) { return nil, nil }

type apiHarness struct {
	server *Server
	repo   *fakeRepo
	track  *tracker.Tracker
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := zerolog.Nop()
	repo := newFakeRepo()
	bus := events.NewEventBus()

	monitor := decision.NewMonitor(newFakeChainStore(), logger)
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

	prices := pricing.NewMonitor(stubMarketData{price: 2000}, pricing.Config{}, logger)
	track := tracker.NewTracker(repo, prices, bus, tracker.Config{TickInterval: time.Hour}, logger)
	calc := stats.NewCalculator(repo, stats.Config{}, logger)
	analyzer := slippage.NewAnalyzer(fakeSlippageStore{}, bus, slippage.Config{}, logger)

	service := engine.NewService(repo, noSignals{}, gate, monitor, track, calc, bus, engine.Config{
		Symbol: "ETHUSDT",
	}, logger)

	server := NewServer(ServerConfig{ProductionMode: true}, repo, service, track, calc,
		monitor, prices, gate, analyzer, nil, bus, logger)

	return &apiHarness{server: server, repo: repo, track: track}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"symbol":            "ETHUSDT",
		"direction":         "LONG",
		"strategy_type":     "momentum",
		"leverage":          3,
		"entry_price":       2000,
		"current_price":     2000,
		"take_profit_price": 2056,
		"stop_loss_price":   1960,
		"confidence":        0.8,
	}
}

func TestCreateRecommendation(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Contains(t, data["id"], "REC-")
	assert.NotEmpty(t, data["decision_chain_id"])
}

func TestCreateRejectedByCooldown(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "COOLDOWN_SAME_DIRECTION", body["error"])
	assert.NotNil(t, body["remainingMs"])
}

func TestCreateInvalidDirection(t *testing.T) {
	h := newAPIHarness(t)

	payload := createBody()
	payload["direction"] = "SIDEWAYS"
	rr := h.do(t, http.MethodPost, "/api/recommendations", payload)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "INVALID_DIRECTION", body["error"])
}

func TestGetRecommendationNotFound(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodGet, "/api/recommendations/REC-missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "RECOMMENDATION_NOT_FOUND", decodeBody(t, rr)["error"])
}

func TestCloseRecommendationLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]interface{})
	id := data["id"].(string)

	rr = h.do(t, http.MethodPost, "/api/recommendations/"+id+"/close",
		map[string]interface{}{"exit_price": 2060, "reason": "manual"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	stored, err := h.repo.GetRecommendation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, database.StatusClosed, stored.Status)

	// A second close conflicts
	rr = h.do(t, http.MethodPost, "/api/recommendations/"+id+"/close", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "ALREADY_CLOSED", decodeBody(t, rr)["error"])
}

func TestListRecommendations(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/recommendations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
}

func TestOverallStatisticsEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodGet, "/api/statistics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeBody(t, rr)["success"])
}

func TestStrategyStatisticsBadPeriod(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodGet, "/api/statistics/strategies?period=fortnight", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_PERIOD", decodeBody(t, rr)["error"])
}

func TestDecisionChainEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	chainID := decodeBody(t, rr)["data"].(map[string]interface{})["decision_chain_id"].(string)

	rr = h.do(t, http.MethodGet, "/api/decision-chains", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])

	rr = h.do(t, http.MethodGet, "/api/decision-chains/"+chainID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/decision-chains/CHAIN-unknown", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "CHAIN_NOT_FOUND", decodeBody(t, rr)["error"])
}

func TestGatedSnapshotsEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/monitoring/gated", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.track.Start(context.Background()))
	defer h.track.Stop()
	h.server.service.Start()
	defer h.server.service.Stop()

	rr := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = h.do(t, http.MethodGet, "/api/health/database", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/health/flux-capacitor", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]interface{})
	assert.Contains(t, data, "engine")
	assert.Contains(t, data, "tracker")
	assert.Contains(t, data, "gating")
}

func TestTrimHistoryEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/maintenance/trim", map[string]interface{}{"keep": 5})
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]interface{})
	assert.Equal(t, float64(5), data["keep"])
}

func TestDeleteRecommendation(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/recommendations", createBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	id := decodeBody(t, rr)["data"].(map[string]interface{})["id"].(string)

	rr = h.do(t, http.MethodDelete, "/api/recommendations/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodDelete, "/api/recommendations/"+id, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}
