package stats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-advisor/internal/database"
)

type memStore struct {
	recs        []*database.Recommendation
	activeCount int
	listCalls   int
}

func (m *memStore) ListRecommendations(_ context.Context, filter database.RecommendationFilter) ([]*database.Recommendation, error) {
	m.listCalls++
	var out []*database.Recommendation
	for _, rec := range m.recs {
		if filter.StrategyType != "" && rec.StrategyType != filter.StrategyType {
			continue
		}
		if filter.StartDate != nil && rec.CreatedAt.Before(*filter.StartDate) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) CountActive(context.Context) (int, error) {
	return m.activeCount, nil
}

func closedRec(id, strategy, result string, pnlPercent, pnlAmount float64, createdAt time.Time) *database.Recommendation {
	closedAt := createdAt.Add(time.Hour)
	return &database.Recommendation{
		ID:           id,
		Symbol:       "ETHUSDT",
		Direction:    database.DirectionLong,
		StrategyType: strategy,
		Status:       database.StatusClosed,
		CreatedAt:    createdAt,
		ClosedAt:     &closedAt,
		Result:       &result,
		PnLPercent:   &pnlPercent,
		PnLAmount:    &pnlAmount,
	}
}

func evRec(id string, ev, pnlPercent float64, result string, variant string) *database.Recommendation {
	rec := closedRec(id, "momentum", result, pnlPercent, pnlPercent*20, time.Now().Add(-2*time.Hour))
	rec.ExpectedValue = &ev
	if variant != "" {
		rec.Variant = &variant
	}
	return rec
}

func newTestCalculator(store *memStore) *Calculator {
	return NewCalculator(store, Config{CacheTTL: time.Minute}, zerolog.Nop())
}

func TestOverallSummary(t *testing.T) {
	now := time.Now()
	store := &memStore{
		activeCount: 2,
		recs: []*database.Recommendation{
			closedRec("r1", "momentum", database.ResultWin, 9.0, 180, now.Add(-3*time.Hour)),
			closedRec("r2", "momentum", database.ResultLoss, -6.75, -135, now.Add(-2*time.Hour)),
			closedRec("r3", "mean_reversion", database.ResultWin, 4.5, 90, now.Add(-time.Hour)),
			closedRec("r4", "momentum", database.ResultBreakEven, 0.05, 1, now.Add(-time.Hour)),
		},
	}
	calc := newTestCalculator(store)

	summary, err := calc.Overall(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Wins)
	assert.Equal(t, 1, summary.Losses)
	assert.Equal(t, 1, summary.BreakEvens)
	// Win rate excludes break-evens from the denominator
	assert.InDelta(t, 2.0/3.0, summary.WinRate, 1e-9)
	assert.InDelta(t, 6.8, summary.TotalPnLPercent, 1e-9)
	assert.InDelta(t, 136, summary.TotalPnLAmount, 1e-9)
	assert.Equal(t, 2, summary.ActiveCount)
}

func TestOverallExcludesActive(t *testing.T) {
	active := closedRec("r1", "momentum", database.ResultWin, 9.0, 180, time.Now())
	active.Status = database.StatusActive
	active.ClosedAt = nil
	active.Result = nil

	store := &memStore{recs: []*database.Recommendation{active}}
	calc := newTestCalculator(store)

	summary, err := calc.Overall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestCacheServesWithinTTLAndInvalidates(t *testing.T) {
	store := &memStore{
		recs: []*database.Recommendation{
			closedRec("r1", "momentum", database.ResultWin, 9.0, 180, time.Now().Add(-time.Hour)),
		},
	}
	calc := newTestCalculator(store)

	_, err := calc.Overall(context.Background())
	require.NoError(t, err)
	_, err = calc.Overall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.listCalls, "second call should hit the cache")

	calc.Invalidate()
	_, err = calc.Overall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.listCalls, "invalidation should force a recompute")
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	store := &memStore{
		recs: []*database.Recommendation{
			closedRec("r1", "momentum", database.ResultWin, 9.0, 180, time.Now().Add(-time.Hour)),
		},
	}
	calc := newTestCalculator(store)

	base := time.Now()
	calc.now = func() time.Time { return base }

	_, err := calc.Overall(context.Background())
	require.NoError(t, err)

	calc.now = func() time.Time { return base.Add(61 * time.Second) }
	_, err = calc.Overall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.listCalls)
}

func TestByStrategyPeriodFilter(t *testing.T) {
	now := time.Now()
	store := &memStore{
		recs: []*database.Recommendation{
			closedRec("old", "momentum", database.ResultLoss, -6.75, -135, now.Add(-48*time.Hour)),
			closedRec("new", "momentum", database.ResultWin, 9.0, 180, now.Add(-2*time.Hour)),
			closedRec("other", "mean_reversion", database.ResultWin, 4.5, 90, now.Add(-time.Hour)),
		},
	}
	calc := newTestCalculator(store)

	daily, err := calc.ByStrategy(context.Background(), "momentum", PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, daily.Summary.Total, "daily window excludes the 48h-old row")
	assert.Equal(t, 1, daily.Summary.Wins)

	allTime, err := calc.ByStrategy(context.Background(), "momentum", PeriodAllTime)
	require.NoError(t, err)
	assert.Equal(t, 2, allTime.Summary.Total)

	_, err = calc.ByStrategy(context.Background(), "momentum", "quarterly")
	assert.Error(t, err)
}

func TestAllStrategiesSortedByPnL(t *testing.T) {
	now := time.Now()
	store := &memStore{
		recs: []*database.Recommendation{
			closedRec("r1", "momentum", database.ResultLoss, -6.75, -135, now.Add(-time.Hour)),
			closedRec("r2", "mean_reversion", database.ResultWin, 4.5, 90, now.Add(-time.Hour)),
		},
	}
	calc := newTestCalculator(store)

	strategies, err := calc.AllStrategies(context.Background(), PeriodAllTime)
	require.NoError(t, err)
	require.Len(t, strategies, 2)
	assert.Equal(t, "mean_reversion", strategies[0].StrategyType)
	assert.Equal(t, "momentum", strategies[1].StrategyType)
}

func TestDistributionQuantileBins(t *testing.T) {
	store := &memStore{recs: []*database.Recommendation{
		evRec("r1", 1.0, -2.0, database.ResultLoss, ""),
		evRec("r2", 2.0, 1.0, database.ResultWin, ""),
		evRec("r3", 3.0, 2.5, database.ResultWin, ""),
		evRec("r4", 4.0, 3.0, database.ResultWin, ""),
	}}
	calc := newTestCalculator(store)

	dist, err := calc.Distribution(context.Background(), 2, BinModeQuantile, false)
	require.NoError(t, err)
	assert.Equal(t, 4, dist.Total)
	require.Len(t, dist.Bins, 2)

	var total int
	for _, bin := range dist.Bins {
		total += bin.Count
	}
	assert.Equal(t, 4, total, "every scored row lands in exactly one bin")

	// Low-EV bucket realises worse than the high-EV bucket
	assert.Less(t, dist.Bins[0].MeanPnLPercent, dist.Bins[1].MeanPnLPercent)
	assert.Equal(t, 1.0, dist.Bins[1].HitRate)
}

func TestDistributionVariantBreakdown(t *testing.T) {
	store := &memStore{recs: []*database.Recommendation{
		evRec("r1", 1.0, 2.0, database.ResultWin, "A"),
		evRec("r2", 2.0, -1.0, database.ResultLoss, "B"),
		evRec("r3", 3.0, 2.5, database.ResultWin, ""),
	}}
	calc := newTestCalculator(store)

	dist, err := calc.Distribution(context.Background(), 2, BinModeEven, true)
	require.NoError(t, err)
	require.NotNil(t, dist.ByVariant)
	assert.Contains(t, dist.ByVariant, "A")
	assert.Contains(t, dist.ByVariant, "B")
	assert.Contains(t, dist.ByVariant, "none")
}

func TestDistributionIgnoresUnscoredRows(t *testing.T) {
	noEV := closedRec("r1", "momentum", database.ResultWin, 9.0, 180, time.Now().Add(-time.Hour))
	store := &memStore{recs: []*database.Recommendation{noEV, evRec("r2", 2.0, 1.0, database.ResultWin, "")}}
	calc := newTestCalculator(store)

	dist, err := calc.Distribution(context.Background(), 3, BinModeQuantile, false)
	require.NoError(t, err)
	assert.Equal(t, 1, dist.Total)
}

func TestMonitoringLevels(t *testing.T) {
	store := &memStore{recs: []*database.Recommendation{
		evRec("r1", 1.5, 1.0, database.ResultWin, ""),
		evRec("r2", 1.8, 2.0, database.ResultWin, ""),
		evRec("r3", 3.2, -1.0, database.ResultLoss, ""),
	}}
	calc := newTestCalculator(store)

	mon, err := calc.Monitoring(context.Background(), EVWindow7d, "level")
	require.NoError(t, err)
	assert.Equal(t, 3, mon.Total)
	require.Len(t, mon.Groups, 2)

	first := mon.Groups[0]
	assert.Equal(t, "1-2", first.Label)
	assert.Equal(t, 2, first.Count)
	assert.InDelta(t, 1.65, first.MeanEV, 1e-9)
	assert.InDelta(t, 1.5, first.MeanPnLPercent, 1e-9)
	assert.InDelta(t, -0.15, first.CalibrationGap, 1e-9)
}

func TestMonitoringThresholds(t *testing.T) {
	store := &memStore{recs: []*database.Recommendation{
		evRec("r1", 0.5, 0.2, database.ResultWin, ""),
		evRec("r2", 2.5, 1.0, database.ResultWin, ""),
		evRec("r3", 6.0, -2.0, database.ResultLoss, ""),
	}}
	calc := newTestCalculator(store)

	mon, err := calc.Monitoring(context.Background(), EVWindow30d, "threshold")
	require.NoError(t, err)
	require.NotEmpty(t, mon.Groups)

	assert.Equal(t, ">=0", mon.Groups[0].Label)
	assert.Equal(t, 3, mon.Groups[0].Count)
	last := mon.Groups[len(mon.Groups)-1]
	assert.Equal(t, ">=5", last.Label)
	assert.Equal(t, 1, last.Count)

	_, err = calc.Monitoring(context.Background(), "90d", "level")
	assert.Error(t, err)
}

func TestRealtimeWindow(t *testing.T) {
	now := time.Now()
	recent := closedRec("r1", "momentum", database.ResultWin, 9.0, 180, now.Add(-10*time.Minute))
	closedAt := now.Add(-5 * time.Minute)
	recent.ClosedAt = &closedAt

	old := closedRec("r2", "momentum", database.ResultLoss, -6.75, -135, now.Add(-3*time.Hour))

	store := &memStore{recs: []*database.Recommendation{recent, old}}
	calc := newTestCalculator(store)

	rt, err := calc.Realtime(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30, rt.WindowMinutes)
	assert.Equal(t, 1, rt.Created)
	assert.Equal(t, 1, rt.Closed)
	assert.Equal(t, 1, rt.Wins)
	assert.InDelta(t, 9.0, rt.NetPnLPercent, 1e-9)
}
