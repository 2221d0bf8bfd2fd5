package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"perp-advisor/internal/database"
)

// Bin modes for the EV-vs-PnL distribution
const (
	BinModeQuantile = "quantile"
	BinModeEven     = "even"
)

// EV monitoring windows
const (
	EVWindow1d  = "1d"
	EVWindow7d  = "7d"
	EVWindow30d = "30d"
)

// EVBin is one bucket of the EV-vs-PnL distribution
type EVBin struct {
	Index          int     `json:"index"`
	MinEV          float64 `json:"min_ev"`
	MaxEV          float64 `json:"max_ev"`
	Count          int     `json:"count"`
	MeanEV         float64 `json:"mean_ev"`
	MeanPnLPercent float64 `json:"mean_pnl_percent"`
	HitRate        float64 `json:"hit_rate"`
}

// EVDistribution compares predicted EV with realised pnl per bucket
type EVDistribution struct {
	BinMode   string             `json:"bin_mode"`
	Bins      []EVBin            `json:"bins"`
	Total     int                `json:"total"`
	ByVariant map[string][]EVBin `json:"by_variant,omitempty"`
}

// EVGroup is one row of the EV monitoring output
type EVGroup struct {
	Label          string  `json:"label"`
	Count          int     `json:"count"`
	MeanEV         float64 `json:"mean_ev"`
	MeanPnLPercent float64 `json:"mean_pnl_percent"`
	WinRate        float64 `json:"win_rate"`
	CalibrationGap float64 `json:"calibration_gap"`
}

// EVMonitoring is a rolling-window calibration report
type EVMonitoring struct {
	Window  string    `json:"window"`
	GroupBy string    `json:"group_by"`
	Groups  []EVGroup `json:"groups"`
	Total   int       `json:"total"`
}

// Distribution bins closed recommendations that carry a predicted EV and
// compares each bucket's prediction with its realised pnl. Quantile mode
// gives equal-count buckets, even mode equal-width EV ranges.
func (c *Calculator) Distribution(ctx context.Context, bins int, mode string, abBreakdown bool) (*EVDistribution, error) {
	if bins <= 0 {
		bins = 5
	}
	if mode != BinModeEven {
		mode = BinModeQuantile
	}

	key := fmt.Sprintf("evdist|%d|%s|%t", bins, mode, abBreakdown)
	if v, ok := c.cached(key); ok {
		return v.(*EVDistribution), nil
	}

	closed, err := c.closedSince(ctx, "", time.Time{})
	if err != nil {
		return nil, err
	}

	scored := withEV(closed)
	out := &EVDistribution{BinMode: mode, Total: len(scored)}
	if len(scored) == 0 {
		out.Bins = []EVBin{}
		c.put(key, out)
		return out, nil
	}

	edges := binEdges(scored, bins, mode)
	out.Bins = fillBins(scored, edges)

	if abBreakdown {
		out.ByVariant = make(map[string][]EVBin)
		byVariant := make(map[string][]*database.Recommendation)
		for _, rec := range scored {
			byVariant[variantKey(rec)] = append(byVariant[variantKey(rec)], rec)
		}
		for variant, recs := range byVariant {
			out.ByVariant[variant] = fillBins(recs, edges)
		}
	}

	c.put(key, out)
	return out, nil
}

// Monitoring reports EV calibration over a rolling window, grouped either by
// EV level buckets or by cumulative EV thresholds.
func (c *Calculator) Monitoring(ctx context.Context, window, groupBy string) (*EVMonitoring, error) {
	span, err := evWindow(window)
	if err != nil {
		return nil, err
	}
	if groupBy != "threshold" {
		groupBy = "level"
	}

	key := fmt.Sprintf("evmon|%s|%s", window, groupBy)
	if v, ok := c.cached(key); ok {
		return v.(*EVMonitoring), nil
	}

	closed, err := c.closedSince(ctx, "", c.now().Add(-span))
	if err != nil {
		return nil, err
	}
	scored := withEV(closed)

	out := &EVMonitoring{Window: window, GroupBy: groupBy, Total: len(scored)}
	if groupBy == "threshold" {
		out.Groups = thresholdGroups(scored)
	} else {
		out.Groups = levelGroups(scored)
	}

	c.put(key, out)
	return out, nil
}

// withEV keeps only rows usable for calibration
func withEV(recs []*database.Recommendation) []*database.Recommendation {
	out := make([]*database.Recommendation, 0, len(recs))
	for _, rec := range recs {
		if rec.ExpectedValue != nil && rec.PnLPercent != nil {
			out = append(out, rec)
		}
	}
	return out
}

func variantKey(rec *database.Recommendation) string {
	if rec.Variant != nil && *rec.Variant != "" {
		return *rec.Variant
	}
	if rec.ABGroup != nil && *rec.ABGroup != "" {
		return *rec.ABGroup
	}
	return "none"
}

// binEdges returns bins+1 boundaries over the EV values
func binEdges(recs []*database.Recommendation, bins int, mode string) []float64 {
	evs := make([]float64, len(recs))
	for i, rec := range recs {
		evs[i] = *rec.ExpectedValue
	}
	sort.Float64s(evs)

	lo, hi := evs[0], evs[len(evs)-1]
	edges := make([]float64, bins+1)
	edges[0] = lo
	edges[bins] = hi

	for i := 1; i < bins; i++ {
		if mode == BinModeEven {
			edges[i] = lo + (hi-lo)*float64(i)/float64(bins)
		} else {
			rank := float64(i) / float64(bins) * float64(len(evs)-1)
			edges[i] = evs[int(math.Round(rank))]
		}
	}
	return edges
}

func fillBins(recs []*database.Recommendation, edges []float64) []EVBin {
	bins := make([]EVBin, len(edges)-1)
	for i := range bins {
		bins[i] = EVBin{Index: i, MinEV: edges[i], MaxEV: edges[i+1]}
	}

	sums := make([]struct {
		ev, pnl float64
		wins    int
		decided int
	}, len(bins))

	for _, rec := range recs {
		idx := bucketIndex(*rec.ExpectedValue, edges)
		bins[idx].Count++
		sums[idx].ev += *rec.ExpectedValue
		sums[idx].pnl += *rec.PnLPercent
		if rec.Result != nil {
			switch *rec.Result {
			case database.ResultWin:
				sums[idx].wins++
				sums[idx].decided++
			case database.ResultLoss:
				sums[idx].decided++
			}
		}
	}

	for i := range bins {
		if bins[i].Count == 0 {
			continue
		}
		bins[i].MeanEV = sums[i].ev / float64(bins[i].Count)
		bins[i].MeanPnLPercent = sums[i].pnl / float64(bins[i].Count)
		if sums[i].decided > 0 {
			bins[i].HitRate = float64(sums[i].wins) / float64(sums[i].decided)
		}
	}
	return bins
}

// bucketIndex places a value into its half-open bucket; the last bucket is
// closed so the maximum lands inside it.
func bucketIndex(v float64, edges []float64) int {
	for i := 1; i < len(edges)-1; i++ {
		if v < edges[i] {
			return i - 1
		}
	}
	return len(edges) - 2
}

// levelGroups buckets EV into one-point-wide levels
func levelGroups(recs []*database.Recommendation) []EVGroup {
	type acc struct {
		count, wins, decided int
		ev, pnl              float64
	}
	byLevel := make(map[string]*acc)

	for _, rec := range recs {
		label := levelLabel(*rec.ExpectedValue)
		a := byLevel[label]
		if a == nil {
			a = &acc{}
			byLevel[label] = a
		}
		a.count++
		a.ev += *rec.ExpectedValue
		a.pnl += *rec.PnLPercent
		if rec.Result != nil {
			switch *rec.Result {
			case database.ResultWin:
				a.wins++
				a.decided++
			case database.ResultLoss:
				a.decided++
			}
		}
	}

	labels := make([]string, 0, len(byLevel))
	for label := range byLevel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	out := make([]EVGroup, 0, len(labels))
	for _, label := range labels {
		a := byLevel[label]
		g := EVGroup{
			Label:          label,
			Count:          a.count,
			MeanEV:         a.ev / float64(a.count),
			MeanPnLPercent: a.pnl / float64(a.count),
		}
		if a.decided > 0 {
			g.WinRate = float64(a.wins) / float64(a.decided)
		}
		g.CalibrationGap = g.MeanPnLPercent - g.MeanEV
		out = append(out, g)
	}
	return out
}

func levelLabel(ev float64) string {
	if ev < 0 {
		return "<0"
	}
	lo := math.Floor(ev)
	return fmt.Sprintf("%.0f-%.0f", lo, lo+1)
}

var evThresholds = []float64{0, 1, 2, 3, 5}

// thresholdGroups reports cumulative calibration for ev >= t
func thresholdGroups(recs []*database.Recommendation) []EVGroup {
	out := make([]EVGroup, 0, len(evThresholds))
	for _, t := range evThresholds {
		var count, wins, decided int
		var ev, pnl float64
		for _, rec := range recs {
			if *rec.ExpectedValue < t {
				continue
			}
			count++
			ev += *rec.ExpectedValue
			pnl += *rec.PnLPercent
			if rec.Result != nil {
				switch *rec.Result {
				case database.ResultWin:
					wins++
					decided++
				case database.ResultLoss:
					decided++
				}
			}
		}
		if count == 0 {
			continue
		}
		g := EVGroup{
			Label:          fmt.Sprintf(">=%s", strings.TrimSuffix(fmt.Sprintf("%.1f", t), ".0")),
			Count:          count,
			MeanEV:         ev / float64(count),
			MeanPnLPercent: pnl / float64(count),
		}
		if decided > 0 {
			g.WinRate = float64(wins) / float64(decided)
		}
		g.CalibrationGap = g.MeanPnLPercent - g.MeanEV
		out = append(out, g)
	}
	return out
}

func evWindow(window string) (time.Duration, error) {
	switch window {
	case EVWindow1d, "":
		return 24 * time.Hour, nil
	case EVWindow7d:
		return 7 * 24 * time.Hour, nil
	case EVWindow30d:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownWindow, window)
	}
}
