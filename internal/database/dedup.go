package database

import (
	"fmt"
	"math"
	"sort"
)

// dedupBucketSeconds is the time bucket width for the dedup signature
const dedupBucketSeconds = 5

// dedupSignature identifies near-identical recommendations: same 5-second
// creation bucket, symbol, direction, and entry/TP/SL rounded to 2 decimals.
func dedupSignature(rec *Recommendation) string {
	bucket := rec.CreatedAt.Unix() / dedupBucketSeconds
	return fmt.Sprintf("%d|%s|%s|%.2f|%.2f|%.2f",
		bucket, rec.Symbol, rec.Direction,
		round2(rec.EntryPrice), round2(rec.TakeProfitPrice), round2(rec.StopLossPrice))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DeduplicateRecommendations collapses duplicate rows per signature bucket,
// keeping the newest row, or the highest-confidence row when creation times
// tie. The result preserves newest-first ordering and the function is
// idempotent.
func DeduplicateRecommendations(recs []*Recommendation) []*Recommendation {
	if len(recs) <= 1 {
		return recs
	}

	best := make(map[string]*Recommendation, len(recs))
	for _, rec := range recs {
		sig := dedupSignature(rec)
		cur, ok := best[sig]
		if !ok {
			best[sig] = rec
			continue
		}
		if rec.CreatedAt.After(cur.CreatedAt) ||
			(rec.CreatedAt.Equal(cur.CreatedAt) && rec.Confidence > cur.Confidence) {
			best[sig] = rec
		}
	}

	out := make([]*Recommendation, 0, len(best))
	for _, rec := range best {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
