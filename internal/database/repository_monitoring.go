package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SaveMonitoringSnapshot persists one monitoring row. Used for both live
// price checks and GATED rejection records.
func (r *Repository) SaveMonitoringSnapshot(ctx context.Context, snap *MonitoringSnapshot) error {
	detail, err := json.Marshal(snap.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot detail: %w", err)
	}
	query := `
		INSERT INTO monitoring_snapshots (recommendation_id, symbol, check_time, current_price, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err = r.db.Pool.QueryRow(ctx, query,
		snap.RecommendationID, snap.Symbol, snap.CheckTime, snap.CurrentPrice, detail,
	).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("failed to save monitoring snapshot: %w", err)
	}
	return nil
}

// GatedFilter narrows gated monitoring queries
type GatedFilter struct {
	Symbol    string
	Reason    string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// ListGatedSnapshots returns rejection snapshots (synthetic GATED ids) matching
// the filter, newest first.
func (r *Repository) ListGatedSnapshots(ctx context.Context, f GatedFilter) ([]*MonitoringSnapshot, error) {
	query := `
		SELECT id, recommendation_id, symbol, check_time, current_price, detail
		FROM monitoring_snapshots
		WHERE recommendation_id LIKE $1
	`
	args := []interface{}{GatedIDPrefix + "%"}
	idx := 2

	add := func(cond string, val interface{}) {
		query += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}

	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Reason != "" {
		add("detail->>'reason' = $%d", f.Reason)
	}
	if f.StartDate != nil {
		add("check_time >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("check_time <= $%d", *f.EndDate)
	}

	query += " ORDER BY check_time DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, f.Offset)
	}

	return r.querySnapshots(ctx, query, args...)
}

// ListSnapshotsForRecommendation returns monitoring rows for one
// recommendation within a time window, oldest first. Used by chain replay.
func (r *Repository) ListSnapshotsForRecommendation(ctx context.Context, recommendationID string, start, end time.Time) ([]*MonitoringSnapshot, error) {
	query := `
		SELECT id, recommendation_id, symbol, check_time, current_price, detail
		FROM monitoring_snapshots
		WHERE recommendation_id = $1 AND check_time BETWEEN $2 AND $3
		ORDER BY check_time ASC
	`
	return r.querySnapshots(ctx, query, recommendationID, start, end)
}

func (r *Repository) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]*MonitoringSnapshot, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitoring snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*MonitoringSnapshot
	for rows.Next() {
		snap := &MonitoringSnapshot{}
		var detail []byte
		if err := rows.Scan(&snap.ID, &snap.RecommendationID, &snap.Symbol,
			&snap.CheckTime, &snap.CurrentPrice, &detail); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &snap.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal snapshot detail: %w", err)
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// IsGatedSnapshot reports whether a snapshot row is a gating rejection record
func IsGatedSnapshot(recommendationID string) bool {
	return strings.HasPrefix(recommendationID, GatedIDPrefix)
}
