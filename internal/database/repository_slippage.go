package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SaveSlippageRecord appends one slippage observation
func (r *Repository) SaveSlippageRecord(ctx context.Context, rec *SlippageRecord) error {
	query := `
		INSERT INTO slippage_analysis (symbol, direction, execution_id, slippage_bps, latency_ms, tag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		rec.Symbol, rec.Direction, rec.ExecutionID, rec.SlippageBps,
		rec.LatencyMs, rec.Tag, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to save slippage record: %w", err)
	}
	return nil
}

// ListSlippageRecords returns recent observations for a symbol, newest first
func (r *Repository) ListSlippageRecords(ctx context.Context, symbol string, since time.Time, limit int) ([]*SlippageRecord, error) {
	query := `
		SELECT id, symbol, direction, execution_id, slippage_bps, latency_ms, tag, created_at
		FROM slippage_analysis
		WHERE symbol = $1 AND created_at >= $2 AND tag = 'EXECUTION'
		ORDER BY created_at DESC
	`
	args := []interface{}{symbol, since}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query slippage records: %w", err)
	}
	defer rows.Close()

	var recs []*SlippageRecord
	for rows.Next() {
		rec := &SlippageRecord{}
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Direction, &rec.ExecutionID,
			&rec.SlippageBps, &rec.LatencyMs, &rec.Tag, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveSlippageStatistics persists a rolling aggregate row
func (r *Repository) SaveSlippageStatistics(ctx context.Context, stats *SlippageStatistics) error {
	query := `
		INSERT INTO slippage_statistics (symbol, sample_count, avg_bps, median_bps, p95_bps, std_dev_bps, window_start, window_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		stats.Symbol, stats.SampleCount, stats.AvgBps, stats.MedianBps,
		stats.P95Bps, stats.StdDevBps, stats.WindowStart, stats.WindowEnd, stats.CreatedAt,
	).Scan(&stats.ID)
	if err != nil {
		return fmt.Errorf("failed to save slippage statistics: %w", err)
	}
	return nil
}

// SaveSlippageThreshold persists an adaptive threshold row
func (r *Repository) SaveSlippageThreshold(ctx context.Context, th *SlippageThreshold) error {
	query := `
		INSERT INTO slippage_thresholds (symbol, threshold_bps, previous_bps, basis, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		th.Symbol, th.ThresholdBps, th.PreviousBps, th.Basis, th.CreatedAt,
	).Scan(&th.ID)
	if err != nil {
		return fmt.Errorf("failed to save slippage threshold: %w", err)
	}
	return nil
}

// GetLatestSlippageThreshold returns the current threshold for a symbol.
// ok is false when none has been recorded yet.
func (r *Repository) GetLatestSlippageThreshold(ctx context.Context, symbol string) (*SlippageThreshold, bool, error) {
	query := `
		SELECT id, symbol, threshold_bps, previous_bps, basis, created_at
		FROM slippage_thresholds
		WHERE symbol = $1 ORDER BY created_at DESC LIMIT 1
	`
	th := &SlippageThreshold{}
	err := r.db.Pool.QueryRow(ctx, query, symbol).Scan(
		&th.ID, &th.Symbol, &th.ThresholdBps, &th.PreviousBps, &th.Basis, &th.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get slippage threshold: %w", err)
	}
	return th, true, nil
}

// SaveSlippageAlert persists a threshold-change alert
func (r *Repository) SaveSlippageAlert(ctx context.Context, alert *SlippageAlert) error {
	query := `
		INSERT INTO slippage_alerts (symbol, severity, message, old_bps, new_bps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		alert.Symbol, alert.Severity, alert.Message, alert.OldBps, alert.NewBps, alert.CreatedAt,
	).Scan(&alert.ID)
	if err != nil {
		return fmt.Errorf("failed to save slippage alert: %w", err)
	}
	return nil
}
