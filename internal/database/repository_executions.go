package database

import (
	"context"
	"fmt"
)

// SaveExecution inserts a fill record and sets the generated id
func (r *Repository) SaveExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (
			recommendation_id, symbol, direction, event_type, intended_price,
			fill_price, fill_timestamp, latency_ms, slippage_bps, fee_bps,
			pnl_amount, pnl_percent
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		exec.RecommendationID, exec.Symbol, exec.Direction, exec.EventType,
		exec.IntendedPrice, exec.FillPrice, exec.FillTimestamp, exec.LatencyMs,
		exec.SlippageBps, exec.FeeBps, exec.PnLAmount, exec.PnLPercent,
	).Scan(&exec.ID)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// ListExecutions returns fills matching the filter, newest first
func (r *Repository) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	query := `
		SELECT id, recommendation_id, symbol, direction, event_type, intended_price,
		       fill_price, fill_timestamp, latency_ms, slippage_bps, fee_bps,
		       pnl_amount, pnl_percent
		FROM executions WHERE 1=1
	`
	args := []interface{}{}
	idx := 1

	add := func(cond string, val interface{}) {
		query += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}

	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Direction != "" {
		add("direction = $%d", f.Direction)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.StartDate != nil {
		add("fill_timestamp >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("fill_timestamp <= $%d", *f.EndDate)
	}

	query += " ORDER BY fill_timestamp DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec := &Execution{}
		if err := rows.Scan(
			&exec.ID, &exec.RecommendationID, &exec.Symbol, &exec.Direction,
			&exec.EventType, &exec.IntendedPrice, &exec.FillPrice, &exec.FillTimestamp,
			&exec.LatencyMs, &exec.SlippageBps, &exec.FeeBps,
			&exec.PnLAmount, &exec.PnLPercent,
		); err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ListExecutionsForRecommendation returns all fills for one recommendation
func (r *Repository) ListExecutionsForRecommendation(ctx context.Context, recommendationID string) ([]*Execution, error) {
	query := `
		SELECT id, recommendation_id, symbol, direction, event_type, intended_price,
		       fill_price, fill_timestamp, latency_ms, slippage_bps, fee_bps,
		       pnl_amount, pnl_percent
		FROM executions WHERE recommendation_id = $1 ORDER BY fill_timestamp ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, recommendationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions for %s: %w", recommendationID, err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec := &Execution{}
		if err := rows.Scan(
			&exec.ID, &exec.RecommendationID, &exec.Symbol, &exec.Direction,
			&exec.EventType, &exec.IntendedPrice, &exec.FillPrice, &exec.FillTimestamp,
			&exec.LatencyMs, &exec.SlippageBps, &exec.FeeBps,
			&exec.PnLAmount, &exec.PnLPercent,
		); err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}
