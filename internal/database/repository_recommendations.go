package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const recommendationColumns = `id, symbol, direction, strategy_type, leverage, entry_price,
	current_price, take_profit_price, stop_loss_price, confidence, expected_value,
	status, created_at, updated_at, closed_at, exit_price, exit_reason, exit_label,
	result, pnl_amount, pnl_percent, experiment_id, variant, ab_group`

// SaveRecommendation inserts a new recommendation. A duplicate id fails with
// ErrConflict.
func (r *Repository) SaveRecommendation(ctx context.Context, rec *Recommendation) error {
	query := `
		INSERT INTO recommendations (
			id, symbol, direction, strategy_type, leverage, entry_price,
			current_price, take_profit_price, stop_loss_price, confidence,
			expected_value, status, created_at, updated_at,
			experiment_id, variant, ab_group
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		rec.ID, rec.Symbol, rec.Direction, rec.StrategyType, rec.Leverage, rec.EntryPrice,
		rec.CurrentPrice, rec.TakeProfitPrice, rec.StopLossPrice, rec.Confidence,
		rec.ExpectedValue, rec.Status, rec.CreatedAt, rec.UpdatedAt,
		rec.ExperimentID, rec.Variant, rec.ABGroup,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("recommendation %s: %w", rec.ID, ErrConflict)
		}
		return fmt.Errorf("failed to save recommendation: %w", err)
	}
	return nil
}

// UpdateRecommendation persists the mutable lifecycle fields. The tracker is
// the sole mutator of these fields; last writer wins within the process.
func (r *Repository) UpdateRecommendation(ctx context.Context, rec *Recommendation) error {
	query := `
		UPDATE recommendations
		SET current_price = $2, status = $3, updated_at = $4, closed_at = $5,
		    exit_price = $6, exit_reason = $7, exit_label = $8, result = $9,
		    pnl_amount = $10, pnl_percent = $11
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		rec.ID, rec.CurrentPrice, rec.Status, rec.UpdatedAt, rec.ClosedAt,
		rec.ExitPrice, rec.ExitReason, rec.ExitLabel, rec.Result,
		rec.PnLAmount, rec.PnLPercent,
	)
	if err != nil {
		return fmt.Errorf("failed to update recommendation %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recommendation %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// GetRecommendation retrieves a recommendation by id
func (r *Repository) GetRecommendation(ctx context.Context, id string) (*Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id = $1`
	rec, err := scanRecommendation(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get recommendation %s: %w", id, err)
	}
	return rec, nil
}

// ListRecommendations returns history rows matching the filter, newest first
func (r *Repository) ListRecommendations(ctx context.Context, f RecommendationFilter) ([]*Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE 1=1`
	args := []interface{}{}
	idx := 1

	add := func(cond string, val interface{}) {
		query += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}

	if f.StrategyType != "" {
		add("strategy_type = $%d", f.StrategyType)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	} else if !f.IncludeActive {
		query += " AND status <> 'ACTIVE'"
	}
	if f.Result != "" {
		add("result = $%d", f.Result)
	}
	if f.Direction != "" {
		add("direction = $%d", f.Direction)
	}
	if f.ExperimentID != "" {
		add("experiment_id = $%d", f.ExperimentID)
	}
	if f.StartDate != nil {
		add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at <= $%d", *f.EndDate)
	}

	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, f.Offset)
	}

	return r.queryRecommendations(ctx, query, args...)
}

// ListActiveRecommendations returns all ACTIVE rows, newest first
func (r *Repository) ListActiveRecommendations(ctx context.Context) ([]*Recommendation, error) {
	query := `SELECT ` + recommendationColumns + `
		FROM recommendations WHERE status = 'ACTIVE' ORDER BY created_at DESC`
	return r.queryRecommendations(ctx, query)
}

// DeleteRecommendation removes a row. Maintenance path only.
func (r *Repository) DeleteRecommendation(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM recommendations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recommendation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	return nil
}

// TrimHistory keeps the N most-recent rows and deletes the rest. ACTIVE rows
// are never trimmed.
func (r *Repository) TrimHistory(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM recommendations
		WHERE status <> 'ACTIVE'
		  AND id NOT IN (
			SELECT id FROM recommendations ORDER BY created_at DESC LIMIT $1
		  )
	`
	tag, err := r.db.Pool.Exec(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to trim history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// GATING QUERIES
//
// Cooldown and exposure counters are computed from persisted state at
// decision time, not from in-memory caches.
// ============================================================================

// CountActive returns the number of ACTIVE recommendations
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recommendations WHERE status = 'ACTIVE'`).Scan(&n)
	return n, err
}

// CountActiveByDirection returns the number of ACTIVE recommendations in one direction
func (r *Repository) CountActiveByDirection(ctx context.Context, direction Direction) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recommendations WHERE status = 'ACTIVE' AND direction = $1`,
		direction).Scan(&n)
	return n, err
}

// LatestCreatedAt returns the most recent creation time for a symbol,
// optionally restricted to one direction. ok is false when no row matches.
func (r *Repository) LatestCreatedAt(ctx context.Context, symbol string, direction Direction) (time.Time, bool, error) {
	query := `SELECT created_at FROM recommendations WHERE symbol = $1`
	args := []interface{}{symbol}
	if direction != "" {
		query += ` AND direction = $2`
		args = append(args, direction)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var ts time.Time
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest creation: %w", err)
	}
	return ts, true, nil
}

// CountCreatedSince counts recommendations created after the given time,
// optionally restricted to one direction. Used for hourly caps.
func (r *Repository) CountCreatedSince(ctx context.Context, symbol string, since time.Time, direction Direction) (int, error) {
	query := `SELECT COUNT(*) FROM recommendations WHERE symbol = $1 AND created_at >= $2`
	args := []interface{}{symbol, since}
	if direction != "" {
		query += ` AND direction = $3`
		args = append(args, direction)
	}
	var n int
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

// FindDuplicateIDs returns ids of active-or-recent recommendations for the
// same (symbol, direction, strategy) whose entry price lies within bps basis
// points of the candidate entry.
func (r *Repository) FindDuplicateIDs(ctx context.Context, symbol string, direction Direction, strategyType string, entryPrice, bps float64, since time.Time) ([]string, error) {
	query := `
		SELECT id FROM recommendations
		WHERE symbol = $1 AND direction = $2 AND strategy_type = $3
		  AND (status = 'ACTIVE' OR created_at >= $4)
		  AND ABS(entry_price - $5) / $5 * 10000 <= $6
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, direction, strategyType, since, entryPrice, bps)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) queryRecommendations(ctx context.Context, query string, args ...interface{}) ([]*Recommendation, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecommendation(row pgx.Row) (*Recommendation, error) {
	rec := &Recommendation{}
	err := row.Scan(
		&rec.ID, &rec.Symbol, &rec.Direction, &rec.StrategyType, &rec.Leverage, &rec.EntryPrice,
		&rec.CurrentPrice, &rec.TakeProfitPrice, &rec.StopLossPrice, &rec.Confidence, &rec.ExpectedValue,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ClosedAt, &rec.ExitPrice, &rec.ExitReason,
		&rec.ExitLabel, &rec.Result, &rec.PnLAmount, &rec.PnLPercent,
		&rec.ExperimentID, &rec.Variant, &rec.ABGroup,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
