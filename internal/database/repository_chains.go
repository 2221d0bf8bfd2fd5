package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SaveDecisionChain inserts the chain header row
func (r *Repository) SaveDecisionChain(ctx context.Context, chain *DecisionChain) error {
	query := `
		INSERT INTO decision_chains (
			chain_id, symbol, direction, source, started_at, final_decision
		)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		chain.ChainID, chain.Symbol, chain.Direction, chain.Source,
		chain.StartedAt, chain.FinalDecision,
	)
	if err != nil {
		return fmt.Errorf("failed to save decision chain: %w", err)
	}
	return nil
}

// SaveDecisionStep appends one step. Idempotent on (chain_id, step_index).
func (r *Repository) SaveDecisionStep(ctx context.Context, step *DecisionStep) error {
	details, err := json.Marshal(step.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal step details: %w", err)
	}
	query := `
		INSERT INTO decision_steps (chain_id, step_index, stage, decision, reason, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain_id, step_index) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query,
		step.ChainID, step.StepIndex, step.Stage, step.Decision, step.Reason, details, step.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save decision step: %w", err)
	}
	return nil
}

// FinalizeDecisionChain stores the terminal decision and timing
func (r *Repository) FinalizeDecisionChain(ctx context.Context, chain *DecisionChain) error {
	query := `
		UPDATE decision_chains
		SET finalized_at = $2, final_decision = $3, decision_time_ms = $4,
		    recommendation_id = $5, execution_id = $6
		WHERE chain_id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		chain.ChainID, chain.FinalizedAt, chain.FinalDecision, chain.DecisionTimeMs,
		chain.RecommendationID, chain.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize decision chain %s: %w", chain.ChainID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decision chain %s: %w", chain.ChainID, ErrNotFound)
	}
	return nil
}

// LinkChainRecommendation stores the recommendation foreign key on the chain
func (r *Repository) LinkChainRecommendation(ctx context.Context, chainID, recommendationID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE decision_chains SET recommendation_id = $2 WHERE chain_id = $1`,
		chainID, recommendationID)
	if err != nil {
		return fmt.Errorf("failed to link recommendation to chain %s: %w", chainID, err)
	}
	return nil
}

// LinkChainExecution stores the execution foreign key on the chain
func (r *Repository) LinkChainExecution(ctx context.Context, chainID string, executionID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE decision_chains SET execution_id = $2 WHERE chain_id = $1`,
		chainID, executionID)
	if err != nil {
		return fmt.Errorf("failed to link execution to chain %s: %w", chainID, err)
	}
	return nil
}

// GetChainIDForRecommendation resolves the chain linked to a recommendation.
// The latest chain wins when a recommendation was relinked.
func (r *Repository) GetChainIDForRecommendation(ctx context.Context, recommendationID string) (string, error) {
	var chainID string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT chain_id FROM decision_chains WHERE recommendation_id = $1 ORDER BY started_at DESC LIMIT 1`,
		recommendationID).Scan(&chainID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("chain for recommendation %s: %w", recommendationID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to resolve chain for recommendation %s: %w", recommendationID, err)
	}
	return chainID, nil
}

// GetDecisionChain retrieves a chain with its steps in order
func (r *Repository) GetDecisionChain(ctx context.Context, chainID string) (*DecisionChain, error) {
	query := `
		SELECT chain_id, symbol, direction, source, started_at, finalized_at,
		       final_decision, decision_time_ms, recommendation_id, execution_id
		FROM decision_chains WHERE chain_id = $1
	`
	chain, err := scanChain(r.db.Pool.QueryRow(ctx, query, chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("decision chain %s: %w", chainID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get decision chain %s: %w", chainID, err)
	}

	steps, err := r.GetDecisionSteps(ctx, chainID)
	if err != nil {
		return nil, err
	}
	chain.Steps = steps
	return chain, nil
}

// GetDecisionSteps returns a chain's steps ordered by step index
func (r *Repository) GetDecisionSteps(ctx context.Context, chainID string) ([]DecisionStep, error) {
	query := `
		SELECT id, chain_id, step_index, stage, decision, reason, details, timestamp
		FROM decision_steps WHERE chain_id = $1 ORDER BY step_index ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision steps: %w", err)
	}
	defer rows.Close()

	var steps []DecisionStep
	for rows.Next() {
		var step DecisionStep
		var details []byte
		if err := rows.Scan(&step.ID, &step.ChainID, &step.StepIndex, &step.Stage,
			&step.Decision, &step.Reason, &details, &step.Timestamp); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &step.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step details: %w", err)
			}
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListDecisionChains returns chain headers matching the filter, paginated by
// (started_at, chain_id) descending.
func (r *Repository) ListDecisionChains(ctx context.Context, f ChainFilter) ([]*DecisionChain, error) {
	query := `
		SELECT chain_id, symbol, direction, source, started_at, finalized_at,
		       final_decision, decision_time_ms, recommendation_id, execution_id
		FROM decision_chains WHERE 1=1
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
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.FinalDecision != "" {
		add("final_decision = $%d", f.FinalDecision)
	}
	if f.StartDate != nil {
		add("started_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("started_at <= $%d", *f.EndDate)
	}

	query += " ORDER BY started_at DESC, chain_id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, f.Offset)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision chains: %w", err)
	}
	defer rows.Close()

	var chains []*DecisionChain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}

// ChainStats aggregates decision chain metrics over persisted chains
type ChainStats struct {
	Total           int64            `json:"total"`
	Approved        int64            `json:"approved"`
	Rejected        int64            `json:"rejected"`
	Pending         int64            `json:"pending"`
	ApprovalRate    float64          `json:"approval_rate"`
	AvgDecisionMs   float64          `json:"avg_decision_ms"`
	RejectionReasons map[string]int64 `json:"rejection_reasons"`
}

// GetChainStats computes totals, approval rate, rejection histogram and
// average decision time.
func (r *Repository) GetChainStats(ctx context.Context) (*ChainStats, error) {
	stats := &ChainStats{RejectionReasons: make(map[string]int64)}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE final_decision = 'APPROVED'),
		       COUNT(*) FILTER (WHERE final_decision = 'REJECTED'),
		       COUNT(*) FILTER (WHERE final_decision = 'PENDING'),
		       COALESCE(AVG(decision_time_ms), 0)
		FROM decision_chains
	`).Scan(&stats.Total, &stats.Approved, &stats.Rejected, &stats.Pending, &stats.AvgDecisionMs)
	if err != nil {
		return nil, fmt.Errorf("failed to compute chain stats: %w", err)
	}
	if decided := stats.Approved + stats.Rejected; decided > 0 {
		stats.ApprovalRate = float64(stats.Approved) / float64(decided)
	}

	// Rejection reasons come from the last rejecting step of each chain
	rows, err := r.db.Pool.Query(ctx, `
		SELECT s.reason, COUNT(*)
		FROM decision_steps s
		JOIN decision_chains c ON c.chain_id = s.chain_id
		WHERE c.final_decision = 'REJECTED' AND s.decision = 'REJECTED'
		GROUP BY s.reason
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute rejection histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, err
		}
		stats.RejectionReasons[reason] = count
	}
	return stats, rows.Err()
}

func scanChain(row pgx.Row) (*DecisionChain, error) {
	chain := &DecisionChain{}
	err := row.Scan(
		&chain.ChainID, &chain.Symbol, &chain.Direction, &chain.Source,
		&chain.StartedAt, &chain.FinalizedAt, &chain.FinalDecision,
		&chain.DecisionTimeMs, &chain.RecommendationID, &chain.ExecutionID,
	)
	if err != nil {
		return nil, err
	}
	return chain, nil
}
