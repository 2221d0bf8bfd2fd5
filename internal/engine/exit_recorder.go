package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perp-advisor/internal/database"
	"perp-advisor/internal/decision"
	"perp-advisor/internal/slippage"
)

// ExecutionStore persists realised fills
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *database.Execution) error
}

// ExitRecorder completes the audit trail when a recommendation reaches a
// terminal state: it records the realised CLOSE fill against the intended
// exit level, appends the exit outcome to the linked decision chain and feeds
// the fill into slippage analysis.
type ExitRecorder struct {
	execs     ExecutionStore
	chains    *decision.Monitor
	analyzer  *slippage.Analyzer
	ioTimeout time.Duration
	logger    zerolog.Logger

	now func() time.Time
}

// NewExitRecorder wires the recorder; register OnClose as a tracker close hook
func NewExitRecorder(execs ExecutionStore, chains *decision.Monitor, analyzer *slippage.Analyzer, ioTimeout time.Duration, logger zerolog.Logger) *ExitRecorder {
	if ioTimeout <= 0 {
		ioTimeout = 30 * time.Second
	}
	return &ExitRecorder{
		execs:     execs,
		chains:    chains,
		analyzer:  analyzer,
		ioTimeout: ioTimeout,
		logger:    logger.With().Str("component", "ExitRecorder").Logger(),
		now:       time.Now,
	}
}

// OnClose is the close-hook entry point. Hooks run detached from the closing
// request, so the recorder brings its own deadline.
func (r *ExitRecorder) OnClose(rec *database.Recommendation) {
	ctx, cancel := context.WithTimeout(context.Background(), r.ioTimeout)
	defer cancel()
	if err := r.RecordClose(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("id", rec.ID).Msg("Failed to record exit")
	}
}

// RecordClose writes the CLOSE fill for one closed recommendation, appends
// the exit step to its chain and links the fill back to the chain.
func (r *ExitRecorder) RecordClose(ctx context.Context, rec *database.Recommendation) error {
	if !rec.IsTerminal() {
		return nil
	}

	fill := rec.CurrentPrice
	if rec.ExitPrice != nil {
		fill = *rec.ExitPrice
	}
	label := ""
	if rec.ExitLabel != nil {
		label = *rec.ExitLabel
	}
	filledAt := r.now()
	if rec.ClosedAt != nil {
		filledAt = *rec.ClosedAt
	}

	intended := intendedExitPrice(rec, label, fill)
	exec := &database.Execution{
		RecommendationID: rec.ID,
		Symbol:           rec.Symbol,
		Direction:        rec.Direction,
		EventType:        database.ExecutionEventClose,
		IntendedPrice:    intended,
		FillPrice:        fill,
		FillTimestamp:    filledAt,
		SlippageBps:      slippage.ComputeBps(rec.Direction, intended, fill),
		PnLAmount:        rec.PnLAmount,
		PnLPercent:       rec.PnLPercent,
	}
	if err := r.execs.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to save close execution: %w", err)
	}

	chainID, err := r.chains.RecordExitOutcome(ctx, rec.ID, label)
	switch {
	case errors.Is(err, decision.ErrChainNotFound):
		// Rows seeded outside the admission path carry no chain
		r.logger.Warn().Str("id", rec.ID).Msg("No decision chain linked, skipping exit step")
	case err != nil:
		return err
	default:
		if err := r.chains.LinkExecution(ctx, chainID, exec.ID); err != nil {
			r.logger.Warn().Err(err).Str("chain_id", chainID).Msg("Failed to link execution to chain")
		}
	}

	if r.analyzer != nil {
		if err := r.analyzer.RecordExecution(ctx, exec); err != nil {
			r.logger.Warn().Err(err).Str("id", rec.ID).Msg("Failed to record execution slippage")
		}
	}

	r.logger.Debug().
		Str("id", rec.ID).
		Str("label", label).
		Float64("intended", intended).
		Float64("fill", fill).
		Msg("Close execution recorded")
	return nil
}

// intendedExitPrice maps the exit label onto the level the closure aimed for.
// Timeout and break-even exits have no pre-committed level, so the fill itself
// is the intent and the slippage is zero.
func intendedExitPrice(rec *database.Recommendation, label string, fill float64) float64 {
	switch label {
	case database.ExitLabelTakeProfit:
		return rec.TakeProfitPrice
	case database.ExitLabelStopLoss:
		return rec.StopLossPrice
	default:
		return fill
	}
}
