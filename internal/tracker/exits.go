package tracker

import (
	"math"
	"time"

	"perp-advisor/internal/database"
)

// breakEvenBandPercent is the leveraged pnl band treated as flat when no
// explicit exit label decides the result.
const breakEvenBandPercent = 0.1

// ExitConfig holds the exit-evaluation knobs
type ExitConfig struct {
	MaxHoldingTime  time.Duration
	BreakEvenEnable bool
	BreakEvenWindow time.Duration
}

// ExitDecision is the outcome of evaluating one price observation against an
// active recommendation. Nil means the recommendation stays open.
type ExitDecision struct {
	Label     string
	Reason    string
	Status    string
	ExitPrice float64
}

// EvaluateExit applies the exit conditions in fixed order: stop loss first,
// then take profit, then holding timeout, then the optional break-even exit.
// Stop loss wins when a single observation crosses both levels.
func EvaluateExit(rec *database.Recommendation, price float64, now time.Time, cfg ExitConfig) *ExitDecision {
	if stopLossHit(rec, price) {
		return &ExitDecision{
			Label:     database.ExitLabelStopLoss,
			Reason:    "stop loss hit",
			Status:    database.StatusClosed,
			ExitPrice: price,
		}
	}
	if takeProfitHit(rec, price) {
		return &ExitDecision{
			Label:     database.ExitLabelTakeProfit,
			Reason:    "take profit hit",
			Status:    database.StatusClosed,
			ExitPrice: price,
		}
	}

	held := now.Sub(rec.CreatedAt)
	if cfg.MaxHoldingTime > 0 && held >= cfg.MaxHoldingTime {
		// Natural timeouts close like any other exit; EXPIRED is reserved
		// for explicit force-expire.
		return &ExitDecision{
			Label:     database.ExitLabelTimeout,
			Reason:    "max holding time reached",
			Status:    database.StatusClosed,
			ExitPrice: price,
		}
	}

	if cfg.BreakEvenEnable && cfg.BreakEvenWindow > 0 && held >= cfg.BreakEvenWindow {
		if _, pnlPercent := ComputePnL(rec, price); math.Abs(pnlPercent) < breakEvenBandPercent {
			return &ExitDecision{
				Label:     database.ExitLabelBreakEven,
				Reason:    "break-even exit after stagnant holding window",
				Status:    database.StatusClosed,
				ExitPrice: price,
			}
		}
	}
	return nil
}

func stopLossHit(rec *database.Recommendation, price float64) bool {
	if rec.Direction == database.DirectionLong {
		return price <= rec.StopLossPrice
	}
	return price >= rec.StopLossPrice
}

func takeProfitHit(rec *database.Recommendation, price float64) bool {
	if rec.Direction == database.DirectionLong {
		return price >= rec.TakeProfitPrice
	}
	return price <= rec.TakeProfitPrice
}

// ComputePnL returns the leveraged per-unit pnl amount and the leveraged pnl
// percentage for an exit at the given price.
func ComputePnL(rec *database.Recommendation, exitPrice float64) (amount, percent float64) {
	move := exitPrice - rec.EntryPrice
	if rec.Direction == database.DirectionShort {
		move = -move
	}
	amount = move * rec.Leverage
	percent = move / rec.EntryPrice * rec.Leverage * 100
	return amount, percent
}

// ClassifyResult derives WIN, LOSS or BREAKEVEN. An explicit take-profit,
// stop-loss or break-even label decides directly; otherwise the leveraged pnl
// falls back to the flat band.
func ClassifyResult(exitLabel string, pnlPercent float64) string {
	switch exitLabel {
	case database.ExitLabelTakeProfit:
		return database.ResultWin
	case database.ExitLabelStopLoss:
		return database.ResultLoss
	case database.ExitLabelBreakEven:
		return database.ResultBreakEven
	}

	if math.Abs(pnlPercent) < breakEvenBandPercent {
		return database.ResultBreakEven
	}
	if pnlPercent > 0 {
		return database.ResultWin
	}
	return database.ResultLoss
}
