// Package gating evaluates the ordered admission-control rule chain for
// candidate recommendations. Evaluation stops at the first failing rule and
// returns its typed rejection; every rule evaluation is recorded as a
// GATING_CHECK step on the candidate's decision chain.
package gating

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"perp-advisor/internal/database"
)

// Candidate is a proposed recommendation entering the gate
type Candidate struct {
	Symbol            string              `json:"symbol"`
	Direction         database.Direction  `json:"direction"`
	StrategyType      string              `json:"strategy_type"`
	Leverage          float64             `json:"leverage"`
	EntryPrice        float64             `json:"entry_price"`
	CurrentPrice      float64             `json:"current_price"`
	TakeProfitPrice   float64             `json:"take_profit_price"`
	StopLossPrice     float64             `json:"stop_loss_price"`
	Confidence        float64             `json:"confidence"`
	ExpectedValue     *float64            `json:"expected_value,omitempty"`
	MTFAgreement      *float64            `json:"mtf_agreement,omitempty"`
	DominantDirection *database.Direction `json:"dominant_direction,omitempty"`
	BypassCooldown    bool                `json:"bypass_cooldown,omitempty"`
	ExperimentID      *string             `json:"experiment_id,omitempty"`
	Variant           *string             `json:"variant,omitempty"`
	ABGroup           *string             `json:"ab_group,omitempty"`
}

// Store exposes the persisted-state queries the rules need. Counters are
// computed from durable state at decision time to avoid double-admission
// under concurrent entry.
type Store interface {
	CountActive(ctx context.Context) (int, error)
	CountActiveByDirection(ctx context.Context, direction database.Direction) (int, error)
	LatestCreatedAt(ctx context.Context, symbol string, direction database.Direction) (time.Time, bool, error)
	CountCreatedSince(ctx context.Context, symbol string, since time.Time, direction database.Direction) (int, error)
	FindDuplicateIDs(ctx context.Context, symbol string, direction database.Direction, strategyType string, entryPrice, bps float64, since time.Time) ([]string, error)
	SaveMonitoringSnapshot(ctx context.Context, snap *database.MonitoringSnapshot) error
}

// Recorder appends gating steps to the active decision chain
type Recorder interface {
	AddStep(ctx context.Context, chainID, stage, decision, reason string, details map[string]interface{}) error
}

// Config holds all admission-control knobs
type Config struct {
	CooldownSameDirection time.Duration
	CooldownOpposite      time.Duration
	CooldownGlobal        time.Duration
	HourlyCapTotal        int
	HourlyCapPerDirection int
	DuplicateWindow       time.Duration
	DuplicateBpsThreshold float64
	RequireMTFAgreement   bool
	MinMTFAgreement       float64
	OppositeMinConfidence float64
	MaxActiveTotal        int
	MaxActivePerDirection int
}

// Engine runs the rule chain
type Engine struct {
	store    Store
	recorder Recorder
	counters *Counters
	locks    *SymbolLocks
	cfg      Config
	logger   zerolog.Logger

	now func() time.Time
}

// NewEngine creates a gating engine
func NewEngine(store Store, recorder Recorder, counters *Counters, locks *SymbolLocks, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		recorder: recorder,
		counters: counters,
		locks:    locks,
		cfg:      cfg,
		logger:   logger.With().Str("component", "GatingEngine").Logger(),
		now:      time.Now,
	}
}

// Locks returns the symbol lock set; callers hold the stripe across gating
// plus persistence for the same symbol.
func (e *Engine) Locks() *SymbolLocks {
	return e.locks
}

// Counters returns the process-wide gating counters
func (e *Engine) Counters() *Counters {
	return e.counters
}

type rule struct {
	name string
	eval func(ctx context.Context, cand *Candidate) (*Rejection, error)
}

// Evaluate runs the rule chain in fixed order. It returns a typed *Rejection
// when a rule fails, or nil on admission. A non-nil error means the engine
// could not decide (infrastructure failure) and the candidate must not be
// admitted. On rejection a GATED monitoring snapshot is written and the
// in-memory counters are updated.
func (e *Engine) Evaluate(ctx context.Context, chainID string, cand *Candidate, source string) (*Rejection, error) {
	rules := []rule{
		{"schema_validation", e.checkSchema},
		{"cooldown", e.checkCooldown},
		{"duplicate_suppression", e.checkDuplicate},
		{"mtf_consistency", e.checkMTF},
		{"opposite_constraint", e.checkOpposite},
		{"exposure_caps", e.checkExposure},
	}

	for _, r := range rules {
		rejection, err := r.eval(ctx, cand)
		if err != nil {
			return nil, fmt.Errorf("gating rule %s failed: %w", r.name, err)
		}

		if rejection != nil {
			if stepErr := e.recorder.AddStep(ctx, chainID, database.StageGatingCheck,
				database.DecisionRejected, rejection.Code, rejection.DetailMap()); stepErr != nil {
				e.logger.Error().Err(stepErr).Str("chain_id", chainID).Msg("Failed to record rejection step")
			}
			e.recordRejection(ctx, cand, rejection, source)
			return rejection, nil
		}

		if stepErr := e.recorder.AddStep(ctx, chainID, database.StageGatingCheck,
			database.DecisionApproved, r.name, nil); stepErr != nil {
			e.logger.Error().Err(stepErr).Str("chain_id", chainID).Msg("Failed to record gating step")
		}
	}

	e.counters.RecordAdmission()
	return nil, nil
}

// ============================================================================
// RULE 1: SCHEMA VALIDATION
// ============================================================================

func (e *Engine) checkSchema(_ context.Context, cand *Candidate) (*Rejection, error) {
	invalid := func(code, field, msg string) *Rejection {
		return &Rejection{Code: code, Message: msg, Details: ValidationDetails{Field: field, Message: msg}}
	}

	if cand.Direction != database.DirectionLong && cand.Direction != database.DirectionShort {
		return invalid(CodeInvalidDirection, "direction", "direction must be LONG or SHORT"), nil
	}
	if !positiveFinite(cand.EntryPrice) {
		return invalid("INVALID_ENTRY_PRICE", "entry_price", "entry_price must be a positive finite number"), nil
	}
	if !positiveFinite(cand.CurrentPrice) {
		return invalid("INVALID_CURRENT_PRICE", "current_price", "current_price must be a positive finite number"), nil
	}
	if !positiveFinite(cand.Leverage) {
		return invalid("INVALID_LEVERAGE", "leverage", "leverage must be a positive finite number"), nil
	}
	if cand.Confidence < 0 || cand.Confidence > 1 || math.IsNaN(cand.Confidence) {
		return invalid("INVALID_CONFIDENCE", "confidence", "confidence must be in [0,1]"), nil
	}

	// Price ordering: stop < entry < target for LONG, inverted for SHORT
	if cand.Direction == database.DirectionLong {
		if cand.StopLossPrice >= cand.EntryPrice {
			return invalid("INVALID_STOP_LOSS", "stop_loss_price", "stop loss must be below entry for LONG"), nil
		}
		if cand.TakeProfitPrice <= cand.EntryPrice {
			return invalid("INVALID_TAKE_PROFIT", "take_profit_price", "take profit must be above entry for LONG"), nil
		}
	} else {
		if cand.StopLossPrice <= cand.EntryPrice {
			return invalid("INVALID_STOP_LOSS", "stop_loss_price", "stop loss must be above entry for SHORT"), nil
		}
		if cand.TakeProfitPrice >= cand.EntryPrice {
			return invalid("INVALID_TAKE_PROFIT", "take_profit_price", "take profit must be below entry for SHORT"), nil
		}
	}
	return nil, nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// ============================================================================
// RULE 2: COOLDOWN (SAME_DIRECTION, OPPOSITE, GLOBAL, HOURLY)
// ============================================================================

func (e *Engine) checkCooldown(ctx context.Context, cand *Candidate) (*Rejection, error) {
	if cand.BypassCooldown {
		return nil, nil
	}
	now := e.now()

	scopes := []struct {
		code      string
		scope     string
		window    time.Duration
		direction database.Direction
	}{
		{CodeCooldownSameDirection, ScopeSameDirection, e.cfg.CooldownSameDirection, cand.Direction},
		{CodeCooldownOpposite, ScopeOpposite, e.cfg.CooldownOpposite, cand.Direction.Opposite()},
		{CodeCooldownGlobal, ScopeGlobal, e.cfg.CooldownGlobal, ""},
	}

	for _, s := range scopes {
		if s.window <= 0 {
			continue
		}
		last, ok, err := e.store.LatestCreatedAt(ctx, cand.Symbol, s.direction)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if elapsed := now.Sub(last); elapsed < s.window {
			remaining := s.window - elapsed
			return &Rejection{
				Code:    s.code,
				Message: fmt.Sprintf("cooldown %s active for %s", s.scope, cand.Symbol),
				Details: CooldownDetails{
					Scope:           s.scope,
					RemainingMs:     remaining.Milliseconds(),
					NextAvailableAt: last.Add(s.window),
				},
			}, nil
		}
	}

	// Hourly caps: TOTAL counts all directions; the TOTAL scope also absorbs
	// candidates whose direction is unknown.
	hourAgo := now.Add(-time.Hour)
	if e.cfg.HourlyCapTotal > 0 {
		count, err := e.store.CountCreatedSince(ctx, cand.Symbol, hourAgo, "")
		if err != nil {
			return nil, err
		}
		if count >= e.cfg.HourlyCapTotal {
			return e.hourlyRejection(cand, ScopeHourlyTotal, e.cfg.HourlyCapTotal, count, now), nil
		}
	}
	if e.cfg.HourlyCapPerDirection > 0 {
		count, err := e.store.CountCreatedSince(ctx, cand.Symbol, hourAgo, cand.Direction)
		if err != nil {
			return nil, err
		}
		if count >= e.cfg.HourlyCapPerDirection {
			return e.hourlyRejection(cand, ScopePerDirection, e.cfg.HourlyCapPerDirection, count, now), nil
		}
	}
	return nil, nil
}

func (e *Engine) hourlyRejection(cand *Candidate, scope string, cap, count int, now time.Time) *Rejection {
	return &Rejection{
		Code:    CodeHourlyCap,
		Message: fmt.Sprintf("hourly cap %s reached for %s", scope, cand.Symbol),
		Details: CooldownDetails{
			Scope:           scope,
			RemainingMs:     time.Hour.Milliseconds(),
			NextAvailableAt: now.Add(time.Hour),
			Cap:             cap,
			CurrentCount:    count,
		},
	}
}

// ============================================================================
// RULE 3: DUPLICATE SUPPRESSION
// ============================================================================

func (e *Engine) checkDuplicate(ctx context.Context, cand *Candidate) (*Rejection, error) {
	since := e.now().Add(-e.cfg.DuplicateWindow)
	ids, err := e.store.FindDuplicateIDs(ctx, cand.Symbol, cand.Direction, cand.StrategyType,
		cand.EntryPrice, e.cfg.DuplicateBpsThreshold, since)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return &Rejection{
		Code:    CodeDuplicate,
		Message: fmt.Sprintf("duplicate recommendation within %d bps", int(e.cfg.DuplicateBpsThreshold)),
		Details: DuplicateDetails{
			WindowMinutes: int(e.cfg.DuplicateWindow.Minutes()),
			BpsThreshold:  e.cfg.DuplicateBpsThreshold,
			MatchedIDs:    ids,
		},
	}, nil
}

// ============================================================================
// RULE 4: MULTI-TIMEFRAME CONSISTENCY
// ============================================================================

func (e *Engine) checkMTF(_ context.Context, cand *Candidate) (*Rejection, error) {
	if !e.cfg.RequireMTFAgreement {
		return nil, nil
	}

	agreement := 0.0
	dominant := ""
	if cand.MTFAgreement != nil {
		agreement = *cand.MTFAgreement
	}
	if cand.DominantDirection != nil {
		dominant = string(*cand.DominantDirection)
	}

	if cand.MTFAgreement == nil || agreement < e.cfg.MinMTFAgreement || dominant != string(cand.Direction) {
		return &Rejection{
			Code:    CodeMTFConsistency,
			Message: "multi-timeframe agreement below threshold or direction mismatch",
			Details: MTFDetails{
				Agreement:         agreement,
				MinAgreement:      e.cfg.MinMTFAgreement,
				DominantDirection: dominant,
			},
		}, nil
	}
	return nil, nil
}

// ============================================================================
// RULE 5: OPPOSITE-DIRECTION CONSTRAINT
// ============================================================================

func (e *Engine) checkOpposite(ctx context.Context, cand *Candidate) (*Rejection, error) {
	oppositeCount, err := e.store.CountActiveByDirection(ctx, cand.Direction.Opposite())
	if err != nil {
		return nil, err
	}
	if oppositeCount > 0 && cand.Confidence < e.cfg.OppositeMinConfidence {
		return &Rejection{
			Code:    CodeOppositeConstraint,
			Message: "confidence too low while opposite-direction recommendations are active",
			Details: OppositeDetails{
				OppositeActiveCount: oppositeCount,
				Confidence:          cand.Confidence,
				MinConfidence:       e.cfg.OppositeMinConfidence,
			},
		}, nil
	}
	return nil, nil
}

// ============================================================================
// RULE 6: EXPOSURE CAPS
// ============================================================================

func (e *Engine) checkExposure(ctx context.Context, cand *Candidate) (*Rejection, error) {
	total, err := e.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	direction, err := e.store.CountActiveByDirection(ctx, cand.Direction)
	if err != nil {
		return nil, err
	}

	details := ExposureDetails{
		TotalCap:         e.cfg.MaxActiveTotal,
		DirCap:           e.cfg.MaxActivePerDirection,
		CurrentTotal:     total,
		CurrentDirection: direction,
		Adding:           1,
	}

	if e.cfg.MaxActiveTotal > 0 && total+1 > e.cfg.MaxActiveTotal {
		details.Scope = ScopeHourlyTotal
		return &Rejection{
			Code:    CodeExposureCap,
			Message: fmt.Sprintf("total exposure cap reached (%d/%d)", total, e.cfg.MaxActiveTotal),
			Details: details,
		}, nil
	}
	if e.cfg.MaxActivePerDirection > 0 && direction+1 > e.cfg.MaxActivePerDirection {
		details.Scope = ScopePerDirection
		return &Rejection{
			Code:    CodeExposureCap,
			Message: fmt.Sprintf("%s exposure cap reached (%d/%d)", cand.Direction, direction, e.cfg.MaxActivePerDirection),
			Details: details,
		}, nil
	}
	return nil, nil
}

// ============================================================================
// REJECTION SIDE EFFECTS
// ============================================================================

// recordRejection writes the GATED monitoring snapshot and updates counters
func (e *Engine) recordRejection(ctx context.Context, cand *Candidate, rejection *Rejection, source string) {
	now := e.now()

	detail := rejection.DetailMap()
	detail["reason"] = rejection.Code
	detail["stage"] = database.StageGatingCheck
	detail["source"] = source

	snap := &database.MonitoringSnapshot{
		RecommendationID: database.NewGatedID(cand.Symbol, cand.Direction, now),
		Symbol:           cand.Symbol,
		CheckTime:        now,
		CurrentPrice:     cand.CurrentPrice,
		Detail:           detail,
	}
	if err := e.store.SaveMonitoringSnapshot(ctx, snap); err != nil {
		e.logger.Error().Err(err).Str("symbol", cand.Symbol).Msg("Failed to persist GATED snapshot")
	}

	e.counters.RecordRejection(rejection.Code, string(cand.Direction),
		mtfBucket(cand.MTFAgreement), hourScope(rejection))

	e.logger.Info().
		Str("symbol", cand.Symbol).
		Str("direction", string(cand.Direction)).
		Str("code", rejection.Code).
		Msg("Candidate gated")
}

// mtfBucket groups agreement values into deciles for the counters
func mtfBucket(agreement *float64) string {
	if agreement == nil {
		return ""
	}
	b := math.Floor(*agreement*10) / 10
	return fmt.Sprintf("%.1f", b)
}

func hourScope(rejection *Rejection) string {
	if d, ok := rejection.Details.(CooldownDetails); ok && rejection.Code == CodeHourlyCap {
		return d.Scope
	}
	return ""
}
