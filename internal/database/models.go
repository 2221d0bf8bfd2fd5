package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction of a recommendation
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// ParseDirection normalizes a direction string, returning false when invalid
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return DirectionLong, true
	case "SHORT", "SELL":
		return DirectionShort, true
	default:
		return "", false
	}
}

// Opposite returns the inverse direction
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Recommendation lifecycle status
const (
	StatusActive  = "ACTIVE"
	StatusClosed  = "CLOSED"
	StatusExpired = "EXPIRED"
)

// Exit labels
const (
	ExitLabelTakeProfit = "DYNAMIC_TAKE_PROFIT"
	ExitLabelStopLoss   = "DYNAMIC_STOP_LOSS"
	ExitLabelTimeout    = "TIMEOUT"
	ExitLabelBreakEven  = "BREAKEVEN"
)

// Trade results
const (
	ResultWin       = "WIN"
	ResultLoss      = "LOSS"
	ResultBreakEven = "BREAKEVEN"
)

// Decision chain final decisions / step decisions
const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
	DecisionPending  = "PENDING"
)

// Decision chain stages
const (
	StageSignalCollection  = "SIGNAL_COLLECTION"
	StageGatingCheck       = "GATING_CHECK"
	StageExecutionDecision = "EXECUTION_DECISION"
)

// Execution event types
const (
	ExecutionEventOpen   = "OPEN"
	ExecutionEventClose  = "CLOSE"
	ExecutionEventReduce = "REDUCE"
)

// Recommendation is the central entity: a proposed perp trade tracked from
// admission to closure.
type Recommendation struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	StrategyType    string    `json:"strategy_type"`
	Leverage        float64   `json:"leverage"`
	EntryPrice      float64   `json:"entry_price"`
	CurrentPrice    float64   `json:"current_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
	StopLossPrice   float64   `json:"stop_loss_price"`
	Confidence      float64   `json:"confidence"`

	// Predicted expected value, when the signal source supplies one
	ExpectedValue *float64 `json:"expected_value,omitempty"`

	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	ExitPrice  *float64 `json:"exit_price,omitempty"`
	ExitReason *string  `json:"exit_reason,omitempty"`
	ExitLabel  *string  `json:"exit_label,omitempty"`
	Result     *string  `json:"result,omitempty"`
	PnLAmount  *float64 `json:"pnl_amount,omitempty"`
	PnLPercent *float64 `json:"pnl_percent,omitempty"`

	ExperimentID *string `json:"experiment_id,omitempty"`
	Variant      *string `json:"variant,omitempty"`
	ABGroup      *string `json:"ab_group,omitempty"`
}

// IsTerminal reports whether the recommendation has reached a terminal status
func (r *Recommendation) IsTerminal() bool {
	return r.Status == StatusClosed || r.Status == StatusExpired
}

// NewRecommendationID generates a globally unique, timestamp-prefixed id.
// The nanosecond prefix keeps ids sortable by creation time.
func NewRecommendationID(now time.Time) string {
	return fmt.Sprintf("REC-%d-%s", now.UnixNano(), uuid.NewString()[:8])
}

// DecisionChain is the ordered audit record of one admission attempt
type DecisionChain struct {
	ChainID          string         `json:"chain_id"`
	Symbol           string         `json:"symbol"`
	Direction        Direction      `json:"direction"`
	Source           string         `json:"source"` // AUTO or MANUAL
	StartedAt        time.Time      `json:"started_at"`
	FinalizedAt      *time.Time     `json:"finalized_at,omitempty"`
	FinalDecision    string         `json:"final_decision"`
	DecisionTimeMs   *int64         `json:"decision_time_ms,omitempty"`
	RecommendationID *string        `json:"recommendation_id,omitempty"`
	ExecutionID      *int64         `json:"execution_id,omitempty"`
	Steps            []DecisionStep `json:"steps,omitempty"`
}

// DecisionStep is one entry in a decision chain
type DecisionStep struct {
	ID        int64                  `json:"id,omitempty"`
	ChainID   string                 `json:"chain_id"`
	StepIndex int                    `json:"step_index"`
	Stage     string                 `json:"stage"`
	Decision  string                 `json:"decision"`
	Reason    string                 `json:"reason"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Execution is a realised fill record linked to a recommendation
type Execution struct {
	ID               int64     `json:"id"`
	RecommendationID string    `json:"recommendation_id"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	EventType        string    `json:"event_type"` // OPEN, CLOSE, REDUCE
	IntendedPrice    float64   `json:"intended_price"`
	FillPrice        float64   `json:"fill_price"`
	FillTimestamp    time.Time `json:"fill_timestamp"`
	LatencyMs        int64     `json:"latency_ms"`
	SlippageBps      float64   `json:"slippage_bps"`
	FeeBps           float64   `json:"fee_bps"`
	PnLAmount        *float64  `json:"pnl_amount,omitempty"`
	PnLPercent       *float64  `json:"pnl_percent,omitempty"`
}

// MonitoringSnapshot is a monitoring row; gating rejections are stored with a
// synthetic "GATED|" recommendation id and the rejection payload in Detail.
type MonitoringSnapshot struct {
	ID               int64                  `json:"id"`
	RecommendationID string                 `json:"recommendation_id"`
	Symbol           string                 `json:"symbol"`
	CheckTime        time.Time              `json:"check_time"`
	CurrentPrice     float64                `json:"current_price"`
	Detail           map[string]interface{} `json:"detail,omitempty"`
}

// GatedIDPrefix marks synthetic monitoring rows written for gating rejections
const GatedIDPrefix = "GATED|"

// NewGatedID builds the synthetic id for a gating rejection snapshot
func NewGatedID(symbol string, direction Direction, now time.Time) string {
	return fmt.Sprintf("%s%s|%s|%d", GatedIDPrefix, symbol, direction, now.UnixMilli())
}

// SlippageRecord is one per-execution slippage observation
type SlippageRecord struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	ExecutionID *int64    `json:"execution_id,omitempty"`
	SlippageBps float64   `json:"slippage_bps"`
	LatencyMs   int64     `json:"latency_ms"`
	Tag         string    `json:"tag"` // EXECUTION or THRESHOLD_ADJUST
	CreatedAt   time.Time `json:"created_at"`
}

// SlippageStatistics is a rolling per-symbol aggregate
type SlippageStatistics struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	SampleCount int       `json:"sample_count"`
	AvgBps      float64   `json:"avg_bps"`
	MedianBps   float64   `json:"median_bps"`
	P95Bps      float64   `json:"p95_bps"`
	StdDevBps   float64   `json:"std_dev_bps"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	CreatedAt   time.Time `json:"created_at"`
}

// SlippageThreshold is the adaptive per-symbol threshold
type SlippageThreshold struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	ThresholdBps float64   `json:"threshold_bps"`
	PreviousBps  *float64  `json:"previous_bps,omitempty"`
	Basis        string    `json:"basis"` // e.g. "p95+2.0sigma"
	CreatedAt    time.Time `json:"created_at"`
}

// SlippageAlert records a threshold adjustment notification
type SlippageAlert struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Severity  string    `json:"severity"` // INFO, WARNING, CRITICAL
	Message   string    `json:"message"`
	OldBps    float64   `json:"old_bps"`
	NewBps    float64   `json:"new_bps"`
	CreatedAt time.Time `json:"created_at"`
}

// RecommendationFilter narrows history queries
type RecommendationFilter struct {
	Limit         int
	Offset        int
	StrategyType  string
	Status        string
	Result        string
	Direction     Direction
	ExperimentID  string
	StartDate     *time.Time
	EndDate       *time.Time
	IncludeActive bool
}

// ChainFilter narrows decision chain queries
type ChainFilter struct {
	Symbol        string
	Direction     Direction
	Source        string
	FinalDecision string
	StartDate     *time.Time
	EndDate       *time.Time
	Limit         int
	Offset        int
}

// ExecutionFilter narrows execution queries
type ExecutionFilter struct {
	Symbol    string
	Direction Direction
	EventType string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
}
