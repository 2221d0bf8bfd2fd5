package gating

import (
	"fmt"
	"time"
)

// Rejection codes, one per rule
const (
	CodeInvalidRequestBody    = "INVALID_REQUEST_BODY"
	CodeInvalidDirection      = "INVALID_DIRECTION"
	CodeCooldownSameDirection = "COOLDOWN_SAME_DIRECTION"
	CodeCooldownOpposite      = "COOLDOWN_OPPOSITE"
	CodeCooldownGlobal        = "COOLDOWN_GLOBAL"
	CodeHourlyCap             = "HOURLY_CAP"
	CodeDuplicate             = "DUPLICATE_RECOMMENDATION"
	CodeMTFConsistency        = "MTF_CONSISTENCY"
	CodeOppositeConstraint    = "OPPOSITE_CONSTRAINT"
	CodeExposureCap           = "EXPOSURE_CAP"
)

// Cooldown and cap scopes
const (
	ScopeSameDirection = "SAME_DIRECTION"
	ScopeOpposite      = "OPPOSITE"
	ScopeGlobal        = "GLOBAL"
	ScopeHourlyTotal   = "TOTAL"
	ScopePerDirection  = "PER_DIRECTION"
)

// Details carries the rule-specific rejection fields. One variant exists per
// rejection code; Map flattens the variant for decision steps and snapshots.
type Details interface {
	Map() map[string]interface{}
}

// Rejection is the typed outcome of a failed gating rule
type Rejection struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Details Details `json:"details,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("gating rejected: %s: %s", r.Code, r.Message)
}

// DetailMap returns the flattened rule-specific fields, never nil
func (r *Rejection) DetailMap() map[string]interface{} {
	if r.Details == nil {
		return map[string]interface{}{}
	}
	return r.Details.Map()
}

// ValidationDetails covers schema validation failures
type ValidationDetails struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (d ValidationDetails) Map() map[string]interface{} {
	return map[string]interface{}{
		"field":   d.Field,
		"message": d.Message,
	}
}

// CooldownDetails covers the three cooldown scopes and the hourly caps
type CooldownDetails struct {
	Scope           string    `json:"scope"`
	RemainingMs     int64     `json:"remainingMs"`
	NextAvailableAt time.Time `json:"nextAvailableAt"`
	Cap             int       `json:"cap,omitempty"`
	CurrentCount    int       `json:"currentCount,omitempty"`
}

func (d CooldownDetails) Map() map[string]interface{} {
	out := map[string]interface{}{
		"scope":           d.Scope,
		"remainingMs":     d.RemainingMs,
		"nextAvailableAt": d.NextAvailableAt,
	}
	if d.Cap > 0 {
		out["cap"] = d.Cap
		out["currentCount"] = d.CurrentCount
	}
	return out
}

// DuplicateDetails covers duplicate suppression
type DuplicateDetails struct {
	WindowMinutes int      `json:"windowMinutes"`
	BpsThreshold  float64  `json:"bpsThreshold"`
	MatchedIDs    []string `json:"matchedIds"`
}

func (d DuplicateDetails) Map() map[string]interface{} {
	return map[string]interface{}{
		"windowMinutes": d.WindowMinutes,
		"bpsThreshold":  d.BpsThreshold,
		"matchedIds":    d.MatchedIDs,
	}
}

// MTFDetails covers multi-timeframe consistency
type MTFDetails struct {
	Agreement         float64 `json:"agreement"`
	MinAgreement      float64 `json:"minAgreement"`
	DominantDirection string  `json:"dominantDirection"`
}

func (d MTFDetails) Map() map[string]interface{} {
	return map[string]interface{}{
		"agreement":         d.Agreement,
		"minAgreement":      d.MinAgreement,
		"dominantDirection": d.DominantDirection,
	}
}

// OppositeDetails covers the opposite-direction confidence constraint
type OppositeDetails struct {
	OppositeActiveCount int     `json:"oppositeActiveCount"`
	Confidence          float64 `json:"confidence"`
	MinConfidence       float64 `json:"minConfidence"`
}

func (d OppositeDetails) Map() map[string]interface{} {
	return map[string]interface{}{
		"oppositeActiveCount": d.OppositeActiveCount,
		"confidence":          d.Confidence,
		"minConfidence":       d.MinConfidence,
	}
}

// ExposureDetails covers the total and per-direction exposure caps
type ExposureDetails struct {
	TotalCap         int    `json:"totalCap"`
	DirCap           int    `json:"dirCap"`
	CurrentTotal     int    `json:"currentTotal"`
	CurrentDirection int    `json:"currentDirection"`
	Adding           int    `json:"adding"`
	Scope            string `json:"scope"`
}

func (d ExposureDetails) Map() map[string]interface{} {
	return map[string]interface{}{
		"totalCap":         d.TotalCap,
		"dirCap":           d.DirCap,
		"currentTotal":     d.CurrentTotal,
		"currentDirection": d.CurrentDirection,
		"adding":           d.Adding,
		"scope":            d.Scope,
	}
}
