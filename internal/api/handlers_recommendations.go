package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"perp-advisor/internal/database"
	"perp-advisor/internal/engine"
	"perp-advisor/internal/gating"
	"perp-advisor/internal/pricing"
	"perp-advisor/internal/tracker"
)

// CreateRecommendationRequest is the manual-creation payload
type CreateRecommendationRequest struct {
	Symbol            string   `json:"symbol"`
	Direction         string   `json:"direction"`
	StrategyType      string   `json:"strategy_type"`
	Leverage          float64  `json:"leverage"`
	EntryPrice        float64  `json:"entry_price"`
	CurrentPrice      float64  `json:"current_price"`
	TakeProfitPrice   float64  `json:"take_profit_price"`
	StopLossPrice     float64  `json:"stop_loss_price"`
	Confidence        float64  `json:"confidence"`
	ExpectedValue     *float64 `json:"expected_value,omitempty"`
	MTFAgreement      *float64 `json:"mtf_agreement,omitempty"`
	DominantDirection *string  `json:"dominant_direction,omitempty"`
	BypassCooldown    bool     `json:"bypass_cooldown,omitempty"`
	ExperimentID      *string  `json:"experiment_id,omitempty"`
	Variant           *string  `json:"variant,omitempty"`
	ABGroup           *string  `json:"ab_group,omitempty"`
}

func (s *Server) handleCreateRecommendation(c *gin.Context) {
	var req CreateRecommendationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, gating.CodeInvalidRequestBody, err.Error())
		return
	}

	direction, ok := database.ParseDirection(req.Direction)
	if !ok {
		errorResponse(c, http.StatusBadRequest, gating.CodeInvalidDirection,
			"direction must be LONG or SHORT")
		return
	}

	cand := &gating.Candidate{
		Symbol:          req.Symbol,
		Direction:       direction,
		StrategyType:    req.StrategyType,
		Leverage:        req.Leverage,
		EntryPrice:      req.EntryPrice,
		CurrentPrice:    req.CurrentPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		StopLossPrice:   req.StopLossPrice,
		Confidence:      req.Confidence,
		ExpectedValue:   req.ExpectedValue,
		MTFAgreement:    req.MTFAgreement,
		BypassCooldown:  req.BypassCooldown,
		ExperimentID:    req.ExperimentID,
		Variant:         req.Variant,
		ABGroup:         req.ABGroup,
	}
	if req.DominantDirection != nil {
		if dominant, ok := database.ParseDirection(*req.DominantDirection); ok {
			cand.DominantDirection = &dominant
		}
	}

	// The loop-guard header stops hook-driven creations from re-triggering
	// their own hooks.
	opts := engine.AdmitOptions{SuppressHooks: c.GetHeader("x-loop-guard") == "1"}

	adm, rejection, err := s.service.Admit(c.Request.Context(), cand, "MANUAL", opts)
	if err != nil {
		if errors.Is(err, engine.ErrShuttingDown) {
			errorResponse(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "service is shutting down")
			return
		}
		s.internalError(c, err)
		return
	}
	if rejection != nil {
		rejectionResponse(c, rejection)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"id":                adm.Recommendation.ID,
			"decision_chain_id": adm.ChainID,
			"recommendation":    adm.Recommendation,
		},
	})
}

func (s *Server) handleListRecommendations(c *gin.Context) {
	filter := database.RecommendationFilter{
		Limit:         parseIntQuery(c, "limit", 100),
		Offset:        parseIntQuery(c, "offset", 0),
		StrategyType:  c.Query("strategy_type"),
		Status:        c.Query("status"),
		Result:        c.Query("result"),
		ExperimentID:  c.Query("experiment_id"),
		IncludeActive: c.Query("include_active") == "true",
	}
	if d, ok := database.ParseDirection(c.Query("direction")); ok {
		filter.Direction = d
	}
	if t, ok := parseTimeQuery(c, "start_date"); ok {
		filter.StartDate = &t
	}
	if t, ok := parseTimeQuery(c, "end_date"); ok {
		filter.EndDate = &t
	}

	recs, err := s.repo.ListRecommendations(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}

	deduped := database.DeduplicateRecommendations(recs)
	successResponse(c, gin.H{
		"recommendations": deduped,
		"count":           len(deduped),
		"raw_count":       len(recs),
	})
}

func (s *Server) handleListActiveRecommendations(c *gin.Context) {
	recs := s.track.Active()
	if len(recs) == 0 {
		// The in-memory set may be cold right after startup
		stored, err := s.repo.ListActiveRecommendations(c.Request.Context())
		if err != nil {
			s.internalError(c, err)
			return
		}
		recs = stored
	}

	deduped := database.DeduplicateRecommendations(recs)
	successResponse(c, gin.H{
		"recommendations": deduped,
		"count":           len(deduped),
	})
}

func (s *Server) handleGetRecommendation(c *gin.Context) {
	rec, err := s.repo.GetRecommendation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "RECOMMENDATION_NOT_FOUND", c.Param("id"))
			return
		}
		s.internalError(c, err)
		return
	}
	successResponse(c, rec)
}

// CloseRecommendationRequest is the manual-close payload
type CloseRecommendationRequest struct {
	ExitPrice float64 `json:"exit_price,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

func (s *Server) handleCloseRecommendation(c *gin.Context) {
	var req CloseRecommendationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, gating.CodeInvalidRequestBody, err.Error())
			return
		}
	}

	rec, err := s.track.ManualClose(c.Request.Context(), c.Param("id"), req.ExitPrice, req.Reason)
	if err != nil {
		s.trackerError(c, err)
		return
	}
	successResponse(c, rec)
}

func (s *Server) handleExpireRecommendation(c *gin.Context) {
	rec, err := s.track.ForceExpire(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.trackerError(c, err)
		return
	}
	successResponse(c, rec)
}

func (s *Server) trackerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotTracked):
		errorResponse(c, http.StatusNotFound, "RECOMMENDATION_NOT_FOUND", c.Param("id"))
	case errors.Is(err, tracker.ErrAlreadyClosed):
		errorResponse(c, http.StatusConflict, "ALREADY_CLOSED", c.Param("id"))
	case errors.Is(err, pricing.ErrUpstreamUnavailable):
		errorResponse(c, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", err.Error())
	default:
		s.internalError(c, err)
	}
}

func (s *Server) handleDeleteRecommendation(c *gin.Context) {
	if err := s.repo.DeleteRecommendation(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "RECOMMENDATION_NOT_FOUND", c.Param("id"))
			return
		}
		s.internalError(c, err)
		return
	}
	s.calc.Invalidate()
	successResponse(c, gin.H{"deleted": c.Param("id")})
}

func parseIntQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
