package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"perp-advisor/internal/stats"
)

func (s *Server) handleOverallStatistics(c *gin.Context) {
	summary, err := s.calc.Overall(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, summary)
}

// handleStatisticsSummary combines the overall aggregate with live tracker
// and gating counters in one payload.
func (s *Server) handleStatisticsSummary(c *gin.Context) {
	summary, err := s.calc.Overall(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, gin.H{
		"statistics": summary,
		"tracker":    s.track.GetMetrics(),
		"gating":     s.gate.Counters().Snapshot(),
	})
}

func (s *Server) handleAllStrategies(c *gin.Context) {
	period := c.DefaultQuery("period", stats.PeriodAllTime)
	strategies, err := s.calc.AllStrategies(c.Request.Context(), period)
	if err != nil {
		s.statsError(c, err)
		return
	}
	successResponse(c, gin.H{
		"period":     period,
		"strategies": strategies,
	})
}

func (s *Server) handleStrategyStatistics(c *gin.Context) {
	period := c.DefaultQuery("period", stats.PeriodAllTime)
	summary, err := s.calc.ByStrategy(c.Request.Context(), c.Param("name"), period)
	if err != nil {
		s.statsError(c, err)
		return
	}
	successResponse(c, summary)
}

func (s *Server) handleEVDistribution(c *gin.Context) {
	bins := parseIntQuery(c, "bins", 5)
	mode := c.DefaultQuery("bin_mode", stats.BinModeQuantile)
	abBreakdown := c.Query("ab_breakdown") == "true"

	dist, err := s.calc.Distribution(c.Request.Context(), bins, mode, abBreakdown)
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, dist)
}

func (s *Server) handleEVMonitoring(c *gin.Context) {
	window := c.DefaultQuery("window", stats.EVWindow1d)
	groupBy := c.DefaultQuery("group_by", "level")

	mon, err := s.calc.Monitoring(c.Request.Context(), window, groupBy)
	if err != nil {
		if errors.Is(err, stats.ErrUnknownWindow) {
			errorResponse(c, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
			return
		}
		s.internalError(c, err)
		return
	}
	successResponse(c, mon)
}

func (s *Server) handleRealtimeStats(c *gin.Context) {
	window, err := time.ParseDuration(c.DefaultQuery("window", "5m"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
		return
	}

	rt, err := s.calc.Realtime(c.Request.Context(), window)
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, rt)
}

func (s *Server) statsError(c *gin.Context, err error) {
	if errors.Is(err, stats.ErrUnknownPeriod) {
		errorResponse(c, http.StatusBadRequest, "INVALID_PERIOD", err.Error())
		return
	}
	s.internalError(c, err)
}
