package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"perp-advisor/internal/database"
)

func (s *Server) handleGatedSnapshots(c *gin.Context) {
	filter := database.GatedFilter{
		Symbol: c.Query("symbol"),
		Reason: c.Query("reason"),
		Limit:  parseIntQuery(c, "limit", 50),
		Offset: parseIntQuery(c, "offset", 0),
	}
	if t, ok := parseTimeQuery(c, "start_date"); ok {
		filter.StartDate = &t
	}
	if t, ok := parseTimeQuery(c, "end_date"); ok {
		filter.EndDate = &t
	}

	snapshots, err := s.repo.ListGatedSnapshots(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, gin.H{
		"snapshots": snapshots,
		"count":     len(snapshots),
		"counters":  s.gate.Counters().Snapshot(),
	})
}

func (s *Server) componentHealth(c *gin.Context, name string) (gin.H, bool) {
	switch name {
	case "database":
		if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
			return gin.H{"status": "unhealthy", "error": err.Error()}, false
		}
		return gin.H{"status": "healthy"}, true
	case "pricing":
		last, ok := s.prices.LastFetched()
		if !ok {
			return gin.H{"status": "degraded", "detail": "no quote fetched yet"}, true
		}
		age := time.Since(last)
		h := gin.H{"status": "healthy", "last_fetched": last, "age_seconds": age.Seconds()}
		if age > 2*time.Minute {
			h["status"] = "degraded"
		}
		return h, true
	case "tracker":
		status := "stopped"
		if s.track.Running() {
			status = "healthy"
		}
		return gin.H{"status": status, "active": s.track.ActiveCount()}, s.track.Running()
	case "engine":
		status := "stopped"
		if s.service.Running() {
			status = "healthy"
		}
		return gin.H{"status": status}, s.service.Running()
	case "cache":
		if s.mirror == nil {
			return gin.H{"status": "disabled"}, true
		}
		st := s.mirror.GetStats()
		status := "healthy"
		if !s.mirror.IsHealthy() {
			status = "degraded"
		}
		return gin.H{"status": status, "stats": st}, true
	}
	return nil, false
}

func (s *Server) handleHealth(c *gin.Context) {
	components := gin.H{}
	healthy := true
	for _, name := range []string{"database", "pricing", "tracker", "engine", "cache"} {
		h, ok := s.componentHealth(c, name)
		components[name] = h
		if !ok {
			healthy = false
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"success": healthy,
		"data": gin.H{
			"status":     overall,
			"components": components,
			"uptime":     time.Since(s.startTime).String(),
		},
	})
}

func (s *Server) handleComponentHealth(c *gin.Context) {
	name := c.Param("component")
	h, ok := s.componentHealth(c, name)
	if h == nil {
		errorResponse(c, http.StatusNotFound, "UNKNOWN_COMPONENT", name)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": ok, "data": h})
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, gin.H{
		"uptime":   time.Since(s.startTime).String(),
		"engine":   s.service.GetMetrics(),
		"tracker":  s.track.GetMetrics(),
		"slippage": s.analyzer.GetMetrics(),
		"gating":   s.gate.Counters().Snapshot(),
		"ws":       s.hub.ClientCount(),
	})
}

// TrimRequest caps how much closed history is kept
type TrimRequest struct {
	Keep int `json:"keep"`
}

func (s *Server) handleTrimHistory(c *gin.Context) {
	req := TrimRequest{Keep: 100}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", err.Error())
			return
		}
	}
	if req.Keep <= 0 {
		req.Keep = 100
	}

	removed, err := s.repo.TrimHistory(c.Request.Context(), req.Keep)
	if err != nil {
		s.internalError(c, err)
		return
	}
	s.calc.Invalidate()

	s.logger.Info().Int64("removed", removed).Int("keep", req.Keep).Msg("History trimmed")
	successResponse(c, gin.H{"removed": removed, "keep": req.Keep})
}

func (s *Server) handleTrackerStart(c *gin.Context) {
	if err := s.track.Start(c.Request.Context()); err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, gin.H{"running": s.track.Running()})
}

func (s *Server) handleTrackerStop(c *gin.Context) {
	s.track.Stop()
	successResponse(c, gin.H{"running": s.track.Running()})
}

func (s *Server) handleCacheClear(c *gin.Context) {
	s.prices.Clear()
	s.calc.Invalidate()

	if s.mirror != nil {
		if err := s.mirror.DeletePattern(c.Request.Context(), "advisor:*"); err != nil {
			s.logger.Warn().Err(err).Msg("Redis cache clear failed")
		}
	}
	successResponse(c, gin.H{"cleared": true})
}
