package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"perp-advisor/internal/database"
	"perp-advisor/internal/decision"
)

func (s *Server) chainFilterFromQuery(c *gin.Context) database.ChainFilter {
	filter := database.ChainFilter{
		Symbol:        c.Query("symbol"),
		Source:        c.Query("source"),
		FinalDecision: c.Query("final_decision"),
		Limit:         parseIntQuery(c, "limit", 50),
		Offset:        parseIntQuery(c, "offset", 0),
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
	return filter
}

func (s *Server) handleListChains(c *gin.Context) {
	chains, err := s.chains.List(c.Request.Context(), s.chainFilterFromQuery(c))
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, gin.H{
		"chains": chains,
		"count":  len(chains),
	})
}

func (s *Server) handleRecentChains(c *gin.Context) {
	chains, err := s.chains.List(c.Request.Context(), database.ChainFilter{
		Limit: parseIntQuery(c, "limit", 20),
	})
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, gin.H{"chains": chains, "count": len(chains)})
}

func (s *Server) handleFailedChains(c *gin.Context) {
	filter := s.chainFilterFromQuery(c)
	filter.FinalDecision = database.DecisionRejected

	chains, err := s.chains.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, gin.H{"chains": chains, "count": len(chains)})
}

func (s *Server) handleChainsBySymbol(c *gin.Context) {
	filter := s.chainFilterFromQuery(c)
	filter.Symbol = c.Param("symbol")

	chains, err := s.chains.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, gin.H{"chains": chains, "count": len(chains)})
}

func (s *Server) handleGetChain(c *gin.Context) {
	chain, err := s.chains.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, decision.ErrChainNotFound) {
			errorResponse(c, http.StatusNotFound, "CHAIN_NOT_FOUND", c.Param("id"))
			return
		}
		s.internalError(c, err)
		return
	}
	successResponse(c, chain)
}

func (s *Server) handleReplayChain(c *gin.Context) {
	withContext := c.DefaultQuery("market_context", "true") == "true"

	replay, err := s.chains.Replay(c.Request.Context(), c.Param("id"), withContext)
	if err != nil {
		if errors.Is(err, decision.ErrChainNotFound) {
			errorResponse(c, http.StatusNotFound, "CHAIN_NOT_FOUND", c.Param("id"))
			return
		}
		s.internalError(c, err)
		return
	}
	successResponse(c, gin.H{
		"chain_id": c.Param("id"),
		"steps":    replay,
	})
}

func (s *Server) handleChainStats(c *gin.Context) {
	metrics, err := s.chains.GetMetrics(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	successResponse(c, metrics)
}
