// Package api exposes the HTTP surface: recommendation lifecycle, decision
// chain queries, statistics, monitoring, maintenance, and the websocket event
// stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"perp-advisor/internal/cache"
	"perp-advisor/internal/database"
	"perp-advisor/internal/decision"
	"perp-advisor/internal/engine"
	"perp-advisor/internal/events"
	"perp-advisor/internal/gating"
	"perp-advisor/internal/logging"
	"perp-advisor/internal/pricing"
	"perp-advisor/internal/slippage"
	"perp-advisor/internal/stats"
	"perp-advisor/internal/tracker"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Repo is the persistence surface the handlers read and mutate directly
type Repo interface {
	GetRecommendation(ctx context.Context, id string) (*database.Recommendation, error)
	ListRecommendations(ctx context.Context, f database.RecommendationFilter) ([]*database.Recommendation, error)
	ListActiveRecommendations(ctx context.Context) ([]*database.Recommendation, error)
	DeleteRecommendation(ctx context.Context, id string) error
	TrimHistory(ctx context.Context, keep int) (int64, error)
	ListGatedSnapshots(ctx context.Context, f database.GatedFilter) ([]*database.MonitoringSnapshot, error)
	HealthCheck(ctx context.Context) error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowOrigins   []string
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        ServerConfig
	logger     zerolog.Logger

	repo     Repo
	service  *engine.Service
	track    *tracker.Tracker
	calc     *stats.Calculator
	chains   *decision.Monitor
	prices   *pricing.Monitor
	gate     *gating.Engine
	analyzer *slippage.Analyzer
	mirror   *cache.CacheService // nil when redis is disabled
	bus      *events.EventBus

	hub         *WSHub
	rateLimiter *RateLimiter
	startTime   time.Time
}

// NewServer creates the API server and registers all routes
func NewServer(cfg ServerConfig, repo Repo, service *engine.Service, track *tracker.Tracker,
	calc *stats.Calculator, chains *decision.Monitor, prices *pricing.Monitor, gate *gating.Engine,
	analyzer *slippage.Analyzer, mirror *cache.CacheService, bus *events.EventBus, logger zerolog.Logger) *Server {

	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "x-loop-guard"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		cfg:         cfg,
		logger:      logger.With().Str("component", "APIServer").Logger(),
		repo:        repo,
		service:     service,
		track:       track,
		calc:        calc,
		chains:      chains,
		prices:      prices,
		gate:        gate,
		analyzer:    analyzer,
		mirror:      mirror,
		bus:         bus,
		hub:         NewWSHub(logger),
		rateLimiter: NewRateLimiter(240, time.Minute),
		startTime:   time.Now(),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.traceMiddleware())
	s.router.Use(s.rateLimitMiddleware())

	api := s.router.Group("/api")
	{
		api.POST("/recommendations", s.handleCreateRecommendation)
		api.GET("/recommendations", s.handleListRecommendations)
		api.GET("/recommendations/active", s.handleListActiveRecommendations)
		api.GET("/recommendations/:id", s.handleGetRecommendation)
		api.POST("/recommendations/:id/close", s.handleCloseRecommendation)
		api.POST("/recommendations/:id/expire", s.handleExpireRecommendation)
		api.DELETE("/recommendations/:id", s.handleDeleteRecommendation)

		api.GET("/statistics", s.handleOverallStatistics)
		api.GET("/statistics/summary", s.handleStatisticsSummary)
		api.GET("/statistics/strategies", s.handleAllStrategies)
		api.GET("/statistics/strategy/:name", s.handleStrategyStatistics)
		api.GET("/statistics/ev-pnl", s.handleEVDistribution)
		api.GET("/statistics/ev-monitoring", s.handleEVMonitoring)

		api.GET("/decision-chains", s.handleListChains)
		api.GET("/decision-chains/stats", s.handleChainStats)
		api.GET("/decision-chains/recent", s.handleRecentChains)
		api.GET("/decision-chains/failures", s.handleFailedChains)
		api.GET("/decision-chains/symbol/:symbol", s.handleChainsBySymbol)
		api.GET("/decision-chains/:id", s.handleGetChain)
		api.GET("/decision-chains/:id/replay", s.handleReplayChain)

		api.GET("/monitoring/gated", s.handleGatedSnapshots)
		api.GET("/monitoring/realtime", s.handleRealtimeStats)

		api.GET("/health", s.handleHealth)
		api.GET("/health/:component", s.handleComponentHealth)
		api.GET("/status", s.handleStatus)

		api.POST("/maintenance/trim", s.handleTrimHistory)
		api.POST("/maintenance/tracker/start", s.handleTrackerStart)
		api.POST("/maintenance/tracker/stop", s.handleTrackerStop)
		api.POST("/maintenance/cache/clear", s.handleCacheClear)
	}

	s.router.GET("/ws", s.handleWebSocket)
}

// traceMiddleware attaches a correlation id to every request
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := logging.GenerateTraceID()
		c.Set("trace_id", traceID)
		c.Header("x-trace-id", traceID)
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.FullPath()) {
			errorResponse(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start runs the HTTP server and the websocket hub
func (s *Server) Start() error {
	s.hub.Run()
	if s.bus != nil {
		s.bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// successResponse sends the uniform success envelope
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// errorResponse sends the uniform error envelope
func errorResponse(c *gin.Context, statusCode int, code, details string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   code,
		"details": details,
	})
}

// rejectionResponse maps a gating rejection to 409 with its typed fields
// merged into the envelope.
func rejectionResponse(c *gin.Context, rejection *gating.Rejection) {
	body := gin.H{
		"success": false,
		"error":   rejection.Code,
		"details": rejection.Message,
	}
	for k, v := range rejection.DetailMap() {
		body[k] = v
	}

	status := http.StatusConflict
	if isValidationCode(rejection.Code) {
		status = http.StatusBadRequest
	}
	c.JSON(status, body)
}

func isValidationCode(code string) bool {
	switch code {
	case gating.CodeInvalidRequestBody, gating.CodeInvalidDirection,
		"INVALID_ENTRY_PRICE", "INVALID_CURRENT_PRICE", "INVALID_LEVERAGE",
		"INVALID_CONFIDENCE", "INVALID_STOP_LOSS", "INVALID_TAKE_PROFIT":
		return true
	}
	return false
}

// internalError logs with the correlation id and returns an opaque 500
func (s *Server) internalError(c *gin.Context, err error) {
	traceID, _ := c.Get("trace_id")
	s.logger.Error().Err(err).Interface("trace_id", traceID).Str("path", c.FullPath()).Msg("Request failed")
	errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR",
		fmt.Sprintf("internal error (trace %v)", traceID))
}
