package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"perp-advisor/config"
	"perp-advisor/internal/api"
	"perp-advisor/internal/cache"
	"perp-advisor/internal/database"
	"perp-advisor/internal/decision"
	"perp-advisor/internal/engine"
	"perp-advisor/internal/events"
	"perp-advisor/internal/gating"
	"perp-advisor/internal/logging"
	"perp-advisor/internal/marketdata"
	"perp-advisor/internal/pricing"
	"perp-advisor/internal/slippage"
	"perp-advisor/internal/stats"
	"perp-advisor/internal/tracker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger.Info().Str("symbol", cfg.EngineConfig.Symbol).Msg("Starting perp-advisor")

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	repo := database.NewRepository(db)
	bus := events.NewEventBus()

	// Optional Redis advisory mirror; the process runs degraded without it
	var mirror *cache.CacheService
	if cfg.RedisConfig.Enabled {
		mirror, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis mirror unavailable, continuing without it")
			mirror = nil
		} else {
			defer mirror.Close()
		}
	}

	market := marketdata.NewClient(cfg.PricingConfig.BaseURL, logger)
	prices := pricing.NewMonitor(market, pricing.Config{
		CacheTTL:        cfg.PricingConfig.CacheTTL,
		StaleWindow:     cfg.PricingConfig.StaleWindow,
		FetchRatePerSec: cfg.PricingConfig.FetchRatePerSec,
		FetchBurst:      cfg.PricingConfig.FetchBurst,
	}, logger)

	chains := decision.NewMonitor(repo, logger)
	gate := gating.NewEngine(repo, chains, gating.NewCounters(), gating.NewSymbolLocks(), gating.Config{
		CooldownSameDirection: cfg.GatingConfig.CooldownSameDirection,
		CooldownOpposite:      cfg.GatingConfig.CooldownOpposite,
		CooldownGlobal:        cfg.GatingConfig.CooldownGlobal,
		HourlyCapTotal:        cfg.GatingConfig.HourlyCapTotal,
		HourlyCapPerDirection: cfg.GatingConfig.HourlyCapPerDirection,
		DuplicateWindow:       cfg.GatingConfig.DuplicateWindow,
		DuplicateBpsThreshold: cfg.GatingConfig.DuplicateBpsThreshold,
		RequireMTFAgreement:   cfg.GatingConfig.RequireMTFAgreement,
		MinMTFAgreement:       cfg.GatingConfig.MinMTFAgreement,
		OppositeMinConfidence: cfg.GatingConfig.OppositeMinConfidence,
		MaxActiveTotal:        cfg.GatingConfig.MaxActiveTotal,
		MaxActivePerDirection: cfg.GatingConfig.MaxActivePerDirection,
	}, logger)

	track := tracker.NewTracker(repo, prices, bus, tracker.Config{
		TickInterval:    cfg.TrackerConfig.TickInterval,
		PriceGrace:      cfg.TrackerConfig.PriceGrace,
		MaxHoldingTime:  cfg.TrackerConfig.MaxHoldingTime,
		BreakEvenEnable: cfg.TrackerConfig.BreakEvenEnable,
		BreakEvenWindow: cfg.TrackerConfig.BreakEvenWindow,
		IOTimeout:       cfg.EngineConfig.IOTimeout,
	}, logger)

	calc := stats.NewCalculator(repo, stats.Config{
		CacheTTL: cfg.StatsConfig.CacheTTL,
	}, logger)

	analyzer := slippage.NewAnalyzer(repo, bus, slippage.Config{
		MaintainInterval: cfg.SlippageConfig.MaintainInterval,
		Debounce:         cfg.SlippageConfig.Debounce,
		SigmaFactor:      cfg.SlippageConfig.SigmaFactor,
		IOTimeout:        cfg.EngineConfig.IOTimeout,
	}, logger)

	// Every closure lands a CLOSE fill, an exit step on the decision chain and
	// a slippage observation.
	recorder := engine.NewExitRecorder(repo, chains, analyzer, cfg.EngineConfig.IOTimeout, logger)
	track.AddCloseHook(recorder.OnClose)

	signals := marketdata.NewSignalClient(cfg.EngineConfig.SignalEndpoint, logger)
	service := engine.NewService(repo, signals, gate, chains, track, calc, bus, engine.Config{
		Symbol:       cfg.EngineConfig.Symbol,
		TickInterval: cfg.EngineConfig.AdmissionTickInterval,
		IOTimeout:    cfg.EngineConfig.IOTimeout,
	}, logger)

	if mirror != nil {
		// Mirror last prices and gating counters to Redis on lifecycle events.
		// Best effort; the mirror is never read back by core paths.
		bus.SubscribeAll(func(ev events.Event) {
			mctx, cancel := context.WithTimeout(context.Background(), cfg.EngineConfig.IOTimeout)
			defer cancel()
			_ = mirror.SetGatingCounters(mctx, gate.Counters().Snapshot())
			if symbol, ok := ev.Data["symbol"].(string); ok && symbol != "" {
				if q, err := prices.GetLatest(mctx, symbol); err == nil {
					_ = mirror.SetLastPrice(mctx, symbol, q.Price)
				}
			}
		})
	}

	if err := track.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start tracker")
	}
	service.Start()
	analyzer.Start()

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowOrigins:   cfg.ServerConfig.AllowOrigins,
	}, repo, service, track, calc, chains, prices, gate, analyzer, mirror, bus, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.EngineConfig.ShutdownTimeout)
	defer cancel()

	// New admissions are rejected first, then the loops drain, then HTTP stops
	service.Stop()
	track.Stop()
	analyzer.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down API server")
	}

	logger.Info().Msg("Shutdown complete")
}
