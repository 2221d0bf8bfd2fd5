package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root process configuration. Values come from an optional JSON
// file (CONFIG_PATH, default config.json) with environment overrides applied
// on top.
type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	EngineConfig   EngineConfig   `json:"engine"`
	PricingConfig  PricingConfig  `json:"pricing"`
	GatingConfig   GatingConfig   `json:"gating"`
	TrackerConfig  TrackerConfig  `json:"tracker"`
	StatsConfig    StatsConfig    `json:"stats"`
	SlippageConfig SlippageConfig `json:"slippage"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowOrigins   []string `json:"allow_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional advisory cache configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

// EngineConfig drives the integration service
type EngineConfig struct {
	Symbol                string        `json:"symbol"`                  // single perp instrument, e.g. ETHUSDT
	AdmissionTickInterval time.Duration `json:"tick_interval_admission"` // default 15s
	ShutdownTimeout       time.Duration `json:"shutdown_timeout"`        // default 30s
	IOTimeout             time.Duration `json:"io_timeout"`              // per external call, default 30s
	SignalEndpoint        string        `json:"signal_endpoint"`         // external signal service, empty disables polling
}

// PricingConfig drives the price monitor freshness rules
type PricingConfig struct {
	CacheTTL        time.Duration `json:"price_cache_ttl"`    // default 10s
	StaleWindow     time.Duration `json:"price_stale_window"` // default 60s
	FetchRatePerSec float64       `json:"fetch_rate_per_sec"` // default 5
	FetchBurst      int           `json:"fetch_burst"`        // default 10
	BaseURL         string        `json:"base_url"`           // market-data API, empty selects production
}

// GatingConfig holds every admission-control knob
type GatingConfig struct {
	CooldownSameDirection time.Duration `json:"cooldown_same_direction"`
	CooldownOpposite      time.Duration `json:"cooldown_opposite"`
	CooldownGlobal        time.Duration `json:"cooldown_global"`
	HourlyCapTotal        int           `json:"hourly_cap_total"`
	HourlyCapPerDirection int           `json:"hourly_cap_per_direction"`
	DuplicateWindow       time.Duration `json:"duplicate_window"`
	DuplicateBpsThreshold float64       `json:"duplicate_bps_threshold"`
	RequireMTFAgreement   bool          `json:"require_mtf_agreement"`
	MinMTFAgreement       float64       `json:"min_mtf_agreement"`
	OppositeMinConfidence float64       `json:"opposite_min_confidence"`
	MaxActiveTotal        int           `json:"max_active_total"`
	MaxActivePerDirection int           `json:"max_active_per_direction"`
}

// TrackerConfig drives the recommendation tracker loop
type TrackerConfig struct {
	TickInterval    time.Duration `json:"tick_interval_tracker"` // default 5s
	MaxHoldingTime  time.Duration `json:"max_holding_time"`      // default 24h
	PriceGrace      time.Duration `json:"price_grace"`           // default 120s
	BreakEvenEnable bool          `json:"break_even_enable"`
	BreakEvenWindow time.Duration `json:"break_even_window"` // default 4h
}

type StatsConfig struct {
	CacheTTL time.Duration `json:"stats_cache_ttl"` // default 60s
}

type SlippageConfig struct {
	MaintainInterval time.Duration `json:"maintain_interval"` // default 5m
	Debounce         time.Duration `json:"debounce"`          // default 15m
	SigmaFactor      float64       `json:"sigma_factor"`      // k in p95 + k*sigma, default 2
	TrimKeepDefault  int           `json:"trim_keep_default"` // default 100
}

// Load reads the configuration file and applies environment overrides
func Load() (*Config, error) {
	cfg := Default()

	path := getEnv("CONFIG_PATH", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated with the documented defaults
func Default() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "perp_advisor",
			Password: "perp_advisor",
			Database: "perp_advisor",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
		EngineConfig: EngineConfig{
			Symbol:                "ETHUSDT",
			AdmissionTickInterval: 15 * time.Second,
			ShutdownTimeout:       30 * time.Second,
			IOTimeout:             30 * time.Second,
		},
		PricingConfig: PricingConfig{
			CacheTTL:        10 * time.Second,
			StaleWindow:     60 * time.Second,
			FetchRatePerSec: 5,
			FetchBurst:      10,
		},
		GatingConfig: GatingConfig{
			CooldownSameDirection: 15 * time.Minute,
			CooldownOpposite:      5 * time.Minute,
			CooldownGlobal:        30 * time.Second,
			HourlyCapTotal:        6,
			HourlyCapPerDirection: 4,
			DuplicateWindow:       30 * time.Minute,
			DuplicateBpsThreshold: 10,
			RequireMTFAgreement:   false,
			MinMTFAgreement:       0.6,
			OppositeMinConfidence: 0.70,
			MaxActiveTotal:        3,
			MaxActivePerDirection: 2,
		},
		TrackerConfig: TrackerConfig{
			TickInterval:    5 * time.Second,
			MaxHoldingTime:  24 * time.Hour,
			PriceGrace:      120 * time.Second,
			BreakEvenEnable: false,
			BreakEvenWindow: 4 * time.Hour,
		},
		StatsConfig: StatsConfig{
			CacheTTL: 60 * time.Second,
		},
		SlippageConfig: SlippageConfig{
			MaintainInterval: 5 * time.Minute,
			Debounce:         15 * time.Minute,
			SigmaFactor:      2,
			TrimKeepDefault:  100,
		},
	}
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.EngineConfig.Symbol == "" {
		return fmt.Errorf("engine.symbol must be set")
	}
	if c.EngineConfig.AdmissionTickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval_admission must be positive")
	}
	if c.TrackerConfig.TickInterval <= 0 {
		return fmt.Errorf("tracker.tick_interval_tracker must be positive")
	}
	if c.GatingConfig.MinMTFAgreement < 0 || c.GatingConfig.MinMTFAgreement > 1 {
		return fmt.Errorf("gating.min_mtf_agreement must be in [0,1]")
	}
	if c.GatingConfig.OppositeMinConfidence < 0 || c.GatingConfig.OppositeMinConfidence > 1 {
		return fmt.Errorf("gating.opposite_min_confidence must be in [0,1]")
	}
	if c.SlippageConfig.TrimKeepDefault <= 0 {
		return fmt.Errorf("slippage.trim_keep_default must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ServerConfig.Host = getEnv("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvInt("SERVER_PORT", cfg.ServerConfig.Port)

	cfg.DatabaseConfig.Host = getEnv("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnv("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnv("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnv("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnv("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true" || v == "1"
	}
	cfg.RedisConfig.Address = getEnv("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnv("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.LoggingConfig.Level = getEnv("LOG_LEVEL", cfg.LoggingConfig.Level)

	cfg.EngineConfig.Symbol = getEnv("ENGINE_SYMBOL", cfg.EngineConfig.Symbol)
	cfg.EngineConfig.SignalEndpoint = getEnv("SIGNAL_ENDPOINT", cfg.EngineConfig.SignalEndpoint)
	cfg.PricingConfig.BaseURL = getEnv("MARKET_DATA_URL", cfg.PricingConfig.BaseURL)
	cfg.EngineConfig.AdmissionTickInterval = getEnvDuration("ADMISSION_TICK_INTERVAL", cfg.EngineConfig.AdmissionTickInterval)
	cfg.TrackerConfig.TickInterval = getEnvDuration("TRACKER_TICK_INTERVAL", cfg.TrackerConfig.TickInterval)
	cfg.TrackerConfig.MaxHoldingTime = getEnvDuration("MAX_HOLDING_TIME", cfg.TrackerConfig.MaxHoldingTime)
	cfg.PricingConfig.CacheTTL = getEnvDuration("PRICE_CACHE_TTL", cfg.PricingConfig.CacheTTL)
	cfg.PricingConfig.StaleWindow = getEnvDuration("PRICE_STALE_WINDOW", cfg.PricingConfig.StaleWindow)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
