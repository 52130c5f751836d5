package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"straddle-trading-engine/internal/circuit"
)

// Config is the full engine configuration, loaded from a JSON file with
// environment-variable overrides for credentials and endpoints.
type Config struct {
	BinanceConfig        BinanceConfig   `json:"binance"`
	EngineConfig         EngineConfig    `json:"engine"`
	CostConfig           CostConfig      `json:"costs"`
	DatabaseConfig       DatabaseConfig  `json:"database"`
	RedisConfig          RedisConfig     `json:"redis"`
	LoggingConfig        LoggingConfig   `json:"logging"`
	CircuitBreakerConfig *circuit.Config `json:"circuit_breaker"`
}

// BinanceConfig holds venue credentials and endpoints.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
	PaperMode bool   `json:"paper_mode"` // synthesize fills locally, no order flow to the venue
}

// EngineConfig tunes the tick engine.
type EngineConfig struct {
	Symbols           []string `json:"symbols"`
	CoinParamsFile    string   `json:"coin_params_file"`
	InitialEquity     float64  `json:"initial_equity"`
	LookbackSeconds   float64  `json:"lookback_seconds"`
	ATRSubWindow      int      `json:"atr_sub_window"`
	SignalCadence     int      `json:"signal_cadence"`
	BufferSize        int      `json:"buffer_size"`
	ChannelCapacity   int      `json:"channel_capacity"`
	LiquidationBuffer float64  `json:"liquidation_buffer"`
}

// CostConfig overrides the default fee and slippage rates.
type CostConfig struct {
	TakerFeeRate float64 `json:"taker_fee_rate"`
	MakerFeeRate float64 `json:"maker_fee_rate"`
	Slippage     float64 `json:"slippage"`
}

// DatabaseConfig holds the Postgres connection for the closed-trade log.
type DatabaseConfig struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// RedisConfig holds the open-position snapshot store connection.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Enabled  bool   `json:"enabled"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load reads the config file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a paper-trading testnet configuration.
func Default() *Config {
	return &Config{
		BinanceConfig: BinanceConfig{
			TestNet:   true,
			PaperMode: true,
		},
		EngineConfig: EngineConfig{
			Symbols:         []string{"BTCUSDT", "ETHUSDT"},
			CoinParamsFile:  "configs/coins.yaml",
			InitialEquity:   10000,
			LookbackSeconds: 60,
			ATRSubWindow:    100,
			SignalCadence:   10,
			BufferSize:      10000,
			ChannelCapacity: 1024,
		},
		CostConfig: CostConfig{
			TakerFeeRate: 0.0005,
			MakerFeeRate: 0.0002,
			Slippage:     0.0001,
		},
		RedisConfig: RedisConfig{
			Addr: "localhost:6379",
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
		CircuitBreakerConfig: circuit.DefaultConfig(),
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.BinanceConfig.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.BinanceConfig.SecretKey = v
	}
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		c.BinanceConfig.TestNet = v == "true" || v == "1"
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseConfig.URL = v
		c.DatabaseConfig.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisConfig.Addr = v
		c.RedisConfig.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisConfig.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.RedisConfig.DB = db
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LoggingConfig.Level = v
	}
}

// Validate checks the load-time invariants.
func (c *Config) Validate() error {
	if len(c.EngineConfig.Symbols) == 0 {
		return fmt.Errorf("config: no symbols configured")
	}
	if c.EngineConfig.InitialEquity <= 0 {
		return fmt.Errorf("config: initial_equity must be positive")
	}
	if c.CostConfig.TakerFeeRate < 0 || c.CostConfig.MakerFeeRate < 0 || c.CostConfig.Slippage < 0 {
		return fmt.Errorf("config: cost rates must be non-negative")
	}
	if !c.BinanceConfig.PaperMode && (c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "") {
		return fmt.Errorf("config: live trading requires BINANCE_API_KEY and BINANCE_SECRET_KEY")
	}
	return nil
}
