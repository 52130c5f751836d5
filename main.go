package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"straddle-trading-engine/config"
	"straddle-trading-engine/internal/circuit"
	"straddle-trading-engine/internal/engine"
	"straddle-trading-engine/internal/events"
	"straddle-trading-engine/internal/gateway"
	"straddle-trading-engine/internal/ledger"
	"straddle-trading-engine/internal/params"
	"straddle-trading-engine/internal/store"
	"straddle-trading-engine/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config.json (defaults apply when empty)")
	flag.Parse()

	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("loading config")
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().
		Bool("paper", cfg.BinanceConfig.PaperMode).
		Bool("testnet", cfg.BinanceConfig.TestNet).
		Strs("symbols", cfg.EngineConfig.Symbols).
		Msg("starting straddle trading engine")

	coins, err := loadCoinParams(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading coin params")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	book := ledger.New(cfg.EngineConfig.InitialEquity)
	book.SetCostRates(cfg.CostConfig.TakerFeeRate, cfg.CostConfig.MakerFeeRate, cfg.CostConfig.Slippage)

	deps := engine.Deps{
		Ledger:  book,
		Bus:     events.NewBus(),
		Breaker: circuit.NewBreaker(cfg.CircuitBreakerConfig, time.Now()),
		Logger:  logger,
	}

	if cfg.BinanceConfig.PaperMode {
		paper := gateway.NewPaperGateway(false)
		deps.Gateway = paper
		deps.Paper = paper
	} else {
		deps.Gateway = gateway.NewBinanceGateway(
			cfg.BinanceConfig.APIKey,
			cfg.BinanceConfig.SecretKey,
			cfg.BinanceConfig.TestNet,
			logger,
		)
	}

	if cfg.DatabaseConfig.Enabled {
		tradeLog, err := store.NewPostgresTradeLog(ctx, cfg.DatabaseConfig.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connecting trade log")
		}
		defer tradeLog.Close()
		deps.TradeLog = tradeLog
	}

	if cfg.RedisConfig.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		deps.Snapshots = store.NewRedisPositionSnapshots(client, logger)
	}

	deps.Bus.Subscribe(events.EventBreakerTripped, func(ev events.Event) {
		logger.Warn().Interface("data", ev.Data).Msg("circuit breaker tripped")
	})
	deps.Breaker.OnTrip(func(reason string) {
		deps.Bus.Publish(events.Event{Type: events.EventBreakerTripped, Data: map[string]interface{}{
			"reason": reason,
		}})
	})

	eng := engine.New(engine.Config{
		Mode:              engine.ModeLive,
		InitialEquity:     cfg.EngineConfig.InitialEquity,
		LookbackSeconds:   cfg.EngineConfig.LookbackSeconds,
		ATRSubWindow:      cfg.EngineConfig.ATRSubWindow,
		SignalCadence:     cfg.EngineConfig.SignalCadence,
		BufferSize:        cfg.EngineConfig.BufferSize,
		ChannelCapacity:   cfg.EngineConfig.ChannelCapacity,
		LiquidationBuffer: cfg.EngineConfig.LiquidationBuffer,
	}, coins, deps)

	if err := eng.Resume(ctx); err != nil {
		logger.Fatal().Err(err).Msg("resuming open positions")
	}
	eng.Start(ctx)

	streamURL := stream.MainnetStreamURL
	if cfg.BinanceConfig.TestNet {
		streamURL = stream.TestnetStreamURL
	}
	ticks := stream.NewBinanceTickStream(streamURL, cfg.EngineConfig.Symbols, eng.Feed, logger)

	// Periodic performance report.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := book.Performance(time.Now())
				logger.Info().
					Float64("equity", snap.AccountEquity).
					Float64("return_pct", snap.TotalReturnPct).
					Float64("win_rate", snap.WinRate).
					Float64("max_dd_pct", snap.MaxDrawdownPct).
					Int("open", snap.OpenPositionCount).
					Int("trades_today", snap.TradesToday).
					Float64("fees", snap.TotalFeesPaid).
					Msg("performance")
			}
		}
	}()

	if err := ticks.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("tick stream terminated")
	}

	eng.Stop()
	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stdout
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger
}

// loadCoinParams reads the per-symbol parameter file and fills defaults
// for configured symbols the file does not mention.
func loadCoinParams(cfg *config.Config, logger zerolog.Logger) (map[string]params.CoinParams, error) {
	coins := make(map[string]params.CoinParams)

	if path := cfg.EngineConfig.CoinParamsFile; path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := params.Load(path)
			if err != nil {
				return nil, err
			}
			coins = loaded
		} else {
			logger.Warn().Str("path", path).Msg("coin params file missing, using variant defaults")
		}
	}

	for _, symbol := range cfg.EngineConfig.Symbols {
		if _, ok := coins[symbol]; !ok {
			coins[symbol] = params.Defaults(symbol, params.VariantConservative)
		}
	}
	return coins, nil
}
