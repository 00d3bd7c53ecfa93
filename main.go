package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/alerts"
	"equities-trading-bot/internal/api"
	"equities-trading-bot/internal/bars"
	"equities-trading-bot/internal/basket"
	"equities-trading-bot/internal/broker"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/database"
	"equities-trading-bot/internal/dispatch"
	"equities-trading-bot/internal/edgar"
	"equities-trading-bot/internal/engine"
	"equities-trading-bot/internal/eod"
	"equities-trading-bot/internal/events"
	"equities-trading-bot/internal/ingest"
	"equities-trading-bot/internal/llm"
	"equities-trading-bot/internal/logging"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/mixer"
	"equities-trading-bot/internal/quotes"
	"equities-trading-bot/internal/ratelimit"
	"equities-trading-bot/internal/regime"
	"equities-trading-bot/internal/risk"
	"equities-trading-bot/internal/secrets"
	"equities-trading-bot/internal/suppress"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env is optional; the environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vault, err := secrets.NewClient(cfg.VaultConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Vault client init failed")
	}
	if err := vault.Load(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Credential load failed")
	}

	clock := marketclock.RealClock{}
	cal, err := marketclock.NewCalendar(cfg.MarketConfig.Timezone, cfg.MarketConfig.Holidays)
	if err != nil {
		logger.Fatal().Err(err).Msg("Calendar init failed")
	}

	store := coord.NewStore(&cfg.RedisConfig, clock, logger)
	defer store.Close()

	db, err := database.New(ctx, databaseDSN(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database init failed")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Database migration failed")
	}

	bus := events.NewEventBus()
	notifier := alerts.New(ctx, cfg.AlertsConfig, logger)
	notifier.Observe(bus)

	barStore := bars.NewStore(30*time.Second, 120)
	priceSource := func(symbol string) (float64, bool) { return barStore.LastPrice(symbol) }

	inverseETFs := make([]string, 0, len(cfg.BasketConfig.Baskets))
	for _, spec := range cfg.BasketConfig.Baskets {
		inverseETFs = append(inverseETFs, spec.InverseETF)
	}
	riskMgr := risk.NewManager(cfg.RiskConfig, cfg.TradingConfig, inverseETFs, clock, bus, logger)

	brokerClient := broker.New(cfg, priceSource, cal, clock, logger)
	if account, err := brokerClient.GetAccount(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial account fetch failed, equity set on first sync")
	} else {
		riskMgr.SetEquity(account.Equity)
	}

	provider := quotes.NewAlpacaProvider(cfg.AlpacaConfig, logger)
	limiter := ratelimit.New(store.Client(), cfg.RateLimitConfig, clock, logger)
	ingestor := ingest.New(cfg.UniverseConfig, provider, barStore, limiter, cal, clock, logger)

	var gate *llm.Gate
	var validator *llm.Validator
	if cfg.LLMConfig.Enabled {
		client := llm.NewClient(&llm.ClientConfig{
			Provider: llm.Provider(cfg.LLMConfig.Provider),
			APIKey:   llmAPIKey(cfg),
			Model:    cfg.LLMConfig.Model,
			Timeout:  time.Duration(cfg.LLMConfig.TimeoutSecs) * time.Second,
		})
		if client.IsConfigured() {
			gate = llm.NewGate(cfg.LLMConfig, llm.NewAnalyzer(client, logger), store, cal, clock, logger)
			if cfg.LLMConfig.ValidatorEnabled {
				validator = llm.NewValidator(cfg.LLMConfig, client, logger)
			}
		} else {
			logger.Warn().Msg("LLM enabled but no API key configured, sentiment disabled")
		}
	}

	agg := basket.New(cfg.BasketConfig, cfg.SignalConfig.ConflictCheckEnabled, store, riskMgr, priceSource, clock, logger)
	chain := suppress.NewChain(cfg.SignalConfig, store, riskMgr, cal, clock, logger)
	dispatcher := dispatch.New(cfg.TradingConfig, brokerClient, store, riskMgr, db, bus, cal, clock, logger)
	flattener := eod.NewFlattener(brokerClient, store, riskMgr, bus, cal, clock, logger)
	reporter := eod.NewReporter(cfg.EODConfig, bus, store, db, notifier, cal, clock, logger)

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Ingestor:   ingestor,
		Bars:       barStore,
		Detector:   regime.NewDetector(30 * time.Second),
		Gate:       gate,
		Validator:  validator,
		Mixer:      mixer.New(cfg.SignalConfig, clock, logger),
		Chain:      chain,
		Basket:     agg,
		Risk:       riskMgr,
		Dispatcher: dispatcher,
		Flattener:  flattener,
		Reporter:   reporter,
		Recorder:   db,
		Coord:      store,
		Broker:     brokerClient,
		Bus:        bus,
		Calendar:   cal,
		Clock:      clock,
		Logger:     logger,
	})

	// Warm the indicator windows before the first scan.
	warmup := append(append([]string{}, cfg.UniverseConfig.TierASymbols...), cfg.UniverseConfig.TierBSymbols...)
	ingestor.Backfill(ctx, warmup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if cfg.EdgarConfig.Enabled {
		watched := append(warmup, cfg.UniverseConfig.BenchSymbols...)
		scanner := edgar.New(cfg.EdgarConfig, watched, store, eng, bus, clock, logger)
		g.Go(func() error { return scanner.Run(gctx) })
	}

	if cfg.ServerConfig.Enabled {
		server := api.NewServer(cfg, eng, riskMgr, flattener, db, store, limiter, bus, logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	logger.Info().Bool("auto_mode", cfg.TradingConfig.AutoMode).
		Bool("mock_broker", cfg.AlpacaConfig.MockMode).
		Bool("redis", cfg.RedisConfig.Enabled).
		Bool("database", db.Enabled()).
		Msg("All components started")

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("Component exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

func databaseDSN(cfg *config.Config) string {
	if !cfg.DatabaseConfig.Enabled {
		return ""
	}
	return cfg.DatabaseConfig.URL
}

func llmAPIKey(cfg *config.Config) string {
	switch cfg.LLMConfig.Provider {
	case "openai":
		return cfg.LLMConfig.OpenAIAPIKey
	case "deepseek":
		return cfg.LLMConfig.DeepSeekAPIKey
	default:
		return cfg.LLMConfig.ClaudeAPIKey
	}
}
