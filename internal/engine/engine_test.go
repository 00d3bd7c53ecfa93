package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/bars"
	"equities-trading-bot/internal/basket"
	"equities-trading-bot/internal/broker"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/dispatch"
	"equities-trading-bot/internal/eod"
	"equities-trading-bot/internal/events"
	"equities-trading-bot/internal/ingest"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/mixer"
	"equities-trading-bot/internal/quotes"
	"equities-trading-bot/internal/ratelimit"
	"equities-trading-bot/internal/regime"
	"equities-trading-bot/internal/risk"
	"equities-trading-bot/internal/signal"
	"equities-trading-bot/internal/suppress"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type staticProvider struct {
	fetches int
}

func (p *staticProvider) LatestTrade(_ context.Context, symbol string) (quotes.Trade, error) {
	p.fetches++
	return quotes.Trade{Symbol: symbol, Price: 100, Size: 10}, nil
}

func (p *staticProvider) HistoricalBars(context.Context, string, time.Time, int) ([]bars.Bar, error) {
	return nil, nil
}

func testConfig() *config.Config {
	return &config.Config{
		TradingConfig: config.TradingConfig{
			AutoMode:           true,
			MaxPricePerShare:   120,
			OrderRetryAttempts: 3,
			QueueForOpen:       true,
		},
		UniverseConfig: config.UniverseConfig{
			TierASymbols:      []string{"NVDA", "AAPL", "MSFT", "TSLA"},
			TierBSymbols:      []string{"AMZN", "GOOGL", "META", "SQQQ"},
			BenchSymbols:      []string{"AMD", "AVGO", "NFLX", "SOXS"},
			TierAIntervalSecs: 30,
			TierBIntervalSecs: 60,
		},
		SignalConfig: config.SignalConfig{
			CutoffRTH:              0.18,
			CutoffEXT:              0.28,
			MixerThreshold:         0.18,
			MixerCooldownSecs:      180,
			ImprovementDelta:       0.10,
			DirectionLockSecs:      300,
			SessionDailyCap:        6,
			EdgarBonus:             0.1,
			ConflictCheckEnabled:   true,
			InsufficientHistoryMin: 20,
		},
		BasketConfig: config.BasketConfig{
			Baskets: map[string]config.BasketSpec{
				"MEGATECH": {Symbols: []string{"AAPL", "MSFT", "NVDA", "TSLA", "META", "AMZN"}, InverseETF: "SQQQ"},
			},
			WindowSecs:           300,
			MinTickers:           3,
			NegativeFraction:     0.6,
			MeanScoreMax:         -0.12,
			ETFLockTTLSecs:       90,
			InverseEntryMinScore: 0.30,
		},
		RiskConfig: config.RiskConfig{
			RiskPerTrade:      0.005,
			MaxConcurrentRisk: 0.02,
			DailyLossLimit:    0.02,
			MaxPositions:      4,
			MinSlots:          3,
			MaxEquityExposure: 0.8,
			InverseShrink:     0.5,
			WarnFraction:      0.8,
		},
		RateLimitConfig: config.RateLimitConfig{
			PerMinuteTotal:    30,
			TierATokens:       20,
			TierBTokens:       8,
			ReserveTokens:     2,
			ReserveWindowSecs: 10,
		},
		EODConfig:   config.EODConfig{FlattenLeadMins: 10},
		CoordConfig: config.CoordConfig{InstanceID: "eng-test", ClaimTTLSecs: 30, HeartbeatSecs: 10},
	}
}

type engineRig struct {
	e        *Engine
	clock    *marketclock.FakeClock
	store    *coord.Store
	barStore *bars.Store
	broker   *broker.Paper
	risk     *risk.Manager
	provider *staticProvider
}

func newEngineRig(t *testing.T, at time.Time) *engineRig {
	t.Helper()
	cfg := testConfig()
	clock := marketclock.NewFake(at)
	cal, err := marketclock.NewCalendar("America/New_York", nil)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()

	store := coord.NewStore(nil, clock, logger)
	barStore := bars.NewStore(30*time.Second, 120)
	priceSource := func(symbol string) (float64, bool) { return barStore.LastPrice(symbol) }

	bus := events.NewEventBus()
	riskMgr := risk.NewManager(cfg.RiskConfig, cfg.TradingConfig, []string{"SQQQ", "SOXS"}, clock, bus, logger)
	riskMgr.SetEquity(100_000)

	paper := broker.NewPaper(priceSource, cal, clock, logger)
	provider := &staticProvider{}
	limiter := ratelimit.New(nil, cfg.RateLimitConfig, clock, logger)
	ingestor := ingest.New(cfg.UniverseConfig, provider, barStore, limiter, cal, clock, logger)

	agg := basket.New(cfg.BasketConfig, cfg.SignalConfig.ConflictCheckEnabled, store, riskMgr, priceSource, clock, logger)
	chain := suppress.NewChain(cfg.SignalConfig, store, riskMgr, cal, clock, logger)
	dispatcher := dispatch.New(cfg.TradingConfig, paper, store, riskMgr, nil, bus, cal, clock, logger)
	flattener := eod.NewFlattener(paper, store, riskMgr, bus, cal, clock, logger)

	e := New(Deps{
		Config:     cfg,
		Ingestor:   ingestor,
		Bars:       barStore,
		Detector:   regime.NewDetector(30 * time.Second),
		Mixer:      mixer.New(cfg.SignalConfig, clock, logger),
		Chain:      chain,
		Basket:     agg,
		Risk:       riskMgr,
		Dispatcher: dispatcher,
		Flattener:  flattener,
		Coord:      store,
		Broker:     paper,
		Bus:        bus,
		Calendar:   cal,
		Clock:      clock,
		Logger:     logger,
	})
	return &engineRig{e: e, clock: clock, store: store, barStore: barStore,
		broker: paper, risk: riskMgr, provider: provider}
}

// rthNoon is 11:00 ET on a regular trading Tuesday.
var rthNoon = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func longCandidate(id, symbol string) signal.Candidate {
	return signal.Candidate{
		ID:         id,
		Symbol:     symbol,
		Side:       signal.SideLong,
		Score:      0.5,
		Confidence: 0.8,
		Regime:     signal.RegimeTrend,
		Entry:      100,
		Stop:       98.5,
		Target:     103,
		BarStart:   rthNoon.Truncate(30 * time.Second),
		Source:     signal.SourceMixer,
		CreatedAt:  rthNoon,
	}
}

func TestEmitDispatchesAndLocksDirection(t *testing.T) {
	rig := newEngineRig(t, rthNoon)
	ctx := context.Background()
	rig.barStore.UpsertTick("NVDA", 100, 10, rthNoon)

	rig.e.emit(ctx, longCandidate("sig-1", "NVDA"), "NVDA")

	if !rig.risk.HoldsPosition("NVDA") {
		t.Fatal("emitted long did not reach the ledger")
	}
	positions, err := rig.broker.GetPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Symbol != "NVDA" {
		t.Fatalf("broker positions = %+v, want one NVDA fill", positions)
	}
	side, locked, err := rig.store.DirectionLock(ctx, "NVDA")
	if err != nil || !locked || side != "long" {
		t.Errorf("direction lock = (%s, %v, %v), want long held", side, locked, err)
	}
}

func TestEmitSameEventTwiceSuppressed(t *testing.T) {
	rig := newEngineRig(t, rthNoon)
	ctx := context.Background()
	rig.barStore.UpsertTick("NVDA", 100, 10, rthNoon)

	rig.e.emit(ctx, longCandidate("sig-1", "NVDA"), "NVDA")
	rig.e.emit(ctx, longCandidate("sig-2", "NVDA"), "NVDA")

	positions, _ := rig.broker.GetPositions(ctx)
	if len(positions) != 1 {
		t.Errorf("duplicate event produced %d positions, want 1", len(positions))
	}
}

func TestShortsAggregateIntoInverseEntry(t *testing.T) {
	rig := newEngineRig(t, rthNoon)
	ctx := context.Background()
	rig.barStore.UpsertTick("SQQQ", 20, 100, rthNoon)

	short := func(id, symbol string, score float64) signal.Candidate {
		c := longCandidate(id, symbol)
		c.Side = signal.SideShort
		c.Score = score
		return c
	}
	rig.e.route(ctx, short("s-1", "AAPL", -0.3))
	rig.e.route(ctx, short("s-2", "MSFT", -0.4))
	rig.e.route(ctx, short("s-3", "TSLA", -0.5))

	// No individual short ever reaches the broker.
	if positions, _ := rig.broker.GetPositions(ctx); len(positions) != 0 {
		t.Fatalf("shorts traded directly: %+v", positions)
	}

	// Conditions must hold two consecutive evaluations before the fire.
	rig.e.evaluateBaskets(ctx)
	if positions, _ := rig.broker.GetPositions(ctx); len(positions) != 0 {
		t.Fatal("basket fired on first evaluation")
	}
	rig.clock.Advance(15 * time.Second)
	rig.e.evaluateBaskets(ctx)

	positions, _ := rig.broker.GetPositions(ctx)
	if len(positions) != 1 || positions[0].Symbol != "SQQQ" {
		t.Fatalf("positions = %+v, want one SQQQ entry", positions)
	}
	if !rig.risk.HoldsPosition("SQQQ") {
		t.Error("ledger missing the SQQQ fill")
	}
}

func TestShortOutsideBasketDropped(t *testing.T) {
	rig := newEngineRig(t, rthNoon)
	c := longCandidate("s-1", "NFLX")
	c.Side = signal.SideShort
	c.Score = -0.6

	rig.e.route(context.Background(), c)

	if positions, _ := rig.broker.GetPositions(context.Background()); len(positions) != 0 {
		t.Error("non-member short must not trade")
	}
}

func TestStandbyInstanceSkipsPipeline(t *testing.T) {
	rig := newEngineRig(t, rthNoon)
	ctx := context.Background()

	// Another instance already holds the writer claim.
	claimed, err := rig.store.ClaimWriter(ctx, "other-instance", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("setup claim failed: %v %v", claimed, err)
	}

	rig.e.Tick(ctx)
	if rig.provider.fetches != 0 {
		t.Errorf("standby instance polled the provider %d times", rig.provider.fetches)
	}
}

type faultBroker struct {
	positions []broker.Position
	calls     int
	errs      []error // consumed per submit, nil entries succeed
}

func (b *faultBroker) SubmitMarketOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	i := b.calls
	b.calls++
	if i < len(b.errs) && b.errs[i] != nil {
		return broker.OrderResult{}, b.errs[i]
	}
	return broker.OrderResult{OrderID: "ord", Status: broker.StatusAccepted, FilledPrice: 99, FilledQty: req.Qty}, nil
}

func (b *faultBroker) GetPositions(context.Context) ([]broker.Position, error) {
	return b.positions, nil
}

func (b *faultBroker) GetAccount(context.Context) (broker.Account, error) {
	return broker.Account{Equity: 100_000, Cash: 100_000}, nil
}

func (b *faultBroker) CancelOrder(context.Context, string) error { return nil }

type closeRecorder struct{ closed []string }

func (c *closeRecorder) OnClose(symbol string, _ float64) { c.closed = append(c.closed, symbol) }

func TestTickFlattensInsideEODWindow(t *testing.T) {
	rig := newEngineRig(t, rthNoon)
	ctx := context.Background()
	rig.barStore.UpsertTick("NVDA", 100, 10, rthNoon)
	rig.e.emit(ctx, longCandidate("sig-1", "NVDA"), "NVDA")

	// 15:52 ET, inside the 10-minute flatten lead.
	rig.clock.Set(time.Date(2026, 3, 10, 19, 52, 0, 0, time.UTC))
	rig.e.Tick(ctx)

	positions, _ := rig.broker.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("positions after EOD tick = %+v, want none", positions)
	}
	if rig.risk.HoldsPosition("NVDA") {
		t.Error("ledger still holds NVDA after the flatten")
	}
}

func TestEODWindowRetriesAfterFlattenFailure(t *testing.T) {
	rig := newEngineRig(t, rthNoon)
	ctx := context.Background()
	cal, err := marketclock.NewCalendar("America/New_York", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Swap in a flattener whose broker rejects the first close.
	fb := &faultBroker{
		positions: []broker.Position{{Symbol: "NVDA", Qty: decimal.NewFromInt(10), AvgEntryPrice: 100}},
		errs:      []error{errors.New("gateway timeout")},
	}
	rec := &closeRecorder{}
	rig.e.Flattener = eod.NewFlattener(fb, rig.store, rec, nil, cal, rig.clock, zerolog.Nop())

	// 15:52 ET, inside the flatten lead. The first tick fails.
	rig.clock.Set(time.Date(2026, 3, 10, 19, 52, 0, 0, time.UTC))
	rig.e.Tick(ctx)
	if rig.e.eodDay != "" {
		t.Fatalf("eodDay latched to %q after a failed flatten", rig.e.eodDay)
	}
	if len(rec.closed) != 0 {
		t.Fatalf("ledger closes after failure = %v, want none", rec.closed)
	}

	// The broker recovers; the next tick in the window must retry.
	rig.clock.Advance(15 * time.Second)
	rig.e.Tick(ctx)
	if fb.calls != 2 {
		t.Fatalf("broker submits = %d, want a retry for 2 total", fb.calls)
	}
	if len(rec.closed) != 1 || rec.closed[0] != "NVDA" {
		t.Errorf("ledger closes = %v, want [NVDA]", rec.closed)
	}
	if rig.e.eodDay == "" {
		t.Error("eodDay not latched after the successful flatten")
	}
}
