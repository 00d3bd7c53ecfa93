// Package engine runs the signal-to-order pipeline: it drives the tiered
// quote scans, scores each updated symbol, routes candidates through the
// suppression chain and the risk ledger, and owns the session lifecycle
// (daily reset, opening cleanup, end-of-day flatten).
package engine

import (
	"context"
	"fmt"
	"sync"
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
	"equities-trading-bot/internal/llm"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/metrics"
	"equities-trading-bot/internal/mixer"
	"equities-trading-bot/internal/ratelimit"
	"equities-trading-bot/internal/regime"
	"equities-trading-bot/internal/risk"
	"equities-trading-bot/internal/signal"
	"equities-trading-bot/internal/suppress"
	"equities-trading-bot/internal/techscore"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	tickInterval     = 15 * time.Second
	tickSoftLimit    = 12 * time.Second
	riskSyncInterval = 5 * time.Minute

	// volSpikeEventConf is the regime confidence at which a vol_spike
	// classification counts as a consult-worthy event on its own.
	volSpikeEventConf = 0.6

	// scanWorkers bounds the per-symbol scoring fan-out.
	scanWorkers = 4
)

// Recorder persists signal decisions; the database layer implements it.
// A nil Recorder disables persistence.
type Recorder interface {
	RecordSignal(ctx context.Context, c signal.Candidate, emitted bool, reason suppress.Reason)
}

// pendingFiling is a filing waiting to be folded into the symbol's next
// scored tick.
type pendingFiling struct {
	filing mixer.Filing
	text   string
}

// Deps wires the pipeline stages into the engine. All fields except
// Recorder, Validator, and Reporter are required.
type Deps struct {
	Config     *config.Config
	Ingestor   *ingest.Ingestor
	Bars       *bars.Store
	Detector   *regime.Detector
	Gate       *llm.Gate
	Validator  *llm.Validator
	Mixer      *mixer.Mixer
	Chain      *suppress.Chain
	Basket     *basket.Aggregator
	Risk       *risk.Manager
	Dispatcher *dispatch.Dispatcher
	Flattener  *eod.Flattener
	Reporter   *eod.Reporter
	Recorder   Recorder
	Coord      *coord.Store
	Broker     broker.Broker
	Bus        *events.EventBus
	Calendar   *marketclock.Calendar
	Clock      marketclock.Clock
	Logger     zerolog.Logger
}

// Engine is the pipeline orchestrator. One instance holds the writer
// claim at a time; standbys keep scanning state warm but never trade.
type Engine struct {
	Deps

	logger zerolog.Logger

	mu       sync.Mutex
	filings  map[string]pendingFiling
	day      string // last observed trading day key
	eodDay   string // day the EOD flatten ran
	opgDay   string // day the opening cleanup ran
	lastSync time.Time
	writer   bool
}

// New builds the engine.
func New(deps Deps) *Engine {
	return &Engine{
		Deps:    deps,
		logger:  deps.Logger.With().Str("component", "engine").Logger(),
		filings: make(map[string]pendingFiling),
	}
}

// Run executes pipeline passes until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Str("instance", e.Config.CoordConfig.InstanceID).Msg("Engine started")
	e.Bus.Publish(events.Event{Type: events.EventBotStarted, Timestamp: e.Clock.Now()})

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.isWriter() {
		if err := e.Coord.ReleaseWriter(ctx, e.Config.CoordConfig.InstanceID); err != nil {
			e.logger.Warn().Err(err).Msg("Writer release failed")
		}
	}
	e.Bus.Publish(events.Event{Type: events.EventBotStopped, Timestamp: e.Clock.Now()})
	e.logger.Info().Msg("Engine stopped")
}

// Tick runs one pipeline pass. Exposed so tests can drive the engine
// without real timers.
func (e *Engine) Tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, tickSoftLimit)
	defer cancel()

	now := e.Clock.Now()

	if !e.heartbeat(ctx) {
		return
	}

	e.rolloverIfNeeded(ctx, now)
	e.syncEquity(ctx, now)
	e.sessionWindows(ctx, now)

	if e.Calendar.Session(now) == signal.SessionClosed {
		return
	}

	e.scan(ctx, ratelimit.TierA)
	e.scan(ctx, ratelimit.TierB)
	e.evaluateBaskets(ctx)
}

// heartbeat maintains the single-writer claim. A standby instance skips
// the trading pass entirely; it takes over when the claim expires.
func (e *Engine) heartbeat(ctx context.Context) bool {
	cc := e.Config.CoordConfig
	ttl := time.Duration(cc.ClaimTTLSecs) * time.Second

	if e.isWriter() {
		held, err := e.Coord.RefreshWriter(ctx, cc.InstanceID, ttl)
		if err == nil && held {
			return true
		}
		e.setWriter(false)
		e.logger.Warn().Err(err).Msg("Writer claim lost")
	}

	claimed, err := e.Coord.ClaimWriter(ctx, cc.InstanceID, ttl)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Writer claim attempt failed")
		return false
	}
	if claimed {
		e.setWriter(true)
		e.logger.Info().Str("instance", cc.InstanceID).Msg("Writer claim acquired")
	}
	return claimed
}

func (e *Engine) isWriter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writer
}

func (e *Engine) setWriter(v bool) {
	e.mu.Lock()
	e.writer = v
	e.mu.Unlock()
}

// rolloverIfNeeded resets the daily risk state when the trading day
// changes.
func (e *Engine) rolloverIfNeeded(ctx context.Context, now time.Time) {
	day := e.Calendar.DayKey(now)
	e.mu.Lock()
	prev := e.day
	e.day = day
	e.mu.Unlock()
	if day == prev || prev == "" {
		return
	}
	equity := e.accountEquity(ctx)
	e.Risk.DailyReset(equity)
	e.logger.Info().Str("day", day).Float64("equity", equity).Msg("Daily reset")
}

// syncEquity refreshes the ledger's equity figure from the broker.
func (e *Engine) syncEquity(ctx context.Context, now time.Time) {
	if !e.lastSync.IsZero() && now.Sub(e.lastSync) < riskSyncInterval {
		return
	}
	e.lastSync = now
	if equity := e.accountEquity(ctx); equity > 0 {
		e.Risk.SetEquity(equity)
	}
}

func (e *Engine) accountEquity(ctx context.Context) float64 {
	account, err := e.Broker.GetAccount(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Account fetch failed")
		return 0
	}
	return account.Equity
}

// sessionWindows runs the opening cleanup and the end-of-day flatten once
// per day each, inside their windows. The kill switch never blocks either.
func (e *Engine) sessionWindows(ctx context.Context, now time.Time) {
	day := e.Calendar.DayKey(now)

	if e.opgDay != day && e.Calendar.InOpeningWindow(now) {
		if closed, err := e.Flattener.OpeningCleanup(ctx); err != nil {
			// Leave opgDay unset so the next tick in the window retries.
			e.logger.Error().Err(err).Msg("Opening cleanup failed")
		} else {
			e.opgDay = day
			if closed > 0 {
				e.logger.Info().Int("closed", closed).Msg("Opening cleanup swept leftovers")
			}
		}
	}

	lead := time.Duration(e.Config.EODConfig.FlattenLeadMins) * time.Minute
	if e.eodDay != day && e.Calendar.InEODWindow(now, lead) {
		if _, err := e.Flattener.FlattenAll(ctx); err != nil {
			// The flatten released the claims for the failed positions,
			// so the next tick in the window retries them.
			e.logger.Error().Err(err).Msg("EOD flatten failed")
			return
		}
		e.eodDay = day
		if e.Reporter != nil {
			snap := e.Risk.Snapshot()
			if _, err := e.Reporter.Generate(ctx, snap.RealizedPnL, snap.Equity); err != nil {
				e.logger.Error().Err(err).Msg("EOD report failed")
			}
		}
	}
}

// scan polls one tier and scores every symbol whose window advanced,
// fanning out across a bounded worker group.
func (e *Engine) scan(ctx context.Context, tier ratelimit.Tier) {
	started := e.Clock.Now()
	updated := e.Ingestor.ScanTier(ctx, tier)
	if len(updated) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)
	for _, symbol := range updated {
		symbol := symbol
		g.Go(func() error {
			e.processSymbol(gctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	metrics.ScanDuration.WithLabelValues(string(tier)).
		Observe(e.Clock.Now().Sub(started).Seconds())
}

// OnFiling queues a fresh regulatory filing against the symbol's next
// scored tick and refreshes event-only symbols so the score reflects the
// post-filing price. The EDGAR scanner calls this.
func (e *Engine) OnFiling(ctx context.Context, symbol string, filing mixer.Filing, text string) {
	e.mu.Lock()
	e.filings[symbol] = pendingFiling{filing: filing, text: text}
	e.mu.Unlock()

	if !e.Ingestor.EnsureFresh(ctx, symbol) {
		e.logger.Warn().Str("symbol", symbol).Msg("Filing refresh fetch failed")
	}
}

func (e *Engine) takeFiling(symbol string) (pendingFiling, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pf, ok := e.filings[symbol]
	if ok {
		delete(e.filings, symbol)
	}
	return pf, ok
}

// processSymbol scores one updated symbol end to end: regime, technical
// score, gated sentiment, mix, then routing.
func (e *Engine) processSymbol(ctx context.Context, symbol string) {
	now := e.Clock.Now()

	if e.Bars.Len(symbol) < e.Config.SignalConfig.InsufficientHistoryMin {
		return
	}
	series := e.Bars.Bars(symbol, 0)
	lastBar, ok := e.Bars.LastBar(symbol)
	if !ok {
		return
	}

	reg := e.Detector.Detect(series, now)
	tech, ok := techscore.Compute(series, now)
	if !ok {
		return
	}
	price := lastBar.Close

	e.Bus.Publish(events.Event{
		Type:      events.EventTickScored,
		Timestamp: now,
		Data: map[string]interface{}{
			"symbol": symbol,
			"tech":   tech.Composite,
			"regime": string(reg.Regime),
		},
	})

	eventType := ""
	consultText := ""
	var filing *mixer.Filing
	if pf, ok := e.takeFiling(symbol); ok {
		eventType = signal.EventEdgar
		consultText = pf.text
		f := pf.filing
		filing = &f
	} else if reg.Regime == signal.RegimeVolSpike && reg.Confidence >= volSpikeEventConf {
		eventType = signal.EventVolSpike
		consultText = fmt.Sprintf("%s realized volatility spike, 1m move %+.2f%%, 5m move %+.2f%%",
			symbol, reg.Features.PriceChange1m*100, reg.Features.PriceChange5m*100)
	}

	var insight *llm.Insight
	gateDenied := false
	if e.Gate != nil {
		if consultText == "" {
			consultText = fmt.Sprintf("%s technical composite %+.2f in %s regime",
				symbol, tech.Composite, reg.Regime)
		}
		outcome := e.Gate.Consult(ctx, symbol, eventType, tech.Composite, consultText)
		if outcome.Used {
			ins := outcome.Insight
			insight = &ins
			if !outcome.FromCache && e.Reporter != nil {
				e.Reporter.CountLLMCall()
			}
		}
		gateDenied = outcome.BudgetDenied
	}

	cand, ok := e.Mixer.Mix(mixer.Input{
		Ticker:     symbol,
		Regime:     reg,
		Tech:       tech,
		Insight:    insight,
		Filing:     filing,
		Price:      price,
		EventType:  eventType,
		GateDenied: gateDenied,
		BarStart:   lastBar.Start,
	})
	if !ok {
		return
	}

	if e.Validator != nil {
		cand = e.Validator.Validate(ctx, cand)
	}

	e.route(ctx, cand)
}

// route sends longs through the suppression chain and shorts into their
// basket window. Shorts outside any basket are dropped: individual short
// entries are never taken.
func (e *Engine) route(ctx context.Context, cand signal.Candidate) {
	if cand.Side == signal.SideShort {
		if !e.Basket.Observe(cand) {
			e.logger.Debug().Str("symbol", cand.Symbol).Float64("score", cand.Score).
				Msg("Short outside basket universe dropped")
		}
		return
	}
	e.emit(ctx, cand, cand.Symbol)
}

// evaluateBaskets checks every basket after the full pass and routes
// fired inverse-ETF entries through the same emit path as mixer longs.
func (e *Engine) evaluateBaskets(ctx context.Context) {
	for _, r := range e.Basket.EvaluateTick(ctx) {
		if !r.Fired {
			if r.Reason.Suppressed() {
				metrics.SignalsSuppressed.WithLabelValues(string(r.Reason)).Inc()
				e.Bus.PublishSuppressed(r.ETF, string(signal.SideLong), string(r.Reason), r.MeanScore)
			}
			continue
		}
		e.Bus.PublishBasketFired(r.Basket, r.ETF, r.MeanScore, r.NegFraction, r.Distinct)
		e.emit(ctx, r.Candidate, r.Candidate.Symbol)
	}
}

// emit runs the suppression chain, sizes the survivor, records the
// direction lock, and hands the intent to the dispatcher.
func (e *Engine) emit(ctx context.Context, cand signal.Candidate, execSymbol string) {
	verdict := e.Chain.Evaluate(ctx, cand)
	if !verdict.Emit {
		e.suppress(ctx, cand, verdict.Reason, verdict.Detail)
		return
	}

	intent, reason, detail := e.Risk.ReserveAndSize(cand, execSymbol)
	if reason.Suppressed() {
		e.suppress(ctx, cand, reason, detail)
		return
	}

	now := e.Clock.Now()
	lockTTL := time.Duration(e.Config.SignalConfig.DirectionLockSecs) * time.Second
	if err := e.Coord.SetDirectionLock(ctx, cand.Symbol, string(cand.Side), lockTTL); err != nil {
		e.logger.Warn().Err(err).Str("symbol", cand.Symbol).Msg("Direction lock write failed")
	}

	metrics.SignalsEmitted.WithLabelValues(cand.Source).Inc()
	e.Bus.PublishSignal(cand.ID, cand.Symbol, string(cand.Side), cand.Source, cand.Score, cand.Confidence)
	if e.Recorder != nil {
		e.Recorder.RecordSignal(ctx, cand, true, suppress.ReasonNone)
	}
	_ = e.Coord.PublishStream(ctx, coord.StreamSignals, map[string]interface{}{
		"signal_id": cand.ID,
		"symbol":    cand.Symbol,
		"side":      string(cand.Side),
		"score":     fmt.Sprintf("%.4f", cand.Score),
		"source":    cand.Source,
		"at":        now.Format(time.RFC3339),
	})

	e.logger.Info().Str("signal_id", cand.ID).Str("symbol", cand.Symbol).
		Str("side", string(cand.Side)).Str("exec", execSymbol).
		Float64("score", cand.Score).Float64("confidence", cand.Confidence).
		Str("qty", intent.Qty.String()).Msg("Signal emitted")

	if _, err := e.Dispatcher.Dispatch(ctx, intent); err != nil {
		e.logger.Error().Err(err).Str("signal_id", cand.ID).Msg("Dispatch failed")
	}
}

func (e *Engine) suppress(ctx context.Context, cand signal.Candidate, reason suppress.Reason, detail string) {
	metrics.SignalsSuppressed.WithLabelValues(string(reason)).Inc()
	e.Bus.PublishSuppressed(cand.Symbol, string(cand.Side), string(reason), cand.Score)
	if e.Recorder != nil {
		e.Recorder.RecordSignal(ctx, cand, false, reason)
	}
	_ = e.Coord.PublishStream(ctx, coord.StreamSuppressions, map[string]interface{}{
		"symbol": cand.Symbol,
		"side":   string(cand.Side),
		"reason": string(reason),
		"score":  fmt.Sprintf("%.4f", cand.Score),
		"detail": detail,
	})
	e.logger.Debug().Str("symbol", cand.Symbol).Str("reason", string(reason)).
		Str("detail", detail).Float64("score", cand.Score).Msg("Candidate suppressed")
}

// Status summarizes engine state for the ops API.
type Status struct {
	Writer     bool           `json:"writer"`
	Day        string         `json:"day"`
	Session    signal.Session `json:"session"`
	KillSwitch bool           `json:"kill_switch"`
	Equity     float64        `json:"equity"`
	DayPnLPct  float64        `json:"day_pnl_pct"`
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	now := e.Clock.Now()
	snap := e.Risk.Snapshot()
	e.mu.Lock()
	day := e.day
	writer := e.writer
	e.mu.Unlock()
	return Status{
		Writer:     writer,
		Day:        day,
		Session:    e.Calendar.Session(now),
		KillSwitch: snap.KillSwitch,
		Equity:     snap.Equity,
		DayPnLPct:  snap.RealizedPct,
	}
}
