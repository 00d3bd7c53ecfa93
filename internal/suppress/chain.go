package suppress

import (
	"context"
	"fmt"
	"math"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/signal"

	"github.com/rs/zerolog"
)

// Override clamp ranges. Operators can nudge the session cutoffs through
// the coordination store; values outside these ranges are ignored so a fat
// finger cannot silence or flood the pipeline.
const (
	cutoffRTHMin = 0.12
	cutoffRTHMax = 0.30
	cutoffEXTMin = 0.18
	cutoffEXTMax = 0.38
)

// Gates reads and writes the shared gate state. *coord.Store satisfies it;
// tests swap in lighter fakes.
type Gates interface {
	MixerCooldownScore(ctx context.Context, cooldownKey string) (float64, bool, error)
	AllowMixerEmit(ctx context.Context, cooldownKey string, absScore, improvement float64, ttl time.Duration) (bool, error)
	DirectionLock(ctx context.Context, symbol string) (string, bool, error)
	MarkEventSeen(ctx context.Context, eventKey string, ttl time.Duration) (bool, error)
	SessionSlotsUsed(ctx context.Context, symbol, dayKey string) (int, error)
	ConsumeSessionSlot(ctx context.Context, symbol, dayKey string, cap int, ttl time.Duration) (bool, error)
	CutoffOverride(ctx context.Context, key string) (float64, bool, error)
}

// RiskGate is the pre-trade feasibility check supplied by the risk
// manager. It returns ReasonNone when the candidate may proceed.
type RiskGate interface {
	Feasibility(c signal.Candidate) (Reason, string)
}

// Verdict is the outcome of one chain evaluation.
type Verdict struct {
	Emit    bool
	Reason  Reason
	Detail  string
	Session signal.Session
	Cutoff  float64
}

// Chain evaluates the suppression gates in their fixed order and
// short-circuits on the first rejection. The daily cap is checked at its
// position in the chain but consumed only after the risk gate passes, so
// the counter tracks actionable signals rather than noise.
type Chain struct {
	cfg    config.SignalConfig
	gates  Gates
	risk   RiskGate
	cal    *marketclock.Calendar
	clock  marketclock.Clock
	logger zerolog.Logger
}

// NewChain builds the suppression chain.
func NewChain(cfg config.SignalConfig, gates Gates, risk RiskGate, cal *marketclock.Calendar, clock marketclock.Clock, logger zerolog.Logger) *Chain {
	return &Chain{
		cfg:    cfg,
		gates:  gates,
		risk:   risk,
		cal:    cal,
		clock:  clock,
		logger: logger.With().Str("component", "suppress").Logger(),
	}
}

// Cutoff returns the effective |score| cutoff for the session, applying a
// clamped operator override when one is set. The RTH cutoff is the single
// source of truth shared with the mixer threshold.
func (c *Chain) Cutoff(ctx context.Context, session signal.Session) float64 {
	base := c.cfg.CutoffRTH
	key, lo, hi := coord.KeyCutoffRTH, cutoffRTHMin, cutoffRTHMax
	if session == signal.SessionEXT {
		base = c.cfg.CutoffEXT
		key, lo, hi = coord.KeyCutoffEXT, cutoffEXTMin, cutoffEXTMax
	}

	override, ok, err := c.gates.CutoffOverride(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cutoff override unreadable, using configured value")
		return base
	}
	if !ok {
		return base
	}
	if override < lo || override > hi {
		c.logger.Warn().Float64("override", override).Str("key", key).
			Msg("Cutoff override outside clamp range, ignored")
		return base
	}
	return override
}

func cooldownKey(symbol string, side signal.Side) string {
	return symbol + ":" + string(side)
}

func dupEventKey(c signal.Candidate) string {
	// Score rounded to two decimals: a re-score within noise of the same
	// bar is the same event.
	return fmt.Sprintf("%s:%s:%.2f:%d", c.Symbol, c.Side, math.Abs(c.Score), c.BarStart.Unix())
}

// Evaluate runs the gate chain on a candidate. Gate order is fixed:
// below_cutoff, mixer_cooldown, direction_lock, dup_event,
// session_daily_cap, llm_gate, risk_feasibility. Exactly one reason is
// recorded for a rejected candidate.
func (c *Chain) Evaluate(ctx context.Context, cand signal.Candidate) Verdict {
	now := c.clock.Now()
	session := c.cal.Session(now)
	if session == signal.SessionClosed {
		return Verdict{Reason: ReasonMarketClosed, Session: session}
	}

	cutoff := c.Cutoff(ctx, session)
	v := Verdict{Session: session, Cutoff: cutoff}
	absScore := math.Abs(cand.Score)

	// 1. Cutoff is inclusive: |score| == cutoff passes.
	if absScore < cutoff {
		v.Reason = ReasonBelowCutoff
		v.Detail = fmt.Sprintf("|%.3f| < %.3f", cand.Score, cutoff)
		return v
	}

	// 2. Same (symbol, side) within the cooldown, unless the score
	// improves on the recorded one by the configured delta.
	cdKey := cooldownKey(cand.Symbol, cand.Side)
	prev, cooling, err := c.gates.MixerCooldownScore(ctx, cdKey)
	if err != nil {
		return c.gateError(v, "mixer_cooldown", err)
	}
	if cooling && absScore < prev+c.cfg.ImprovementDelta {
		v.Reason = ReasonMixerCooldown
		v.Detail = fmt.Sprintf("prev %.3f, need >= %.3f", prev, prev+c.cfg.ImprovementDelta)
		return v
	}

	// 3. Opposing side locked after a recent emission.
	lockedSide, locked, err := c.gates.DirectionLock(ctx, cand.Symbol)
	if err != nil {
		return c.gateError(v, "direction_lock", err)
	}
	if locked && lockedSide != string(cand.Side) {
		v.Reason = ReasonDirectionLock
		v.Detail = "locked " + lockedSide
		return v
	}

	// 4. Identical event already processed this session.
	first, err := c.gates.MarkEventSeen(ctx, dupEventKey(cand), c.cal.UntilEndOfDay(now))
	if err != nil {
		return c.gateError(v, "dup_event", err)
	}
	if !first {
		v.Reason = ReasonDupEvent
		return v
	}

	// 5. Daily cap, checked here but consumed after risk passes.
	dayKey := c.cal.DayKey(now)
	used, err := c.gates.SessionSlotsUsed(ctx, cand.Symbol, dayKey)
	if err != nil {
		return c.gateError(v, "session_daily_cap", err)
	}
	if used >= c.cfg.SessionDailyCap {
		v.Reason = ReasonSessionDailyCap
		v.Detail = fmt.Sprintf("%d/%d", used, c.cfg.SessionDailyCap)
		return v
	}

	// 6. A required LLM consult was denied for budget reasons.
	if cand.LLMGateDenied {
		v.Reason = ReasonLLMGate
		return v
	}

	// 7. Risk feasibility.
	if reason, detail := c.risk.Feasibility(cand); reason.Suppressed() {
		v.Reason = reason
		v.Detail = detail
		return v
	}

	// Consume the cap slot and record the cooldown score atomically; a
	// concurrent emission can still steal either, in which case this
	// candidate takes the corresponding reason.
	ok, err := c.gates.ConsumeSessionSlot(ctx, cand.Symbol, dayKey, c.cfg.SessionDailyCap, c.cal.UntilEndOfDay(now))
	if err != nil {
		return c.gateError(v, "session_daily_cap", err)
	}
	if !ok {
		v.Reason = ReasonSessionDailyCap
		return v
	}

	cooldownTTL := time.Duration(c.cfg.MixerCooldownSecs) * time.Second
	allowed, err := c.gates.AllowMixerEmit(ctx, cdKey, absScore, c.cfg.ImprovementDelta, cooldownTTL)
	if err != nil {
		return c.gateError(v, "mixer_cooldown", err)
	}
	if !allowed {
		v.Reason = ReasonMixerCooldown
		return v
	}

	v.Emit = true
	return v
}

// gateError fails the individual candidate without halting the pipeline.
func (c *Chain) gateError(v Verdict, gate string, err error) Verdict {
	c.logger.Error().Err(err).Str("gate", gate).Msg("Suppression gate error")
	v.Reason = ReasonExternalError
	v.Detail = gate + ": " + err.Error()
	return v
}
