// Package mixer blends the technical score with gated sentiment into a
// single signed signal, weighted by the detected regime, and attaches the
// regime's bracket levels and horizon.
package mixer

import (
	"math"
	"strings"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/llm"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/regime"
	"equities-trading-bot/internal/signal"
	"equities-trading-bot/internal/techscore"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// regimeWeights splits the score between tech and sentiment per regime.
type regimeWeights struct {
	tech float64
	sent float64
}

var weightsByRegime = map[signal.Regime]regimeWeights{
	signal.RegimeTrend:      {tech: 0.75, sent: 0.25},
	signal.RegimeVolSpike:   {tech: 0.30, sent: 0.70},
	signal.RegimeMeanRevert: {tech: 0.60, sent: 0.40},
	signal.RegimeSideways:   {tech: 0.50, sent: 0.50},
}

// bracketRatios are the stop and target distances per regime, as
// fractions of the entry price.
type bracketRatios struct {
	stop   float64
	target float64
}

var ratiosByRegime = map[signal.Regime]bracketRatios{
	signal.RegimeTrend:      {stop: 0.015, target: 0.03},
	signal.RegimeVolSpike:   {stop: 0.02, target: 0.04},
	signal.RegimeMeanRevert: {stop: 0.01, target: 0.02},
	signal.RegimeSideways:   {stop: 0.012, target: 0.025},
}

// horizonsByRegime are the default holding horizons in minutes, used when
// no insight supplies one.
var horizonsByRegime = map[signal.Regime]int{
	signal.RegimeTrend:      240,
	signal.RegimeVolSpike:   60,
	signal.RegimeMeanRevert: 120,
	signal.RegimeSideways:   180,
}

// Filing is the slice of a regulatory filing the mixer cares about.
type Filing struct {
	FormType string
	Items    []string
}

// overrideItems are the 8-K items that mark a filing important enough to
// apply the score bonus.
var overrideItems = map[string]struct{}{
	"1.01": {},
	"2.02": {},
	"2.03": {},
	"8.01": {},
}

// itemSentiment is the fallback sentiment per 8-K item when no insight is
// available for the filing.
var itemSentiment = map[string]float64{
	"2.02": 0.8,
	"1.01": 0.6,
	"2.03": 0.3,
	"2.04": 0.2,
	"2.05": 0.1,
	"2.06": 0.2,
}

// Input carries everything one mix needs for one symbol.
type Input struct {
	Ticker     string
	Regime     regime.Result
	Tech       techscore.Score
	Insight    *llm.Insight // nil when the gate denied or nothing to consult
	Filing     *Filing      // nil unless a fresh filing triggered this tick
	Price      float64
	EventType  string
	GateDenied bool // a consult the event required was refused for budget
	BarStart   time.Time
}

// Mixer produces trade candidates from scored ticks.
type Mixer struct {
	cfg    config.SignalConfig
	clock  marketclock.Clock
	logger zerolog.Logger
}

// New builds a Mixer.
func New(cfg config.SignalConfig, clock marketclock.Clock, logger zerolog.Logger) *Mixer {
	return &Mixer{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "mixer").Logger(),
	}
}

// Mix blends one tick into a candidate. ok is false when the blended
// score stays inside the neutral band; scores exactly at the threshold
// emit.
func (m *Mixer) Mix(in Input) (signal.Candidate, bool) {
	weights, ok := weightsByRegime[in.Regime.Regime]
	if !ok {
		weights = weightsByRegime[signal.RegimeSideways]
	}

	sentScore := 0.0
	if in.Insight != nil {
		sentScore = in.Insight.Sentiment
	} else if in.Filing != nil {
		sentScore = filingSentiment(in.Filing)
	}

	score := in.Tech.Composite*weights.tech + sentScore*weights.sent

	edgarOverride := false
	if in.Filing != nil && isImportantFiling(in.Filing) {
		edgarOverride = true
		if sentScore > 0 {
			score += m.cfg.EdgarBonus
		} else {
			score -= m.cfg.EdgarBonus
		}
	}
	score = clampSigned(score)

	if math.Abs(score) < m.cfg.MixerThreshold {
		return signal.Candidate{}, false
	}

	confidence := m.confidence(in.Regime.Confidence, in.Tech, in.Insight, edgarOverride)
	entry, stop, target := bracketPrices(in.Price, signal.SideForScore(score), in.Regime.Regime)
	trigger, summary := describe(in)
	now := m.clock.Now()

	cand := signal.Candidate{
		ID:            uuid.New().String(),
		Symbol:        in.Ticker,
		Side:          signal.SideForScore(score),
		Score:         score,
		Confidence:    confidence,
		Regime:        in.Regime.Regime,
		RegimeConf:    in.Regime.Confidence,
		TechScore:     in.Tech.Composite,
		SentScore:     sentScore,
		EventType:     in.EventType,
		EdgarOverride: edgarOverride,
		LLMGateDenied: in.GateDenied,
		Trigger:       trigger,
		Summary:       summary,
		Entry:         entry,
		Stop:          stop,
		Target:        target,
		HorizonMins:   horizon(in.Regime.Regime, in.Insight),
		BarStart:      in.BarStart,
		Source:        signal.SourceMixer,
		CreatedAt:     now,
	}

	m.logger.Info().Str("ticker", cand.Symbol).Str("side", string(cand.Side)).
		Float64("score", cand.Score).Float64("confidence", cand.Confidence).
		Str("regime", string(cand.Regime)).Bool("edgar_override", edgarOverride).
		Msg("Signal mixed")

	return cand, true
}

// confidence blends the regime confidence, tech component agreement, and
// any insight into one weight-normalized figure.
func (m *Mixer) confidence(regimeConf float64, tech techscore.Score, insight *llm.Insight, edgarOverride bool) float64 {
	confidence := regimeConf * 0.3
	weights := 0.3

	confidence += tech.Consistency() * 0.3
	weights += 0.3

	if insight != nil {
		confidence += insight.Confidence * 0.2
		weights += 0.2
	}
	if edgarOverride {
		confidence += 0.2
		weights += 0.2
	}

	return confidence / weights
}

// filingSentiment is the fallback sentiment for a filing without an
// insight: the strongest item score for an 8-K, neutral otherwise.
func filingSentiment(f *Filing) float64 {
	switch f.FormType {
	case "8-K":
		score := 0.0
		for _, item := range f.Items {
			s, ok := itemSentiment[item]
			if !ok {
				s = 0.3
			}
			if s > score {
				score = s
			}
		}
		return score
	case "4":
		return 0.5
	}
	return 0.5
}

func isImportantFiling(f *Filing) bool {
	switch f.FormType {
	case "8-K":
		for _, item := range f.Items {
			if _, ok := overrideItems[item]; ok {
				return true
			}
		}
		return false
	case "4":
		return true
	}
	return false
}

// bracketPrices derives entry, stop, and target from the regime ratios.
func bracketPrices(price float64, side signal.Side, reg signal.Regime) (entry, stop, target float64) {
	if price <= 0 {
		return 0, 0, 0
	}
	ratios, ok := ratiosByRegime[reg]
	if !ok {
		ratios = ratiosByRegime[signal.RegimeSideways]
	}
	if side == signal.SideLong {
		return price, price * (1 - ratios.stop), price * (1 + ratios.target)
	}
	return price, price * (1 + ratios.stop), price * (1 - ratios.target)
}

func horizon(reg signal.Regime, insight *llm.Insight) int {
	if insight != nil && insight.HorizonMins > 0 {
		return insight.HorizonMins
	}
	if h, ok := horizonsByRegime[reg]; ok {
		return h
	}
	return 120
}

// describe builds the human-readable trigger and summary strings.
func describe(in Input) (trigger, summary string) {
	var triggers, summaries []string

	switch in.Regime.Regime {
	case signal.RegimeTrend:
		triggers = append(triggers, "trend breakout")
		summaries = append(summaries, "trend continuation")
	case signal.RegimeVolSpike:
		triggers = append(triggers, "volatility spike")
		summaries = append(summaries, "volume surge")
	case signal.RegimeMeanRevert:
		triggers = append(triggers, "mean reversion")
		summaries = append(summaries, "rebound expected")
	}

	if v, ok := in.Tech.Components["ema"]; ok && v > 0.7 {
		triggers = append(triggers, "strong trend")
	} else if v, ok := in.Tech.Components["macd"]; ok && v > 0.7 {
		triggers = append(triggers, "rising momentum")
	}

	if in.Insight != nil {
		if in.Insight.Trigger != "" {
			triggers = append(triggers, in.Insight.Trigger)
		}
		if in.Insight.Summary != "" {
			summaries = append(summaries, in.Insight.Summary)
		}
	}

	if in.Filing != nil {
		switch in.Filing.FormType {
		case "8-K":
			triggers = append(triggers, "8-K filing")
			summaries = append(summaries, "material filing published")
		case "4":
			triggers = append(triggers, "Form 4")
			summaries = append(summaries, "insider transaction")
		}
	}

	trigger = strings.Join(triggers, " + ")
	if trigger == "" {
		trigger = "technical signal"
	}
	summary = strings.Join(summaries, " | ")
	if summary == "" {
		summary = in.Ticker + " trade signal"
	}
	return trigger, summary
}

func clampSigned(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
