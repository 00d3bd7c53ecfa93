package mixer

import (
	"math"
	"testing"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/llm"
	"equities-trading-bot/internal/marketclock"
	"equities-trading-bot/internal/regime"
	"equities-trading-bot/internal/signal"
	"equities-trading-bot/internal/techscore"

	"github.com/rs/zerolog"
)

func testMixer(threshold float64) *Mixer {
	cfg := config.SignalConfig{
		MixerThreshold: threshold,
		EdgarBonus:     0.1,
	}
	clock := marketclock.NewFake(time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC))
	return New(cfg, clock, zerolog.Nop())
}

func techInput(composite float64) techscore.Score {
	return techscore.Score{
		Composite:  composite,
		Components: map[string]float64{"ema": 0.6, "macd": 0.6, "rsi": 0.6, "vwap": 0.6},
	}
}

func TestMixRegimeWeights(t *testing.T) {
	tests := []struct {
		name      string
		regime    signal.Regime
		tech      float64
		sentiment float64
		want      float64
	}{
		{"trend favors tech", signal.RegimeTrend, 0.8, 0.2, 0.8*0.75 + 0.2*0.25},
		{"vol spike favors sentiment", signal.RegimeVolSpike, 0.2, 0.8, 0.2*0.30 + 0.8*0.70},
		{"mean revert", signal.RegimeMeanRevert, 0.5, 0.5, 0.5*0.60 + 0.5*0.40},
		{"sideways even split", signal.RegimeSideways, 0.6, 0.4, 0.6*0.50 + 0.4*0.50},
	}

	m := testMixer(0.18)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cand, ok := m.Mix(Input{
				Ticker:  "NVDA",
				Regime:  regime.Result{Regime: tt.regime, Confidence: 0.7},
				Tech:    techInput(tt.tech),
				Insight: &llm.Insight{Sentiment: tt.sentiment, Confidence: 0.6},
				Price:   100,
			})
			if !ok {
				t.Fatalf("expected emission, score would be %.3f", tt.want)
			}
			if math.Abs(cand.Score-tt.want) > 1e-9 {
				t.Errorf("score = %.4f, want %.4f", cand.Score, tt.want)
			}
		})
	}
}

func TestMixThresholdInclusive(t *testing.T) {
	m := testMixer(0.18)

	// Sideways splits evenly, so tech 0.36 alone lands exactly on 0.18.
	cand, ok := m.Mix(Input{
		Ticker: "AAPL",
		Regime: regime.Result{Regime: signal.RegimeSideways, Confidence: 0.5},
		Tech:   techInput(0.36),
		Price:  200,
	})
	if !ok {
		t.Fatal("score equal to threshold must emit")
	}
	if cand.Side != signal.SideLong {
		t.Errorf("side = %s, want long", cand.Side)
	}

	if _, ok := m.Mix(Input{
		Ticker: "AAPL",
		Regime: regime.Result{Regime: signal.RegimeSideways, Confidence: 0.5},
		Tech:   techInput(0.35),
		Price:  200,
	}); ok {
		t.Error("score below threshold must not emit")
	}
}

func TestMixEdgarBonus(t *testing.T) {
	m := testMixer(0.18)

	base := Input{
		Ticker:  "MSFT",
		Regime:  regime.Result{Regime: signal.RegimeVolSpike, Confidence: 0.6},
		Tech:    techInput(0.1),
		Insight: &llm.Insight{Sentiment: 0.5, Confidence: 0.6},
		Price:   400,
	}

	plain, ok := m.Mix(base)
	if !ok {
		t.Fatal("base input should emit")
	}

	withFiling := base
	withFiling.Filing = &Filing{FormType: "8-K", Items: []string{"2.02"}}
	boosted, ok := m.Mix(withFiling)
	if !ok {
		t.Fatal("filing input should emit")
	}

	if !boosted.EdgarOverride {
		t.Error("earnings 8-K must set the override flag")
	}
	if diff := boosted.Score - plain.Score; math.Abs(diff-0.1) > 1e-9 {
		t.Errorf("bonus = %.4f, want +0.10", diff)
	}

	// A negative-sentiment override pushes the score the other way.
	bearish := base
	bearish.Insight = &llm.Insight{Sentiment: -0.5, Confidence: 0.6}
	bearish.Filing = &Filing{FormType: "8-K", Items: []string{"1.01"}}
	cand, ok := m.Mix(bearish)
	if !ok {
		t.Fatal("bearish filing input should emit")
	}
	if cand.Side != signal.SideShort {
		t.Errorf("side = %s, want short", cand.Side)
	}
}

func TestMixUnimportantFilingNoBonus(t *testing.T) {
	m := testMixer(0.18)

	in := Input{
		Ticker: "TSLA",
		Regime: regime.Result{Regime: signal.RegimeSideways, Confidence: 0.5},
		Tech:   techInput(0.4),
		Filing: &Filing{FormType: "8-K", Items: []string{"7.01"}},
		Price:  250,
	}
	cand, ok := m.Mix(in)
	if !ok {
		t.Fatal("expected emission")
	}
	if cand.EdgarOverride {
		t.Error("item 7.01 must not trigger the override")
	}
}

func TestMixBracketsBySide(t *testing.T) {
	m := testMixer(0.18)

	long, ok := m.Mix(Input{
		Ticker: "NVDA",
		Regime: regime.Result{Regime: signal.RegimeTrend, Confidence: 0.8},
		Tech:   techInput(0.6),
		Price:  100,
	})
	if !ok {
		t.Fatal("expected emission")
	}
	if math.Abs(long.Stop-98.5) > 1e-9 || math.Abs(long.Target-103) > 1e-9 {
		t.Errorf("trend long brackets = %.2f/%.2f, want 98.50/103.00", long.Stop, long.Target)
	}
	if long.HorizonMins != 240 {
		t.Errorf("trend horizon = %d, want 240", long.HorizonMins)
	}

	short, ok := m.Mix(Input{
		Ticker:  "AMD",
		Regime:  regime.Result{Regime: signal.RegimeVolSpike, Confidence: 0.8},
		Tech:    techInput(-0.3),
		Insight: &llm.Insight{Sentiment: -0.6, Confidence: 0.7, HorizonMins: 45},
		Price:   100,
	})
	if !ok {
		t.Fatal("expected emission")
	}
	if math.Abs(short.Stop-102) > 1e-9 || math.Abs(short.Target-96) > 1e-9 {
		t.Errorf("vol spike short brackets = %.2f/%.2f, want 102.00/96.00", short.Stop, short.Target)
	}
	if short.HorizonMins != 45 {
		t.Errorf("insight horizon = %d, want 45", short.HorizonMins)
	}
}

func TestMixConfidenceNormalization(t *testing.T) {
	m := testMixer(0.10)

	tech := techscore.Score{
		Composite:  0.5,
		Components: map[string]float64{"ema": 0.7, "macd": 0.7, "rsi": 0.7, "vwap": 0.7},
	}
	consistency := tech.Consistency() // 1.0

	// Without insight or override: (regime*0.3 + consistency*0.3) / 0.6.
	cand, ok := m.Mix(Input{
		Ticker: "GOOGL",
		Regime: regime.Result{Regime: signal.RegimeTrend, Confidence: 0.8},
		Tech:   tech,
		Price:  150,
	})
	if !ok {
		t.Fatal("expected emission")
	}
	want := (0.8*0.3 + consistency*0.3) / 0.6
	if math.Abs(cand.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %.4f, want %.4f", cand.Confidence, want)
	}

	// With insight: llm confidence joins at weight 0.2.
	cand, ok = m.Mix(Input{
		Ticker:  "GOOGL",
		Regime:  regime.Result{Regime: signal.RegimeTrend, Confidence: 0.8},
		Tech:    tech,
		Insight: &llm.Insight{Sentiment: 0.4, Confidence: 0.9},
		Price:   150,
	})
	if !ok {
		t.Fatal("expected emission")
	}
	want = (0.8*0.3 + consistency*0.3 + 0.9*0.2) / 0.8
	if math.Abs(cand.Confidence-want) > 1e-9 {
		t.Errorf("confidence with insight = %.4f, want %.4f", cand.Confidence, want)
	}
}

func TestMixScoreClamped(t *testing.T) {
	m := testMixer(0.18)

	cand, ok := m.Mix(Input{
		Ticker:  "META",
		Regime:  regime.Result{Regime: signal.RegimeVolSpike, Confidence: 0.9},
		Tech:    techInput(1.0),
		Insight: &llm.Insight{Sentiment: 1.0, Confidence: 0.9},
		Filing:  &Filing{FormType: "8-K", Items: []string{"2.02"}},
		Price:   500,
	})
	if !ok {
		t.Fatal("expected emission")
	}
	if cand.Score > 1 {
		t.Errorf("score = %.4f, must be clamped to 1", cand.Score)
	}
}
