// Package techscore turns a bar window into one signed technical score.
// Four equally weighted components (EMA spread, MACD histogram, RSI,
// VWAP deviation) are each normalized to [0, 1], blended, then mapped to
// [-1, 1] so the mixer can weigh the result against sentiment.
package techscore

import (
	"time"

	"equities-trading-bot/internal/bars"
	"equities-trading-bot/internal/indicators"
)

// MinBars is the window length below which no score is produced.
const MinBars = 20

// Component weights and normalization ranges.
const (
	weightEMA  = 0.25
	weightMACD = 0.25
	weightRSI  = 0.25
	weightVWAP = 0.25

	emaRange  = 0.05 // EMA 20/50 spread of ±5% saturates
	macdRange = 2.0  // MACD histogram of ±2 saturates
	vwapRange = 0.03 // ±3% deviation from VWAP saturates
)

// Score is a scored window. Composite is signed: +1 strongly bullish,
// -1 strongly bearish, 0 neutral.
type Score struct {
	Composite  float64            `json:"composite"`
	Components map[string]float64 `json:"components"` // each in [0, 1]
	At         time.Time          `json:"at"`
}

// Consistency measures how much the components agree: 1 when all four
// point the same way, approaching 0 as they diverge. The mixer folds this
// into candidate confidence.
func (s Score) Consistency() float64 {
	if len(s.Components) == 0 {
		return 0
	}
	lo, hi := 1.0, 0.0
	for _, v := range s.Components {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return 1 - (hi - lo)
}

// Compute scores the window. ok is false when the window is shorter than
// MinBars; the returned score is then neutral and must not emit.
func Compute(series []bars.Bar, at time.Time) (Score, bool) {
	if len(series) < MinBars {
		return Score{
			Composite:  0,
			Components: map[string]float64{"ema": 0.5, "macd": 0.5, "rsi": 0.5, "vwap": 0.5},
			At:         at,
		}, false
	}

	ema := emaScore(series)
	macd := macdScore(series)
	rsi := rsiScore(series)
	vwap := vwapScore(series)

	raw := ema*weightEMA + macd*weightMACD + rsi*weightRSI + vwap*weightVWAP

	return Score{
		Composite:  2*raw - 1,
		Components: map[string]float64{"ema": ema, "macd": macd, "rsi": rsi, "vwap": vwap},
		At:         at,
	}, true
}

// emaScore normalizes the EMA 20/50 spread.
func emaScore(series []bars.Bar) float64 {
	ema20 := indicators.EMA(series, 20)
	ema50 := indicators.EMA(series, 50)
	if ema50 == 0 {
		return 0.5
	}
	return normalize((ema20-ema50)/ema50, -emaRange, emaRange)
}

// macdScore normalizes the MACD 12/26/9 histogram.
func macdScore(series []bars.Bar) float64 {
	if len(series) < 26 {
		return 0.5
	}
	_, _, histogram := indicators.MACD(series, 12, 26, 9)
	return normalize(histogram, -macdRange, macdRange)
}

// rsiScore maps RSI around its 50 midpoint.
func rsiScore(series []bars.Bar) float64 {
	rsi := indicators.RSI(series, 14)
	if rsi >= 50 {
		return clamp01(0.5 + (rsi-50)/50*0.5)
	}
	return clamp01(rsi / 50 * 0.5)
}

// vwapScore normalizes the last close's deviation from the window VWAP.
func vwapScore(series []bars.Bar) float64 {
	vwap := indicators.VWAP(series)
	if vwap == 0 {
		return 0.5
	}
	dev := (series[len(series)-1].Close - vwap) / vwap
	return normalize(dev, -vwapRange, vwapRange)
}

func normalize(v, lo, hi float64) float64 {
	if hi == lo {
		return 0.5
	}
	return clamp01((v - lo) / (hi - lo))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
