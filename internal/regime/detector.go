// Package regime classifies each symbol's current market state from its
// bar window. The label picks the mixer's tech/sentiment weighting, so
// classification is deliberately rule-based and explainable: hard gates
// first, then a blended confidence score for the surviving label.
package regime

import (
	"time"

	"equities-trading-bot/internal/bars"
	"equities-trading-bot/internal/indicators"
	"equities-trading-bot/internal/signal"
)

// Classification thresholds. Tuned on 30-second bars.
const (
	minBars = 20

	adxTrendMin    = 20.0  // below this there is no trend regime
	emaRatioMin    = 0.005 // ema20 must lead ema50 by 0.5%
	emaRatioFull   = 0.02  // 2% spread scores 1.0
	adxFullRange   = 30.0  // ADX 20..50 maps to 0..1

	volSpikeMin     = 0.05 // realized vol gate
	volSpikeFull    = 0.1  // realized vol scoring ceiling
	volumeSpikeFull = 3.0  // volume ratio at which the spike component saturates

	rsiOversold   = 25.0
	rsiOverbought = 75.0
	flipMinMove   = 0.005 // 1m move needed to count a direction flip
	flipFullMove  = 0.02
)

// Result is one classification with the features it was derived from.
type Result struct {
	Regime     signal.Regime `json:"regime"`
	Confidence float64       `json:"confidence"`
	Features   Features      `json:"features"`
	At         time.Time     `json:"at"`
}

// Features is the indicator snapshot behind a classification. Recomputed
// per tick, never persisted authoritatively.
type Features struct {
	ADX           float64 `json:"adx"`
	EMA20         float64 `json:"ema_20"`
	EMA50         float64 `json:"ema_50"`
	RSI           float64 `json:"rsi"`
	BBPosition    float64 `json:"bb_position"` // 0 lower band, 1 upper band
	RealizedVol   float64 `json:"realized_vol"`
	VolumeSpike   float64 `json:"volume_spike"` // last volume over trailing average
	PriceChange1m float64 `json:"price_change_1m"`
	PriceChange5m float64 `json:"price_change_5m"`
	TrendScore    float64 `json:"trend_score"`
	VolSpikeScore float64 `json:"vol_spike_score"`
	MeanRevScore  float64 `json:"mean_revert_score"`
}

// Detector classifies bar windows. It is stateless and safe for
// concurrent use.
type Detector struct {
	barInterval time.Duration
}

// NewDetector builds a Detector for series of the given bar interval. The
// interval fixes how many bars make up the 1-minute and 5-minute reversal
// lookbacks.
func NewDetector(barInterval time.Duration) *Detector {
	return &Detector{barInterval: barInterval}
}

// Detect classifies the window. Fewer than 20 bars yields sideways with
// zero confidence, which downstream treats as insufficient history.
func (d *Detector) Detect(series []bars.Bar, at time.Time) Result {
	if len(series) < minBars {
		return Result{Regime: signal.RegimeSideways, Confidence: 0, At: at}
	}

	f := d.features(series)
	f.TrendScore = trendScore(f)
	f.VolSpikeScore = volSpikeScore(f)
	f.MeanRevScore = meanRevertScore(f)

	best, conf := signal.RegimeSideways, 0.0
	if f.TrendScore > conf {
		best, conf = signal.RegimeTrend, f.TrendScore
	}
	if f.VolSpikeScore > conf {
		best, conf = signal.RegimeVolSpike, f.VolSpikeScore
	}
	if f.MeanRevScore > conf {
		best, conf = signal.RegimeMeanRevert, f.MeanRevScore
	}

	return Result{Regime: best, Confidence: conf, Features: f, At: at}
}

func (d *Detector) features(series []bars.Bar) Features {
	upper, _, lower := indicators.BollingerBands(series, 20, 2.0)
	last := series[len(series)-1].Close

	bbPos := 0.5
	if upper > lower {
		bbPos = clamp01((last - lower) / (upper - lower))
	}

	barsPerMin := int(time.Minute / d.barInterval)
	if barsPerMin < 1 {
		barsPerMin = 1
	}

	return Features{
		ADX:           indicators.ADX(series, 14),
		EMA20:         indicators.EMA(series, 20),
		EMA50:         indicators.EMA(series, 50),
		RSI:           indicators.RSI(series, 14),
		BBPosition:    bbPos,
		RealizedVol:   indicators.RealizedVol(series, 20),
		VolumeSpike:   indicators.VolumeSpikeRatio(series, 20),
		PriceChange1m: priceChange(series, barsPerMin),
		PriceChange5m: priceChange(series, 5*barsPerMin),
	}
}

// trendScore gates on ADX strength and the EMA 20/50 spread; failing
// either gate zeroes the regime outright.
func trendScore(f Features) float64 {
	if f.ADX <= adxTrendMin {
		return 0
	}
	adxComponent := clamp01((f.ADX - adxTrendMin) / adxFullRange)

	if f.EMA50 == 0 {
		return 0
	}
	ratio := (f.EMA20 - f.EMA50) / f.EMA50
	if ratio <= emaRatioMin {
		return 0
	}
	emaComponent := clamp01(ratio / emaRatioFull)

	return 0.5*adxComponent + 0.5*emaComponent
}

// volSpikeScore gates on realized volatility; a concurrent volume surge
// raises confidence but cannot create the regime on its own.
func volSpikeScore(f Features) float64 {
	if f.RealizedVol < volSpikeMin {
		return 0
	}
	volComponent := clamp01(f.RealizedVol / volSpikeFull)

	score := volComponent * 0.7
	weight := 0.7
	if f.VolumeSpike > 0 {
		score += clamp01(f.VolumeSpike/volumeSpikeFull) * 0.3
		weight += 0.3
	}
	return score / weight
}

// meanRevertScore gates on an RSI extreme, then scores the band recovery
// and the short-term direction flip.
func meanRevertScore(f Features) float64 {
	oversold := f.RSI <= rsiOversold
	overbought := f.RSI >= rsiOverbought
	if !oversold && !overbought {
		return 0
	}

	score := (abs(f.RSI-50) / 50) * 0.4
	weight := 0.4

	// Recovery away from the extreme band.
	if oversold && f.BBPosition > 0.3 {
		score += clamp01(f.BBPosition/0.5) * 0.3
		weight += 0.3
	} else if overbought && f.BBPosition < 0.7 {
		score += clamp01((1-f.BBPosition)/0.5) * 0.3
		weight += 0.3
	}

	// Short-term move against the medium-term direction.
	if f.PriceChange1m*f.PriceChange5m < 0 && abs(f.PriceChange1m) > flipMinMove {
		score += clamp01(abs(f.PriceChange1m)/flipFullMove) * 0.3
		weight += 0.3
	}

	return score / weight
}

func priceChange(series []bars.Bar, lookback int) float64 {
	if len(series) < lookback+1 || lookback <= 0 {
		return 0
	}
	prev := series[len(series)-lookback-1].Close
	if prev == 0 {
		return 0
	}
	return (series[len(series)-1].Close - prev) / prev
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

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
